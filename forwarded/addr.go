package forwarded

import (
	"net/netip"
	"strings"
)

// ForAddrs returns the for entries that parse as IP addresses
func (h Header) ForAddrs() []netip.Addr {
	return ToIPAddresses(h.forEntries)
}

// ToIPAddresses parses for entries into IP addresses, in order.
// Entries that are not addresses, such as obfuscated identifiers,
// "unknown" or broken brackets, are dropped.
func ToIPAddresses(entries []string) []netip.Addr {
	addrs := []netip.Addr{}

	for _, entry := range entries {
		if a, ok := parseEntry(entry); ok {
			addrs = append(addrs, a)
		}
	}

	return addrs
}

// parseEntry handles "192.0.2.1" and "\"[2001:db8::1]:4711\"" forms
func parseEntry(entry string) (netip.Addr, bool) {
	if i := strings.IndexByte(entry, ']'); i >= 0 {
		prefix := entry[:i]
		entry = prefix[strings.LastIndexByte(prefix, '[')+1:]
	}

	a, err := netip.ParseAddr(entry)
	if err != nil || a.Zone() != "" {
		return netip.Addr{}, false
	}

	return a, true
}
