package main

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"gitea.icts.kuleuven.be/hpc/forwarded/forwarded"
	"github.com/pkg/errors"
)

// Sources of a resolved client address
const (
	sourceForwarded    = "forwarded"
	sourceForwardedFor = "x-forwarded-for"
	sourceRemote       = "remote"
)

// parseTrustedProxies accepts prefixes and bare addresses
func parseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := []netip.Prefix{}

	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		if prefix, err := netip.ParsePrefix(value); err == nil {
			prefixes = append(prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid trusted proxy %q", value)
		}

		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return prefixes, nil
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	addr = addr.Unmap()

	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}

	return false
}

// clientAddr picks the client address of a request. Forwarding headers are
// only honoured when the peer is a configured trusted proxy; without trusted
// proxies the peer itself is the client. The chain is walked from the
// nearest hop, and the first hop that is not a trusted proxy is the client.
func clientAddr(r *http.Request, h forwarded.Header, trusted []netip.Prefix) (netip.Addr, string) {
	remote := remoteAddr(r.RemoteAddr)

	if len(trusted) == 0 || !isTrusted(remote, trusted) {
		return remote, sourceRemote
	}

	return headerAddr(r, h, trusted, remote)
}

// reportedAddr is clientAddr for informational use only: when no trusted
// proxies are configured, the nearest forwarded hop is reported instead of
// the peer.
func reportedAddr(r *http.Request, h forwarded.Header, trusted []netip.Prefix) (netip.Addr, string) {
	if len(trusted) > 0 {
		return clientAddr(r, h, trusted)
	}

	return headerAddr(r, h, nil, remoteAddr(r.RemoteAddr))
}

func headerAddr(r *http.Request, h forwarded.Header, trusted []netip.Prefix, remote netip.Addr) (netip.Addr, string) {
	if addrs := h.ForAddrs(); len(addrs) > 0 {
		return firstUntrusted(addrs, trusted), sourceForwarded
	}

	if addrs := forwardedFor(r.Header.Get("X-Forwarded-For")); len(addrs) > 0 {
		return firstUntrusted(addrs, trusted), sourceForwardedFor
	}

	return remote, sourceRemote
}

func firstUntrusted(addrs []netip.Addr, trusted []netip.Prefix) netip.Addr {
	for i := len(addrs) - 1; i >= 0; i-- {
		if !isTrusted(addrs[i], trusted) {
			return addrs[i]
		}
	}

	return addrs[0]
}

// forwardedFor parses a X-Forwarded-For value, brackets allowed
func forwardedFor(value string) []netip.Addr {
	if value == "" {
		return nil
	}

	entries := strings.Split(value, ",")
	for i := range entries {
		entries[i] = strings.TrimSpace(entries[i])
	}

	return forwarded.ToIPAddresses(entries)
}

func remoteAddr(value string) netip.Addr {
	host, _, err := net.SplitHostPort(value)
	if err != nil {
		host = value
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}

	return addr
}
