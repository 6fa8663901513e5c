package consulkvipset

import (
	"net/netip"
	"time"
)

var (
	// IpsetMaxTimeout specifies max ipset timeout of values from consul
	IpsetMaxTimeout = 86400 * time.Second

	// IpsetTimeout specifies the expiration of the ipset entry
	IpsetTimeout = 5 * time.Minute
)

// An Address represents a client address registered under a label
type Address struct {
	Addr       netip.Addr `json:"ip"`
	Since      time.Time  `json:"since"`
	Expiration time.Time  `json:"expiration"`
	Proto      string     `json:"proto,omitempty"`
	Host       string     `json:"host,omitempty"`
}

// Effective reports whether the address is active at the given time
func (a *Address) Effective(now time.Time) bool {
	return (a.Expiration.IsZero() || now.Before(a.Expiration)) && (a.Since.IsZero() || !now.Before(a.Since))
}

// Timeout calculates the ipset timeout of the address, in whole seconds
func (a *Address) Timeout(now time.Time) time.Duration {
	if a.Expiration.IsZero() {
		return IpsetMaxTimeout
	}

	timeout := a.Expiration.Sub(now).Truncate(time.Second)
	if timeout > IpsetMaxTimeout {
		timeout = IpsetMaxTimeout
	} else if timeout < 0 {
		timeout = 0
	}

	return timeout
}

// An IpsetEntry describes an entry to be added to some ipset
type IpsetEntry struct {
	Addr    netip.Addr `json:"ip"`
	Timeout uint       `json:"timeout"`
	Comment string     `json:"comment"`
}
