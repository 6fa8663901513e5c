package consulkvipset

import (
	"encoding/json"
	"net/netip"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// A kvRecord represents the addresses stored under a single label
type kvRecord struct {
	kv        KV
	path      string
	logger    hclog.Logger
	addresses []*Address
	index     uint64
}

func (r *kvRecord) read(index uint64) error {
	queryoptions := &consul.QueryOptions{}

	if index != 0 {
		queryoptions.WaitIndex = index
	}

	pair, _, err := r.kv.Get(r.path, queryoptions)
	if err != nil {
		return errors.Wrap(err, "could not get key")
	}

	r.readData(pair)

	return nil
}

func (r *kvRecord) readData(pair *consul.KVPair) {
	r.addresses = []*Address{}
	r.index = 0

	if pair == nil {
		return
	}

	r.index = pair.ModifyIndex

	if err := json.Unmarshal(pair.Value, &r.addresses); err != nil {
		r.logger.Warn("could not parse current value", "key", pair.Key, "error", err)
		r.addresses = []*Address{}
	}
}

// add merges a into the record in memory. Expired addresses are dropped,
// addresses without expiration are kept, and an address that is still
// active keeps its original start.
func (r *kvRecord) add(a *Address, now time.Time) {
	newAddresses := []*Address{}

	for _, b := range r.addresses {
		if !b.Addr.IsValid() || (!b.Expiration.IsZero() && !now.Before(b.Expiration)) {
			continue
		}

		if b.Addr == a.Addr {
			if b.Since.Before(a.Since) {
				a.Since = b.Since
			}

			continue
		}

		newAddresses = append(newAddresses, b)
	}

	r.addresses = append(newAddresses, a)
}

func (r *kvRecord) effective(now time.Time) []IpsetEntry {
	entries := []IpsetEntry{}

	for _, a := range r.addresses {
		if !a.Addr.IsValid() || !a.Effective(now) {
			continue
		}

		timeout := a.Timeout(now)
		if timeout == 0 {
			continue
		}

		entries = append(entries, IpsetEntry{
			Addr:    a.Addr,
			Timeout: uint(timeout / time.Second),
			Comment: r.path,
		})
	}

	return entries
}

// Write record back using CAS
func (r *kvRecord) write() (bool, error) {
	data, err := json.Marshal(r.addresses)
	if err != nil {
		return false, errors.Wrap(err, "could not format as json")
	}

	pair := &consul.KVPair{
		Key:         r.path,
		Value:       data,
		ModifyIndex: r.index,
	}

	success, _, err := r.kv.CAS(pair, nil)
	if err != nil {
		return false, errors.Wrap(err, "consul operation failed")
	}

	return success, nil
}

func newAddress(addr netip.Addr, now time.Time) *Address {
	return &Address{
		Addr:       addr,
		Since:      now,
		Expiration: now.Add(IpsetTimeout),
	}
}
