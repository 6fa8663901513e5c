// Package consulkvipset keeps client addresses in the consul kv store, one key
// per label, so that an ipset on the gateways can be synchronised from it.
package consulkvipset

import (
	"net/netip"
	"time"

	"gitea.icts.kuleuven.be/hpc/forwarded/forwarded"
	consul "github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// Retries specifies the maximum number of CAS attempts of Add
const Retries = 10

// ErrRetryLimit is returned when every CAS attempt of Add conflicted
var ErrRetryLimit = errors.New("retry limit exceeded")

// KV is the subset of the consul kv api used by a Store. It is satisfied by *consul.KV.
type KV interface {
	Get(key string, q *consul.QueryOptions) (*consul.KVPair, *consul.QueryMeta, error)
	List(prefix string, q *consul.QueryOptions) (consul.KVPairs, *consul.QueryMeta, error)
	CAS(p *consul.KVPair, q *consul.WriteOptions) (bool, *consul.WriteMeta, error)
}

// A Store represents the ipset below a consul kv path
type Store struct {
	kv     KV
	path   string
	logger hclog.Logger
	now    func() time.Time
}

// NewStore returns a new Store
func NewStore(kv KV, path string, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Store{
		kv:     kv,
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) record(key string) *kvRecord {
	return &kvRecord{
		kv:     s.kv,
		path:   key,
		logger: s.logger,
	}
}

// Add registers addr under label. The proto and host of the forwarded
// header the address was resolved from are kept for reference.
func (s *Store) Add(label string, addr netip.Addr, h forwarded.Header) (*Address, error) {
	if !addr.IsValid() {
		return nil, errors.New("invalid address")
	}

	r := s.record(s.path + "/" + label)

	for i := 0; i < Retries; i++ {
		if err := r.read(0); err != nil {
			return nil, err
		}

		a := newAddress(addr, s.now())
		a.Proto, _ = h.Proto()
		a.Host, _ = h.Host()

		r.add(a, a.Since)

		success, err := r.write()
		if err != nil {
			return nil, err
		}

		if success {
			s.logger.Debug("address added", "key", r.path, "ip", addr, "attempt", i+1)
			return a, nil
		}
	}

	return nil, errors.Wrapf(ErrRetryLimit, "tried %d times", Retries)
}

// Addresses returns the addresses under label that are effective now, the
// time used and the modify index of the key. A non-zero index blocks until
// the key has changed.
func (s *Store) Addresses(label string, index uint64) ([]*Address, time.Time, uint64, error) {
	r := s.record(s.path + "/" + label)

	if err := r.read(index); err != nil {
		return nil, time.Time{}, 0, err
	}

	var (
		now       = s.now()
		addresses = []*Address{}
	)

	for _, a := range r.addresses {
		if a.Addr.IsValid() && a.Effective(now) {
			addresses = append(addresses, a)
		}
	}

	return addresses, now, r.index, nil
}

// ListEffectiveIPs lists all currently effective addresses. A non-zero index
// blocks until the kv store has moved past it.
func (s *Store) ListEffectiveIPs(index uint64) ([]IpsetEntry, uint64, error) {
	queryoptions := &consul.QueryOptions{}

	if index != 0 {
		queryoptions.WaitIndex = index
	}

	pairs, meta, err := s.kv.List(s.path+"/", queryoptions)
	if err != nil {
		return nil, 0, errors.Wrap(err, "could not list keys")
	}

	var (
		now     = s.now()
		entries = []IpsetEntry{}
	)

	for _, pair := range pairs {
		r := s.record(pair.Key)
		r.readData(pair)

		entries = append(entries, r.effective(now)...)
	}

	var lastIndex uint64
	if meta != nil {
		lastIndex = meta.LastIndex
	}

	return entries, lastIndex, nil
}
