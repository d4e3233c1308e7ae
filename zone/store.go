// Package zone holds the record store of an authoritative zone. Readers work
// on immutable snapshots; writers stage changes on a copy and publish the
// result with a single pointer swap, so a lookup never observes half of an
// update.
package zone

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/dnsutil"
)

// Sealer runs on the staged state before it is published. DNSSEC signing is
// a sealer; its failure aborts the commit.
type Sealer func(b *Builder) error

// Store is the record store of a single zone.
type Store struct {
	origin string
	class  uint16

	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// NewStore returns an empty store for origin.
func NewStore(origin string, class uint16) *Store {
	origin = dns.CanonicalName(origin)

	s := &Store{origin: origin, class: class}
	s.snap.Store(emptySnapshot(origin, class))

	return s
}

// Origin returns the zone apex.
func (s *Store) Origin() string { return s.origin }

// Class returns the zone class.
func (s *Store) Class() uint16 { return s.class }

// Snapshot returns the current published state.
func (s *Store) Snapshot() *Snapshot { return s.snap.Load() }

// Serial returns the current serial.
func (s *Store) Serial() uint32 { return s.snap.Load().serial }

// Lookup returns the set of rrtype at name. It is an exact match only.
func (s *Store) Lookup(name string, rrtype, class uint16) (*RRset, bool) {
	if class != s.class {
		return nil, false
	}
	return s.snap.Load().Get(name, rrtype)
}

// Loaded reports whether the store holds a zone with a SOA.
func (s *Store) Loaded() bool { return s.snap.Load().SOA() != nil }

// Load replaces the content of the store with rrs. RRSIG records are attached
// to the sets they cover and NSEC3 records go to the hashed index.
func (s *Store) Load(rrs []dns.RR, seal ...Sealer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(rrs, false, seal)
}

// Replace is Load for transferred content: the incoming serial must be newer
// than the current one unless the store is empty.
func (s *Store) Replace(rrs []dns.RR, seal ...Sealer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load(rrs, true, seal)
}

func (s *Store) load(rrs []dns.RR, checkSerial bool, seal []Sealer) error {
	next := emptySnapshot(s.origin, s.class)
	buf := make([]byte, dns.MaxMsgSize)

	type sigKey struct {
		name    string
		covered uint16
	}

	var (
		soa  *dns.SOA
		sigs = make(map[sigKey][]*dns.RRSIG)
		sets = make(map[sigKey][]dns.RR)
		keys []sigKey
	)

	for _, rr := range rrs {
		if err := s.validate(rr, buf); err != nil {
			return err
		}

		h := rr.Header()
		name := dns.CanonicalName(h.Name)

		switch v := rr.(type) {
		case *dns.SOA:
			if soa != nil || name != s.origin {
				return &RecordError{Record: rr.String(), Err: ErrMultipleSOA}
			}
			soa = v
		case *dns.RRSIG:
			k := sigKey{name, v.TypeCovered}
			sig := dns.Copy(v).(*dns.RRSIG)
			sig.Hdr.Name = name
			sigs[k] = append(sigs[k], sig)
			continue
		}

		k := sigKey{name, h.Rrtype}
		if _, ok := sets[k]; !ok {
			keys = append(keys, k)
		}
		sets[k] = append(sets[k], rr)
	}

	if soa == nil {
		return ErrNoSOA
	}

	cur := s.snap.Load()
	if checkSerial && cur.SOA() != nil && soa.Serial <= cur.serial {
		return ErrStaleSerial
	}

	for _, k := range keys {
		set := NewRRset(sets[k]...)
		if sig := sigs[k]; len(sig) > 0 {
			set.Sigs = sig
		}

		if k.covered == dns.TypeNSEC3 {
			next.hashed[k.name] = set
			next.hashes = append(next.hashes, k.name)
			continue
		}

		n, ok := next.nodes[k.name]
		if !ok {
			n = newNode(k.name)
			next.nodes[k.name] = n
			next.names = append(next.names, k.name)
		}
		n.sets[k.covered] = set
	}

	sort.Slice(next.names, func(i, j int) bool { return dnsutil.CompareCanonical(next.names[i], next.names[j]) < 0 })
	sort.Slice(next.hashes, func(i, j int) bool { return dnsutil.CompareCanonical(next.hashes[i], next.hashes[j]) < 0 })
	next.serial = soa.Serial

	if len(seal) > 0 {
		b := newBuilder(next)
		for _, name := range next.names {
			b.Touch(name)
		}
		for _, fn := range seal {
			if err := fn(b); err != nil {
				return err
			}
		}
		next = b.finish()
	}

	s.snap.Store(next)

	return nil
}

// Apply commits tx atomically. Either every step is applied and the new
// state is published with a bumped serial, or nothing changes. A transaction
// that changes no data is not committed and returns the current serial.
//
// A SOA record added by tx with a larger serial is adopted as is; otherwise
// the serial is incremented by exactly one.
func (s *Store) Apply(tx *Transaction, seal ...Sealer) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit(tx, false, seal)
}

// Reseal publishes a new serial after running the sealers over an unchanged
// zone. It is how signatures are refreshed.
func (s *Store) Reseal(seal ...Sealer) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.commit(NewTransaction(), true, seal)
}

func (s *Store) commit(tx *Transaction, force bool, seal []Sealer) (uint32, error) {
	cur := s.snap.Load()
	if cur.SOA() == nil {
		return 0, ErrNoSOA
	}

	b := newBuilder(cur)
	buf := make([]byte, dns.MaxMsgSize)

	var explicit *dns.SOA

	for _, op := range tx.Ops {
		if op.RR != nil {
			if err := s.validate(op.RR, buf); err != nil {
				return 0, err
			}
			if _, ok := op.RR.(*dns.RRSIG); ok {
				return 0, &RecordError{Record: op.RR.String(), Err: ErrInvalidRData}
			}
		} else if !dns.IsSubDomain(s.origin, op.Name) {
			return 0, ErrNotInZone
		}

		name := op.Name
		apex := name == s.origin

		switch op.Kind {
		case OpAdd:
			if soa, ok := op.RR.(*dns.SOA); ok {
				if !apex {
					return 0, &RecordError{Record: op.RR.String(), Err: ErrMultipleSOA}
				}
				explicit = soa
				b.Put(NewRRset(soa))
				continue
			}
			b.AddRR(op.RR)
		case OpDeleteRR:
			if apex && op.Type == dns.TypeSOA {
				return 0, ErrNoSOA
			}
			b.RemoveRR(op.RR)
		case OpDeleteRRset:
			if apex && op.Type == dns.TypeSOA {
				return 0, ErrNoSOA
			}
			b.Delete(name, op.Type)
		case OpDeleteName:
			if apex {
				return 0, ErrNoSOA
			}
			b.DeleteName(name)
		default:
			return 0, ErrMalformedUpdate
		}
	}

	if !b.Dirty() && !force {
		return cur.serial, nil
	}

	serial, err := nextSerial(cur.serial, explicit)
	if err != nil {
		return 0, err
	}

	set, _ := b.Get(s.origin, dns.TypeSOA)
	soa := dns.Copy(set.Records[0]).(*dns.SOA)
	soa.Serial = serial
	b.Put(NewRRset(soa))
	b.setSerial(serial)

	for _, fn := range seal {
		if err := fn(b); err != nil {
			return 0, err
		}
	}

	next := b.finish()
	s.snap.Store(next)

	return serial, nil
}

func nextSerial(cur uint32, explicit *dns.SOA) (uint32, error) {
	if explicit != nil && explicit.Serial > cur {
		return explicit.Serial, nil
	}

	if cur == math.MaxUint32 {
		return 0, ErrSerialOverflow
	}

	return cur + 1, nil
}

func (s *Store) validate(rr dns.RR, buf []byte) error {
	h := rr.Header()

	if err := dnsutil.ValidateName(h.Name); err != nil {
		if errors.Is(err, dnsutil.ErrBadName) {
			return &RecordError{Record: rr.String(), Err: ErrInvalidRData}
		}
		return &RecordError{Record: h.Name, Err: ErrNameTooLong}
	}

	if h.Class != s.class {
		return &RecordError{Record: rr.String(), Err: ErrClassMismatch}
	}

	if !dns.IsSubDomain(s.origin, h.Name) {
		return &RecordError{Record: rr.String(), Err: ErrNotInZone}
	}

	if IsMetaType(h.Rrtype) {
		return &RecordError{Record: rr.String(), Err: ErrInvalidRData}
	}

	if _, err := dns.PackRR(rr, buf, 0, nil, false); err != nil {
		return &RecordError{Record: rr.String(), Err: ErrInvalidRData}
	}

	return nil
}

// IsMetaType reports whether t is a query or meta type that cannot be stored.
func IsMetaType(t uint16) bool {
	switch t {
	case dns.TypeNone, dns.TypeOPT, dns.TypeTSIG, dns.TypeTKEY,
		dns.TypeIXFR, dns.TypeAXFR, dns.TypeMAILA, dns.TypeMAILB, dns.TypeANY:
		return true
	}
	return false
}
