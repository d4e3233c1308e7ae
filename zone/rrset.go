package zone

import (
	"sort"

	"github.com/miekg/dns"
)

// RRset is an immutable set of records sharing owner, type and class,
// together with the signatures that cover it. Mutating helpers return a
// new set and never touch the receiver.
type RRset struct {
	Name    string
	Type    uint16
	Class   uint16
	TTL     uint32
	Records []dns.RR
	Sigs    []*dns.RRSIG
}

// NewRRset builds a set from records. The owner is canonicalised and every
// record takes the TTL of the first one. Duplicates are dropped.
func NewRRset(rrs ...dns.RR) *RRset {
	if len(rrs) == 0 {
		return nil
	}

	h := rrs[0].Header()
	set := &RRset{
		Name:  dns.CanonicalName(h.Name),
		Type:  h.Rrtype,
		Class: h.Class,
		TTL:   h.Ttl,
	}

	for _, rr := range rrs {
		set.Records = set.appendUnique(set.Records, rr)
	}

	return set
}

func (s *RRset) appendUnique(list []dns.RR, rr dns.RR) []dns.RR {
	for _, have := range list {
		if dns.IsDuplicate(have, rr) {
			return list
		}
	}

	c := dns.Copy(rr)
	c.Header().Name = s.Name
	c.Header().Ttl = s.TTL

	return append(list, c)
}

func (s *RRset) clone() *RRset {
	c := *s
	c.Records = append([]dns.RR(nil), s.Records...)
	c.Sigs = append([]*dns.RRSIG(nil), s.Sigs...)
	return &c
}

// Len returns the number of records.
func (s *RRset) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Records)
}

// Contains reports whether an equal record (ignoring TTL) is in the set.
func (s *RRset) Contains(rr dns.RR) bool {
	for _, have := range s.Records {
		if dns.IsDuplicate(have, rr) {
			return true
		}
	}
	return false
}

// Add returns a set with rr added and the set TTL taken from rr.
// Signatures are dropped because they no longer cover the data.
func (s *RRset) Add(rr dns.RR) (*RRset, bool) {
	if s.Contains(rr) && rr.Header().Ttl == s.TTL {
		return s, false
	}

	n := s.clone()
	n.Sigs = nil
	n.TTL = rr.Header().Ttl

	var records []dns.RR
	for _, have := range n.Records {
		if dns.IsDuplicate(have, rr) {
			continue
		}
		records = append(records, have)
	}
	n.Records = nil
	for _, have := range records {
		n.Records = n.appendUnique(n.Records, have)
	}
	n.Records = n.appendUnique(n.Records, rr)

	return n, true
}

// Remove returns a set without rr; nil when the set becomes empty.
func (s *RRset) Remove(rr dns.RR) (*RRset, bool) {
	if !s.Contains(rr) {
		return s, false
	}

	n := s.clone()
	n.Sigs = nil
	n.Records = n.Records[:0]

	for _, have := range s.Records {
		if dns.IsDuplicate(have, rr) {
			continue
		}
		n.Records = append(n.Records, have)
	}

	if len(n.Records) == 0 {
		return nil, true
	}

	return n, true
}

// WithSigs returns a copy of the set carrying sigs.
func (s *RRset) WithSigs(sigs []*dns.RRSIG) *RRset {
	n := s.clone()
	n.Sigs = append([]*dns.RRSIG(nil), sigs...)
	return n
}

// RRs returns copies of the records, suitable for putting into a message.
func (s *RRset) RRs() []dns.RR {
	out := make([]dns.RR, 0, len(s.Records))
	for _, rr := range s.Records {
		out = append(out, dns.Copy(rr))
	}
	return out
}

// SigRRs returns copies of the signatures as plain records.
func (s *RRset) SigRRs() []dns.RR {
	out := make([]dns.RR, 0, len(s.Sigs))
	for _, sig := range s.Sigs {
		out = append(out, dns.Copy(sig))
	}
	return out
}

// Rename returns copies of records and signatures with the owner replaced,
// which is how wildcard answers are synthesised.
func (s *RRset) Rename(owner string) ([]dns.RR, []dns.RR) {
	rrs, sigs := s.RRs(), s.SigRRs()
	for _, rr := range rrs {
		rr.Header().Name = owner
	}
	for _, rr := range sigs {
		rr.Header().Name = owner
	}
	return rrs, sigs
}

// Equal reports whether both sets hold the same data, ignoring signatures.
func (s *RRset) Equal(o *RRset) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Name != o.Name || s.Type != o.Type || s.Class != o.Class || s.TTL != o.TTL || len(s.Records) != len(o.Records) {
		return false
	}
	for _, rr := range o.Records {
		if !s.Contains(rr) {
			return false
		}
	}
	return true
}

// Node is every set held at one owner name.
type Node struct {
	Name string
	sets map[uint16]*RRset
}

func newNode(name string) *Node {
	return &Node{Name: name, sets: make(map[uint16]*RRset)}
}

func (n *Node) clone() *Node {
	c := newNode(n.Name)
	for t, set := range n.sets {
		c.sets[t] = set
	}
	return c
}

// Get returns the set of type t.
func (n *Node) Get(t uint16) (*RRset, bool) {
	set, ok := n.sets[t]
	return set, ok
}

// Has reports whether the node holds a set of type t.
func (n *Node) Has(t uint16) bool {
	_, ok := n.sets[t]
	return ok
}

// Types returns the held types in ascending order.
func (n *Node) Types() []uint16 {
	types := make([]uint16, 0, len(n.sets))
	for t := range n.sets {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Sets returns the held sets ordered by type.
func (n *Node) Sets() []*RRset {
	out := make([]*RRset, 0, len(n.sets))
	for _, t := range n.Types() {
		out = append(out, n.sets[t])
	}
	return out
}

// Len returns the number of sets.
func (n *Node) Len() int { return len(n.sets) }
