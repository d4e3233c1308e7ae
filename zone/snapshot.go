package zone

import (
	"sort"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/dnsutil"
)

// Snapshot is an immutable, consistent view of a zone. Readers obtain one
// from Store.Snapshot and may keep using it while writers publish newer ones.
type Snapshot struct {
	origin string
	class  uint16
	serial uint32

	nodes map[string]*Node
	names []string // canonical order

	hashed map[string]*RRset // NSEC3 sets by owner
	hashes []string          // hashed owners in canonical order
}

func emptySnapshot(origin string, class uint16) *Snapshot {
	return &Snapshot{
		origin: origin,
		class:  class,
		nodes:  make(map[string]*Node),
		hashed: make(map[string]*RRset),
	}
}

// Origin returns the zone apex.
func (s *Snapshot) Origin() string { return s.origin }

// Class returns the zone class.
func (s *Snapshot) Class() uint16 { return s.class }

// Serial returns the SOA serial of this snapshot.
func (s *Snapshot) Serial() uint32 { return s.serial }

// Len returns the number of owner names holding data.
func (s *Snapshot) Len() int { return len(s.names) }

// Names returns owner names in canonical order. The slice must not be modified.
func (s *Snapshot) Names() []string { return s.names }

// Node returns the node at name.
func (s *Snapshot) Node(name string) (*Node, bool) {
	n, ok := s.nodes[dns.CanonicalName(name)]
	return n, ok
}

// Get returns the set of type t at name.
func (s *Snapshot) Get(name string, t uint16) (*RRset, bool) {
	n, ok := s.Node(name)
	if !ok {
		return nil, false
	}
	return n.Get(t)
}

// SOA returns the apex SOA record.
func (s *Snapshot) SOA() *dns.SOA {
	set, ok := s.Get(s.origin, dns.TypeSOA)
	if !ok || len(set.Records) == 0 {
		return nil
	}
	return set.Records[0].(*dns.SOA)
}

// InZone reports whether name is at or below the origin.
func (s *Snapshot) InZone(name string) bool {
	return dns.IsSubDomain(s.origin, name)
}

func (s *Snapshot) search(name string) (int, bool) {
	i := sort.Search(len(s.names), func(i int) bool {
		return dnsutil.CompareCanonical(s.names[i], name) >= 0
	})
	return i, i < len(s.names) && s.names[i] == name
}

// HasDescendants reports whether any owner name lies strictly below name.
func (s *Snapshot) HasDescendants(name string) bool {
	name = dns.CanonicalName(name)
	i, found := s.search(name)
	if found {
		i++
	}
	return i < len(s.names) && dns.IsSubDomain(name, s.names[i])
}

// Exists reports whether name owns data or is an empty non-terminal.
func (s *Snapshot) Exists(name string) bool {
	if _, ok := s.Node(name); ok {
		return true
	}
	return s.HasDescendants(name)
}

// IsEmptyNonTerminal reports whether name owns nothing but has descendants.
func (s *Snapshot) IsEmptyNonTerminal(name string) bool {
	if _, ok := s.Node(name); ok {
		return false
	}
	return s.HasDescendants(name)
}

// Prev returns the closest owner name sorting before name, wrapping to the
// last name. Names for which skip returns true are passed over.
func (s *Snapshot) Prev(name string, skip func(string) bool) string {
	if len(s.names) == 0 {
		return ""
	}

	i, _ := s.search(dns.CanonicalName(name))
	for n := 0; n < len(s.names); n++ {
		i--
		if i < 0 {
			i = len(s.names) - 1
		}
		if skip == nil || !skip(s.names[i]) {
			return s.names[i]
		}
	}

	return ""
}

// Next returns the closest owner name sorting after name, wrapping to the
// first name. Names for which skip returns true are passed over.
func (s *Snapshot) Next(name string, skip func(string) bool) string {
	if len(s.names) == 0 {
		return ""
	}

	i, found := s.search(dns.CanonicalName(name))
	if !found {
		i--
	}
	for n := 0; n < len(s.names); n++ {
		i++
		if i >= len(s.names) {
			i = 0
		}
		if skip == nil || !skip(s.names[i]) {
			return s.names[i]
		}
	}

	return ""
}

// Delegation returns the closest zone cut strictly below the origin that is
// at or above name, or "" when name is authoritative data.
func (s *Snapshot) Delegation(name string) string {
	name = dns.CanonicalName(name)
	labels := dns.SplitDomainName(name)
	depth := dns.CountLabel(s.origin)

	// walk from the label right under the apex down to name
	for i := len(labels) - depth - 1; i >= 0; i-- {
		cut := dns.Fqdn(joinLabels(labels[i:]))
		if n, ok := s.nodes[cut]; ok && n.Has(dns.TypeNS) {
			return cut
		}
	}

	return ""
}

// Occluded reports whether name lies strictly below a zone cut.
func (s *Snapshot) Occluded(name string) bool {
	cut := s.Delegation(name)
	return cut != "" && cut != dns.CanonicalName(name)
}

// NSEC3 returns the NSEC3 set at a hashed owner name.
func (s *Snapshot) NSEC3(owner string) (*RRset, bool) {
	set, ok := s.hashed[dns.CanonicalName(owner)]
	return set, ok
}

// NSEC3Owners returns the hashed owner names in hash order.
func (s *Snapshot) NSEC3Owners() []string { return s.hashes }

// NSEC3Covering returns the NSEC3 set whose owner hash equals or precedes
// the hash of name, wrapping around the chain.
func (s *Snapshot) NSEC3Covering(hash string) (*RRset, bool) {
	if len(s.hashes) == 0 {
		return nil, false
	}

	owner := dns.CanonicalName(hash + "." + s.origin)
	i := sort.Search(len(s.hashes), func(i int) bool {
		return dnsutil.CompareCanonical(s.hashes[i], owner) > 0
	})
	i--
	if i < 0 {
		i = len(s.hashes) - 1
	}

	return s.hashed[s.hashes[i]], true
}

// Walk calls fn for every node in canonical order until fn returns false.
func (s *Snapshot) Walk(fn func(*Node) bool) {
	for _, name := range s.names {
		if !fn(s.nodes[name]) {
			return
		}
	}
}

// Records returns every record of the zone, signatures included, with the
// SOA first. It is the payload of a zone transfer.
func (s *Snapshot) Records() []dns.RR {
	var out []dns.RR

	if set, ok := s.Get(s.origin, dns.TypeSOA); ok {
		out = append(out, set.RRs()...)
		out = append(out, set.SigRRs()...)
	}

	s.Walk(func(n *Node) bool {
		for _, set := range n.Sets() {
			if set.Type == dns.TypeSOA && n.Name == s.origin {
				continue
			}
			out = append(out, set.RRs()...)
			out = append(out, set.SigRRs()...)
		}
		return true
	})

	for _, owner := range s.hashes {
		set := s.hashed[owner]
		out = append(out, set.RRs()...)
		out = append(out, set.SigRRs()...)
	}

	return out
}

func joinLabels(labels []string) string {
	n := 0
	for _, l := range labels {
		n += len(l) + 1
	}

	b := make([]byte, 0, n)
	for i, l := range labels {
		if i > 0 {
			b = append(b, '.')
		}
		b = append(b, l...)
	}

	return string(b)
}
