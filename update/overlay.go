package update

import (
	"github.com/miekg/dns"

	"github.com/semihalev/adns/zone"
)

// overlay tracks the sets of the names an update touches so that the
// rules of RFC 2136 §3.4.2 see the effect of earlier steps.
type overlay struct {
	snap  *zone.Snapshot
	names map[string]map[uint16]*zone.RRset
}

func newOverlay(snap *zone.Snapshot) *overlay {
	return &overlay{snap: snap, names: make(map[string]map[uint16]*zone.RRset)}
}

func (o *overlay) node(name string) map[uint16]*zone.RRset {
	if sets, ok := o.names[name]; ok {
		return sets
	}

	sets := make(map[uint16]*zone.RRset)
	if n, ok := o.snap.Node(name); ok {
		for _, set := range n.Sets() {
			sets[set.Type] = set
		}
	}
	o.names[name] = sets

	return sets
}

func (o *overlay) get(name string, t uint16) *zone.RRset {
	return o.node(name)[t]
}

// hasOther reports whether name holds data of a type other than t, ignoring
// the DNSSEC types that may coexist with anything.
func (o *overlay) hasOther(name string, t uint16) bool {
	for have := range o.node(name) {
		if have == t || dnssecType(have) {
			continue
		}
		return true
	}
	return false
}

func (o *overlay) types(name string) []uint16 {
	var out []uint16
	for t := range o.node(name) {
		out = append(out, t)
	}
	return out
}

func (o *overlay) add(rr dns.RR) {
	h := rr.Header()
	name := dns.CanonicalName(h.Name)
	sets := o.node(name)

	if set, ok := sets[h.Rrtype]; ok {
		sets[h.Rrtype], _ = set.Add(rr)
		return
	}
	sets[h.Rrtype] = zone.NewRRset(rr)
}

func (o *overlay) remove(rr dns.RR) {
	h := rr.Header()
	name := dns.CanonicalName(h.Name)
	sets := o.node(name)

	set, ok := sets[h.Rrtype]
	if !ok {
		return
	}

	if n, _ := set.Remove(rr); n != nil {
		sets[h.Rrtype] = n
	} else {
		delete(sets, h.Rrtype)
	}
}

func (o *overlay) deleteSet(name string, t uint16) {
	delete(o.node(name), t)
}

func (o *overlay) deleteName(name string) {
	o.names[name] = make(map[uint16]*zone.RRset)
}

func dnssecType(t uint16) bool {
	switch t {
	case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3:
		return true
	}
	return false
}
