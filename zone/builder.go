package zone

import (
	"sort"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/dnsutil"
)

// Builder stages changes on a private copy of a snapshot. Nodes and index
// slices are copied the first time they are touched, so untouched data is
// shared with the snapshot the builder started from.
type Builder struct {
	base *Snapshot
	next *Snapshot

	owned      map[string]bool
	namesOwned bool
	hashOwned  bool

	changed map[string]struct{}
}

func newBuilder(base *Snapshot) *Builder {
	next := &Snapshot{
		origin: base.origin,
		class:  base.class,
		serial: base.serial,
		nodes:  make(map[string]*Node, len(base.nodes)),
		names:  base.names,
		hashed: make(map[string]*RRset, len(base.hashed)),
		hashes: base.hashes,
	}

	for name, n := range base.nodes {
		next.nodes[name] = n
	}
	for owner, set := range base.hashed {
		next.hashed[owner] = set
	}

	return &Builder{
		base:    base,
		next:    next,
		owned:   make(map[string]bool),
		changed: make(map[string]struct{}),
	}
}

// View returns the staged state. It stays valid only until the next mutation.
func (b *Builder) View() *Snapshot { return b.next }

// Base returns the snapshot the builder started from.
func (b *Builder) Base() *Snapshot { return b.base }

// Origin returns the zone apex.
func (b *Builder) Origin() string { return b.next.origin }

// Serial returns the staged serial.
func (b *Builder) Serial() uint32 { return b.next.serial }

// Changed returns the owner names whose data changed, in canonical order.
func (b *Builder) Changed() []string {
	out := make([]string, 0, len(b.changed))
	for name := range b.changed {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return dnsutil.CompareCanonical(out[i], out[j]) < 0 })
	return out
}

// Dirty reports whether anything was changed.
func (b *Builder) Dirty() bool { return len(b.changed) > 0 }

// Get returns the staged set of type t at name.
func (b *Builder) Get(name string, t uint16) (*RRset, bool) {
	return b.next.Get(name, t)
}

func (b *Builder) node(name string, create bool) *Node {
	n, ok := b.next.nodes[name]
	if !ok {
		if !create {
			return nil
		}
		n = newNode(name)
		b.next.nodes[name] = n
		b.owned[name] = true
		b.insertName(name)
		return n
	}

	if !b.owned[name] {
		n = n.clone()
		b.next.nodes[name] = n
		b.owned[name] = true
	}

	return n
}

func (b *Builder) insertName(name string) {
	if !b.namesOwned {
		b.next.names = append([]string(nil), b.next.names...)
		b.namesOwned = true
	}

	i, found := b.next.search(name)
	if found {
		return
	}

	b.next.names = append(b.next.names, "")
	copy(b.next.names[i+1:], b.next.names[i:])
	b.next.names[i] = name
}

func (b *Builder) removeName(name string) {
	i, found := b.next.search(name)
	if !found {
		return
	}

	if !b.namesOwned {
		b.next.names = append([]string(nil), b.next.names...)
		b.namesOwned = true
	}

	b.next.names = append(b.next.names[:i], b.next.names[i+1:]...)
}

// Put replaces the set at its owner and type. Changes to signatures alone are
// not reported through Changed.
func (b *Builder) Put(set *RRset) {
	name := set.Name
	n := b.node(name, true)

	if old, ok := n.sets[set.Type]; !ok || !old.Equal(set) {
		b.changed[name] = struct{}{}
	}

	n.sets[set.Type] = set
}

// Delete removes the set of type t at name.
func (b *Builder) Delete(name string, t uint16) bool {
	name = dns.CanonicalName(name)
	n := b.node(name, false)
	if n == nil || !n.Has(t) {
		return false
	}

	delete(n.sets, t)
	b.changed[name] = struct{}{}

	if n.Len() == 0 {
		delete(b.next.nodes, name)
		delete(b.owned, name)
		b.removeName(name)
	}

	return true
}

// DeleteName removes every set at name.
func (b *Builder) DeleteName(name string) bool {
	name = dns.CanonicalName(name)
	if _, ok := b.next.nodes[name]; !ok {
		return false
	}

	delete(b.next.nodes, name)
	delete(b.owned, name)
	b.removeName(name)
	b.changed[name] = struct{}{}

	return true
}

// Touch marks name as changed without modifying data.
func (b *Builder) Touch(name string) {
	b.changed[dns.CanonicalName(name)] = struct{}{}
}

// AddRR adds one record to its set.
func (b *Builder) AddRR(rr dns.RR) bool {
	h := rr.Header()
	name := dns.CanonicalName(h.Name)

	set, ok := b.Get(name, h.Rrtype)
	if !ok {
		b.Put(NewRRset(rr))
		return true
	}

	n, changed := set.Add(rr)
	if changed {
		b.Put(n)
	}

	return changed
}

// RemoveRR removes one record from its set.
func (b *Builder) RemoveRR(rr dns.RR) bool {
	h := rr.Header()
	name := dns.CanonicalName(h.Name)

	set, ok := b.Get(name, h.Rrtype)
	if !ok {
		return false
	}

	n, changed := set.Remove(rr)
	if !changed {
		return false
	}

	if n == nil {
		return b.Delete(name, h.Rrtype)
	}

	b.Put(n)
	return true
}

func (b *Builder) ownHashes() {
	if !b.hashOwned {
		b.next.hashes = append([]string(nil), b.next.hashes...)
		b.hashOwned = true
	}
}

// PutNSEC3 stores an NSEC3 set in the hashed index.
func (b *Builder) PutNSEC3(set *RRset) {
	owner := set.Name
	if _, ok := b.next.hashed[owner]; !ok {
		b.ownHashes()
		i := sort.Search(len(b.next.hashes), func(i int) bool {
			return dnsutil.CompareCanonical(b.next.hashes[i], owner) >= 0
		})
		b.next.hashes = append(b.next.hashes, "")
		copy(b.next.hashes[i+1:], b.next.hashes[i:])
		b.next.hashes[i] = owner
	}
	b.next.hashed[owner] = set
}

// DeleteNSEC3 removes the NSEC3 set at owner.
func (b *Builder) DeleteNSEC3(owner string) {
	owner = dns.CanonicalName(owner)
	if _, ok := b.next.hashed[owner]; !ok {
		return
	}

	delete(b.next.hashed, owner)
	b.ownHashes()
	for i, h := range b.next.hashes {
		if h == owner {
			b.next.hashes = append(b.next.hashes[:i], b.next.hashes[i+1:]...)
			break
		}
	}
}

// ClearNSEC3 drops the whole hashed index.
func (b *Builder) ClearNSEC3() {
	b.next.hashed = make(map[string]*RRset)
	b.next.hashes = nil
	b.hashOwned = true
}

// ReplaceNSEC3 installs a complete hashed chain, replacing the current one.
func (b *Builder) ReplaceNSEC3(sets []*RRset) {
	b.next.hashed = make(map[string]*RRset, len(sets))
	b.next.hashes = make([]string, 0, len(sets))
	b.hashOwned = true

	for _, set := range sets {
		if _, ok := b.next.hashed[set.Name]; !ok {
			b.next.hashes = append(b.next.hashes, set.Name)
		}
		b.next.hashed[set.Name] = set
	}

	sort.Slice(b.next.hashes, func(i, j int) bool {
		return dnsutil.CompareCanonical(b.next.hashes[i], b.next.hashes[j]) < 0
	})
}

func (b *Builder) setSerial(serial uint32) {
	b.next.serial = serial
}

func (b *Builder) finish() *Snapshot {
	s := b.next
	b.next = nil
	return s
}
