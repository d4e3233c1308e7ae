package dnssec

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/dnsutil"
	"github.com/semihalev/adns/zone"
)

// HashOwner returns the NSEC3 owner name of name in zone origin.
func HashOwner(name, origin string, p *NSEC3Params) string {
	h := dns.HashName(name, dns.SHA1, p.Iterations, p.Salt)
	return strings.ToLower(h) + "." + origin
}

func (s *Signer) skipper(view *zone.Snapshot) func(string) bool {
	return func(name string) bool { return view.Occluded(name) }
}

// nsecTypes is the type bitmap of an NSEC record at n.
func nsecTypes(n *zone.Node) []uint16 {
	types := []uint16{dns.TypeNSEC, dns.TypeRRSIG}
	for _, t := range n.Types() {
		if t != dns.TypeNSEC {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// patchNSEC rewrites the NSEC records of names and of their predecessors.
func (s *Signer) patchNSEC(b *zone.Builder, ks *KeySet, names []string, now time.Time) error {
	view := b.View()
	ttl := negativeTTL(view)
	skip := s.skipper(view)

	for _, name := range names {
		n, ok := view.Node(name)
		if !ok || !n.Has(dns.TypeNSEC) {
			continue
		}
		if view.Occluded(name) || n.Len() == 1 {
			b.Delete(name, dns.TypeNSEC)
		}
	}

	var (
		seen    = make(map[string]bool)
		targets []string
	)

	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			targets = append(targets, name)
		}
	}

	for _, name := range names {
		if _, ok := view.Node(name); ok && !view.Occluded(name) {
			add(name)
		}
		add(view.Prev(name, skip))
	}

	for _, t := range targets {
		n, ok := view.Node(t)
		if !ok {
			continue
		}

		set := zone.NewRRset(&dns.NSEC{
			Hdr:        dns.RR_Header{Name: t, Rrtype: dns.TypeNSEC, Class: view.Class(), Ttl: ttl},
			NextDomain: view.Next(t, skip),
			TypeBitMap: nsecTypes(n),
		})

		if cur, ok := view.Get(t, dns.TypeNSEC); ok && cur.Equal(set) {
			set = cur
		}

		signed, err := s.signSet(ks, set, now)
		if err != nil {
			return err
		}
		b.Put(signed)
	}

	for _, t := range targets {
		set, ok := view.Get(t, dns.TypeNSEC)
		if !ok {
			continue
		}
		next := set.Records[0].(*dns.NSEC).NextDomain
		if next != t && view.Prev(next, skip) != t {
			return fmt.Errorf("%w: nsec at %s points to %s", ErrChainCorrupt, t, next)
		}
	}

	return nil
}

// hashCandidate reports whether name must own an NSEC3 record: authoritative
// names and empty non-terminals that are not below a cut.
func hashCandidate(view *zone.Snapshot, name string) bool {
	if !view.InZone(name) || view.Occluded(name) {
		return false
	}
	if _, ok := view.Node(name); ok {
		return true
	}
	return view.HasDescendants(name)
}

func nsec3Types(view *zone.Snapshot, name string) []uint16 {
	n, ok := view.Node(name)
	if !ok {
		return nil
	}

	signed := false
	types := make([]uint16, 0, n.Len()+1)
	for _, set := range n.Sets() {
		if set.Type == dns.TypeNSEC {
			continue
		}
		types = append(types, set.Type)
		if len(set.Sigs) > 0 {
			signed = true
		}
	}
	if signed {
		types = append(types, dns.TypeRRSIG)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func newNSEC3(owner string, class uint16, ttl uint32, p *NSEC3Params, next string, types []uint16) *dns.NSEC3 {
	return &dns.NSEC3{
		Hdr:        dns.RR_Header{Name: owner, Rrtype: dns.TypeNSEC3, Class: class, Ttl: ttl},
		Hash:       dns.SHA1,
		Iterations: p.Iterations,
		SaltLength: uint8(len(p.Salt) / 2),
		Salt:       p.Salt,
		HashLength: 20,
		NextDomain: next,
		TypeBitMap: types,
	}
}

func hashLabel(owner string) string {
	return strings.ToUpper(owner[:strings.IndexByte(owner, '.')])
}

// ancestors returns name and every parent up to origin.
func ancestors(name, origin string) []string {
	var out []string
	for x := name; x != ""; x = dnsutil.Parent(x) {
		out = append(out, x)
		if x == origin {
			break
		}
	}
	return out
}

// patchNSEC3 updates the hashed owners of names and their ancestors, then
// relinks them and their predecessors in hash order.
func (s *Signer) patchNSEC3(b *zone.Builder, ks *KeySet, p *NSEC3Params, names []string, now time.Time) error {
	view := b.View()
	ttl := negativeTTL(view)

	seen := make(map[string]bool)
	var touched []string

	for _, name := range names {
		for _, x := range ancestors(name, s.origin) {
			if seen[x] {
				break
			}
			seen[x] = true

			owner := HashOwner(x, s.origin, p)
			if hashCandidate(view, x) {
				next := ""
				if cur, ok := view.NSEC3(owner); ok {
					next = cur.Records[0].(*dns.NSEC3).NextDomain
				}
				b.PutNSEC3(zone.NewRRset(newNSEC3(owner, view.Class(), ttl, p, next, nsec3Types(view, x))))
				touched = append(touched, owner)
			} else if _, ok := view.NSEC3(owner); ok {
				b.DeleteNSEC3(owner)
				touched = append(touched, owner)
			}
		}
	}

	relink := make(map[string]bool)
	for _, owner := range touched {
		if _, ok := view.NSEC3(owner); ok {
			relink[owner] = true
		}
		if pred := predecessor(view.NSEC3Owners(), owner); pred != "" {
			relink[pred] = true
		}
	}

	owners := view.NSEC3Owners()
	base := b.Base()

	for owner := range relink {
		cur, _ := view.NSEC3(owner)
		rec := dns.Copy(cur.Records[0]).(*dns.NSEC3)
		rec.NextDomain = hashLabel(successor(owners, owner))

		set := zone.NewRRset(rec)
		if old, ok := base.NSEC3(owner); ok && old.Equal(set) {
			set = old
		}

		signed, err := s.signSet(ks, set, now)
		if err != nil {
			return err
		}
		b.PutNSEC3(signed)
	}

	return nil
}

// buildNSEC3 generates the complete hashed chain.
func (s *Signer) buildNSEC3(b *zone.Builder, ks *KeySet, p *NSEC3Params, now time.Time) error {
	view := b.View()
	ttl := negativeTTL(view)

	byOwner := make(map[string]string)
	for _, name := range view.Names() {
		if view.Occluded(name) {
			continue
		}
		for _, x := range ancestors(name, s.origin) {
			owner := HashOwner(x, s.origin, p)
			if prev, ok := byOwner[owner]; ok {
				if prev != x {
					return fmt.Errorf("%w: hash collision between %s and %s", ErrChainCorrupt, prev, x)
				}
				break
			}
			byOwner[owner] = x
		}
	}

	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return dnsutil.CompareCanonical(owners[i], owners[j]) < 0 })

	sets := make([]*zone.RRset, 0, len(owners))
	for i, owner := range owners {
		next := owners[(i+1)%len(owners)]
		set := zone.NewRRset(newNSEC3(owner, view.Class(), ttl, p, hashLabel(next), nsec3Types(view, byOwner[owner])))

		signed, err := s.signSet(ks, set, now)
		if err != nil {
			return err
		}
		sets = append(sets, signed)
	}

	b.ReplaceNSEC3(sets)

	return nil
}

func predecessor(owners []string, owner string) string {
	if len(owners) == 0 {
		return ""
	}
	i := sort.Search(len(owners), func(i int) bool { return dnsutil.CompareCanonical(owners[i], owner) >= 0 })
	if i == 0 {
		i = len(owners)
	}
	return owners[i-1]
}

func successor(owners []string, owner string) string {
	i := sort.Search(len(owners), func(i int) bool { return dnsutil.CompareCanonical(owners[i], owner) > 0 })
	if i == len(owners) {
		i = 0
	}
	return owners[i]
}

// VerifyChain walks the whole denial of existence chain of snap and reports
// the first inconsistency. Unsigned zones verify trivially.
func VerifyChain(snap *zone.Snapshot) error {
	origin := snap.Origin()

	if param, ok := snap.Get(origin, dns.TypeNSEC3PARAM); ok {
		rr := param.Records[0].(*dns.NSEC3PARAM)
		return verifyNSEC3(snap, &NSEC3Params{Iterations: rr.Iterations, Salt: rr.Salt})
	}

	if _, ok := snap.Get(origin, dns.TypeNSEC); !ok {
		return nil
	}

	skip := func(name string) bool { return snap.Occluded(name) }

	for _, name := range snap.Names() {
		n, _ := snap.Node(name)
		set, has := n.Get(dns.TypeNSEC)

		if snap.Occluded(name) {
			if has {
				return fmt.Errorf("%w: nsec at occluded name %s", ErrChainCorrupt, name)
			}
			continue
		}

		if !has {
			return fmt.Errorf("%w: no nsec at %s", ErrChainCorrupt, name)
		}

		rec := set.Records[0].(*dns.NSEC)
		if want := snap.Next(name, skip); rec.NextDomain != want {
			return fmt.Errorf("%w: nsec at %s points to %s, want %s", ErrChainCorrupt, name, rec.NextDomain, want)
		}

		if !equalTypes(rec.TypeBitMap, nsecTypes(n)) {
			return fmt.Errorf("%w: nsec type bitmap at %s", ErrChainCorrupt, name)
		}
	}

	return nil
}

func verifyNSEC3(snap *zone.Snapshot, p *NSEC3Params) error {
	origin := snap.Origin()
	want := make(map[string]string)

	for _, name := range snap.Names() {
		if snap.Occluded(name) {
			continue
		}
		for _, x := range ancestors(name, origin) {
			if _, ok := want[HashOwner(x, origin, p)]; ok {
				break
			}
			want[HashOwner(x, origin, p)] = x
		}
	}

	owners := snap.NSEC3Owners()
	if len(owners) != len(want) {
		return fmt.Errorf("%w: %d nsec3 records for %d names", ErrChainCorrupt, len(owners), len(want))
	}

	for _, owner := range owners {
		name, ok := want[owner]
		if !ok {
			return fmt.Errorf("%w: stray nsec3 at %s", ErrChainCorrupt, owner)
		}

		set, _ := snap.NSEC3(owner)
		rec := set.Records[0].(*dns.NSEC3)

		if rec.NextDomain != hashLabel(successor(owners, owner)) {
			return fmt.Errorf("%w: nsec3 for %s is not linked to its successor", ErrChainCorrupt, name)
		}

		if !equalTypes(rec.TypeBitMap, nsec3Types(snap, name)) {
			return fmt.Errorf("%w: nsec3 type bitmap for %s", ErrChainCorrupt, name)
		}
	}

	return nil
}

func equalTypes(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
