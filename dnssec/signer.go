// Package dnssec signs zone data online. A Signer is installed as a sealer on
// the zone store, so every commit is signed and its denial of existence chain
// patched before the new snapshot becomes visible.
package dnssec

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/zone"
)

var (
	// ErrNoActiveKey is returned when no key is able to sign.
	ErrNoActiveKey = errors.New("no active signing key")
	// ErrSigningFailure wraps errors from the crypto backend.
	ErrSigningFailure = errors.New("signing failure")
	// ErrChainCorrupt reports an inconsistent NSEC or NSEC3 chain.
	ErrChainCorrupt = errors.New("denial of existence chain corrupt")
)

var signatures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adns_signatures_total",
		Help: "RRSIG records produced, by zone and whether they came from the cache",
	},
	[]string{"zone", "source"},
)

func init() {
	prometheus.MustRegister(signatures)
}

// NSEC3Params selects hashed denial of existence.
type NSEC3Params struct {
	Iterations uint16
	Salt       string // hex, empty for none
}

func (p *NSEC3Params) equal(o *NSEC3Params) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Iterations == o.Iterations && p.Salt == o.Salt
}

// Options tunes a Signer.
type Options struct {
	// Validity is how long new signatures stay valid.
	Validity time.Duration
	// Skew backdates the inception time.
	Skew time.Duration
	// Refresh is the remaining validity below which signatures are replaced.
	Refresh time.Duration
	// NSEC3 selects NSEC3 with the given parameters instead of NSEC.
	NSEC3 *NSEC3Params
	// DualSign signs with both the active and the retiring zone signing key,
	// which an algorithm rollover needs.
	DualSign bool
	// CacheSize bounds the signature cache.
	CacheSize int
	// Now returns the current time.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.Validity <= 0 {
		o.Validity = 30 * 24 * time.Hour
	}
	if o.Skew <= 0 {
		o.Skew = time.Hour
	}
	if o.Refresh <= 0 || o.Refresh >= o.Validity {
		o.Refresh = o.Validity / 4
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 4096
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Signer holds the keys of one zone and signs its data.
type Signer struct {
	origin string
	opts   Options

	keys   atomic.Pointer[KeySet]
	params atomic.Pointer[NSEC3Params]

	cache *lru.Cache[uint64, *dns.RRSIG]
}

// NewSigner returns a signer for origin.
func NewSigner(origin string, keys *KeySet, opts Options) (*Signer, error) {
	opts.defaults()

	if _, err := keys.ZoneSigner(); err != nil {
		return nil, err
	}

	cache, err := lru.New[uint64, *dns.RRSIG](opts.CacheSize)
	if err != nil {
		return nil, err
	}

	s := &Signer{
		origin: dns.CanonicalName(origin),
		opts:   opts,
		cache:  cache,
	}
	s.keys.Store(keys)
	if opts.NSEC3 != nil {
		p := *opts.NSEC3
		s.params.Store(&p)
	}

	return s, nil
}

// Origin returns the zone apex the signer serves.
func (s *Signer) Origin() string { return s.origin }

// Keys returns the current key set.
func (s *Signer) Keys() *KeySet { return s.keys.Load() }

// SetKeys installs a new key set. The next seal publishes it and re-signs
// what the new keys have to cover.
func (s *Signer) SetKeys(ks *KeySet) error {
	if _, err := ks.ZoneSigner(); err != nil {
		return err
	}
	s.keys.Store(ks)
	return nil
}

// NSEC3 returns the NSEC3 parameters in use, nil for NSEC.
func (s *Signer) NSEC3() *NSEC3Params { return s.params.Load() }

// SetNSEC3 switches the chain type or its parameters. The next seal rebuilds
// the whole chain.
func (s *Signer) SetNSEC3(p *NSEC3Params) {
	if p == nil {
		s.params.Store(nil)
		return
	}
	c := *p
	s.params.Store(&c)
}

// Sign returns signatures over set from every key that must cover it.
func (s *Signer) Sign(set *zone.RRset) ([]*dns.RRSIG, error) {
	keys, err := s.signingKeys(s.keys.Load(), set)
	if err != nil {
		return nil, err
	}

	now := s.opts.Now()
	out := make([]*dns.RRSIG, 0, len(keys))
	for _, k := range keys {
		sig, err := s.signWith(k, set, now)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}

	return out, nil
}

// signingKeys lists the keys that must have a fresh signature over set.
func (s *Signer) signingKeys(ks *KeySet, set *zone.RRset) ([]*Key, error) {
	zsk, err := ks.ZoneSigner()
	if err != nil {
		return nil, err
	}

	keys := []*Key{zsk}

	if s.opts.DualSign {
		if k := ks.Retiring(ZSK); k != nil {
			keys = append(keys, k)
		}
	}

	if set.Type == dns.TypeDNSKEY && set.Name == s.origin {
		for _, k := range []*Key{ks.Active(KSK), ks.Retiring(KSK)} {
			if k != nil && k != zsk {
				keys = append(keys, k)
			}
		}
	}

	return keys, nil
}

func (s *Signer) signWith(k *Key, set *zone.RRset, now time.Time) (*dns.RRSIG, error) {
	id := cacheKey(k, set)
	if sig, ok := s.cache.Get(id); ok && s.fresh(sig, now) {
		signatures.WithLabelValues(s.origin, "cache").Inc()
		return dns.Copy(sig).(*dns.RRSIG), nil
	}

	sig := &dns.RRSIG{
		Hdr:        dns.RR_Header{Name: set.Name, Rrtype: dns.TypeRRSIG, Class: set.Class, Ttl: set.TTL},
		OrigTtl:    set.TTL,
		Algorithm:  k.Algorithm(),
		KeyTag:     k.Tag(),
		SignerName: s.origin,
		Inception:  uint32(now.Add(-s.opts.Skew).Unix()),
		Expiration: uint32(now.Add(s.opts.Validity).Unix()),
	}

	if err := sig.Sign(k.Signer, set.RRs()); err != nil {
		return nil, fmt.Errorf("%w: %s %s with key %d: %v", ErrSigningFailure, set.Name, dns.TypeToString[set.Type], k.Tag(), err)
	}
	sig.Hdr.Ttl = set.TTL

	s.cache.Add(id, sig)
	signatures.WithLabelValues(s.origin, "signer").Inc()

	return dns.Copy(sig).(*dns.RRSIG), nil
}

// fresh reports whether sig is valid now and not due for refresh.
func (s *Signer) fresh(sig *dns.RRSIG, now time.Time) bool {
	if !sig.ValidityPeriod(now) {
		return false
	}
	return time.Unix(int64(sig.Expiration), 0).Sub(now) > s.opts.Refresh
}

// signSet brings the signatures of set up to date. Fresh signatures of the
// signing keys are kept, still valid signatures of retiring keys are carried
// over, everything else is dropped.
func (s *Signer) signSet(ks *KeySet, set *zone.RRset, now time.Time) (*zone.RRset, error) {
	keys, err := s.signingKeys(ks, set)
	if err != nil {
		return nil, err
	}

	zsk := keys[0]

	var (
		keep    []*dns.RRSIG
		missing []*Key
	)

	for _, k := range keys {
		var found *dns.RRSIG
		for _, sig := range set.Sigs {
			if sig.KeyTag == k.Tag() && sig.Algorithm == k.Algorithm() && s.fresh(sig, now) {
				found = sig
				break
			}
		}
		if found != nil {
			keep = append(keep, found)
		} else {
			missing = append(missing, k)
		}
	}

	for _, sig := range set.Sigs {
		k := ks.Get(sig.KeyTag, sig.Algorithm)
		if k == nil || k.State != Retiring || containsKey(keys, k) {
			continue
		}
		if !sig.ValidityPeriod(now) {
			continue
		}
		if sig.Algorithm != zsk.Algorithm() && !s.opts.DualSign {
			continue
		}
		keep = append(keep, sig)
	}

	if len(missing) == 0 && len(keep) == len(set.Sigs) {
		return set, nil
	}

	for _, k := range missing {
		sig, err := s.signWith(k, set, now)
		if err != nil {
			return nil, err
		}
		keep = append(keep, sig)
	}

	sort.Slice(keep, func(i, j int) bool { return keep[i].KeyTag < keep[j].KeyTag })

	return set.WithSigs(keep), nil
}

func containsKey(keys []*Key, k *Key) bool {
	for _, have := range keys {
		if have.Tag() == k.Tag() && have.Algorithm() == k.Algorithm() {
			return true
		}
	}
	return false
}

// cacheKey identifies a set's content together with the signing key.
func cacheKey(k *Key, set *zone.RRset) uint64 {
	rdata := make([]string, 0, len(set.Records))
	for _, rr := range set.Records {
		rdata = append(rdata, rr.String())
	}
	sort.Strings(rdata)

	d := xxhash.New()
	_, _ = d.WriteString(strconv.Itoa(int(k.Tag())))
	_, _ = d.WriteString("/" + strconv.Itoa(int(k.Algorithm())) + "/")
	_, _ = d.WriteString(set.Name)
	_, _ = d.WriteString(strconv.Itoa(int(set.Type)) + "/" + strconv.Itoa(int(set.TTL)))
	for _, r := range rdata {
		_, _ = d.WriteString(r)
		_, _ = d.WriteString("\n")
	}

	return d.Sum64()
}

// Seal is the store sealer for updates: it signs the changed names and patches
// the denial of existence chain around them. It falls back to Rebuild when the
// published keys or chain parameters differ from the signer's.
func (s *Signer) Seal(b *zone.Builder) error {
	ks := s.keys.Load()
	if s.needsRebuild(b.View(), ks) {
		return s.rebuild(b, ks)
	}

	names := s.affected(b)
	now := s.opts.Now()

	for _, name := range names {
		if err := s.signNode(b, ks, name, now); err != nil {
			return err
		}
	}

	if p := s.params.Load(); p != nil {
		return s.patchNSEC3(b, ks, p, names, now)
	}

	return s.patchNSEC(b, ks, names, now)
}

// Rebuild re-signs every name and regenerates the whole chain.
func (s *Signer) Rebuild(b *zone.Builder) error {
	return s.rebuild(b, s.keys.Load())
}

// Refresh is Seal followed by a sweep that replaces signatures due for
// refresh anywhere in the zone.
func (s *Signer) Refresh(b *zone.Builder) error {
	if err := s.Seal(b); err != nil {
		return err
	}

	ks := s.keys.Load()
	now := s.opts.Now()
	view := b.View()

	names := append([]string(nil), view.Names()...)
	for _, name := range names {
		if err := s.signNode(b, ks, name, now); err != nil {
			return err
		}
		if set, ok := b.Get(name, dns.TypeNSEC); ok {
			signed, err := s.signSet(ks, set, now)
			if err != nil {
				return err
			}
			b.Put(signed)
		}
	}

	for _, owner := range append([]string(nil), view.NSEC3Owners()...) {
		set, _ := view.NSEC3(owner)
		signed, err := s.signSet(ks, set, now)
		if err != nil {
			return err
		}
		b.PutNSEC3(signed)
	}

	return nil
}

func (s *Signer) needsRebuild(view *zone.Snapshot, ks *KeySet) bool {
	published := zone.NewRRset(ks.Published()...)
	if cur, ok := view.Get(s.origin, dns.TypeDNSKEY); !ok || !cur.Equal(published) {
		return true
	}

	p := s.params.Load()
	param, hasParam := view.Get(s.origin, dns.TypeNSEC3PARAM)

	if p == nil {
		_, hasNSEC := view.Get(s.origin, dns.TypeNSEC)
		return hasParam || !hasNSEC || len(view.NSEC3Owners()) > 0
	}

	if !hasParam {
		return true
	}

	rr := param.Records[0].(*dns.NSEC3PARAM)
	return !p.equal(&NSEC3Params{Iterations: rr.Iterations, Salt: rr.Salt}) || len(view.NSEC3Owners()) == 0
}

// affected expands the changed names with the descendants of names that are,
// or were, zone cuts, since their occlusion may have flipped.
func (s *Signer) affected(b *zone.Builder) []string {
	view, base := b.View(), b.Base()
	changed := b.Changed()

	seen := make(map[string]bool, len(changed))
	var out []string

	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, name := range changed {
		add(name)
		if name == s.origin {
			continue
		}

		_, nowCut := view.Get(name, dns.TypeNS)
		_, wasCut := base.Get(name, dns.TypeNS)
		if !nowCut && !wasCut {
			continue
		}

		for _, snap := range []*zone.Snapshot{view, base} {
			for _, d := range descendants(snap, name) {
				add(d)
			}
		}
	}

	return out
}

func descendants(snap *zone.Snapshot, name string) []string {
	var out []string
	n := name
	for {
		n = snap.Next(n, nil)
		if n == "" || n == name || !dns.IsSubDomain(name, n) {
			return out
		}
		out = append(out, n)
	}
}

// signNode signs the authoritative sets at name. Glue below a cut carries no
// signatures; a delegation point signs only its DS set.
func (s *Signer) signNode(b *zone.Builder, ks *KeySet, name string, now time.Time) error {
	view := b.View()

	n, ok := view.Node(name)
	if !ok {
		return nil
	}

	occluded := view.Occluded(name)
	cut := !occluded && name != s.origin && n.Has(dns.TypeNS)

	for _, set := range n.Sets() {
		switch {
		case set.Type == dns.TypeNSEC:
			continue
		case occluded, cut && set.Type != dns.TypeDS:
			if len(set.Sigs) > 0 {
				b.Put(set.WithSigs(nil))
			}
			continue
		}

		signed, err := s.signSet(ks, set, now)
		if err != nil {
			return err
		}
		if signed != set {
			b.Put(signed)
		}
	}

	return nil
}

// negativeTTL is the TTL of denial records, RFC 9077.
func negativeTTL(view *zone.Snapshot) uint32 {
	soa := view.SOA()
	if soa == nil {
		return 0
	}
	if soa.Hdr.Ttl < soa.Minttl {
		return soa.Hdr.Ttl
	}
	return soa.Minttl
}

func (s *Signer) rebuild(b *zone.Builder, ks *KeySet) error {
	view := b.View()
	now := s.opts.Now()

	zlog.Debug("Rebuilding zone signatures", "zone", s.origin, "keys", ks.Len())

	b.Put(zone.NewRRset(ks.Published()...))

	p := s.params.Load()
	if p != nil {
		b.Put(zone.NewRRset(&dns.NSEC3PARAM{
			Hdr:        dns.RR_Header{Name: s.origin, Rrtype: dns.TypeNSEC3PARAM, Class: view.Class(), Ttl: 0},
			Hash:       dns.SHA1,
			Iterations: p.Iterations,
			SaltLength: uint8(len(p.Salt) / 2),
			Salt:       p.Salt,
		}))
	} else {
		b.Delete(s.origin, dns.TypeNSEC3PARAM)
	}

	names := append([]string(nil), view.Names()...)
	for _, name := range names {
		b.Delete(name, dns.TypeNSEC)
	}
	b.ClearNSEC3()

	names = append([]string(nil), view.Names()...)
	for _, name := range names {
		if err := s.signNode(b, ks, name, now); err != nil {
			return err
		}
	}

	if p != nil {
		return s.buildNSEC3(b, ks, p, now)
	}

	return s.patchNSEC(b, ks, names, now)
}
