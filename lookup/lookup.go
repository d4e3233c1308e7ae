// Package lookup answers a single question against a zone snapshot:
// exact matches, CNAME and DNAME chasing, delegations with glue, RFC 4592
// wildcards and authenticated denial of existence.
package lookup

import (
	"errors"
	"strings"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/dnssec"
	"github.com/semihalev/adns/dnsutil"
	"github.com/semihalev/adns/zone"
)

var (
	// ErrRefused is returned for questions outside the zone or of another class.
	ErrRefused = errors.New("query refused")
	// ErrServerFailure is returned when the snapshot cannot answer consistently.
	ErrServerFailure = errors.New("server failure")
	// ErrTooManyChases is returned when CNAME or DNAME chasing exceeds the bound.
	ErrTooManyChases = errors.New("too many cname chases")
)

// DefaultMaxChase bounds CNAME and DNAME chasing.
const DefaultMaxChase = 8

// Kind classifies an outcome.
type Kind uint8

const (
	// Answer holds data for the question, possibly after chasing.
	Answer Kind = iota + 1
	// Referral points to the servers of a child zone.
	Referral
	// NoData means the name exists without the requested type.
	NoData
	// NxDomain means the name does not exist.
	NxDomain
)

func (k Kind) String() string {
	switch k {
	case Answer:
		return "answer"
	case Referral:
		return "referral"
	case NoData:
		return "nodata"
	case NxDomain:
		return "nxdomain"
	}
	return "unknown"
}

// Options change how a question is answered.
type Options struct {
	// DNSSEC adds signatures and denial proofs when the zone is signed.
	DNSSEC bool
}

// Result is the outcome of Resolve.
type Result struct {
	Rcode         int
	Kind          Kind
	Authoritative bool

	Answer []dns.RR
	Ns     []dns.RR
	Extra  []dns.RR
}

// Apply copies the result into a response message.
func (r *Result) Apply(m *dns.Msg) {
	m.Rcode = r.Rcode
	m.Authoritative = r.Authoritative
	m.Answer = append(m.Answer, r.Answer...)
	m.Ns = append(m.Ns, r.Ns...)
	m.Extra = append(m.Extra, r.Extra...)
}

// Engine resolves questions. The zero value uses DefaultMaxChase.
type Engine struct {
	MaxChase int
}

// New returns an engine with the chase bound maxChase.
func New(maxChase int) *Engine {
	return &Engine{MaxChase: maxChase}
}

type query struct {
	snap   *zone.Snapshot
	signed bool
	nsec3  *dnssec.NSEC3Params
	skip   func(string) bool

	res  *Result
	seen map[string]bool
}

// Resolve answers q against snap.
func (e *Engine) Resolve(snap *zone.Snapshot, q dns.Question, opt Options) (*Result, error) {
	if q.Qclass != snap.Class() && q.Qclass != dns.ClassANY {
		return nil, ErrRefused
	}

	qname := dns.CanonicalName(q.Name)
	if !snap.InZone(qname) {
		return nil, ErrRefused
	}

	if snap.SOA() == nil {
		return nil, ErrServerFailure
	}

	max := e.MaxChase
	if max <= 0 {
		max = DefaultMaxChase
	}

	r := &query{
		snap: snap,
		res:  &Result{Rcode: dns.RcodeSuccess, Authoritative: true},
		seen: make(map[string]bool),
		skip: func(name string) bool { return snap.Occluded(name) },
	}

	if opt.DNSSEC {
		if _, ok := snap.Get(snap.Origin(), dns.TypeDNSKEY); ok {
			r.signed = true
			if param, ok := snap.Get(snap.Origin(), dns.TypeNSEC3PARAM); ok {
				rr := param.Records[0].(*dns.NSEC3PARAM)
				r.nsec3 = &dnssec.NSEC3Params{Iterations: rr.Iterations, Salt: rr.Salt}
			}
		}
	}

	for chases := 0; ; chases++ {
		if chases > max {
			return nil, ErrTooManyChases
		}

		next, err := r.step(qname, q.Qtype)
		if err != nil {
			return nil, err
		}

		if next == "" || !snap.InZone(next) {
			break
		}
		qname = next
	}

	r.additional()

	return r.res, nil
}

// step resolves one name. It returns the next name to chase, if any.
func (r *query) step(qname string, qtype uint16) (string, error) {
	snap := r.snap

	if cut := snap.Delegation(qname); cut != "" && !(cut == qname && qtype == dns.TypeDS) {
		r.referral(cut)
		return "", nil
	}

	if target, ok, err := r.dname(qname); ok || err != nil {
		return target, err
	}

	if n, ok := snap.Node(qname); ok {
		return r.exact(n, qname, qtype)
	}

	if snap.IsEmptyNonTerminal(qname) {
		r.nodata(qname)
		r.denyType(qname)
		return "", nil
	}

	return r.wildcard(qname, qtype)
}

func (r *query) exact(n *zone.Node, qname string, qtype uint16) (string, error) {
	switch qtype {
	case dns.TypeANY:
		for _, set := range n.Sets() {
			if set.Type == dns.TypeNSEC && !r.signed {
				continue
			}
			r.answer(set, "")
		}
		r.setKind(Answer)
		return "", nil
	case dns.TypeRRSIG:
		if r.signed {
			for _, set := range n.Sets() {
				r.res.Answer = append(r.res.Answer, set.SigRRs()...)
			}
		}
		if len(r.res.Answer) > 0 {
			r.setKind(Answer)
			return "", nil
		}
	}

	if set, ok := n.Get(qtype); ok {
		r.answer(set, "")
		r.setKind(Answer)
		return "", nil
	}

	if set, ok := n.Get(dns.TypeCNAME); ok && qtype != dns.TypeCNAME {
		if r.seen[qname] {
			return "", ErrTooManyChases
		}
		r.seen[qname] = true

		r.answer(set, "")
		r.setKind(Answer)
		return dns.CanonicalName(set.Records[0].(*dns.CNAME).Target), nil
	}

	r.nodata(qname)
	r.denyType(qname)

	return "", nil
}

// dname synthesises a CNAME from a DNAME at an ancestor of qname.
func (r *query) dname(qname string) (string, bool, error) {
	snap := r.snap

	for x := dnsutil.Parent(qname); x != "" && snap.InZone(x); x = dnsutil.Parent(x) {
		set, ok := snap.Get(x, dns.TypeDNAME)
		if ok {
			target := set.Records[0].(*dns.DNAME).Target
			synth := strings.TrimSuffix(qname, x) + dns.CanonicalName(target)
			if _, ok := dns.IsDomainName(synth); !ok || len(synth) > 255 {
				r.res.Rcode = dns.RcodeYXDomain
				r.answer(set, "")
				return "", true, nil
			}

			if r.seen[qname] {
				return "", true, ErrTooManyChases
			}
			r.seen[qname] = true

			r.answer(set, "")
			r.res.Answer = append(r.res.Answer, &dns.CNAME{
				Hdr:    dns.RR_Header{Name: qname, Rrtype: dns.TypeCNAME, Class: set.Class, Ttl: set.TTL},
				Target: synth,
			})
			r.setKind(Answer)

			return synth, true, nil
		}

		if x == snap.Origin() {
			break
		}
	}

	return "", false, nil
}

func (r *query) wildcard(qname string, qtype uint16) (string, error) {
	snap := r.snap
	ce := r.closestEncloser(qname)
	source := "*." + ce

	n, ok := snap.Node(source)
	if !ok {
		r.nxdomain(qname, ce)
		return "", nil
	}

	if qtype == dns.TypeANY {
		for _, set := range n.Sets() {
			if set.Type == dns.TypeNSEC {
				continue
			}
			r.answer(set, qname)
		}
		r.setKind(Answer)
		r.denyName(qname, ce)
		return "", nil
	}

	if set, ok := n.Get(qtype); ok {
		r.answer(set, qname)
		r.setKind(Answer)
		r.denyName(qname, ce)
		return "", nil
	}

	if set, ok := n.Get(dns.TypeCNAME); ok && qtype != dns.TypeCNAME {
		if r.seen[qname] {
			return "", ErrTooManyChases
		}
		r.seen[qname] = true

		r.answer(set, qname)
		r.setKind(Answer)
		r.denyName(qname, ce)
		return dns.CanonicalName(set.Records[0].(*dns.CNAME).Target), nil
	}

	r.nodata(qname)
	if r.signed && r.nsec3 != nil {
		// closest encloser proof
		r.nsec3Match(ce)
	}
	r.denyName(qname, ce)
	r.denyType(source)

	return "", nil
}

// closestEncloser returns the longest existing ancestor of qname.
func (r *query) closestEncloser(qname string) string {
	for x := dnsutil.Parent(qname); x != ""; x = dnsutil.Parent(x) {
		if x == r.snap.Origin() || r.snap.Exists(x) {
			return x
		}
	}
	return r.snap.Origin()
}

func (r *query) setKind(k Kind) {
	if r.res.Kind == 0 || r.res.Kind == Answer {
		r.res.Kind = k
	}
}

// answer appends set, renamed to owner when synthesised from a wildcard.
func (r *query) answer(set *zone.RRset, owner string) {
	if owner != "" {
		rrs, sigs := set.Rename(owner)
		r.res.Answer = append(r.res.Answer, rrs...)
		if r.signed {
			r.res.Answer = append(r.res.Answer, sigs...)
		}
		return
	}

	r.res.Answer = append(r.res.Answer, set.RRs()...)
	if r.signed {
		r.res.Answer = append(r.res.Answer, set.SigRRs()...)
	}
}

func (r *query) authority(set *zone.RRset) {
	for _, rr := range r.res.Ns {
		h := rr.Header()
		if h.Rrtype == set.Type && h.Name == set.Name {
			return
		}
	}

	r.res.Ns = append(r.res.Ns, set.RRs()...)
	if r.signed {
		r.res.Ns = append(r.res.Ns, set.SigRRs()...)
	}
}

func (r *query) soa() {
	set, _ := r.snap.Get(r.snap.Origin(), dns.TypeSOA)

	soa := set.Records[0].(*dns.SOA)
	ttl := set.TTL
	if soa.Minttl < ttl {
		ttl = soa.Minttl
	}

	neg := *set
	neg.TTL = ttl
	neg.Records = []dns.RR{dns.Copy(soa)}
	neg.Records[0].Header().Ttl = ttl
	neg.Sigs = nil
	for _, sig := range set.Sigs {
		c := dns.Copy(sig).(*dns.RRSIG)
		c.Hdr.Ttl = ttl
		neg.Sigs = append(neg.Sigs, c)
	}

	r.authority(&neg)
}

func (r *query) nodata(qname string) {
	r.setKind(NoData)
	r.soa()
}

func (r *query) nxdomain(qname, ce string) {
	r.res.Kind = NxDomain
	r.res.Rcode = dns.RcodeNameError
	r.soa()

	if !r.signed {
		return
	}

	if r.nsec3 != nil {
		r.nsec3Match(ce)
		r.nsec3Cover(nextCloser(qname, ce))
		r.nsec3Cover("*." + ce)
		return
	}

	r.nsecCover(qname)
	r.nsecCover("*." + ce)
}

// denyType proves that name exists without the asked type.
func (r *query) denyType(name string) {
	if !r.signed {
		return
	}

	if r.nsec3 != nil {
		r.nsec3Match(name)
		return
	}

	if set, ok := r.snap.Get(name, dns.TypeNSEC); ok {
		r.authority(set)
		return
	}

	// empty non-terminal, the covering NSEC points below it
	r.nsecCover(name)
}

// denyName proves that qname itself does not exist, for wildcard answers.
func (r *query) denyName(qname, ce string) {
	if !r.signed {
		return
	}

	if r.nsec3 != nil {
		r.nsec3Cover(nextCloser(qname, ce))
		return
	}

	r.nsecCover(qname)
}

func (r *query) nsecCover(name string) {
	owner := r.snap.Prev(name, r.skip)
	if set, ok := r.snap.Get(owner, dns.TypeNSEC); ok {
		r.authority(set)
	}
}

func (r *query) nsec3Match(name string) {
	if set, ok := r.snap.NSEC3(dnssec.HashOwner(name, r.snap.Origin(), r.nsec3)); ok {
		r.authority(set)
	}
}

func (r *query) nsec3Cover(name string) {
	h := dns.HashName(name, dns.SHA1, r.nsec3.Iterations, r.nsec3.Salt)
	if set, ok := r.snap.NSEC3Covering(strings.ToLower(h)); ok {
		r.authority(set)
	}
}

// nextCloser is the ancestor of qname one label below the closest encloser.
func nextCloser(qname, ce string) string {
	n := dns.CountLabel(qname) - dns.CountLabel(ce) - 1
	x := qname
	for i := 0; i < n; i++ {
		x = dnsutil.Parent(x)
	}
	return x
}

func (r *query) referral(cut string) {
	snap := r.snap
	r.res.Kind = Referral
	r.res.Authoritative = false

	ns, _ := snap.Get(cut, dns.TypeNS)
	r.res.Ns = append(r.res.Ns, ns.RRs()...)

	if r.signed {
		if ds, ok := snap.Get(cut, dns.TypeDS); ok {
			r.authority(ds)
		} else {
			r.denyType(cut)
		}
	}

	for _, rr := range ns.Records {
		r.glue(rr.(*dns.NS).Ns, false)
	}
}

// glue adds address records for target held in the zone.
func (r *query) glue(target string, signed bool) {
	target = dns.CanonicalName(target)
	if !r.snap.InZone(target) {
		return
	}

	for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
		set, ok := r.snap.Get(target, t)
		if !ok || r.hasExtra(target, t) {
			continue
		}
		r.res.Extra = append(r.res.Extra, set.RRs()...)
		if signed && r.signed {
			r.res.Extra = append(r.res.Extra, set.SigRRs()...)
		}
	}
}

func (r *query) hasExtra(name string, t uint16) bool {
	for _, rr := range r.res.Extra {
		if rr.Header().Rrtype == t && rr.Header().Name == name {
			return true
		}
	}
	for _, rr := range r.res.Answer {
		if rr.Header().Rrtype == t && rr.Header().Name == name {
			return true
		}
	}
	return false
}

// additional adds address records for NS, MX and SRV targets in the answer.
func (r *query) additional() {
	if r.res.Kind != Answer {
		return
	}

	for _, rr := range r.res.Answer {
		var target string
		switch v := rr.(type) {
		case *dns.NS:
			target = v.Ns
		case *dns.MX:
			target = v.Mx
		case *dns.SRV:
			target = v.Target
		default:
			continue
		}
		r.glue(target, !r.snap.Occluded(dns.CanonicalName(target)))
	}
}
