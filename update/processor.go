// Package update applies RFC 2136 dynamic updates authenticated with SIG0
// (RFC 2931) to a zone store.
package update

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"

	"github.com/semihalev/adns/zone"
)

var updates = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adns_updates_total",
		Help: "Dynamic updates processed, by zone and response code",
	},
	[]string{"zone", "rcode"},
)

func init() {
	prometheus.MustRegister(updates)
}

// TTLPolicy decides what happens when an added record's TTL differs from
// the TTL of the set it joins.
type TTLPolicy uint8

const (
	// TTLNormalize applies the new TTL to the whole set.
	TTLNormalize TTLPolicy = iota
	// TTLReject refuses the update.
	TTLReject
)

func (p TTLPolicy) String() string {
	if p == TTLReject {
		return "reject"
	}
	return "normalize"
}

// ParseTTLPolicy parses "normalize" or "reject"; empty means normalize.
func ParseTTLPolicy(s string) (TTLPolicy, error) {
	switch strings.ToLower(s) {
	case "", "normalize":
		return TTLNormalize, nil
	case "reject":
		return TTLReject, nil
	}
	return TTLNormalize, fmt.Errorf("unknown ttl policy %q", s)
}

// Request is an UPDATE message with the bytes it arrived as.
type Request struct {
	Msg *dns.Msg
	// Wire is the raw request, used for SIG0 verification. When empty the
	// message is packed again, which only matches uncompressed requests.
	Wire   []byte
	Source net.IP
}

// Result describes a processed update.
type Result struct {
	ID      string
	Serial  uint32
	Signer  string
	Changed bool
}

// Commit is handed to every hook after an update changed the zone.
type Commit struct {
	ID     string
	Zone   string
	Serial uint32
	SOA    *dns.SOA
	Signer string
	Time   time.Time
	Tx     *zone.Transaction
}

// Hook observes committed updates. Hooks run after publication, so their
// failures cannot undo the update.
type Hook func(ctx context.Context, c *Commit)

// Config configures a Processor.
type Config struct {
	Store *zone.Store
	// Sealers run inside the commit, typically the zone signer.
	Sealers []zone.Sealer
	// ACL restricts update sources when set.
	ACL       cidranger.Ranger
	TTLPolicy TTLPolicy
	// Fudge is the tolerated clock skew on SIG0 windows.
	Fudge time.Duration
	Now   func() time.Time
	Hooks []Hook
}

// Processor serializes and applies the updates of one zone.
type Processor struct {
	store  *zone.Store
	origin string
	class  uint16

	seal   []zone.Sealer
	acl    cidranger.Ranger
	policy TTLPolicy
	fudge  time.Duration
	now    func() time.Time
	hooks  []Hook

	sem chan struct{}
}

// New returns a processor for cfg.Store.
func New(cfg Config) *Processor {
	p := &Processor{
		store:  cfg.Store,
		origin: cfg.Store.Origin(),
		class:  cfg.Store.Class(),
		seal:   cfg.Sealers,
		acl:    cfg.ACL,
		policy: cfg.TTLPolicy,
		fudge:  cfg.Fudge,
		now:    cfg.Now,
		hooks:  cfg.Hooks,
		sem:    make(chan struct{}, 1),
	}

	if p.fudge == 0 {
		p.fudge = DefaultFudge
	}

	if p.now == nil {
		p.now = time.Now
	}

	return p
}

// Origin returns the zone the processor updates.
func (p *Processor) Origin() string { return p.origin }

// AddHook registers h for subsequent commits. It must be called before the
// processor serves requests.
func (p *Processor) AddHook(h Hook) { p.hooks = append(p.hooks, h) }

// Process authenticates req, checks its prerequisites and applies its update
// section atomically. Updates of one zone are processed one at a time.
func (p *Processor) Process(ctx context.Context, req *Request) (res *Result, err error) {
	defer func() {
		updates.WithLabelValues(p.origin, dns.RcodeToString[Rcode(err)]).Inc()
	}()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	if err := p.checkZone(req.Msg); err != nil {
		return nil, err
	}

	if !p.allowed(req.Source) {
		return nil, fmt.Errorf("%w: source %s not allowed", ErrRefused, req.Source)
	}

	snap := p.store.Snapshot()
	if snap.SOA() == nil {
		return nil, zone.ErrNoSOA
	}

	signer, err := p.verifySIG0(snap, req)
	if err != nil {
		zlog.Warn("Update rejected", "zone", p.origin, "source", req.Source, "error", err.Error())
		return nil, err
	}

	if err := p.prerequisites(snap, req.Msg.Answer); err != nil {
		return nil, err
	}

	tx, err := p.transaction(snap, req.Msg.Ns)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	serial, err := p.store.Apply(tx, p.seal...)
	if err != nil {
		zlog.Error("Update commit failed", "zone", p.origin, "signer", signer, "error", err.Error())
		return nil, err
	}

	res = &Result{Serial: serial, Signer: signer, Changed: serial != snap.Serial()}
	if !res.Changed {
		return res, nil
	}

	c := &Commit{
		ID:     uuid.NewString(),
		Zone:   p.origin,
		Serial: serial,
		SOA:    p.store.Snapshot().SOA(),
		Signer: signer,
		Time:   p.now(),
		Tx:     tx,
	}
	res.ID = c.ID

	zlog.Info("Zone updated", "zone", p.origin, "serial", serial, "signer", signer, "id", c.ID, "steps", tx.Len())

	for _, h := range p.hooks {
		h(ctx, c)
	}

	return res, nil
}

func (p *Processor) checkZone(m *dns.Msg) error {
	if m == nil || m.Opcode != dns.OpcodeUpdate {
		return fmt.Errorf("%w: not an update", ErrFormat)
	}

	if len(m.Question) != 1 {
		return fmt.Errorf("%w: zone section holds %d records", ErrFormat, len(m.Question))
	}

	q := m.Question[0]
	if q.Qtype != dns.TypeSOA {
		return fmt.Errorf("%w: zone type %s", ErrFormat, dns.TypeToString[q.Qtype])
	}

	if q.Qclass != p.class || dns.CanonicalName(q.Name) != p.origin {
		return fmt.Errorf("%w: not authoritative for %s", ErrNotAuth, q.Name)
	}

	return nil
}

func (p *Processor) allowed(ip net.IP) bool {
	if p.acl == nil {
		return true
	}

	if ip == nil {
		return false
	}

	ok, err := p.acl.Contains(ip)
	return err == nil && ok
}

// prerequisites evaluates RFC 2136 §3.2 against snap.
func (p *Processor) prerequisites(snap *zone.Snapshot, rrs []dns.RR) error {
	type key struct {
		name string
		t    uint16
	}

	var (
		order  []key
		values = make(map[key][]dns.RR)
	)

	for _, rr := range rrs {
		h := rr.Header()
		name := dns.CanonicalName(h.Name)

		if !dns.IsSubDomain(p.origin, name) {
			return fmt.Errorf("%w: %s", ErrNotZone, h.Name)
		}

		switch h.Class {
		case dns.ClassANY:
			if h.Ttl != 0 || !zone.EmptyRdata(rr) {
				return fmt.Errorf("%w: prerequisite %s", ErrFormat, rr)
			}
			if h.Rrtype == dns.TypeANY {
				if _, ok := snap.Node(name); !ok {
					return &PrereqError{Rcode: dns.RcodeNameError, Record: name}
				}
			} else if _, ok := snap.Get(name, h.Rrtype); !ok {
				return &PrereqError{Rcode: dns.RcodeNXRrset, Record: name + " " + dns.TypeToString[h.Rrtype]}
			}
		case dns.ClassNONE:
			if h.Ttl != 0 || !zone.EmptyRdata(rr) {
				return fmt.Errorf("%w: prerequisite %s", ErrFormat, rr)
			}
			if h.Rrtype == dns.TypeANY {
				if _, ok := snap.Node(name); ok {
					return &PrereqError{Rcode: dns.RcodeYXDomain, Record: name}
				}
			} else if _, ok := snap.Get(name, h.Rrtype); ok {
				return &PrereqError{Rcode: dns.RcodeYXRrset, Record: name + " " + dns.TypeToString[h.Rrtype]}
			}
		case p.class:
			if h.Ttl != 0 || zone.IsMetaType(h.Rrtype) {
				return fmt.Errorf("%w: prerequisite %s", ErrFormat, rr)
			}
			k := key{name, h.Rrtype}
			if _, ok := values[k]; !ok {
				order = append(order, k)
			}
			values[k] = append(values[k], rr)
		default:
			return fmt.Errorf("%w: prerequisite class %s", ErrFormat, dns.ClassToString[h.Class])
		}
	}

	for _, k := range order {
		want := zone.NewRRset(values[k]...)
		have, ok := snap.Get(k.name, k.t)
		if !ok || have.Len() != want.Len() {
			return &PrereqError{Rcode: dns.RcodeNXRrset, Record: k.name + " " + dns.TypeToString[k.t]}
		}
		for _, rr := range want.Records {
			if !have.Contains(rr) {
				return &PrereqError{Rcode: dns.RcodeNXRrset, Record: k.name + " " + dns.TypeToString[k.t]}
			}
		}
	}

	return nil
}

// prescan checks the update section per RFC 2136 §3.4.1.
func (p *Processor) prescan(rrs []dns.RR) error {
	for _, rr := range rrs {
		h := rr.Header()

		if !dns.IsSubDomain(p.origin, dns.CanonicalName(h.Name)) {
			return fmt.Errorf("%w: %s", ErrNotZone, h.Name)
		}

		switch h.Class {
		case p.class:
			if zone.IsMetaType(h.Rrtype) {
				return fmt.Errorf("%w: update %s", ErrFormat, rr)
			}
		case dns.ClassANY:
			if h.Ttl != 0 || !zone.EmptyRdata(rr) || (h.Rrtype != dns.TypeANY && zone.IsMetaType(h.Rrtype)) {
				return fmt.Errorf("%w: update %s", ErrFormat, rr)
			}
		case dns.ClassNONE:
			if h.Ttl != 0 || zone.IsMetaType(h.Rrtype) {
				return fmt.Errorf("%w: update %s", ErrFormat, rr)
			}
		default:
			return fmt.Errorf("%w: update class %s", ErrFormat, dns.ClassToString[h.Class])
		}

		switch h.Rrtype {
		case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3:
			return fmt.Errorf("%w: %s records are maintained by the signer", ErrRefused, dns.TypeToString[h.Rrtype])
		case dns.TypeDNSKEY, dns.TypeNSEC3PARAM:
			if len(p.seal) > 0 {
				return fmt.Errorf("%w: %s records are maintained by the signer", ErrRefused, dns.TypeToString[h.Rrtype])
			}
		}
	}

	return nil
}

// transaction turns the update section into the steps to commit, applying
// the rules of RFC 2136 §3.4.2. Steps that the rules ignore are dropped.
func (p *Processor) transaction(snap *zone.Snapshot, rrs []dns.RR) (*zone.Transaction, error) {
	if err := p.prescan(rrs); err != nil {
		return nil, err
	}

	decoded, err := zone.TransactionFromRecords(rrs, p.class)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	view := newOverlay(snap)
	tx := zone.NewTransaction()

	for _, op := range decoded.Ops {
		apex := op.Name == p.origin

		switch op.Kind {
		case zone.OpAdd:
			if !p.addAllowed(view, op, apex) {
				continue
			}

			set := view.get(op.Name, op.Type)
			if set != nil && set.TTL != op.RR.Header().Ttl && op.Type != dns.TypeSOA && op.Type != dns.TypeCNAME {
				if p.policy == TTLReject {
					return nil, fmt.Errorf("%w: %s", ErrTTLMismatch, op.RR)
				}
			}

			// single-record sets are replaced; the store replaces the SOA itself
			switch op.Type {
			case dns.TypeSOA:
				view.deleteSet(op.Name, op.Type)
			case dns.TypeCNAME:
				if set != nil {
					tx.DeleteRRset(op.Name, op.Type)
					view.deleteSet(op.Name, op.Type)
				}
			}

			tx.Add(op.RR)
			view.add(op.RR)
		case zone.OpDeleteRRset:
			if apex && (op.Type == dns.TypeSOA || op.Type == dns.TypeNS) {
				continue
			}
			tx.DeleteRRset(op.Name, op.Type)
			view.deleteSet(op.Name, op.Type)
		case zone.OpDeleteName:
			if !apex {
				tx.DeleteName(op.Name)
				view.deleteName(op.Name)
				continue
			}
			for _, t := range view.types(op.Name) {
				if t == dns.TypeSOA || t == dns.TypeNS || p.managed(t) {
					continue
				}
				tx.DeleteRRset(op.Name, t)
				view.deleteSet(op.Name, t)
			}
		case zone.OpDeleteRR:
			if op.Type == dns.TypeSOA {
				continue
			}
			if apex && op.Type == dns.TypeNS {
				if set := view.get(op.Name, dns.TypeNS); set != nil && set.Len() == 1 && set.Contains(op.RR) {
					continue
				}
			}
			tx.Delete(op.RR)
			view.remove(op.RR)
		}
	}

	return tx, nil
}

func (p *Processor) addAllowed(view *overlay, op zone.Op, apex bool) bool {
	switch op.Type {
	case dns.TypeSOA:
		if !apex {
			return false
		}
		cur := view.get(op.Name, dns.TypeSOA)
		if cur == nil {
			return false
		}
		have := cur.Records[0].(*dns.SOA).Serial
		next := op.RR.(*dns.SOA).Serial
		// RFC 1982 serial arithmetic
		return int32(next-have) > 0
	case dns.TypeCNAME:
		return !view.hasOther(op.Name, dns.TypeCNAME)
	}

	return view.get(op.Name, dns.TypeCNAME) == nil
}

// managed reports whether t is maintained by the zone's sealers.
func (p *Processor) managed(t uint16) bool {
	switch t {
	case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3:
		return true
	case dns.TypeDNSKEY, dns.TypeNSEC3PARAM:
		return len(p.seal) > 0
	}
	return false
}
