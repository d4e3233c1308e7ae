package authority

import (
	"context"
	"sort"
	"sync"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/dnsutil"
)

// Recursor resolves questions no local zone is authoritative for.
type Recursor interface {
	Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
}

type zoneKey struct {
	name  string
	class uint16
}

// Catalog holds the authorities of the server keyed by origin and class.
type Catalog struct {
	mu       sync.RWMutex
	zones    map[zoneKey]Authority
	recursor Recursor
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{zones: make(map[zoneKey]Authority)}
}

// SetRecursor enables recursion for questions outside every zone.
func (c *Catalog) SetRecursor(r Recursor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recursor = r
}

// Upsert adds a, replacing the authority with the same origin and class.
func (c *Catalog) Upsert(a Authority) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.zones[zoneKey{dns.CanonicalName(a.Origin()), a.Class()}] = a
}

// Remove drops the authority for origin and class.
func (c *Catalog) Remove(origin string, class uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := zoneKey{dns.CanonicalName(origin), class}
	if _, ok := c.zones[k]; !ok {
		return false
	}
	delete(c.zones, k)

	return true
}

// Get returns the authority whose origin is exactly name.
func (c *Catalog) Get(name string, class uint16) Authority {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.zones[zoneKey{dns.CanonicalName(name), class}]
}

// Find returns the authority with the longest origin that is a suffix of
// name, or nil.
func (c *Catalog) Find(name string, class uint16) Authority {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name = dns.CanonicalName(name)
	for off, end := 0, false; !end; off, end = dns.NextLabel(name, off) {
		if a, ok := c.zones[zoneKey{name[off:], class}]; ok {
			return a
		}
	}

	return c.zones[zoneKey{".", class}]
}

// Zones returns every authority sorted by origin.
func (c *Catalog) Zones() []Authority {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Authority, 0, len(c.zones))
	for _, a := range c.zones {
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin() == out[j].Origin() {
			return out[i].Class() < out[j].Class()
		}
		return dnsutil.CompareCanonical(out[i].Origin(), out[j].Origin()) < 0
	})

	return out
}

// Hints returns the root hints of the first hint zone, if any.
func (c *Catalog) Hints() []dns.RR {
	for _, a := range c.Zones() {
		if h, ok := a.(HintProvider); ok {
			return h.Hints()
		}
	}
	return nil
}

// ServeDNS answers req. It always returns a response.
func (c *Catalog) ServeDNS(ctx context.Context, req *Request) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req.Msg)
	m.RecursionAvailable = false

	if len(req.Msg.Question) != 1 {
		m.Rcode = dns.RcodeFormatError
		return m
	}

	switch req.Msg.Opcode {
	case dns.OpcodeQuery:
		return c.query(ctx, req, m)
	case dns.OpcodeUpdate:
		return c.update(ctx, req, m)
	case dns.OpcodeNotify:
		return c.notify(ctx, req, m)
	}

	m.Rcode = dns.RcodeNotImplemented
	return m
}

func (c *Catalog) query(ctx context.Context, req *Request, m *dns.Msg) *dns.Msg {
	q := req.Msg.Question[0]

	a := c.Find(q.Name, q.Qclass)

	// DS lives on the parent side of a cut
	if a != nil && q.Qtype == dns.TypeDS && dns.CanonicalName(q.Name) == a.Origin() {
		if parent := dnsutil.Parent(a.Origin()); parent != "" {
			if pa := c.Find(parent, q.Qclass); pa != nil && pa.Role() != RoleHint {
				a = pa
			}
		}
	}

	if a == nil || a.Role() == RoleHint {
		return c.recurse(ctx, req, m)
	}

	switch q.Qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		return c.transfer(ctx, req, a, m)
	}

	res, err := a.Search(ctx, req)
	if err != nil {
		m.Rcode = Rcode(err)
		zlog.Debug("Query failed", "query", dnsutil.FormatQuestion(q), "zone", a.Origin(), "error", err.Error())
		return m
	}

	res.Apply(m)
	if a.Role() == RoleForward {
		m.RecursionAvailable = true
	}

	return m
}

func (c *Catalog) recurse(ctx context.Context, req *Request, m *dns.Msg) *dns.Msg {
	c.mu.RLock()
	r := c.recursor
	c.mu.RUnlock()

	if r == nil || !req.Msg.RecursionDesired {
		m.Rcode = dns.RcodeRefused
		return m
	}

	resp, err := r.Resolve(ctx, req.Msg)
	if err != nil {
		zlog.Debug("Recursion failed", "query", dnsutil.FormatQuestion(req.Msg.Question[0]), "error", err.Error())
		m.Rcode = dns.RcodeServerFailure
		m.RecursionAvailable = true
		return m
	}

	resp.Id = req.Msg.Id
	resp.RecursionAvailable = true

	return resp
}

func (c *Catalog) transfer(ctx context.Context, req *Request, a Authority, m *dns.Msg) *dns.Msg {
	t, ok := a.(Transferer)
	if !ok || req.Proto == "udp" {
		m.Rcode = dns.RcodeRefused
		return m
	}

	rrs, err := t.Transfer(ctx, req.Source)
	if err != nil {
		m.Rcode = Rcode(err)
		return m
	}

	m.Authoritative = true
	m.Answer = rrs

	zlog.Info("Zone transfer", "zone", a.Origin(), "client", req.Source, "records", len(rrs))

	return m
}

func (c *Catalog) update(ctx context.Context, req *Request, m *dns.Msg) *dns.Msg {
	q := req.Msg.Question[0]

	a := c.Get(q.Name, q.Qclass)
	if a == nil {
		m.Rcode = dns.RcodeNotAuth
		return m
	}

	u, ok := a.(Updater)
	if !ok {
		m.Rcode = dns.RcodeRefused
		return m
	}

	_, err := u.Update(ctx, req)
	m.Rcode = Rcode(err)

	return m
}

func (c *Catalog) notify(ctx context.Context, req *Request, m *dns.Msg) *dns.Msg {
	q := req.Msg.Question[0]

	a := c.Get(q.Name, q.Qclass)
	if a == nil {
		m.Rcode = dns.RcodeNotAuth
		return m
	}

	n, ok := a.(Notifier)
	if !ok {
		m.Rcode = dns.RcodeRefused
		return m
	}

	var serial uint32
	for _, rr := range req.Msg.Answer {
		if soa, ok := rr.(*dns.SOA); ok {
			serial = soa.Serial
		}
	}

	m.Authoritative = true

	go func() {
		// the refresh outlives the request
		if err := n.Notify(context.WithoutCancel(ctx), serial); err != nil {
			zlog.Warn("Zone refresh after notify failed", "zone", a.Origin(), "error", err.Error())
		}
	}()

	return m
}
