// Package resolver is the iterative resolver used for questions outside every
// local zone.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/semihalev/adns/cache"
	"github.com/semihalev/adns/dnsutil"
)

var (
	errMaxDepth      = errors.New("maximum recursion depth for dns tree queried")
	errNoRootServers = errors.New("no root servers")
	errUnreachable   = errors.New("no reachable authority")
	errParentServers = errors.New("parent servers detected")
)

// DefaultRootServers are the IPv4 root server addresses.
var DefaultRootServers = []string{
	"198.41.0.4:53",
	"170.247.170.2:53",
	"192.33.4.12:53",
	"199.7.91.13:53",
	"192.203.230.10:53",
	"192.5.5.241:53",
	"192.112.36.4:53",
	"198.97.190.53:53",
	"192.36.148.17:53",
	"192.58.128.30:53",
	"193.0.14.129:53",
	"199.7.83.42:53",
	"202.12.27.33:53",
}

// Config configures a Resolver.
type Config struct {
	RootServers []string
	Timeout     time.Duration
	MaxDepth    int
	CacheSize   int
	// MaxTTL caps how long answers are cached.
	MaxTTL time.Duration
	// Port is used for server addresses learned from glue.
	Port string
}

// Resolver resolves iteratively from the root servers and caches answers
// and delegations.
type Resolver struct {
	cfg Config

	mu    sync.RWMutex
	roots []string

	qcache *cache.QueryCache
	ncache *cache.NSCache

	group singleflight.Group
}

// New returns a resolver.
func New(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 30
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256000
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	if cfg.Port == "" {
		cfg.Port = "53"
	}

	roots := cfg.RootServers
	if len(roots) == 0 {
		roots = DefaultRootServers
	}

	return &Resolver{
		cfg:    cfg,
		roots:  roots,
		qcache: cache.NewQueryCache(cfg.CacheSize),
		ncache: cache.NewNSCache(cfg.CacheSize / 8),
	}
}

// SetRootServers replaces the root server addresses, e.g. from a hint zone.
func (r *Resolver) SetRootServers(servers []string) {
	if len(servers) == 0 {
		return
	}

	r.mu.Lock()
	r.roots = servers
	r.mu.Unlock()
}

func (r *Resolver) rootServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roots
}

// Resolve answers req, from cache when possible. Concurrent identical
// questions share one resolution.
func (r *Resolver) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) != 1 {
		return nil, fmt.Errorf("resolve: %d questions", len(req.Question))
	}

	q := req.Question[0]
	q.Name = dns.CanonicalName(q.Name)
	key := cache.Key(q, req.CheckingDisabled)

	if m, err := r.qcache.Get(key, req); err == nil {
		return m, nil
	}

	v, err, _ := r.group.Do(strconv.FormatUint(key, 16), func() (any, error) {
		resp, err := r.resolve(ctx, q, 0)
		if err != nil {
			return nil, err
		}

		r.qcache.Set(key, resp, cache.TTL(resp, r.cfg.MaxTTL))

		return resp, nil
	})
	if err != nil {
		zlog.Debug("Resolve failed", "query", dnsutil.FormatQuestion(q), "error", err.Error())
		return nil, err
	}

	resp := v.(*dns.Msg)

	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = false
	m.RecursionAvailable = true
	m.Rcode = resp.Rcode
	m.Answer = copyRRs(resp.Answer)
	m.Ns = copyRRs(resp.Ns)
	m.Extra = copyRRs(resp.Extra)

	return dnsutil.ClearOPT(m), nil
}

func copyRRs(rrs []dns.RR) []dns.RR {
	out := make([]dns.RR, len(rrs))
	for i, rr := range rrs {
		out[i] = dns.Copy(rr)
	}
	return out
}

// closest returns the servers of the deepest cached delegation above name.
func (r *Resolver) closest(name string) (string, []string) {
	for off, end := 0, false; !end; off, end = dns.NextLabel(name, off) {
		if ns, err := r.ncache.Get(name[off:]); err == nil {
			return ns.Zone, ns.Servers
		}
	}

	return ".", r.rootServers()
}

func (r *Resolver) resolve(ctx context.Context, q dns.Question, depth int) (*dns.Msg, error) {
	if depth > r.cfg.MaxDepth {
		return nil, errMaxDepth
	}

	zone, servers := r.closest(q.Name)
	if len(servers) == 0 {
		return nil, errNoRootServers
	}

	for i := 0; i <= r.cfg.MaxDepth; i++ {
		resp, err := r.lookup(ctx, q, servers)
		if err != nil {
			return nil, fmt.Errorf("%w at %s: %v", errUnreachable, zone, err)
		}

		if resp.Rcode != dns.RcodeSuccess {
			return resp, nil
		}

		if len(resp.Answer) > 0 {
			return r.answer(ctx, q, resp, depth)
		}

		cut, nss, err := referral(resp, zone)
		if err != nil {
			return nil, err
		}
		if cut == "" {
			return resp, nil
		}

		addrs, err := r.nsAddrs(ctx, resp, nss, depth)
		if err != nil {
			return nil, err
		}

		ttl := uint32(r.cfg.MaxTTL.Seconds())
		for _, rr := range resp.Ns {
			if rr.Header().Rrtype == dns.TypeNS && rr.Header().Ttl < ttl {
				ttl = rr.Header().Ttl
			}
		}
		r.ncache.Set(cut, addrs, dnsutil.ExtractRRSet(resp.Ns, cut, dns.TypeDS), ttl)

		zlog.Debug("Following referral", "query", dnsutil.FormatQuestion(q), "zone", cut, "servers", len(addrs))

		zone, servers = cut, addrs
	}

	return nil, errMaxDepth
}

// answer completes a response whose answer ends in a CNAME to another name.
func (r *Resolver) answer(ctx context.Context, q dns.Question, resp *dns.Msg, depth int) (*dns.Msg, error) {
	if q.Qtype == dns.TypeCNAME || q.Qtype == dns.TypeANY {
		return resp, nil
	}

	target := q.Name
	for _, rr := range resp.Answer {
		h := rr.Header()
		if h.Rrtype == q.Qtype && dns.CanonicalName(h.Name) == target {
			return resp, nil
		}
		if cname, ok := rr.(*dns.CNAME); ok && dns.CanonicalName(h.Name) == target {
			target = dns.CanonicalName(cname.Target)
		}
	}

	if target == q.Name {
		return resp, nil
	}

	next, err := r.resolve(ctx, dns.Question{Name: target, Qtype: q.Qtype, Qclass: q.Qclass}, depth+1)
	if err != nil {
		return nil, err
	}

	m := resp.Copy()
	m.Rcode = next.Rcode
	m.Answer = append(m.Answer, next.Answer...)
	m.Ns = next.Ns
	m.Extra = nil

	return m, nil
}

// referral returns the zone cut and NS names of a referral below zone. An
// empty cut means resp is a final negative answer.
func referral(resp *dns.Msg, zone string) (string, []string, error) {
	var (
		cut string
		nss []string
	)

	for _, rr := range resp.Ns {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}

		owner := dns.CanonicalName(ns.Hdr.Name)
		if cut == "" {
			cut = owner
		}
		if owner != cut {
			continue
		}
		nss = append(nss, dns.CanonicalName(ns.Ns))
	}

	if cut == "" || resp.Authoritative {
		return "", nil, nil
	}

	// a referral must lead strictly down from the current zone
	if cut == zone || !dns.IsSubDomain(zone, cut) {
		return "", nil, fmt.Errorf("%w: %s below %s", errParentServers, cut, zone)
	}

	return cut, nss, nil
}

// nsAddrs returns the addresses of the servers of a referral, from glue or
// by resolving the server names in parallel.
func (r *Resolver) nsAddrs(ctx context.Context, resp *dns.Msg, nss []string, depth int) ([]string, error) {
	var addrs []string
	var missing []string

	for _, ns := range nss {
		found := false
		for _, rr := range resp.Extra {
			if dns.CanonicalName(rr.Header().Name) != ns {
				continue
			}
			switch v := rr.(type) {
			case *dns.A:
				addrs = append(addrs, net.JoinHostPort(v.A.String(), r.cfg.Port))
				found = true
			case *dns.AAAA:
				addrs = append(addrs, net.JoinHostPort(v.AAAA.String(), r.cfg.Port))
				found = true
			}
		}
		if !found {
			missing = append(missing, ns)
		}
	}

	if len(addrs) > 0 {
		return addrs, nil
	}

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, ns := range missing {
		g.Go(func() error {
			m, err := r.resolve(gctx, dns.Question{Name: ns, Qtype: dns.TypeA, Qclass: dns.ClassINET}, depth+1)
			if err != nil {
				zlog.Debug("Nameserver address lookup failed", "ns", ns, "error", err.Error())
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			for _, rr := range m.Answer {
				if a, ok := rr.(*dns.A); ok {
					addrs = append(addrs, net.JoinHostPort(a.A.String(), r.cfg.Port))
				}
			}
			return nil
		})
	}

	_ = g.Wait()

	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no address for %v", errUnreachable, nss)
	}

	return addrs, nil
}

// lookup asks servers in order until one answers usefully.
func (r *Resolver) lookup(ctx context.Context, q dns.Question, servers []string) (*dns.Msg, error) {
	req := new(dns.Msg)
	req.SetQuestion(q.Name, q.Qtype)
	req.Question[0].Qclass = q.Qclass
	req.RecursionDesired = false
	req.SetEdns0(dnsutil.DefaultMsgSize, false)

	var (
		last *dns.Msg
		err  error
	)

	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var resp *dns.Msg
		resp, err = r.exchange(ctx, req.Copy(), server, "udp")
		if err != nil {
			continue
		}

		switch resp.Rcode {
		case dns.RcodeServerFailure, dns.RcodeRefused:
			last = resp
			continue
		}

		return resp, nil
	}

	if last != nil {
		return last, nil
	}

	if err == nil {
		err = errUnreachable
	}

	return nil, err
}

func (r *Resolver) exchange(ctx context.Context, req *dns.Msg, server, proto string) (*dns.Msg, error) {
	c := &dns.Client{
		Net:     proto,
		Timeout: r.cfg.Timeout,
	}

	resp, _, err := c.ExchangeContext(ctx, req, server)
	if err != nil {
		zlog.Debug("Socket error in server communication", "query", dnsutil.FormatQuestion(req.Question[0]), "server", server, "net", proto, "error", err.Error())
		return nil, err
	}

	if resp.Truncated && proto == "udp" {
		return r.exchange(ctx, req, server, "tcp")
	}

	if resp.Rcode == dns.RcodeFormatError && req.IsEdns0() != nil {
		// try again without edns, some servers don't implement it
		return r.exchange(ctx, dnsutil.ClearOPT(req), server, proto)
	}

	return resp, nil
}
