package cache

import (
	"time"

	"github.com/miekg/dns"
)

type item struct {
	Rcode              int
	AuthenticatedData  bool
	RecursionAvailable bool
	Answer             []dns.RR
	Ns                 []dns.RR
	Extra              []dns.RR

	stored time.Time
	ttl    uint32
}

func newItem(m *dns.Msg, ttl uint32, now time.Time) *item {
	return &item{
		Rcode:              m.Rcode,
		AuthenticatedData:  m.AuthenticatedData,
		RecursionAvailable: m.RecursionAvailable,
		Answer:             copyRRs(m.Answer),
		Ns:                 copyRRs(m.Ns),
		Extra:              copyRRs(m.Extra),
		stored:             now,
		ttl:                ttl,
	}
}

// toMsg builds the reply to req with every TTL aged by elapsed seconds.
func (i *item) toMsg(req *dns.Msg, elapsed uint32) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)

	m.Authoritative = false
	m.AuthenticatedData = i.AuthenticatedData
	m.RecursionAvailable = i.RecursionAvailable
	m.Rcode = i.Rcode

	m.Answer = aged(i.Answer, elapsed)
	m.Ns = aged(i.Ns, elapsed)
	m.Extra = aged(i.Extra, elapsed)

	return m
}

func copyRRs(rrs []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		out = append(out, dns.Copy(rr))
	}
	return out
}

func aged(rrs []dns.RR, elapsed uint32) []dns.RR {
	out := make([]dns.RR, len(rrs))
	for j, rr := range rrs {
		out[j] = dns.Copy(rr)
		if h := out[j].Header(); h.Ttl > elapsed {
			h.Ttl -= elapsed
		} else {
			h.Ttl = 0
		}
	}
	return out
}

// QueryCache caches whole responses for their minimum TTL.
type QueryCache struct {
	cache *Cache[*item]
}

// NewQueryCache returns a cache holding about size responses.
func NewQueryCache(size int) *QueryCache {
	return &QueryCache{cache: New[*item](size)}
}

// Get returns the cached reply to req, its TTLs counted down.
func (c *QueryCache) Get(key uint64, req *dns.Msg) (*dns.Msg, error) {
	i, ok := c.cache.Get(key)
	if !ok {
		return nil, ErrCacheNotFound
	}

	elapsed := uint32(WallClock.Now().Sub(i.stored).Seconds())
	if elapsed >= i.ttl {
		c.cache.Remove(key)
		return nil, ErrCacheExpired
	}

	return i.toMsg(req, elapsed), nil
}

// Set stores m for ttl seconds. A zero ttl stores nothing.
func (c *QueryCache) Set(key uint64, m *dns.Msg, ttl uint32) {
	if ttl == 0 {
		return
	}
	c.cache.Add(key, newItem(m, ttl, WallClock.Now()))
}

// Remove drops the entry under key.
func (c *QueryCache) Remove(key uint64) {
	c.cache.Remove(key)
}

// Len returns the number of entries.
func (c *QueryCache) Len() int {
	return c.cache.Len()
}

// TTL returns how long m may be cached: the smallest TTL of its records,
// and for negative answers the SOA minimum as well (RFC 2308), capped by max.
func TTL(m *dns.Msg, max time.Duration) uint32 {
	ttl := uint32(max.Seconds())

	for _, rrs := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range rrs {
			h := rr.Header()
			if h.Rrtype == dns.TypeOPT {
				continue
			}
			if h.Ttl < ttl {
				ttl = h.Ttl
			}
			if soa, ok := rr.(*dns.SOA); ok && len(m.Answer) == 0 && soa.Minttl < ttl {
				ttl = soa.Minttl
			}
		}
	}

	if m.Rcode != dns.RcodeSuccess && m.Rcode != dns.RcodeNameError {
		return 0
	}

	return ttl
}
