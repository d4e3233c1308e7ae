package cache

import (
	"time"

	"github.com/miekg/dns"
)

// NS is a cached delegation: the servers of a zone cut and their addresses.
type NS struct {
	Zone    string
	Servers []string
	DS      []dns.RR

	stored time.Time
	ttl    uint32
}

// NSCache caches delegations learned from referrals.
type NSCache struct {
	cache *Cache[*NS]
}

// NewNSCache returns a delegation cache holding about size zones.
func NewNSCache(size int) *NSCache {
	return &NSCache{cache: New[*NS](size)}
}

// Get returns the delegation for zone.
func (c *NSCache) Get(zone string) (*NS, error) {
	key := Key(dns.Question{Name: zone, Qtype: dns.TypeNS, Qclass: dns.ClassINET})

	ns, ok := c.cache.Get(key)
	if !ok {
		return nil, ErrCacheNotFound
	}

	if uint32(WallClock.Now().Sub(ns.stored).Seconds()) >= ns.ttl {
		c.cache.Remove(key)
		return nil, ErrCacheExpired
	}

	return ns, nil
}

// Set stores the servers of zone for ttl seconds.
func (c *NSCache) Set(zone string, servers []string, ds []dns.RR, ttl uint32) {
	if ttl == 0 || len(servers) == 0 {
		return
	}

	key := Key(dns.Question{Name: zone, Qtype: dns.TypeNS, Qclass: dns.ClassINET})
	c.cache.Add(key, &NS{
		Zone:    dns.CanonicalName(zone),
		Servers: servers,
		DS:      ds,
		stored:  WallClock.Now(),
		ttl:     ttl,
	})
}
