package ratelimit

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
	"golang.org/x/time/rate"

	"github.com/semihalev/adns/cache"
	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/dnsutil"
	"github.com/semihalev/adns/middleware"
)

type limiter struct {
	rl     *rate.Limiter
	cookie atomic.Value
}

// RateLimit limits the messages per minute of each client address. A client
// presenting the server cookie it was given is not limited.
type RateLimit struct {
	cookiesecret string

	cache *cache.Cache[*limiter]
	rate  int
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return ratelimit
func New(cfg *config.Config) *RateLimit {
	return &RateLimit{
		cache:        cache.New[*limiter](cacheSize),
		cookiesecret: cfg.CookieSecret,
		rate:         cfg.ClientRateLimit,
	}
}

// Name return middleware name
func (r *RateLimit) Name() string { return name }

// ServeDNS implements the Handle interface.
func (r *RateLimit) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	if r.rate == 0 || w.Internal() {
		ch.Next(ctx)
		return
	}

	ip := w.RemoteIP()
	if ip == nil || ip.IsLoopback() || ip.IsUnspecified() {
		ch.Next(ctx)
		return
	}

	l := r.getLimiter(ip)
	cachedcookie := l.cookie.Load().(string)

	var servercookie string

	if opt := req.IsEdns0(); opt != nil {
		for _, option := range opt.Option {
			if option.Option() != dns.EDNS0COOKIE || len(option.String()) < cookieSize {
				continue
			}

			clientcookie := option.String()[:cookieSize]
			servercookie = dnsutil.GenerateServerCookie(r.cookiesecret, ip.String(), clientcookie)

			if cachedcookie == "" || cachedcookie == option.String() {
				ch.Next(ctx)

				l.cookie.Store(servercookie)
				return
			}

			if w.Proto() == "udp" {
				if !l.rl.Allow() {
					ch.Cancel()
					return
				}

				l.cookie.Store(servercookie)
				option.(*dns.EDNS0_COOKIE).Cookie = servercookie

				ch.CancelWithRcode(dns.RcodeBadCookie, false)
				return
			}
		}
	}

	if !l.rl.Allow() {
		// no reply to client
		ch.Cancel()
		return
	}

	ch.Next(ctx)

	if servercookie != "" {
		l.cookie.Store(servercookie)
	}
}

func (r *RateLimit) getLimiter(remoteip net.IP) *limiter {
	key := xxhash.Sum64(remoteip.To16())

	if l, ok := r.cache.Get(key); ok {
		return l
	}

	limit := rate.Every(time.Minute / time.Duration(r.rate))

	l := &limiter{rl: rate.NewLimiter(limit, r.rate)}
	l.cookie.Store("")

	r.cache.Add(key, l)

	return l
}

const (
	cacheSize  = 256 * 100
	cookieSize = 16

	name = "ratelimit"
)
