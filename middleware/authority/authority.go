package authority

import (
	"context"
	"sync/atomic"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/authority"
	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
)

// Authority hands every message that reaches the end of the chain to the
// zone catalog and writes its response.
type Authority struct {
	catalog atomic.Pointer[authority.Catalog]
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New returns the handler with an empty catalog.
func New(cfg *config.Config) *Authority {
	a := new(Authority)
	a.catalog.Store(authority.NewCatalog())

	return a
}

// Name return middleware name
func (a *Authority) Name() string { return name }

// Catalog returns the catalog answering messages.
func (a *Authority) Catalog() *authority.Catalog { return a.catalog.Load() }

// SetCatalog replaces the catalog.
func (a *Authority) SetCatalog(c *authority.Catalog) { a.catalog.Store(c) }

// ServeDNS implements the Handle interface.
func (a *Authority) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	resp := a.Catalog().ServeDNS(ctx, &authority.Request{
		Msg:    req,
		Source: w.RemoteIP(),
		Proto:  w.Proto(),
		Wire:   w.Wire(),
	})

	// DoH carries one message per request, the whole zone goes in it
	if transfer(req, resp) && (w.Proto() == "tcp" || w.Proto() == "doq") {
		_ = w.WriteStream(authority.Envelopes(resp, authority.MaxEnvelopeSize))
		ch.Cancel()
		return
	}

	_ = w.WriteMsg(resp)
	ch.Cancel()
}

func transfer(req, resp *dns.Msg) bool {
	return len(req.Question) == 1 && req.Question[0].Qtype == dns.TypeAXFR && resp.Rcode == dns.RcodeSuccess
}

const name = "authority"
