package recovery

import (
	"context"
	"runtime/debug"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/dnsutil"
	"github.com/semihalev/adns/middleware"
)

// Recovery turns a panic further down the chain into SERVFAIL.
type Recovery struct{}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return recovery.
func New(cfg *config.Config) *Recovery {
	return &Recovery{}
}

// Name return middleware name
func (r *Recovery) Name() string { return name }

// ServeDNS implements the Handle interface.
func (r *Recovery) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	defer func() {
		if r := recover(); r != nil {
			if !ch.Writer.Written() {
				ch.CancelWithRcode(dns.RcodeServerFailure, false)
			}
			ch.Cancel()

			q := "-"
			if len(ch.Request.Question) > 0 {
				q = dnsutil.FormatQuestion(ch.Request.Question[0])
			}

			zlog.Error("Recovered in ServeDNS", "recover", r, "query", q, "stack", string(debug.Stack()))
		}
	}()

	ch.Next(ctx)
}

const name = "recovery"
