package edns

import (
	"context"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/dnsutil"
	"github.com/semihalev/adns/middleware"
)

// EDNS negotiates EDNS0 for the response: it answers unknown versions with
// BADVERS, echoes the OPT record, drops DNSSEC records the client did not
// ask for and truncates UDP responses to the client's payload size.
type EDNS struct{}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return edns
func New(cfg *config.Config) *EDNS {
	return &EDNS{}
}

// Name return middleware name
func (e *EDNS) Name() string { return name }

// ResponseWriter applies the negotiated EDNS0 options to the response.
type ResponseWriter struct {
	middleware.ResponseWriter

	opt  *dns.OPT
	size int
	do   bool
}

// ServeDNS implements the Handle interface.
func (e *EDNS) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	opt, size, _, do := dnsutil.SetEdns0(req)
	if opt != nil && opt.Version() != 0 {
		opt.SetVersion(0)

		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeBadVers)
		m.Extra = append(m.Extra, opt)

		_ = w.WriteMsg(m)

		ch.Cancel()
		return
	}

	if w.Proto() != "udp" {
		size = dns.MaxMsgSize
	}

	ch.Writer = &ResponseWriter{ResponseWriter: w, opt: opt, size: size, do: do}

	ch.Next(ctx)

	ch.Writer = w
}

// WriteMsg implements the dns.ResponseWriter interface
func (w *ResponseWriter) WriteMsg(m *dns.Msg) error {
	return w.ResponseWriter.WriteMsg(w.prepare(m))
}

// WriteStream implements the middleware.ResponseWriter interface
func (w *ResponseWriter) WriteStream(msgs []*dns.Msg) error {
	for i, m := range msgs {
		msgs[i] = w.prepare(m)
	}

	return w.ResponseWriter.WriteStream(msgs)
}

func (w *ResponseWriter) prepare(m *dns.Msg) *dns.Msg {
	if !w.do {
		m = dnsutil.ClearDNSSEC(m)
	}
	m = dnsutil.ClearOPT(m)

	if w.opt != nil {
		m.Extra = append(m.Extra, w.opt)
	}

	if w.Proto() == "udp" && m.Len() > w.size {
		m.Truncate(w.size)
	}

	return m
}

const name = "edns"
