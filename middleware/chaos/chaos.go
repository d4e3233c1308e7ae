package chaos

import (
	"context"
	"os"
	"strings"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
)

// Chaos answers the CHAOS class TXT queries that identify the server.
type Chaos struct {
	chaos    bool
	version  string
	hostname string
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return chaos
func New(cfg *config.Config) *Chaos {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Chaos{
		version:  "ADNS v" + cfg.ServerVersion() + " (github.com/semihalev/adns)",
		hostname: hostname,
		chaos:    cfg.Chaos,
	}
}

// Name return middleware name
func (c *Chaos) Name() string { return name }

// ServeDNS implements the Handle interface.
func (c *Chaos) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	if !c.chaos || len(req.Question) == 0 || req.Opcode != dns.OpcodeQuery {
		ch.Next(ctx)
		return
	}

	q := req.Question[0]
	if q.Qclass != dns.ClassCHAOS || q.Qtype != dns.TypeTXT {
		ch.Next(ctx)
		return
	}

	var txt string
	switch strings.ToLower(q.Name) {
	case "version.bind.", "version.server.":
		txt = c.version
	case "hostname.bind.", "id.server.":
		txt = c.hostname
	default:
		ch.Next(ctx)
		return
	}

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.Answer = []dns.RR{
		&dns.TXT{
			Hdr: dns.RR_Header{
				Name:   q.Name,
				Rrtype: dns.TypeTXT,
				Class:  dns.ClassCHAOS,
			},
			Txt: []string{limitTXTLength(txt)},
		}}

	_ = w.WriteMsg(resp)
	ch.Cancel()
}

func limitTXTLength(s string) string {
	if len(s) < 256 {
		return s
	}
	return s[:255]
}

const name = "chaos"
