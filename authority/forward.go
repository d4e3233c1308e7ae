package authority

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/dnsutil"
	"github.com/semihalev/adns/lookup"
)

// Upstream is a name server a forward zone sends queries to.
type Upstream struct {
	Addr  string
	Proto string
	// TrustNegative accepts NXDOMAIN and empty answers from this upstream
	// instead of trying the next one.
	TrustNegative bool
}

// Forward sends the queries of a zone to upstream servers in order.
type Forward struct {
	origin    string
	class     uint16
	upstreams []Upstream
	timeout   time.Duration
}

// NewForward returns a forward zone.
func NewForward(origin string, class uint16, upstreams []Upstream, timeout time.Duration) *Forward {
	if class == 0 {
		class = dns.ClassINET
	}

	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Forward{
		origin:    dns.CanonicalName(origin),
		class:     class,
		upstreams: upstreams,
		timeout:   timeout,
	}
}

// Origin returns the zone name.
func (f *Forward) Origin() string { return f.origin }

// Class returns the zone class.
func (f *Forward) Class() uint16 { return f.class }

// Role returns RoleForward.
func (f *Forward) Role() Role { return RoleForward }

// Search forwards the question. An upstream error or, for upstreams whose
// negatives are not trusted, an NXDOMAIN or empty answer moves on to the
// next upstream; the last negative answer is used when none is positive.
func (f *Forward) Search(ctx context.Context, req *Request) (*lookup.Result, error) {
	q := req.Msg.Question[0]

	m := new(dns.Msg)
	m.SetQuestion(q.Name, q.Qtype)
	m.Question[0].Qclass = q.Qclass
	m.RecursionDesired = true
	m.SetEdns0(dnsutil.DefaultMsgSize, req.DO())

	var negative *dns.Msg

	for _, up := range f.upstreams {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		proto := up.Proto
		if proto == "" {
			proto = "udp"
		}

		c := &dns.Client{Net: proto, Timeout: f.timeout}

		resp, _, err := c.ExchangeContext(ctx, m, up.Addr)
		if err == nil && resp.Truncated && proto == "udp" {
			c.Net = "tcp"
			resp, _, err = c.ExchangeContext(ctx, m, up.Addr)
		}
		if err != nil {
			zlog.Debug("Forward upstream failed", "zone", f.origin, "upstream", up.Addr, "error", err.Error())
			continue
		}

		if resp.Rcode == dns.RcodeServerFailure || resp.Rcode == dns.RcodeRefused {
			continue
		}

		if !up.TrustNegative && negativeAnswer(resp) {
			negative = resp
			continue
		}

		return forwarded(resp), nil
	}

	if negative != nil {
		return forwarded(negative), nil
	}

	return nil, ErrNoUpstream
}

func negativeAnswer(m *dns.Msg) bool {
	return m.Rcode == dns.RcodeNameError || (m.Rcode == dns.RcodeSuccess && len(m.Answer) == 0)
}

func forwarded(m *dns.Msg) *lookup.Result {
	res := &lookup.Result{
		Rcode:  m.Rcode,
		Answer: m.Answer,
		Ns:     m.Ns,
		Kind:   lookup.Answer,
	}

	for _, rr := range m.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		res.Extra = append(res.Extra, rr)
	}

	switch {
	case m.Rcode == dns.RcodeNameError:
		res.Kind = lookup.NxDomain
	case len(m.Answer) == 0:
		res.Kind = lookup.NoData
	}

	return res
}

// Hint holds the root hints used by the recursor. It never answers
// queries itself.
type Hint struct {
	origin string
	class  uint16
	hints  []dns.RR
}

// NewHint returns a hint zone with the NS and address records of rrs.
func NewHint(origin string, class uint16, rrs []dns.RR) *Hint {
	if class == 0 {
		class = dns.ClassINET
	}

	h := &Hint{origin: dns.CanonicalName(origin), class: class}
	for _, rr := range rrs {
		switch rr.Header().Rrtype {
		case dns.TypeNS, dns.TypeA, dns.TypeAAAA:
			h.hints = append(h.hints, rr)
		}
	}

	return h
}

// Origin returns the zone name.
func (h *Hint) Origin() string { return h.origin }

// Class returns the zone class.
func (h *Hint) Class() uint16 { return h.class }

// Role returns RoleHint.
func (h *Hint) Role() Role { return RoleHint }

// Search always fails; hints are not served.
func (h *Hint) Search(context.Context, *Request) (*lookup.Result, error) {
	return nil, ErrNotSupported
}

// Hints returns the hint records.
func (h *Hint) Hints() []dns.RR { return h.hints }

// HintServers returns the addresses of the hinted servers as host:53.
func (h *Hint) HintServers() []string {
	var out []string
	for _, rr := range h.hints {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, net.JoinHostPort(v.A.String(), "53"))
		case *dns.AAAA:
			out = append(out, net.JoinHostPort(v.AAAA.String(), "53"))
		}
	}
	return out
}
