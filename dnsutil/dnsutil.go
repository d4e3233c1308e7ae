// Package dnsutil holds message and name helpers shared by the server,
// the middlewares and the zone engine.
package dnsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/miekg/dns"
)

// SetRcode returns message specified with rcode.
func SetRcode(req *dns.Msg, rcode int, do bool) *dns.Msg {
	m := new(dns.Msg)
	m.Extra = req.Extra
	m.SetRcode(req, rcode)
	m.RecursionDesired = req.RecursionDesired

	if opt := m.IsEdns0(); opt != nil {
		opt.SetDo(do)
	}

	return m
}

// IsDO reports whether the request carries an OPT record with the DO bit.
func IsDO(req *dns.Msg) bool {
	if opt := req.IsEdns0(); opt != nil {
		return opt.Do()
	}

	return false
}

// SetEdns0 returns the OPT record for the response to req together with the
// UDP payload size the client accepts, its client cookie and the DO bit. A
// request without OPT gets a nil record and the minimum size.
func SetEdns0(req *dns.Msg) (*dns.OPT, int, string, bool) {
	opt := req.IsEdns0()
	if opt == nil {
		return nil, dns.MinMsgSize, "", false
	}

	size := int(opt.UDPSize())
	if size < dns.MinMsgSize {
		size = dns.MinMsgSize
	}
	if size > DefaultMsgSize {
		size = DefaultMsgSize
	}

	cookie := ""
	for _, option := range opt.Option {
		if option.Option() == dns.EDNS0COOKIE && len(option.String()) >= 16 {
			cookie = option.String()[:16]
		}
	}

	ropt := new(dns.OPT)
	ropt.Hdr.Name = "."
	ropt.Hdr.Rrtype = dns.TypeOPT
	ropt.SetUDPSize(DefaultMsgSize)
	ropt.SetVersion(opt.Version())
	if opt.Do() {
		ropt.SetDo()
	}

	return ropt, size, cookie, opt.Do()
}

// GenerateServerCookie returns the server cookie for a client.
func GenerateServerCookie(secret, remoteip, cookie string) string {
	scookie := sha256.New()

	_, _ = scookie.Write([]byte(remoteip))
	_, _ = scookie.Write([]byte(cookie))
	_, _ = scookie.Write([]byte(secret))

	return cookie + hex.EncodeToString(scookie.Sum(nil))
}

// FormatQuestion returns the log form of a question.
func FormatQuestion(q dns.Question) string {
	return strings.ToLower(q.Name) + " " + dns.ClassToString[q.Qclass] + " " + dns.TypeToString[q.Qtype]
}

// ClearOPT returns cleared opt message
func ClearOPT(msg *dns.Msg) *dns.Msg {
	extra := make([]dns.RR, len(msg.Extra))
	copy(extra, msg.Extra)

	msg.Extra = []dns.RR{}

	for _, rr := range extra {
		switch rr.(type) {
		case *dns.OPT:
			continue
		default:
			msg.Extra = append(msg.Extra, rr)
		}
	}

	return msg
}

// ClearDNSSEC returns cleared RRSIG and NSECx message
func ClearDNSSEC(msg *dns.Msg) *dns.Msg {
	// we shouldn't clear RRSIG questions or zone transfers
	if len(msg.Question) > 0 {
		switch msg.Question[0].Qtype {
		case dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeAXFR, dns.TypeIXFR:
			return msg
		}
	}

	msg.Answer = clearDNSSEC(msg.Answer)
	msg.Ns = clearDNSSEC(msg.Ns)
	msg.Extra = clearDNSSEC(msg.Extra)

	return msg
}

func clearDNSSEC(in []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(in))

	for _, rr := range in {
		switch rr.(type) {
		case *dns.RRSIG, *dns.NSEC3, *dns.NSEC:
			continue
		default:
			out = append(out, rr)
		}
	}

	return out
}

// ExtractRRSet returns the records of the given types, optionally owned by name.
func ExtractRRSet(in []dns.RR, name string, t ...uint16) []dns.RR {
	out := []dns.RR{}
	tMap := make(map[uint16]struct{}, len(t))
	for _, t := range t {
		tMap[t] = struct{}{}
	}
	for _, r := range in {
		if _, present := tMap[r.Header().Rrtype]; present {
			if name != "" && !strings.EqualFold(name, r.Header().Name) {
				continue
			}
			out = append(out, r)
		}
	}
	return out
}

// NotSupported response to writer a empty notimplemented message
func NotSupported(w dns.ResponseWriter, req *dns.Msg) error {
	return w.WriteMsg(&dns.Msg{
		MsgHdr: dns.MsgHdr{
			Rcode:    dns.RcodeNotImplemented,
			Id:       req.Id,
			Opcode:   req.Opcode,
			Response: true,
		},
	})
}

const (
	// DefaultMsgSize EDNS0 message size
	DefaultMsgSize = 1232
)
