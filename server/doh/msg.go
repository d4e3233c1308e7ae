package doh

import (
	"strings"

	"github.com/miekg/dns"
)

// Question struct
type Question struct {
	Name   string `json:"name"`
	Qtype  uint16 `json:"type"`
	Qclass uint16 `json:"-"`
}

// RR struct
type RR struct {
	Name string `json:"name"`
	Type uint16 `json:"type"`
	TTL  uint32 `json:"TTL"`
	Data string `json:"data"`
}

// Msg is the JSON form of a response.
type Msg struct {
	Status     int
	TC         bool
	RD         bool
	RA         bool
	AD         bool
	CD         bool
	AA         bool
	Question   []Question
	Answer     []RR `json:",omitempty"`
	Authority  []RR `json:",omitempty"`
	Additional []RR `json:",omitempty"`
}

// NewMsg converts m, leaving out the OPT record.
func NewMsg(m *dns.Msg) *Msg {
	if m == nil {
		return nil
	}

	msg := &Msg{
		Status:    m.Rcode,
		TC:        m.Truncated,
		RD:        m.RecursionDesired,
		RA:        m.RecursionAvailable,
		AD:        m.AuthenticatedData,
		CD:        m.CheckingDisabled,
		AA:        m.Authoritative,
		Question:  make([]Question, len(m.Question)),
		Answer:    newRRs(m.Answer),
		Authority: newRRs(m.Ns),
	}

	for i, q := range m.Question {
		msg.Question[i] = Question(q)
	}

	for _, rr := range m.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		msg.Additional = append(msg.Additional, newRR(rr))
	}

	return msg
}

func newRRs(rrs []dns.RR) []RR {
	out := make([]RR, len(rrs))
	for i, rr := range rrs {
		out[i] = newRR(rr)
	}
	return out
}

func newRR(rr dns.RR) RR {
	return RR{
		Name: rr.Header().Name,
		Type: rr.Header().Rrtype,
		TTL:  rr.Header().Ttl,
		Data: strings.TrimPrefix(rr.String(), rr.Header().String()),
	}
}
