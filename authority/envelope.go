package authority

import "github.com/miekg/dns"

// MaxEnvelopeSize bounds the records carried by one zone transfer message,
// well below the 64 KiB a stream message can hold.
const MaxEnvelopeSize = 16 * 1024

// Envelopes splits a zone transfer response into messages whose answer
// records stay under size bytes. Every message repeats the header, the
// question and the additional section; a single record larger than size
// travels alone.
func Envelopes(m *dns.Msg, size int) []*dns.Msg {
	if len(m.Answer) == 0 {
		return []*dns.Msg{m}
	}

	var (
		out   []*dns.Msg
		start int
		n     int
	)

	for i, rr := range m.Answer {
		l := dns.Len(rr)
		if n+l > size && i > start {
			out = append(out, envelope(m, m.Answer[start:i]))
			start, n = i, 0
		}
		n += l
	}

	return append(out, envelope(m, m.Answer[start:]))
}

func envelope(m *dns.Msg, rrs []dns.RR) *dns.Msg {
	e := new(dns.Msg)
	e.MsgHdr = m.MsgHdr
	e.Compress = m.Compress
	e.Question = m.Question
	e.Answer = rrs
	e.Extra = append([]dns.RR(nil), m.Extra...)
	return e
}
