package edns

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
	"github.com/semihalev/adns/mock"
)

type dummy struct{}

func (d *dummy) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	m := new(dns.Msg)
	m.SetReply(req)

	rrHeader := dns.RR_Header{
		Name:   req.Question[0].Name,
		Rrtype: dns.TypeA,
		Class:  dns.ClassINET,
		Ttl:    3600,
	}

	for i := 0; i < 100; i++ {
		m.Answer = append(m.Answer, &dns.A{Hdr: rrHeader, A: net.IPv4(192, 0, 2, byte(i))})
	}

	m.Answer = append(m.Answer, &dns.RRSIG{Hdr: dns.RR_Header{
		Name:   req.Question[0].Name,
		Rrtype: dns.TypeRRSIG,
		Class:  dns.ClassINET,
		Ttl:    3600,
	}, TypeCovered: dns.TypeA, SignerName: "example.com.", Signature: "AAAA"})

	_ = w.WriteMsg(m)
}

func (d *dummy) Name() string { return "dummy" }

func hasRRSIG(m *dns.Msg) bool {
	for _, rr := range m.Answer {
		if rr.Header().Rrtype == dns.TypeRRSIG {
			return true
		}
	}
	return false
}

func Test_EDNS(t *testing.T) {
	testDomain := "example.com."

	_ = middleware.Setup(new(config.Config))

	edns := middleware.Get("edns").(*EDNS)
	assert.Equal(t, "edns", edns.Name())

	ch := middleware.NewChain([]middleware.Handler{edns, &dummy{}})

	req := new(dns.Msg)
	req.SetQuestion(testDomain, dns.TypeA)

	// no OPT over tcp: no OPT back, DNSSEC records dropped, nothing truncated
	mw := mock.NewWriter("tcp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
	assert.Nil(t, mw.Msg().IsEdns0())
	assert.False(t, mw.Msg().Truncated)
	assert.Len(t, mw.Msg().Answer, 100)
	assert.False(t, hasRRSIG(mw.Msg()))

	// no OPT over udp: cut to 512 bytes
	mw = mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	require.True(t, mw.Written())
	assert.True(t, mw.Msg().Truncated)
	assert.LessOrEqual(t, mw.Msg().Len(), dns.MinMsgSize)

	// unknown version
	req.SetEdns0(4096, true)
	req.IsEdns0().SetVersion(100)

	mw = mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeBadVers, mw.Rcode())
	require.NotNil(t, mw.Msg().IsEdns0())
	assert.Equal(t, uint8(0), mw.Msg().IsEdns0().Version())
	_, err := mw.Msg().Pack()
	assert.NoError(t, err)

	// DO set: signatures kept and the OPT echoed with DO
	req.IsEdns0().SetVersion(0)

	mw = mock.NewWriter("tcp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	require.True(t, mw.Written())
	assert.True(t, hasRRSIG(mw.Msg()))
	require.NotNil(t, mw.Msg().IsEdns0())
	assert.True(t, mw.Msg().IsEdns0().Do())

	// a small advertised size over udp truncates
	req.IsEdns0().SetUDPSize(1232)

	mw = mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	require.True(t, mw.Written())
	assert.True(t, mw.Msg().Truncated)
	assert.LessOrEqual(t, mw.Msg().Len(), 1232)
	assert.NotNil(t, mw.Msg().IsEdns0())
}

type streamer struct{}

func (s *streamer) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	w, req := ch.Writer, ch.Request

	var msgs []*dns.Msg
	for i := 0; i < 3; i++ {
		m := new(dns.Msg)
		m.SetReply(req)
		m.Answer = append(m.Answer, &dns.RRSIG{Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeRRSIG,
			Class:  dns.ClassINET,
			Ttl:    3600,
		}, TypeCovered: dns.TypeSOA, SignerName: "example.com.", Signature: "AAAA"})
		msgs = append(msgs, m)
	}

	_ = w.WriteStream(msgs)
}

func (s *streamer) Name() string { return "streamer" }

func Test_EDNSStream(t *testing.T) {
	ch := middleware.NewChain([]middleware.Handler{New(new(config.Config)), &streamer{}})

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeAXFR)
	req.SetEdns0(4096, false)

	mw := mock.NewWriter("tcp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())

	// every message carries the OPT record, transfers keep their signatures
	require.Len(t, mw.Msgs(), 3)
	for _, m := range mw.Msgs() {
		assert.NotNil(t, m.IsEdns0())
		assert.True(t, hasRRSIG(m))
	}

	// a datagram holds one message only
	mw = mock.NewWriter("udp", "127.0.0.1:0")
	ch.Reset(mw, req)
	ch.Next(context.Background())
	assert.Empty(t, mw.Msgs())
}
