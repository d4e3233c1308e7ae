package authority

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/adns/authority"
	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
	"github.com/semihalev/adns/mock"
)

const exampleZone = `$ORIGIN example.com.
$TTL 3600
@	IN SOA ns1 hostmaster 1 7200 3600 1209600 300
@	IN NS ns1
ns1	IN A 192.0.2.53
www	IN A 192.0.2.10
`

func catalog(t *testing.T, extra ...dns.RR) *authority.Catalog {
	t.Helper()

	rrs := append([]dns.RR(nil), extra...)
	zp := dns.NewZoneParser(strings.NewReader(exampleZone), "", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		rrs = append(rrs, rr)
	}
	require.NoError(t, zp.Err())

	p := authority.NewPrimary(authority.PrimaryConfig{
		Origin:    "example.com.",
		Source:    func(context.Context) ([]dns.RR, error) { return rrs, nil },
		AllowAXFR: true,
	})
	require.NoError(t, p.Reload(context.Background()))

	c := authority.NewCatalog()
	c.Upsert(p)

	return c
}

func serve(a *Authority, proto, name string, qtype uint16) *mock.Writer {
	req := new(dns.Msg)
	req.SetQuestion(name, qtype)

	mw := mock.NewWriter(proto, "192.0.2.1:5300")
	ch := middleware.NewChain([]middleware.Handler{a})
	ch.Reset(mw, req)
	ch.Next(context.Background())

	return mw
}

func Test_Authority(t *testing.T) {
	_ = middleware.Setup(&config.Config{})

	a := middleware.Get("authority").(*Authority)
	assert.Equal(t, "authority", a.Name())
	require.NotNil(t, a.Catalog())

	// the empty catalog refuses everything
	mw := serve(a, "udp", "www.example.com.", dns.TypeA)
	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeRefused, mw.Rcode())

	a.SetCatalog(catalog(t))

	mw = serve(a, "udp", "www.example.com.", dns.TypeA)
	require.True(t, mw.Written())
	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
	assert.True(t, mw.Msg().Authoritative)
	require.Len(t, mw.Msg().Answer, 1)
	assert.Equal(t, "192.0.2.10", mw.Msg().Answer[0].(*dns.A).A.String())

	mw = serve(a, "udp", "nope.example.com.", dns.TypeA)
	assert.Equal(t, dns.RcodeNameError, mw.Rcode())

	mw = serve(a, "udp", "www.example.org.", dns.TypeA)
	assert.Equal(t, dns.RcodeRefused, mw.Rcode())

	// transfers only over streams
	mw = serve(a, "udp", "example.com.", dns.TypeAXFR)
	assert.Equal(t, dns.RcodeRefused, mw.Rcode())

	mw = serve(a, "tcp", "example.com.", dns.TypeAXFR)
	assert.Equal(t, dns.RcodeSuccess, mw.Rcode())
	require.Len(t, mw.Msg().Answer, 5)
	assert.Equal(t, dns.TypeSOA, mw.Msg().Answer[0].Header().Rrtype)
	assert.Equal(t, dns.TypeSOA, mw.Msg().Answer[4].Header().Rrtype)
}

func Test_AuthorityTransferEnvelopes(t *testing.T) {
	var extra []dns.RR
	for i := 0; i < 2000; i++ {
		rr, err := dns.NewRR(fmt.Sprintf("host%d.example.com. 300 IN TXT %q", i, strings.Repeat("x", 100)))
		require.NoError(t, err)
		extra = append(extra, rr)
	}

	a := New(&config.Config{})
	a.SetCatalog(catalog(t, extra...))

	mw := serve(a, "tcp", "example.com.", dns.TypeAXFR)
	require.True(t, mw.Written())

	msgs := mw.Msgs()
	require.Greater(t, len(msgs), 1)

	var rrs []dns.RR
	for _, m := range msgs {
		assert.Equal(t, dns.RcodeSuccess, m.Rcode)
		packed, err := m.Pack()
		require.NoError(t, err)
		assert.Less(t, len(packed), dns.MaxMsgSize)
		rrs = append(rrs, m.Answer...)
	}

	// 4 zone records, 2000 hosts, the closing SOA
	require.Len(t, rrs, 2005)
	assert.Equal(t, dns.TypeSOA, rrs[0].Header().Rrtype)
	assert.Equal(t, dns.TypeSOA, rrs[len(rrs)-1].Header().Rrtype)

	// DoH answers in one message
	mw = serve(a, "doh", "example.com.", dns.TypeAXFR)
	require.Len(t, mw.Msgs(), 1)
	assert.Len(t, mw.Msg().Answer, 2005)
}
