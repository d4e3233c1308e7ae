package server

import (
	"context"
	"crypto"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/adns/authority"
	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
	authmw "github.com/semihalev/adns/middleware/authority"
	_ "github.com/semihalev/adns/middleware/edns"
	_ "github.com/semihalev/adns/middleware/recovery"
	"github.com/semihalev/adns/mock"
)

const exampleZone = `$ORIGIN example.com.
$TTL 3600
@	IN SOA ns1 hostmaster 1 7200 3600 1209600 300
@	IN NS ns1
ns1	IN A 192.0.2.53
www	IN A 192.0.2.10
`

func TestMain(m *testing.M) {
	if err := middleware.Setup(&config.Config{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var rrs []dns.RR
	zp := dns.NewZoneParser(strings.NewReader(exampleZone), "", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		rrs = append(rrs, rr)
	}

	p := authority.NewPrimary(authority.PrimaryConfig{
		Origin: "example.com.",
		Source: func(context.Context) ([]dns.RR, error) { return rrs, nil },
	})
	if err := p.Reload(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	middleware.Get("authority").(*authmw.Authority).Catalog().Upsert(p)

	os.Exit(m.Run())
}

func query(name string, qtype uint16) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(name, qtype)
	return req
}

func assertAnswer(t *testing.T, resp *dns.Msg) {
	t.Helper()

	require.NotNil(t, resp)
	assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
	assert.True(t, resp.Authoritative)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, "192.0.2.10", resp.Answer[0].(*dns.A).A.String())
}

func Test_acceptMsg(t *testing.T) {
	header := func(opcode int, qd, an, ns, ar uint16) dns.Header {
		return dns.Header{Bits: uint16(opcode) << 11, Qdcount: qd, Ancount: an, Nscount: ns, Arcount: ar}
	}

	tests := []struct {
		name   string
		header dns.Header
		want   dns.MsgAcceptAction
	}{
		{"query", header(dns.OpcodeQuery, 1, 0, 0, 1), dns.MsgAccept},
		{"notify", header(dns.OpcodeNotify, 1, 1, 0, 0), dns.MsgAccept},
		{"update", header(dns.OpcodeUpdate, 1, 2, 5, 3), dns.MsgAccept},
		{"update without zone", header(dns.OpcodeUpdate, 0, 0, 1, 0), dns.MsgReject},
		{"query without question", header(dns.OpcodeQuery, 0, 0, 0, 0), dns.MsgReject},
		{"status", header(dns.OpcodeStatus, 1, 0, 0, 0), dns.MsgRejectNotImplemented},
		{"response", dns.Header{Bits: 1 << 15, Qdcount: 1}, dns.MsgIgnore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, acceptMsg(tt.header))
		})
	}
}

func Test_ServeDNS(t *testing.T) {
	s := New(&config.Config{})

	mw := mock.NewWriter("udp", "127.0.0.1:0")
	s.ServeDNS(mw, query("www.example.com.", dns.TypeA))

	assert.True(t, mw.Written())
	assertAnswer(t, mw.Msg())

	mw = mock.NewWriter("udp", "127.0.0.1:0")
	s.ServeDNS(mw, query("www.example.org.", dns.TypeA))
	assert.Equal(t, dns.RcodeRefused, mw.Rcode())
}

func Test_ServeHTTP(t *testing.T) {
	s := New(&config.Config{})

	request, err := http.NewRequest("GET", "/dns-query?name=www.example.com", nil)
	require.NoError(t, err)

	hw := httptest.NewRecorder()
	s.ServeHTTP(hw, request)
	assert.Equal(t, http.StatusOK, hw.Code)
	assert.Contains(t, hw.Body.String(), "192.0.2.10")

	request, err = http.NewRequest("GET", "/dns-query?name=", nil)
	require.NoError(t, err)

	hw = httptest.NewRecorder()
	s.ServeHTTP(hw, request)
	assert.Equal(t, http.StatusBadRequest, hw.Code)
}

func Test_ServerBindFail(t *testing.T) {
	cfg := &config.Config{
		Bind:           "1:1",
		BindTLS:        "1:2",
		TLSCertificate: "cert",
		TLSPrivateKey:  "key",
	}

	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	s.Run(ctx)

	assert.False(t, s.udpStarted)
	assert.False(t, s.tcpStarted)
	assert.False(t, s.tlsStarted)

	cancel()

	assert.Eventually(t, s.Stopped, 5*time.Second, 10*time.Millisecond)
	s.Stop()
}

func Test_ServerGracefulDegradation(t *testing.T) {
	cfg := &config.Config{
		Bind:           "127.0.0.1:0",
		BindTLS:        "127.0.0.1:0",
		BindDOH:        "127.0.0.1:0",
		BindDOQ:        "127.0.0.1:0",
		TLSCertificate: "/nonexistent/cert.pem",
		TLSPrivateKey:  "/nonexistent/key.pem",
	}

	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Run(ctx)

	assert.True(t, s.udpStarted, "UDP service should be running")
	assert.True(t, s.tcpStarted, "TCP service should be running")
	assert.False(t, s.tlsStarted, "TLS service should not be running")
	assert.False(t, s.dohStarted, "DoH service should not be running")
	assert.False(t, s.doqStarted, "DoQ service should not be running")

	c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
	resp, _, err := c.Exchange(query("www.example.com.", dns.TypeA), s.Addr("udp"))
	require.NoError(t, err)
	assertAnswer(t, resp)

	cancel()

	assert.Eventually(t, s.Stopped, 5*time.Second, 10*time.Millisecond)
}

func Test_Server(t *testing.T) {
	tmpDir := t.TempDir()
	cert, key := generateTestCert(t, "localhost")
	certPath := filepath.Join(tmpDir, "cert.pem")
	keyPath := filepath.Join(tmpDir, "key.pem")
	writeCertAndKey(t, certPath, keyPath, cert, key)

	cfg := &config.Config{
		Bind:           "127.0.0.1:0",
		BindTLS:        "127.0.0.1:0",
		BindDOH:        "127.0.0.1:0",
		BindDOQ:        "127.0.0.1:0",
		TLSCertificate: certPath,
		TLSPrivateKey:  keyPath,
	}

	s := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Run(ctx)
	defer s.Stop()

	require.True(t, s.udpStarted)
	require.True(t, s.tcpStarted)
	require.True(t, s.tlsStarted)
	require.True(t, s.dohStarted)
	require.True(t, s.doqStarted)

	insecure := &tls.Config{InsecureSkipVerify: true}

	t.Run("udp", func(t *testing.T) {
		c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
		resp, _, err := c.Exchange(query("www.example.com.", dns.TypeA), s.Addr("udp"))
		require.NoError(t, err)
		assertAnswer(t, resp)
	})

	t.Run("tcp", func(t *testing.T) {
		c := &dns.Client{Net: "tcp", Timeout: 2 * time.Second}
		resp, _, err := c.Exchange(query("www.example.com.", dns.TypeA), s.Addr("tcp"))
		require.NoError(t, err)
		assertAnswer(t, resp)
	})

	t.Run("tcp-tls", func(t *testing.T) {
		c := &dns.Client{Net: "tcp-tls", Timeout: 2 * time.Second, TLSConfig: insecure}
		resp, _, err := c.Exchange(query("www.example.com.", dns.TypeA), s.Addr("tcp-tls"))
		require.NoError(t, err)
		assertAnswer(t, resp)
	})

	t.Run("update", func(t *testing.T) {
		rr, err := dns.NewRR("new.example.com. 300 IN A 192.0.2.99")
		require.NoError(t, err)

		req := new(dns.Msg)
		req.SetUpdate("example.com.")
		req.Insert([]dns.RR{rr, rr, rr})

		c := &dns.Client{Net: "udp", Timeout: 2 * time.Second}
		resp, _, err := c.Exchange(req, s.Addr("udp"))
		require.NoError(t, err)

		// the zone does not take updates, but the message reaches it
		assert.Equal(t, dns.OpcodeUpdate, resp.Opcode)
		assert.Equal(t, dns.RcodeRefused, resp.Rcode)
	})

	t.Run("https", func(t *testing.T) {
		client := &http.Client{
			Timeout:   2 * time.Second,
			Transport: &http.Transport{TLSClientConfig: insecure},
		}

		resp, err := client.Get("https://" + s.Addr("https") + "/dns-query?name=www.example.com&type=A")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "192.0.2.10")
	})

	t.Run("doq", func(t *testing.T) {
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer dialCancel()

		conn, err := quic.DialAddr(dialCtx, s.Addr("doq"), &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"doq"}}, nil)
		require.NoError(t, err)
		defer conn.CloseWithError(0, "")

		stream, err := conn.OpenStreamSync(dialCtx)
		require.NoError(t, err)

		req := query("www.example.com.", dns.TypeA)
		req.Id = 0
		packed, err := req.Pack()
		require.NoError(t, err)

		buf := make([]byte, 2+len(packed))
		binary.BigEndian.PutUint16(buf, uint16(len(packed)))
		copy(buf[2:], packed)

		_, err = stream.Write(buf)
		require.NoError(t, err)
		require.NoError(t, stream.Close())

		data, err := io.ReadAll(stream)
		require.NoError(t, err)
		require.Greater(t, len(data), 2)

		resp := new(dns.Msg)
		require.NoError(t, resp.Unpack(data[2:]))
		assertAnswer(t, resp)
	})

	cancel()

	assert.Eventually(t, s.Stopped, 5*time.Second, 10*time.Millisecond)
}

const updateZone = `$ORIGIN update.example.
$TTL 3600
@	IN SOA ns1 hostmaster 1 7200 3600 1209600 300
@	IN NS ns1
ns1	IN A 192.0.2.53
`

func Test_ServerSignedUpdate(t *testing.T) {
	key := &dns.KEY{DNSKEY: dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: "update.example.", Rrtype: dns.TypeKEY, Class: dns.ClassINET, Ttl: 3600},
		Flags:     256,
		Protocol:  3,
		Algorithm: dns.ECDSAP256SHA256,
	}}
	priv, err := key.Generate(256)
	require.NoError(t, err)

	var rrs []dns.RR
	zp := dns.NewZoneParser(strings.NewReader(updateZone), "", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		rrs = append(rrs, rr)
	}
	require.NoError(t, zp.Err())
	rrs = append(rrs, key)

	p := authority.NewPrimary(authority.PrimaryConfig{
		Origin: "update.example.",
		Source: func(context.Context) ([]dns.RR, error) { return rrs, nil },
		Update: &authority.UpdatePolicy{},
	})
	require.NoError(t, p.Reload(context.Background()))

	catalog := middleware.Get("authority").(*authmw.Authority).Catalog()
	catalog.Upsert(p)
	defer catalog.Remove("update.example.", dns.ClassINET)

	s := New(&config.Config{Bind: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Run(ctx)
	defer s.Stop()

	// signed returns a compressed update for name, signed with the zone KEY
	signed := func(t *testing.T, name string) []byte {
		t.Helper()

		m := new(dns.Msg)
		m.SetUpdate("update.example.")
		m.Insert([]dns.RR{
			&dns.A{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: net.ParseIP("192.0.2.1")},
			&dns.A{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300}, A: net.ParseIP("192.0.2.2")},
		})
		m.Compress = true

		now := time.Now()
		sig := &dns.SIG{RRSIG: dns.RRSIG{
			Hdr:        dns.RR_Header{Name: ".", Rrtype: dns.TypeSIG, Class: dns.ClassANY},
			Algorithm:  key.Algorithm,
			KeyTag:     key.KeyTag(),
			SignerName: key.Hdr.Name,
			Inception:  uint32(now.Add(-time.Minute).Unix()),
			Expiration: uint32(now.Add(5 * time.Minute).Unix()),
		}}

		wire, err := sig.Sign(priv.(crypto.Signer), m)
		require.NoError(t, err)

		// an uncompressed repack no longer matches the signed bytes
		in := new(dns.Msg)
		require.NoError(t, in.Unpack(wire))
		in.Compress = false
		repacked, err := in.Pack()
		require.NoError(t, err)
		require.NotEqual(t, wire, repacked)

		return wire
	}

	for i, network := range []string{"udp", "tcp"} {
		t.Run(network, func(t *testing.T) {
			c, err := net.DialTimeout(network, s.Addr(network), 2*time.Second)
			require.NoError(t, err)

			co := &dns.Conn{Conn: c}
			defer co.Close()

			require.NoError(t, co.SetDeadline(time.Now().Add(2*time.Second)))

			_, err = co.Write(signed(t, network+".update.example."))
			require.NoError(t, err)

			resp, err := co.ReadMsg()
			require.NoError(t, err)
			assert.Equal(t, dns.OpcodeUpdate, resp.Opcode)
			assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
			assert.Equal(t, uint32(2+i), p.Store().Serial())
		})
	}

	t.Run("https", func(t *testing.T) {
		wire := signed(t, "https.update.example.")

		request, err := http.NewRequest("POST", "/dns-query", strings.NewReader(string(wire)))
		require.NoError(t, err)
		request.Header.Set("Content-Type", "application/dns-message")

		hw := httptest.NewRecorder()
		s.ServeHTTP(hw, request)
		require.Equal(t, http.StatusOK, hw.Code)

		resp := new(dns.Msg)
		require.NoError(t, resp.Unpack(hw.Body.Bytes()))
		assert.Equal(t, dns.RcodeSuccess, resp.Rcode)
		assert.Equal(t, uint32(4), p.Store().Serial())
	})

	cancel()

	assert.Eventually(t, s.Stopped, 5*time.Second, 10*time.Millisecond)
}

func Test_withWire(t *testing.T) {
	s := New(&config.Config{})

	req := new(dns.Msg)
	req.SetUpdate("example.com.")
	req.Id = 4242

	wire, err := req.Pack()
	require.NoError(t, err)

	raddr := &net.UDPAddr{IP: net.ParseIP("192.0.2.7"), Port: 5300}
	s.keepWire(raddr, wire)

	w := s.withWire(&plainWriter{raddr: raddr}, req)
	ww, ok := w.(interface{ Wire() []byte })
	require.True(t, ok)
	assert.Equal(t, wire, ww.Wire())

	// the bytes are handed out once
	w = s.withWire(&plainWriter{raddr: raddr}, req)
	_, ok = w.(interface{ Wire() []byte })
	assert.False(t, ok)

	// queries are not kept
	q := query("www.example.com.", dns.TypeA)
	qwire, err := q.Pack()
	require.NoError(t, err)
	s.keepWire(raddr, qwire)
	assert.Equal(t, 0, s.wires.Len())
}

// plainWriter is a dns.ResponseWriter that knows nothing of the request bytes.
type plainWriter struct {
	dns.ResponseWriter
	raddr net.Addr
}

func (w *plainWriter) RemoteAddr() net.Addr { return w.raddr }

func Test_readlogs(t *testing.T) {
	logReader, logWriter := io.Pipe()

	done := make(chan struct{})
	go func() {
		readlogs(logReader)
		close(done)
	}()

	_, _ = logWriter.Write([]byte("http: TLS handshake error from 127.0.0.1:1234: EOF\n"))
	_ = logWriter.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readlogs did not return")
	}
}
