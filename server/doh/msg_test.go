package doh

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Msg(t *testing.T) {
	assert.Nil(t, NewMsg(nil))

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeNS)
	msg.Authoritative = true

	rr, err := dns.NewRR("example.com.	3600	IN	NS	ns1.example.com.")
	require.NoError(t, err)
	msg.Answer = append(msg.Answer, rr)

	rr, err = dns.NewRR("example.com.	3600	IN	SOA	ns1.example.com. hostmaster.example.com. 1 7200 3600 1209600 300")
	require.NoError(t, err)
	msg.Ns = append(msg.Ns, rr)

	rr, err = dns.NewRR("ns1.example.com.	3600	IN	A	192.0.2.1")
	require.NoError(t, err)
	msg.Extra = append(msg.Extra, rr)
	msg.SetEdns0(1232, true)

	m := NewMsg(msg)

	assert.True(t, m.AA)
	assert.Equal(t, "ns1.example.com.", m.Answer[0].Data)
	assert.Equal(t, dns.TypeSOA, m.Authority[0].Type)
	require.Len(t, m.Additional, 1)
	assert.Equal(t, "192.0.2.1", m.Additional[0].Data)
	assert.Equal(t, uint32(3600), m.Additional[0].TTL)
}
