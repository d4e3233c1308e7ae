package doh

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func Test_ParseQTYPE(t *testing.T) {
	assert.Equal(t, dns.TypeA, ParseQTYPE(""))
	assert.Equal(t, dns.TypeA, ParseQTYPE("1"))
	assert.Equal(t, dns.TypeCNAME, ParseQTYPE("CNAME"))
	assert.Equal(t, dns.TypeSOA, ParseQTYPE("soa"))
	assert.Equal(t, dns.TypeDNSKEY, ParseQTYPE("dnskey"))
	assert.Equal(t, uint16(65534), ParseQTYPE("TYPE65534"))
	assert.Equal(t, dns.TypeNone, ParseQTYPE("TEST"))
	assert.Equal(t, dns.TypeNone, ParseQTYPE("TYPEX"))
}
