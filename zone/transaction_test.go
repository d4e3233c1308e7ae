package zone

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_TransactionRecords(t *testing.T) {
	tx := NewTransaction().
		Add(mustRR(t, "a.example.com. 300 IN A 192.0.2.1")).
		Delete(mustRR(t, "b.example.com. 300 IN A 192.0.2.2")).
		DeleteRRset("c.example.com.", dns.TypeMX).
		DeleteName("D.example.com.")

	rrs := tx.Records(dns.ClassINET)
	require.Len(t, rrs, 4)

	assert.Equal(t, uint16(dns.ClassINET), rrs[0].Header().Class)
	assert.Equal(t, uint16(dns.ClassNONE), rrs[1].Header().Class)
	assert.Equal(t, uint32(0), rrs[1].Header().Ttl)
	assert.Equal(t, uint16(dns.ClassANY), rrs[2].Header().Class)
	assert.Equal(t, dns.TypeMX, rrs[2].Header().Rrtype)
	assert.Equal(t, dns.TypeANY, rrs[3].Header().Rrtype)
	assert.Equal(t, "d.example.com.", rrs[3].Header().Name)

	back, err := TransactionFromRecords(rrs, dns.ClassINET)
	require.NoError(t, err)
	require.Equal(t, tx.Len(), back.Len())

	for i, op := range back.Ops {
		assert.Equal(t, tx.Ops[i].Kind, op.Kind)
		assert.Equal(t, tx.Ops[i].Name, op.Name)
		assert.Equal(t, tx.Ops[i].Type, op.Type)
	}
	assert.Equal(t, uint16(dns.ClassINET), back.Ops[1].RR.Header().Class)
}

func Test_TransactionFromUpdateMsg(t *testing.T) {
	m := new(dns.Msg)
	m.SetUpdate("example.com.")
	m.Insert([]dns.RR{mustRR(t, "a.example.com. 300 IN A 192.0.2.1")})
	m.RemoveRRset([]dns.RR{mustRR(t, "b.example.com. 300 IN A 192.0.2.1")})
	m.RemoveName([]dns.RR{mustRR(t, "c.example.com. 300 IN A 192.0.2.1")})
	m.Remove([]dns.RR{mustRR(t, "d.example.com. 300 IN A 192.0.2.1")})

	// through the wire and back
	buf, err := m.Pack()
	require.NoError(t, err)
	in := new(dns.Msg)
	require.NoError(t, in.Unpack(buf))

	tx, err := TransactionFromRecords(in.Ns, dns.ClassINET)
	require.NoError(t, err)
	require.Equal(t, 4, tx.Len())

	assert.Equal(t, OpAdd, tx.Ops[0].Kind)
	assert.Equal(t, OpDeleteRRset, tx.Ops[1].Kind)
	assert.Equal(t, dns.TypeA, tx.Ops[1].Type)
	assert.Equal(t, OpDeleteName, tx.Ops[2].Kind)
	assert.Equal(t, OpDeleteRR, tx.Ops[3].Kind)
}

func Test_TransactionMalformed(t *testing.T) {
	rr := mustRR(t, "a.example.com. 300 IN A 192.0.2.1")
	rr.Header().Class = dns.ClassCHAOS

	_, err := TransactionFromRecords([]dns.RR{rr}, dns.ClassINET)
	assert.ErrorIs(t, err, ErrMalformedUpdate)

	anyRR := &dns.ANY{Hdr: dns.RR_Header{Name: "a.example.com.", Rrtype: dns.TypeA, Class: dns.ClassANY, Ttl: 10}}
	_, err = TransactionFromRecords([]dns.RR{anyRR}, dns.ClassINET)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func Test_RRsetAddRemove(t *testing.T) {
	a1 := mustRR(t, "Www.example.com. 300 IN A 192.0.2.1")
	a2 := mustRR(t, "www.example.com. 600 IN A 192.0.2.2")

	set := NewRRset(a1, a1)
	assert.Equal(t, "www.example.com.", set.Name)
	assert.Equal(t, 1, set.Len())

	set.Sigs = []*dns.RRSIG{{}}
	n, changed := set.Add(a2)
	assert.True(t, changed)
	assert.Equal(t, 2, n.Len())
	assert.Equal(t, uint32(600), n.TTL)
	assert.Empty(t, n.Sigs)
	for _, rr := range n.Records {
		assert.Equal(t, uint32(600), rr.Header().Ttl)
	}

	// the receiver is unchanged
	assert.Equal(t, 1, set.Len())
	assert.Len(t, set.Sigs, 1)

	n, changed = n.Remove(a1)
	assert.True(t, changed)
	assert.Equal(t, 1, n.Len())

	n, changed = n.Remove(a2)
	assert.True(t, changed)
	assert.Nil(t, n)
}

func Test_RRsetRename(t *testing.T) {
	set := NewRRset(mustRR(t, "*.example.com. 300 IN A 192.0.2.1"))
	set.Sigs = []*dns.RRSIG{mustRR(t, "*.example.com. 300 IN RRSIG A 13 2 300 20300101000000 20200101000000 12345 example.com. AAAA").(*dns.RRSIG)}

	rrs, sigs := set.Rename("foo.example.com.")
	assert.Equal(t, "foo.example.com.", rrs[0].Header().Name)
	assert.Equal(t, "foo.example.com.", sigs[0].Header().Name)
	assert.Equal(t, uint8(2), sigs[0].(*dns.RRSIG).Labels)
	assert.Equal(t, "*.example.com.", set.Records[0].Header().Name)
}
