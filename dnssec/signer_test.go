package dnssec

import (
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/adns/zone"
)

const testZone = `$ORIGIN example.com.
$TTL 3600
@	IN SOA ns1 hostmaster 1 7200 3600 1209600 300
@	IN NS ns1
ns1	IN A 192.0.2.1
www	IN A 192.0.2.10
a.b.c	IN TXT "deep"
*.wild	IN A 192.0.2.80
sub	IN NS ns.sub
sub	IN DS 12345 13 2 0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF
ns.sub	IN A 192.0.2.53
`

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func parse(t *testing.T, text string) []dns.RR {
	t.Helper()

	var rrs []dns.RR
	zp := dns.NewZoneParser(strings.NewReader(text), "example.com.", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		rrs = append(rrs, rr)
	}
	require.NoError(t, zp.Err())

	return rrs
}

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	require.NoError(t, err)
	return rr
}

func newKey(t *testing.T, role Role) *Key {
	t.Helper()
	k, err := GenerateKey("example.com.", dns.ECDSAP256SHA256, role, 3600)
	require.NoError(t, err)
	return k
}

func newSigner(t *testing.T, opts Options) (*Signer, *zone.Store) {
	t.Helper()

	ks, err := NewKeySet(newKey(t, KSK), newKey(t, ZSK))
	require.NoError(t, err)

	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}

	signer, err := NewSigner("example.com.", ks, opts)
	require.NoError(t, err)

	store := zone.NewStore("example.com.", dns.ClassINET)
	require.NoError(t, store.Load(parse(t, testZone), signer.Seal))

	return signer, store
}

func Test_SignVerifies(t *testing.T) {
	signer, _ := newSigner(t, Options{})

	set := zone.NewRRset(mustRR(t, "www.example.com. 300 IN A 192.0.2.1"), mustRR(t, "www.example.com. 300 IN A 192.0.2.2"))

	sigs, err := signer.Sign(set)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	sig := sigs[0]
	zsk := signer.Keys().Active(ZSK)
	assert.Equal(t, zsk.Tag(), sig.KeyTag)
	assert.Equal(t, "example.com.", sig.SignerName)
	assert.Equal(t, uint32(300), sig.OrigTtl)
	assert.Equal(t, uint32(testNow.Add(-time.Hour).Unix()), sig.Inception)
	assert.Equal(t, uint32(testNow.Add(30*24*time.Hour).Unix()), sig.Expiration)
	assert.NoError(t, sig.Verify(zsk.DNSKEY, set.RRs()))

	// same content comes from the cache
	again, err := signer.Sign(set)
	require.NoError(t, err)
	assert.Equal(t, sig.Signature, again[0].Signature)
}

func Test_SignDNSKEYWithKSK(t *testing.T) {
	signer, store := newSigner(t, Options{})

	set, ok := store.Snapshot().Get("example.com.", dns.TypeDNSKEY)
	require.True(t, ok)
	assert.Equal(t, 2, set.Len())
	require.Len(t, set.Sigs, 2)

	tags := []uint16{set.Sigs[0].KeyTag, set.Sigs[1].KeyTag}
	assert.Contains(t, tags, signer.Keys().Active(KSK).Tag())
	assert.Contains(t, tags, signer.Keys().Active(ZSK).Tag())
}

func Test_SignedZoneVerifies(t *testing.T) {
	_, store := newSigner(t, Options{})
	snap := store.Snapshot()

	require.NoError(t, VerifyZone(snap, testNow))
	require.NoError(t, VerifyChain(snap))

	// glue and delegation NS stay unsigned, DS is signed
	glue, _ := snap.Get("ns.sub.example.com.", dns.TypeA)
	assert.Empty(t, glue.Sigs)
	_, ok := snap.Get("ns.sub.example.com.", dns.TypeNSEC)
	assert.False(t, ok)

	ns, _ := snap.Get("sub.example.com.", dns.TypeNS)
	assert.Empty(t, ns.Sigs)
	ds, _ := snap.Get("sub.example.com.", dns.TypeDS)
	assert.NotEmpty(t, ds.Sigs)

	nsec, ok := snap.Get("sub.example.com.", dns.TypeNSEC)
	require.True(t, ok)
	assert.Equal(t, "*.wild.example.com.", nsec.Records[0].(*dns.NSEC).NextDomain)
	assert.Equal(t, []uint16{dns.TypeNS, dns.TypeDS, dns.TypeRRSIG, dns.TypeNSEC}, nsec.Records[0].(*dns.NSEC).TypeBitMap)

	apex, _ := snap.Get("example.com.", dns.TypeNSEC)
	assert.Equal(t, "a.b.c.example.com.", apex.Records[0].(*dns.NSEC).NextDomain)
	assert.Equal(t, uint32(300), apex.TTL)
}

func Test_SealPatchesChainOnUpdate(t *testing.T) {
	signer, store := newSigner(t, Options{})

	_, err := store.Apply(zone.NewTransaction().
		Add(mustRR(t, "mail.example.com. 300 IN A 192.0.2.25")).
		DeleteName("www.example.com."), signer.Seal)
	require.NoError(t, err)

	snap := store.Snapshot()
	require.NoError(t, VerifyChain(snap))
	require.NoError(t, VerifyZone(snap, testNow))

	nsec, _ := snap.Get("a.b.c.example.com.", dns.TypeNSEC)
	assert.Equal(t, "mail.example.com.", nsec.Records[0].(*dns.NSEC).NextDomain)

	last, _ := snap.Get("sub.example.com.", dns.TypeNSEC)
	assert.Equal(t, "*.wild.example.com.", last.Records[0].(*dns.NSEC).NextDomain)

	soa, _ := snap.Get("example.com.", dns.TypeSOA)
	assert.NoError(t, VerifyRRset(soa, dnskeys(snap), testNow))
	assert.Equal(t, uint32(2), soa.Records[0].(*dns.SOA).Serial)
}

func Test_SealDelegationOccludes(t *testing.T) {
	signer, store := newSigner(t, Options{})

	_, err := store.Apply(zone.NewTransaction().
		Add(mustRR(t, "host.dept.example.com. 300 IN A 192.0.2.7")).
		Add(mustRR(t, "dept.example.com. 300 IN TXT \"x\"")), signer.Seal)
	require.NoError(t, err)
	require.NoError(t, VerifyChain(store.Snapshot()))

	host, _ := store.Snapshot().Get("host.dept.example.com.", dns.TypeA)
	assert.NotEmpty(t, host.Sigs)

	// delegating dept turns host into glue
	_, err = store.Apply(zone.NewTransaction().Add(mustRR(t, "dept.example.com. 300 IN NS ns.example.net.")), signer.Seal)
	require.NoError(t, err)

	snap := store.Snapshot()
	require.NoError(t, VerifyChain(snap))
	require.NoError(t, VerifyZone(snap, testNow))

	host, _ = snap.Get("host.dept.example.com.", dns.TypeA)
	assert.Empty(t, host.Sigs)
	_, ok := snap.Get("host.dept.example.com.", dns.TypeNSEC)
	assert.False(t, ok)

	// and removing the cut brings it back
	_, err = store.Apply(zone.NewTransaction().DeleteRRset("dept.example.com.", dns.TypeNS), signer.Seal)
	require.NoError(t, err)

	snap = store.Snapshot()
	require.NoError(t, VerifyChain(snap))
	require.NoError(t, VerifyZone(snap, testNow))
}

func Test_NSEC3Chain(t *testing.T) {
	signer, store := newSigner(t, Options{NSEC3: &NSEC3Params{Iterations: 0, Salt: "AABB"}})

	snap := store.Snapshot()
	require.NoError(t, VerifyChain(snap))
	require.NoError(t, VerifyZone(snap, testNow))

	_, ok := snap.Get("example.com.", dns.TypeNSEC)
	assert.False(t, ok)

	param, ok := snap.Get("example.com.", dns.TypeNSEC3PARAM)
	require.True(t, ok)
	assert.Equal(t, "AABB", param.Records[0].(*dns.NSEC3PARAM).Salt)

	// the empty non-terminals b.c and c, and wild, get hashed owners too
	p := signer.NSEC3()
	for _, name := range []string{"c.example.com.", "b.c.example.com.", "wild.example.com.", "sub.example.com."} {
		_, ok := snap.NSEC3(HashOwner(name, "example.com.", p))
		assert.True(t, ok, name)
	}
	_, ok = snap.NSEC3(HashOwner("ns.sub.example.com.", "example.com.", p))
	assert.False(t, ok)

	_, err := store.Apply(zone.NewTransaction().
		Add(mustRR(t, "x.y.z.example.com. 300 IN A 192.0.2.1")).
		DeleteName("a.b.c.example.com."), signer.Seal)
	require.NoError(t, err)

	snap = store.Snapshot()
	require.NoError(t, VerifyChain(snap))
	require.NoError(t, VerifyZone(snap, testNow))

	_, ok = snap.NSEC3(HashOwner("c.example.com.", "example.com.", p))
	assert.False(t, ok)
	_, ok = snap.NSEC3(HashOwner("y.z.example.com.", "example.com.", p))
	assert.True(t, ok)
}

func Test_NSEC3ParamChangeRebuilds(t *testing.T) {
	signer, store := newSigner(t, Options{})
	require.Empty(t, store.Snapshot().NSEC3Owners())

	signer.SetNSEC3(&NSEC3Params{Iterations: 1, Salt: "01"})
	_, err := store.Reseal(signer.Seal)
	require.NoError(t, err)

	snap := store.Snapshot()
	require.NoError(t, VerifyChain(snap))
	assert.NotEmpty(t, snap.NSEC3Owners())

	// and back to NSEC
	signer.SetNSEC3(nil)
	_, err = store.Reseal(signer.Seal)
	require.NoError(t, err)

	snap = store.Snapshot()
	require.NoError(t, VerifyChain(snap))
	assert.Empty(t, snap.NSEC3Owners())
	_, ok := snap.Get("example.com.", dns.TypeNSEC3PARAM)
	assert.False(t, ok)
}

func Test_KeyRolloverKeepsRetiringSignatures(t *testing.T) {
	signer, store := newSigner(t, Options{})
	old := signer.Keys().Active(ZSK)

	next, err := signer.Keys().Rollover(newKey(t, ZSK))
	require.NoError(t, err)
	require.NoError(t, signer.SetKeys(next))

	_, err = store.Reseal(signer.Seal)
	require.NoError(t, err)

	snap := store.Snapshot()
	require.NoError(t, VerifyZone(snap, testNow))

	keys, _ := snap.Get("example.com.", dns.TypeDNSKEY)
	assert.Equal(t, 3, keys.Len())

	www, _ := snap.Get("www.example.com.", dns.TypeA)
	var tags []uint16
	for _, sig := range www.Sigs {
		tags = append(tags, sig.KeyTag)
	}
	assert.Contains(t, tags, old.Tag())
	assert.Contains(t, tags, next.Active(ZSK).Tag())

	// once retired the old key disappears with its signatures
	retired, err := next.Retire(old.Tag())
	require.NoError(t, err)
	require.NoError(t, signer.SetKeys(retired.Sweep()))

	_, err = store.Reseal(signer.Seal)
	require.NoError(t, err)

	snap = store.Snapshot()
	require.NoError(t, VerifyZone(snap, testNow))
	www, _ = snap.Get("www.example.com.", dns.TypeA)
	require.Len(t, www.Sigs, 1)
	assert.Equal(t, next.Active(ZSK).Tag(), www.Sigs[0].KeyTag)
}

func Test_RefreshReplacesExpiringSignatures(t *testing.T) {
	now := testNow
	signer, store := newSigner(t, Options{Validity: 10 * 24 * time.Hour, Refresh: 2 * 24 * time.Hour, Now: func() time.Time { return now }})

	before, _ := store.Snapshot().Get("www.example.com.", dns.TypeA)

	now = testNow.Add(9 * 24 * time.Hour)
	_, err := store.Reseal(signer.Refresh)
	require.NoError(t, err)

	after, _ := store.Snapshot().Get("www.example.com.", dns.TypeA)
	require.Len(t, after.Sigs, 1)
	assert.Greater(t, after.Sigs[0].Expiration, before.Sigs[0].Expiration)
	assert.NoError(t, VerifyZone(store.Snapshot(), now))
}

func Test_SignerNoActiveKey(t *testing.T) {
	k := newKey(t, ZSK)
	ks, err := NewKeySet(k.with(Retiring))
	require.NoError(t, err)

	_, err = NewSigner("example.com.", ks, Options{})
	assert.ErrorIs(t, err, ErrNoActiveKey)
}

func Test_VerifyChainDetectsCorruption(t *testing.T) {
	_, store := newSigner(t, Options{})

	// an update that skips the sealer leaves the chain stale
	_, err := store.Apply(zone.NewTransaction().Add(mustRR(t, "new.example.com. 300 IN A 192.0.2.1")))
	require.NoError(t, err)

	assert.ErrorIs(t, VerifyChain(store.Snapshot()), ErrChainCorrupt)
}

func dnskeys(snap *zone.Snapshot) []*dns.DNSKEY {
	set, _ := snap.Get(snap.Origin(), dns.TypeDNSKEY)
	var out []*dns.DNSKEY
	for _, rr := range set.Records {
		out = append(out, rr.(*dns.DNSKEY))
	}
	return out
}
