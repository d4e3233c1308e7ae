package lookup

import (
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semihalev/adns/dnssec"
	"github.com/semihalev/adns/dnsutil"
	"github.com/semihalev/adns/zone"
)

const testZone = `$ORIGIN example.com.
$TTL 3600
@	IN SOA ns1 hostmaster 1 7200 3600 1209600 300
@	IN NS ns1
@	IN MX 10 mail
ns1	IN A 192.0.2.1
mail	IN A 192.0.2.25
www	IN A 192.0.2.10
www	IN AAAA 2001:db8::10
alias	IN CNAME www
outside	IN CNAME www.example.org.
loop1	IN CNAME loop2
loop2	IN CNAME loop3
loop3	IN CNAME loop1
a.b.c	IN TXT "deep"
*.wild	IN A 192.0.2.80
foo.wild	IN MX 10 mail
*.cname	IN CNAME www
sub	IN NS ns.sub
sub	IN NS ns.example.net.
sub	IN DS 12345 13 2 0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF
ns.sub	IN A 192.0.2.53
*.sub	IN A 192.0.2.99
unsigned	IN NS ns.example.net.
*	IN TXT "catch all"
old	IN DNAME new.example.com.
host.new	IN A 192.0.2.77
`

func load(t *testing.T, seal ...zone.Sealer) *zone.Snapshot {
	t.Helper()

	var rrs []dns.RR
	zp := dns.NewZoneParser(strings.NewReader(testZone), "example.com.", "")
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		rrs = append(rrs, rr)
	}
	require.NoError(t, zp.Err())

	store := zone.NewStore("example.com.", dns.ClassINET)
	require.NoError(t, store.Load(rrs, seal...))

	return store.Snapshot()
}

func signed(t *testing.T, nsec3 *dnssec.NSEC3Params) (*zone.Snapshot, []*dns.DNSKEY) {
	t.Helper()

	ksk, err := dnssec.GenerateKey("example.com.", dns.ECDSAP256SHA256, dnssec.KSK, 3600)
	require.NoError(t, err)
	zsk, err := dnssec.GenerateKey("example.com.", dns.ECDSAP256SHA256, dnssec.ZSK, 3600)
	require.NoError(t, err)

	ks, err := dnssec.NewKeySet(ksk, zsk)
	require.NoError(t, err)

	signer, err := dnssec.NewSigner("example.com.", ks, dnssec.Options{NSEC3: nsec3})
	require.NoError(t, err)

	snap := load(t, signer.Seal)
	return snap, []*dns.DNSKEY{ksk.DNSKEY, zsk.DNSKEY}
}

func resolve(t *testing.T, snap *zone.Snapshot, name string, qtype uint16, do bool) *Result {
	t.Helper()

	res, err := New(0).Resolve(snap, dns.Question{Name: name, Qtype: qtype, Qclass: dns.ClassINET}, Options{DNSSEC: do})
	require.NoError(t, err)

	return res
}

func types(rrs []dns.RR) []uint16 {
	var out []uint16
	for _, rr := range rrs {
		out = append(out, rr.Header().Rrtype)
	}
	return out
}

func Test_ExactMatch(t *testing.T) {
	snap := load(t)

	res := resolve(t, snap, "WWW.example.com.", dns.TypeA, false)
	assert.Equal(t, Answer, res.Kind)
	assert.Equal(t, dns.RcodeSuccess, res.Rcode)
	assert.True(t, res.Authoritative)
	require.Len(t, res.Answer, 1)
	assert.Equal(t, "192.0.2.10", res.Answer[0].(*dns.A).A.String())
	assert.Empty(t, res.Ns)
}

func Test_AdditionalProcessing(t *testing.T) {
	snap := load(t)

	res := resolve(t, snap, "example.com.", dns.TypeMX, false)
	require.Len(t, res.Answer, 1)
	require.Len(t, res.Extra, 1)
	assert.Equal(t, "mail.example.com.", res.Extra[0].Header().Name)

	res = resolve(t, snap, "example.com.", dns.TypeNS, false)
	require.Len(t, res.Extra, 1)
	assert.Equal(t, "ns1.example.com.", res.Extra[0].Header().Name)
}

func Test_CNAMEChase(t *testing.T) {
	snap := load(t)

	res := resolve(t, snap, "alias.example.com.", dns.TypeA, false)
	assert.Equal(t, Answer, res.Kind)
	assert.Equal(t, []uint16{dns.TypeCNAME, dns.TypeA}, types(res.Answer))

	res = resolve(t, snap, "alias.example.com.", dns.TypeCNAME, false)
	assert.Equal(t, []uint16{dns.TypeCNAME}, types(res.Answer))

	// out of zone targets are left to the caller
	res = resolve(t, snap, "outside.example.com.", dns.TypeA, false)
	assert.Equal(t, []uint16{dns.TypeCNAME}, types(res.Answer))
	assert.Equal(t, Answer, res.Kind)
}

func Test_CNAMELoop(t *testing.T) {
	snap := load(t)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeMX, dns.TypeTXT} {
		_, err := New(8).Resolve(snap, dns.Question{Name: "loop1.example.com.", Qtype: qtype, Qclass: dns.ClassINET}, Options{})
		assert.ErrorIs(t, err, ErrTooManyChases)
	}

	_, err := New(1).Resolve(snap, dns.Question{Name: "alias.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, Options{})
	assert.NoError(t, err)
}

func Test_Referral(t *testing.T) {
	snap := load(t)

	for _, name := range []string{"sub.example.com.", "deep.host.sub.example.com.", "anything.sub.example.com."} {
		res := resolve(t, snap, name, dns.TypeA, false)
		assert.Equal(t, Referral, res.Kind, name)
		assert.False(t, res.Authoritative)
		assert.Empty(t, res.Answer)
		assert.Equal(t, []uint16{dns.TypeNS, dns.TypeNS}, types(res.Ns))
		require.Len(t, res.Extra, 1, name)
		assert.Equal(t, "ns.sub.example.com.", res.Extra[0].Header().Name)
	}

	// the DS set is answered by the parent side of the cut
	res := resolve(t, snap, "sub.example.com.", dns.TypeDS, false)
	assert.Equal(t, Answer, res.Kind)
	assert.Equal(t, []uint16{dns.TypeDS}, types(res.Answer))

	res = resolve(t, snap, "unsigned.example.com.", dns.TypeDS, false)
	assert.Equal(t, NoData, res.Kind)
}

func Test_Wildcard(t *testing.T) {
	snap := load(t)

	res := resolve(t, snap, "bar.wild.example.com.", dns.TypeA, false)
	assert.Equal(t, Answer, res.Kind)
	require.Len(t, res.Answer, 1)
	assert.Equal(t, "bar.wild.example.com.", res.Answer[0].Header().Name)
	assert.Equal(t, "192.0.2.80", res.Answer[0].(*dns.A).A.String())

	// more labels below the wildcard still match
	res = resolve(t, snap, "x.y.wild.example.com.", dns.TypeA, false)
	require.Len(t, res.Answer, 1)
	assert.Equal(t, "x.y.wild.example.com.", res.Answer[0].Header().Name)

	// wildcard exists without the type
	res = resolve(t, snap, "bar.wild.example.com.", dns.TypeMX, false)
	assert.Equal(t, NoData, res.Kind)
	assert.Equal(t, dns.RcodeSuccess, res.Rcode)
	assert.Equal(t, []uint16{dns.TypeSOA}, types(res.Ns))
	assert.Equal(t, uint32(300), res.Ns[0].Header().Ttl)
}

func Test_WildcardSuppressedByExistingName(t *testing.T) {
	snap := load(t)

	res := resolve(t, snap, "foo.wild.example.com.", dns.TypeA, false)
	assert.Equal(t, NoData, res.Kind)
	assert.Empty(t, res.Answer)

	res = resolve(t, snap, "foo.wild.example.com.", dns.TypeMX, false)
	assert.Equal(t, Answer, res.Kind)
}

func Test_WildcardAtApexAndEmptyNonTerminal(t *testing.T) {
	snap := load(t)

	res := resolve(t, snap, "nothing.example.com.", dns.TypeTXT, false)
	assert.Equal(t, Answer, res.Kind)
	assert.Equal(t, "nothing.example.com.", res.Answer[0].Header().Name)

	// b.c exists as an empty non-terminal, so *.example.com does not apply
	res = resolve(t, snap, "b.c.example.com.", dns.TypeTXT, false)
	assert.Equal(t, NoData, res.Kind)

	// the closest encloser of x.b.c is b.c, which has no wildcard
	res = resolve(t, snap, "x.b.c.example.com.", dns.TypeTXT, false)
	assert.Equal(t, NxDomain, res.Kind)
	assert.Equal(t, dns.RcodeNameError, res.Rcode)
}

func Test_WildcardCNAME(t *testing.T) {
	snap := load(t)

	res := resolve(t, snap, "x.cname.example.com.", dns.TypeA, false)
	assert.Equal(t, []uint16{dns.TypeCNAME, dns.TypeA}, types(res.Answer))
	assert.Equal(t, "x.cname.example.com.", res.Answer[0].Header().Name)
}

func Test_DelegationBeatsWildcard(t *testing.T) {
	snap := load(t)

	// *.example.com. and *.sub.example.com. both exist, the cut wins
	res := resolve(t, snap, "nope.sub.example.com.", dns.TypeTXT, false)
	assert.Equal(t, Referral, res.Kind)

	res = resolve(t, snap, "x.unsigned.example.com.", dns.TypeTXT, false)
	assert.Equal(t, Referral, res.Kind)
	assert.Empty(t, res.Extra)
}

func Test_DNAME(t *testing.T) {
	snap := load(t)

	res := resolve(t, snap, "host.old.example.com.", dns.TypeA, false)
	assert.Equal(t, Answer, res.Kind)
	assert.Equal(t, []uint16{dns.TypeDNAME, dns.TypeCNAME, dns.TypeA}, types(res.Answer))
	assert.Equal(t, "host.new.example.com.", res.Answer[1].(*dns.CNAME).Target)
}

func Test_ANY(t *testing.T) {
	snap := load(t)

	res := resolve(t, snap, "www.example.com.", dns.TypeANY, false)
	assert.ElementsMatch(t, []uint16{dns.TypeA, dns.TypeAAAA}, types(res.Answer))
}

func Test_Refused(t *testing.T) {
	snap := load(t)

	_, err := New(0).Resolve(snap, dns.Question{Name: "www.example.org.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, Options{})
	assert.ErrorIs(t, err, ErrRefused)

	_, err = New(0).Resolve(snap, dns.Question{Name: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassCHAOS}, Options{})
	assert.ErrorIs(t, err, ErrRefused)

	empty := zone.NewStore("example.com.", dns.ClassINET).Snapshot()
	_, err = New(0).Resolve(empty, dns.Question{Name: "www.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}, Options{})
	assert.ErrorIs(t, err, ErrServerFailure)
}

func verifyAll(t *testing.T, rrs []dns.RR, keys []*dns.DNSKEY) {
	t.Helper()

	type key struct {
		name string
		t    uint16
	}
	sets := make(map[key][]dns.RR)
	var sigs []*dns.RRSIG

	for _, rr := range rrs {
		if sig, ok := rr.(*dns.RRSIG); ok {
			sigs = append(sigs, sig)
			continue
		}
		k := key{rr.Header().Name, rr.Header().Rrtype}
		sets[k] = append(sets[k], rr)
	}

	for k, set := range sets {
		if k.t == dns.TypeNS && k.name != "example.com." {
			continue
		}

		verified := false
		for _, sig := range sigs {
			if sig.Header().Name != k.name || sig.TypeCovered != k.t {
				continue
			}
			for _, dnskey := range keys {
				if dnskey.KeyTag() == sig.KeyTag && sig.Verify(dnskey, set) == nil && sig.ValidityPeriod(time.Now()) {
					verified = true
				}
			}
		}
		assert.True(t, verified, "%s %s not verified", k.name, dns.TypeToString[k.t])
	}
}

func Test_SignedAnswerVerifies(t *testing.T) {
	snap, keys := signed(t, nil)

	res := resolve(t, snap, "www.example.com.", dns.TypeA, true)
	assert.Equal(t, []uint16{dns.TypeA, dns.TypeRRSIG}, types(res.Answer))
	verifyAll(t, res.Answer, keys)

	// no DO, no signatures
	res = resolve(t, snap, "www.example.com.", dns.TypeA, false)
	assert.Equal(t, []uint16{dns.TypeA}, types(res.Answer))
}

func Test_SignedWildcardAnswer(t *testing.T) {
	snap, keys := signed(t, nil)

	res := resolve(t, snap, "bar.wild.example.com.", dns.TypeA, true)
	require.Equal(t, []uint16{dns.TypeA, dns.TypeRRSIG}, types(res.Answer))

	sig := res.Answer[1].(*dns.RRSIG)
	assert.Equal(t, "bar.wild.example.com.", sig.Header().Name)
	assert.Equal(t, uint8(3), sig.Labels)
	verifyAll(t, res.Answer, keys)

	// the NSEC proving bar.wild does not exist
	nsec := dnsutil.ExtractRRSet(res.Ns, "", dns.TypeNSEC)
	require.Len(t, nsec, 1)
	assertCovers(t, nsec[0].(*dns.NSEC), "bar.wild.example.com.")
	verifyAll(t, res.Ns, keys)
}

func assertCovers(t *testing.T, nsec *dns.NSEC, name string) {
	t.Helper()

	owner, next := nsec.Header().Name, nsec.NextDomain
	if dnsutil.CompareCanonical(owner, next) < 0 {
		assert.True(t, dnsutil.CompareCanonical(owner, name) < 0 && dnsutil.CompareCanonical(name, next) < 0, "%s does not cover %s", nsec.String(), name)
		return
	}
	// last record of the chain
	assert.True(t, dnsutil.CompareCanonical(owner, name) < 0 || dnsutil.CompareCanonical(name, next) < 0, "%s does not cover %s", nsec.String(), name)
}

func Test_SignedNxDomainNSEC(t *testing.T) {
	snap, keys := signed(t, nil)

	res := resolve(t, snap, "x.b.c.example.com.", dns.TypeA, true)
	assert.Equal(t, NxDomain, res.Kind)
	verifyAll(t, res.Ns, keys)

	nsecs := dnsutil.ExtractRRSet(res.Ns, "", dns.TypeNSEC)
	require.NotEmpty(t, nsecs)

	var qcover, wcover bool
	for _, rr := range nsecs {
		n := rr.(*dns.NSEC)
		owner, next := n.Header().Name, n.NextDomain
		in := func(name string) bool {
			return dnsutil.CompareCanonical(owner, name) < 0 && (dnsutil.CompareCanonical(name, next) < 0 || dnsutil.CompareCanonical(next, owner) <= 0)
		}
		qcover = qcover || in("x.b.c.example.com.")
		wcover = wcover || in("*.b.c.example.com.")
	}
	assert.True(t, qcover)
	assert.True(t, wcover)
}

func Test_SignedNoDataNSEC(t *testing.T) {
	snap, keys := signed(t, nil)

	res := resolve(t, snap, "www.example.com.", dns.TypeMX, true)
	assert.Equal(t, NoData, res.Kind)

	nsec := dnsutil.ExtractRRSet(res.Ns, "www.example.com.", dns.TypeNSEC)
	require.Len(t, nsec, 1)
	assert.NotContains(t, nsec[0].(*dns.NSEC).TypeBitMap, dns.TypeMX)
	verifyAll(t, res.Ns, keys)

	// the referral to a child without DS proves it is insecure
	res = resolve(t, snap, "x.unsigned.example.com.", dns.TypeA, true)
	assert.Equal(t, Referral, res.Kind)
	nsec = dnsutil.ExtractRRSet(res.Ns, "unsigned.example.com.", dns.TypeNSEC)
	require.Len(t, nsec, 1)
	assert.NotContains(t, nsec[0].(*dns.NSEC).TypeBitMap, dns.TypeDS)

	res = resolve(t, snap, "x.sub.example.com.", dns.TypeA, true)
	assert.Len(t, dnsutil.ExtractRRSet(res.Ns, "sub.example.com.", dns.TypeDS), 1)
	verifyAll(t, res.Ns, keys)
}

func Test_SignedNxDomainNSEC3(t *testing.T) {
	p := &dnssec.NSEC3Params{Iterations: 1, Salt: "CAFE"}
	snap, keys := signed(t, p)

	res := resolve(t, snap, "x.b.c.example.com.", dns.TypeA, true)
	assert.Equal(t, NxDomain, res.Kind)
	verifyAll(t, res.Ns, keys)

	var match, nextCover, wildCover bool
	for _, rr := range dnsutil.ExtractRRSet(res.Ns, "", dns.TypeNSEC3) {
		n := rr.(*dns.NSEC3)
		match = match || n.Match("b.c.example.com.")
		nextCover = nextCover || n.Cover("x.b.c.example.com.")
		wildCover = wildCover || n.Cover("*.b.c.example.com.")
	}
	assert.True(t, match, "closest encloser")
	assert.True(t, nextCover, "next closer")
	assert.True(t, wildCover, "wildcard")
}

func Test_SignedNoDataNSEC3(t *testing.T) {
	snap, _ := signed(t, &dnssec.NSEC3Params{Iterations: 0})

	res := resolve(t, snap, "b.c.example.com.", dns.TypeA, true)
	assert.Equal(t, NoData, res.Kind)

	nsec3 := dnsutil.ExtractRRSet(res.Ns, "", dns.TypeNSEC3)
	require.Len(t, nsec3, 1)
	assert.True(t, nsec3[0].(*dns.NSEC3).Match("b.c.example.com."))
	assert.Empty(t, nsec3[0].(*dns.NSEC3).TypeBitMap)
}

func Test_SignedWildcardNSEC3(t *testing.T) {
	p := &dnssec.NSEC3Params{Iterations: 1, Salt: "CAFE"}
	snap, keys := signed(t, p)

	res := resolve(t, snap, "bar.wild.example.com.", dns.TypeA, true)
	assert.Equal(t, Answer, res.Kind)
	require.Equal(t, []uint16{dns.TypeA, dns.TypeRRSIG}, types(res.Answer))
	assert.Equal(t, uint8(3), res.Answer[1].(*dns.RRSIG).Labels)
	verifyAll(t, res.Answer, keys)

	// only the next closer name is denied, the signature labels name the encloser
	nsec3 := dnsutil.ExtractRRSet(res.Ns, "", dns.TypeNSEC3)
	require.Len(t, nsec3, 1)
	assert.True(t, nsec3[0].(*dns.NSEC3).Cover("bar.wild.example.com."))
	verifyAll(t, res.Ns, keys)
}

func Test_SignedWildcardNoDataNSEC3(t *testing.T) {
	p := &dnssec.NSEC3Params{Iterations: 1, Salt: "CAFE"}
	snap, keys := signed(t, p)

	res := resolve(t, snap, "bar.wild.example.com.", dns.TypeTXT, true)
	assert.Equal(t, NoData, res.Kind)
	assert.Empty(t, res.Answer)
	verifyAll(t, res.Ns, keys)

	var encloser, next, wild bool
	for _, rr := range dnsutil.ExtractRRSet(res.Ns, "", dns.TypeNSEC3) {
		n := rr.(*dns.NSEC3)
		encloser = encloser || n.Match("wild.example.com.")
		next = next || n.Cover("bar.wild.example.com.")
		if n.Match("*.wild.example.com.") {
			wild = true
			assert.NotContains(t, n.TypeBitMap, dns.TypeTXT)
			assert.Contains(t, n.TypeBitMap, dns.TypeA)
		}
	}
	assert.True(t, encloser, "closest encloser")
	assert.True(t, next, "next closer")
	assert.True(t, wild, "wildcard")
	assert.Len(t, dnsutil.ExtractRRSet(res.Ns, "", dns.TypeNSEC3), 3)
}
