package update

import (
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/zone"
)

// DefaultFudge is the clock difference tolerated on SIG0 validity windows.
const DefaultFudge = 5 * time.Minute

// verifySIG0 checks the trailing SIG record of the request against a KEY or
// DNSKEY record held at the signer name. It returns the signer name.
func (p *Processor) verifySIG0(snap *zone.Snapshot, req *Request) (string, error) {
	m := req.Msg
	if len(m.Extra) == 0 {
		return "", fmt.Errorf("%w: request is not signed", ErrNotAuth)
	}

	sig, ok := m.Extra[len(m.Extra)-1].(*dns.SIG)
	if !ok {
		return "", fmt.Errorf("%w: request is not signed", ErrNotAuth)
	}

	if sig.TypeCovered != 0 {
		return "", fmt.Errorf("%w: sig covers %s", ErrFormat, dns.TypeToString[sig.TypeCovered])
	}

	for _, rr := range m.Extra[:len(m.Extra)-1] {
		if _, ok := rr.(*dns.SIG); ok {
			return "", fmt.Errorf("%w: sig must be the last additional record", ErrFormat)
		}
	}

	signer := dns.CanonicalName(sig.SignerName)

	now := p.now()
	inception := time.Unix(int64(sig.Inception), 0)
	expiration := time.Unix(int64(sig.Expiration), 0)
	if now.Add(p.fudge).Before(inception) || now.Add(-p.fudge).After(expiration) {
		return signer, fmt.Errorf("%w: signature by %s outside its validity window", ErrNotAuth, signer)
	}

	key := findKey(snap, signer, sig.KeyTag, sig.Algorithm)
	if key == nil {
		return signer, fmt.Errorf("%w: no key %d for %s", ErrNotAuth, sig.KeyTag, signer)
	}

	wire := req.Wire
	if len(wire) == 0 {
		var err error
		if wire, err = m.Pack(); err != nil {
			return signer, fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}

	if err := sig.Verify(key, wire); err != nil {
		return signer, fmt.Errorf("%w: %s: %v", ErrNotAuth, signer, err)
	}

	return signer, nil
}

// findKey returns the KEY, or the DNSKEY as a KEY, at name with tag and algorithm.
func findKey(snap *zone.Snapshot, name string, tag uint16, algorithm uint8) *dns.KEY {
	if set, ok := snap.Get(name, dns.TypeKEY); ok {
		for _, rr := range set.Records {
			k := rr.(*dns.KEY)
			if k.KeyTag() == tag && k.Algorithm == algorithm {
				return k
			}
		}
	}

	if set, ok := snap.Get(name, dns.TypeDNSKEY); ok {
		for _, rr := range set.Records {
			dk := rr.(*dns.DNSKEY)
			if dk.KeyTag() == tag && dk.Algorithm == algorithm {
				k := &dns.KEY{DNSKEY: *dk}
				k.Hdr.Rrtype = dns.TypeKEY
				return k
			}
		}
	}

	return nil
}
