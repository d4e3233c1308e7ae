package dnssec

import (
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/zone"
)

// ErrBogus is returned when a signature does not verify.
var ErrBogus = errors.New("signature does not verify")

// VerifyRRset checks that set carries at least one signature valid at now
// made by one of keys.
func VerifyRRset(set *zone.RRset, keys []*dns.DNSKEY, now time.Time) error {
	if len(set.Sigs) == 0 {
		return fmt.Errorf("%w: %s %s is unsigned", ErrBogus, set.Name, dns.TypeToString[set.Type])
	}

	var last error
	for _, sig := range set.Sigs {
		if !sig.ValidityPeriod(now) {
			last = fmt.Errorf("%w: %s %s signature by %d outside validity", ErrBogus, set.Name, dns.TypeToString[set.Type], sig.KeyTag)
			continue
		}

		for _, k := range keys {
			if k.KeyTag() != sig.KeyTag || k.Algorithm != sig.Algorithm {
				continue
			}
			if err := sig.Verify(k, set.RRs()); err != nil {
				last = fmt.Errorf("%w: %s %s: %v", ErrBogus, set.Name, dns.TypeToString[set.Type], err)
				continue
			}
			return nil
		}
	}

	if last == nil {
		last = fmt.Errorf("%w: %s %s has no signature from a published key", ErrBogus, set.Name, dns.TypeToString[set.Type])
	}

	return last
}

// VerifyZone checks every authoritative set of snap against the published
// DNSKEY set at its apex.
func VerifyZone(snap *zone.Snapshot, now time.Time) error {
	origin := snap.Origin()

	keySet, ok := snap.Get(origin, dns.TypeDNSKEY)
	if !ok {
		return fmt.Errorf("%w: no dnskey at %s", ErrBogus, origin)
	}

	keys := make([]*dns.DNSKEY, 0, keySet.Len())
	for _, rr := range keySet.Records {
		keys = append(keys, rr.(*dns.DNSKEY))
	}

	var err error
	snap.Walk(func(n *zone.Node) bool {
		if snap.Occluded(n.Name) {
			return true
		}
		cut := n.Name != origin && n.Has(dns.TypeNS)

		for _, set := range n.Sets() {
			if cut && set.Type != dns.TypeDS && set.Type != dns.TypeNSEC {
				continue
			}
			if err = VerifyRRset(set, keys, now); err != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	for _, owner := range snap.NSEC3Owners() {
		set, _ := snap.NSEC3(owner)
		if err := VerifyRRset(set, keys, now); err != nil {
			return err
		}
	}

	return nil
}
