package dnssec

import (
	"crypto"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// Role tells zone signing keys from key signing keys.
type Role uint8

const (
	// ZSK signs every authoritative RRset.
	ZSK Role = iota + 1
	// KSK signs the apex DNSKEY set.
	KSK
)

func (r Role) String() string {
	switch r {
	case ZSK:
		return "zsk"
	case KSK:
		return "ksk"
	}
	return "unknown"
}

// State is the rollover state of a key. Keys move Active -> Retiring -> Retired
// and never back.
type State uint8

const (
	// Active keys make new signatures.
	Active State = iota + 1
	// Retiring keys stay published and keep their still valid signatures.
	Retiring
	// Retired keys are neither published nor used.
	Retired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Retiring:
		return "retiring"
	case Retired:
		return "retired"
	}
	return "unknown"
}

var (
	// ErrInvalidKeySet is returned for key sets breaking the rollover rules.
	ErrInvalidKeySet = errors.New("invalid key set")
	// ErrUnknownKey is returned when a key tag is not part of the set.
	ErrUnknownKey = errors.New("unknown key")
)

// Key is one signing key. Keys are values: a state change yields a new Key.
type Key struct {
	DNSKEY  *dns.DNSKEY
	Signer  crypto.Signer
	Role    Role
	State   State
	Created time.Time
}

// NewKey wraps a public key and its private half. The role follows the SEP flag.
func NewKey(dnskey *dns.DNSKEY, priv crypto.PrivateKey, created time.Time) (*Key, error) {
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("key %d: private key cannot sign", dnskey.KeyTag())
	}

	role := ZSK
	if dnskey.Flags&dns.SEP != 0 {
		role = KSK
	}

	return &Key{
		DNSKEY:  dnskey,
		Signer:  signer,
		Role:    role,
		State:   Active,
		Created: created,
	}, nil
}

// GenerateKey creates a new key for zone.
func GenerateKey(zone string, algorithm uint8, role Role, ttl uint32) (*Key, error) {
	flags := uint16(dns.ZONE)
	if role == KSK {
		flags |= dns.SEP
	}

	dnskey := &dns.DNSKEY{
		Hdr:       dns.RR_Header{Name: dns.CanonicalName(zone), Rrtype: dns.TypeDNSKEY, Class: dns.ClassINET, Ttl: ttl},
		Flags:     flags,
		Protocol:  3,
		Algorithm: algorithm,
	}

	bits, err := keySize(algorithm)
	if err != nil {
		return nil, err
	}

	priv, err := dnskey.Generate(bits)
	if err != nil {
		return nil, err
	}

	return NewKey(dnskey, priv, time.Now())
}

func keySize(algorithm uint8) (int, error) {
	switch algorithm {
	case dns.RSASHA256, dns.RSASHA512:
		return 2048, nil
	case dns.ECDSAP256SHA256, dns.ED25519:
		return 256, nil
	case dns.ECDSAP384SHA384:
		return 384, nil
	}
	return 0, fmt.Errorf("unsupported algorithm %s", dns.AlgorithmToString[algorithm])
}

// Tag returns the key tag.
func (k *Key) Tag() uint16 { return k.DNSKEY.KeyTag() }

// Algorithm returns the DNSSEC algorithm number.
func (k *Key) Algorithm() uint8 { return k.DNSKEY.Algorithm }

func (k *Key) String() string {
	return fmt.Sprintf("%s %d %s %s", k.Role, k.Tag(), dns.AlgorithmToString[k.Algorithm()], k.State)
}

func (k *Key) with(state State) *Key {
	c := *k
	c.State = state
	return &c
}

// KeySet is the immutable set of keys of one zone. It holds at most one
// Active and one Retiring key per role.
type KeySet struct {
	keys []*Key
}

// NewKeySet validates keys and returns the set.
func NewKeySet(keys ...*Key) (*KeySet, error) {
	type slot struct {
		role  Role
		state State
	}

	seen := make(map[slot]uint16)
	tags := make(map[uint16]bool)

	for _, k := range keys {
		if k.State == Retired {
			continue
		}

		s := slot{k.Role, k.State}
		if tag, ok := seen[s]; ok {
			return nil, fmt.Errorf("%w: keys %d and %d are both %s %s", ErrInvalidKeySet, tag, k.Tag(), s.state, s.role)
		}
		seen[s] = k.Tag()

		if tags[k.Tag()] {
			return nil, fmt.Errorf("%w: duplicate key tag %d", ErrInvalidKeySet, k.Tag())
		}
		tags[k.Tag()] = true
	}

	return &KeySet{keys: append([]*Key(nil), keys...)}, nil
}

// Keys returns every key, retired ones included.
func (ks *KeySet) Keys() []*Key { return append([]*Key(nil), ks.keys...) }

// Len returns the number of keys.
func (ks *KeySet) Len() int { return len(ks.keys) }

func (ks *KeySet) find(role Role, state State) *Key {
	for _, k := range ks.keys {
		if k.Role == role && k.State == state {
			return k
		}
	}
	return nil
}

// Active returns the active key of role.
func (ks *KeySet) Active(role Role) *Key { return ks.find(role, Active) }

// Retiring returns the retiring key of role.
func (ks *KeySet) Retiring(role Role) *Key { return ks.find(role, Retiring) }

// Get returns the key with tag and algorithm.
func (ks *KeySet) Get(tag uint16, algorithm uint8) *Key {
	for _, k := range ks.keys {
		if k.Tag() == tag && k.Algorithm() == algorithm {
			return k
		}
	}
	return nil
}

// ZoneSigner returns the key that signs ordinary RRsets: the active ZSK, or
// the active KSK acting as a combined key when there is no ZSK.
func (ks *KeySet) ZoneSigner() (*Key, error) {
	if k := ks.Active(ZSK); k != nil {
		return k, nil
	}
	if k := ks.Active(KSK); k != nil {
		return k, nil
	}
	return nil, ErrNoActiveKey
}

// Published returns the DNSKEY records of every key that is not retired.
func (ks *KeySet) Published() []dns.RR {
	var out []dns.RR
	for _, k := range ks.keys {
		if k.State == Retired {
			continue
		}
		out = append(out, dns.Copy(k.DNSKEY))
	}
	return out
}

// Rollover makes next the active key of its role. The current active key of
// that role becomes Retiring and a previously retiring one becomes Retired.
func (ks *KeySet) Rollover(next *Key) (*KeySet, error) {
	if ks.Get(next.Tag(), next.Algorithm()) != nil {
		return nil, fmt.Errorf("%w: key %d already in set", ErrInvalidKeySet, next.Tag())
	}

	keys := make([]*Key, 0, len(ks.keys)+1)
	for _, k := range ks.keys {
		switch {
		case k.Role != next.Role:
			keys = append(keys, k)
		case k.State == Active:
			keys = append(keys, k.with(Retiring))
		case k.State == Retiring:
			keys = append(keys, k.with(Retired))
		default:
			keys = append(keys, k)
		}
	}
	keys = append(keys, next.with(Active))

	return NewKeySet(keys...)
}

// Retire moves the retiring key with tag to Retired.
func (ks *KeySet) Retire(tag uint16) (*KeySet, error) {
	keys := make([]*Key, 0, len(ks.keys))
	found := false

	for _, k := range ks.keys {
		if k.Tag() == tag && k.State == Retiring {
			k = k.with(Retired)
			found = true
		}
		keys = append(keys, k)
	}

	if !found {
		return nil, fmt.Errorf("%w: no retiring key %d", ErrUnknownKey, tag)
	}

	return NewKeySet(keys...)
}

// Sweep drops retired keys.
func (ks *KeySet) Sweep() *KeySet {
	keys := make([]*Key, 0, len(ks.keys))
	for _, k := range ks.keys {
		if k.State != Retired {
			keys = append(keys, k)
		}
	}
	return &KeySet{keys: keys}
}

// DS returns the delegation signer records of the key signing keys.
func (ks *KeySet) DS(digest uint8) []*dns.DS {
	var out []*dns.DS
	for _, k := range ks.keys {
		if k.Role == KSK && k.State != Retired {
			if ds := k.DNSKEY.ToDS(digest); ds != nil {
				out = append(out, ds)
			}
		}
	}
	return out
}
