package zonefile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/dnssec"
)

// KeyName returns the BIND base name of a key, K<zone>+<alg>+<tag>.
func KeyName(k *dnssec.Key) string {
	return fmt.Sprintf("K%s+%03d+%05d", dns.CanonicalName(k.DNSKEY.Hdr.Name), k.Algorithm(), k.Tag())
}

// ReadKey reads a key pair from base.key and base.private. base may carry
// either extension.
func ReadKey(base string) (*dnssec.Key, error) {
	base = strings.TrimSuffix(strings.TrimSuffix(base, ".key"), ".private")

	pub, err := os.Open(base + ".key")
	if err != nil {
		return nil, err
	}
	defer pub.Close()

	rr, err := dns.ReadRR(pub, base+".key")
	if err != nil {
		return nil, fmt.Errorf("read %s.key: %w", base, err)
	}

	dnskey, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("%s.key: not a DNSKEY record", base)
	}

	priv, err := os.Open(base + ".private")
	if err != nil {
		return nil, err
	}
	defer priv.Close()

	pk, err := dnskey.ReadPrivateKey(priv, base+".private")
	if err != nil {
		return nil, fmt.Errorf("read %s.private: %w", base, err)
	}

	created := time.Now()
	if fi, err := os.Stat(base + ".key"); err == nil {
		created = fi.ModTime()
	}

	return dnssec.NewKey(dnskey, pk, created)
}

// WriteKey stores k in dir as a BIND key pair and returns the base path.
func WriteKey(dir string, k *dnssec.Key) (string, error) {
	base := filepath.Join(dir, KeyName(k))

	pub := fmt.Sprintf("; %s key for %s, keyid %d\n%s\n", k.Role, k.DNSKEY.Hdr.Name, k.Tag(), k.DNSKEY.String())
	if err := os.WriteFile(base+".key", []byte(pub), 0o644); err != nil {
		return "", err
	}

	if err := os.WriteFile(base+".private", []byte(k.DNSKEY.PrivateKeyString(k.Signer)), 0o600); err != nil {
		return "", err
	}

	return base, nil
}
