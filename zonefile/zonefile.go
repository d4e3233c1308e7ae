// Package zonefile reads master files and DNSSEC key files and watches zone
// files for changes.
package zonefile

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/authority"
)

// Read parses a master file. Relative names are completed with origin and
// $INCLUDE is honoured relative to filename.
func Read(r io.Reader, origin, filename string) ([]dns.RR, error) {
	zp := dns.NewZoneParser(r, dns.Fqdn(origin), filename)
	zp.SetIncludeAllowed(true)

	var rrs []dns.RR
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		rrs = append(rrs, rr)
	}

	if err := zp.Err(); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	return rrs, nil
}

// Load reads the master file at path.
func Load(path, origin string) ([]dns.RR, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return Read(f, origin, path)
}

// Source returns an authority.Source reading the master file at path.
func Source(path, origin string) authority.Source {
	return func(ctx context.Context) ([]dns.RR, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Load(path, origin)
	}
}
