package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
	"golang.org/x/sync/errgroup"

	"github.com/semihalev/adns/authority"
	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/dnssec"
	"github.com/semihalev/adns/journal"
	"github.com/semihalev/adns/update"
	"github.com/semihalev/adns/zonefile"
)

// zoneSet is what the configured zones need at runtime besides the catalog.
type zoneSet struct {
	catalog     *authority.Catalog
	primaries   []*authority.Primary
	secondaries []*authority.Secondary
	// watched maps zone files to the zones reading them.
	watched map[string]zonefile.Reloader
	hints   []string
}

// buildZones creates an authority for every configured zone and loads it.
// Zones load in parallel; a primary that fails to load is an error, a
// secondary that cannot reach its primaries is retried on NOTIFY.
func buildZones(ctx context.Context, cfg *config.Config, j *journal.Journal, hooks ...update.Hook) (*zoneSet, error) {
	zs := &zoneSet{
		catalog: authority.NewCatalog(),
		watched: make(map[string]zonefile.Reloader),
	}

	ttlPolicy, err := update.ParseTTLPolicy(cfg.TTLPolicy)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, z := range cfg.Zones {
		origin := dns.CanonicalName(z.Zone)

		switch z.ZoneType {
		case "primary":
			p, err := newPrimary(cfg, z, j, ttlPolicy, hooks)
			if err != nil {
				return nil, fmt.Errorf("zone %s: %w", origin, err)
			}

			zs.primaries = append(zs.primaries, p)
			zs.catalog.Upsert(p)
			if z.Watch {
				zs.watched[z.File] = p
			}

			g.Go(func() error {
				if err := p.Reload(gctx); err != nil {
					return fmt.Errorf("zone %s: %w", origin, err)
				}
				return nil
			})

		case "secondary":
			s := authority.NewSecondary(origin, dns.ClassINET, transferFrom(z.Primaries, cfg.Timeout.Duration), z.AllowAXFR, cfg.ChaseLimit)

			zs.secondaries = append(zs.secondaries, s)
			zs.catalog.Upsert(s)

			g.Go(func() error {
				if err := s.Reload(gctx); err != nil {
					zlog.Warn("Secondary zone transfer failed", "zone", origin, "error", err.Error())
				}
				return nil
			})

		case "forward":
			if z.Stores == nil {
				return nil, fmt.Errorf("zone %s: forward zone without stores", origin)
			}

			upstreams := make([]authority.Upstream, 0, len(z.Stores.NameServers))
			for _, ns := range z.Stores.NameServers {
				upstreams = append(upstreams, authority.Upstream{
					Addr:          ns.SocketAddr,
					Proto:         ns.Protocol,
					TrustNegative: ns.TrustNegativeResponses,
				})
			}

			zs.catalog.Upsert(authority.NewForward(origin, dns.ClassINET, upstreams, cfg.Timeout.Duration))

		case "hint":
			rrs, err := zonefile.Load(z.File, origin)
			if err != nil {
				return nil, fmt.Errorf("zone %s: %w", origin, err)
			}

			h := authority.NewHint(origin, dns.ClassINET, rrs)
			zs.hints = append(zs.hints, h.HintServers()...)
			zs.catalog.Upsert(h)

		default:
			return nil, fmt.Errorf("zone %s: unknown zone type %q", origin, z.ZoneType)
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return zs, nil
}

func newPrimary(cfg *config.Config, z config.Zone, j *journal.Journal, ttlPolicy update.TTLPolicy, hooks []update.Hook) (*authority.Primary, error) {
	origin := dns.CanonicalName(z.Zone)

	pc := authority.PrimaryConfig{
		Origin:    origin,
		Class:     dns.ClassINET,
		Source:    zonefile.Source(z.File, origin),
		AllowAXFR: z.AllowAXFR,
		MaxChase:  cfg.ChaseLimit,
		Refresh:   cfg.RefreshInterval.Duration,
	}

	if z.DNSSEC != nil {
		signer, err := newSigner(origin, z.DNSSEC)
		if err != nil {
			return nil, err
		}
		pc.Signer = signer
	}

	if z.AllowUpdate {
		acl, err := newACL(z.UpdateACL)
		if err != nil {
			return nil, err
		}

		pc.Journal = j
		pc.Update = &authority.UpdatePolicy{
			ACL:       acl,
			TTLPolicy: ttlPolicy,
			Hooks:     hooks,
		}
	}

	return authority.NewPrimary(pc), nil
}

func newSigner(origin string, c *config.DNSSEC) (*dnssec.Signer, error) {
	keys := make([]*dnssec.Key, 0, len(c.Keys))

	for _, base := range c.Keys {
		k, err := zonefile.ReadKey(base)
		if err != nil {
			return nil, err
		}

		if dns.CanonicalName(k.DNSKEY.Hdr.Name) != origin {
			return nil, fmt.Errorf("key %s belongs to %s", base, k.DNSKEY.Hdr.Name)
		}

		keys = append(keys, k)
	}

	ks, err := dnssec.NewKeySet(keys...)
	if err != nil {
		return nil, err
	}

	opts := dnssec.Options{
		Validity: c.Validity.Duration,
		Skew:     c.Skew.Duration,
		Refresh:  c.Refresh.Duration,
		DualSign: c.DualSign,
	}

	if c.NSEC3 {
		if _, err := hex.DecodeString(c.NSEC3Salt); err != nil {
			return nil, fmt.Errorf("nsec3 salt: %w", err)
		}
		opts.NSEC3 = &dnssec.NSEC3Params{Iterations: c.NSEC3Iterations, Salt: c.NSEC3Salt}
	}

	return dnssec.NewSigner(origin, ks, opts)
}

// newACL returns the update ACL; an empty list allows every source, the
// SIG0 signature still has to verify.
func newACL(cidrs []string) (cidranger.Ranger, error) {
	if len(cidrs) == 0 {
		return nil, nil
	}

	ranger := cidranger.NewPCTrieRanger()

	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}

		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			return nil, err
		}
	}

	return ranger, nil
}

// transferFrom pulls a zone from the first primary that answers.
func transferFrom(primaries []string, timeout time.Duration) authority.RefreshFunc {
	funcs := make([]authority.RefreshFunc, len(primaries))
	for i, addr := range primaries {
		funcs[i] = authority.TransferFrom(addr, timeout)
	}

	return func(ctx context.Context, origin string) ([]dns.RR, error) {
		var errs []error

		for i, fn := range funcs {
			rrs, err := fn(ctx, origin)
			if err == nil {
				return rrs, nil
			}

			zlog.Debug("Zone transfer failed", "zone", origin, "primary", primaries[i], "error", err.Error())
			errs = append(errs, fmt.Errorf("%s: %w", primaries[i], err))
		}

		return nil, errors.Join(errs...)
	}
}
