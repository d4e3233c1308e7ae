package authority

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"

	"github.com/semihalev/adns/dnssec"
	"github.com/semihalev/adns/journal"
	"github.com/semihalev/adns/lookup"
	"github.com/semihalev/adns/update"
	"github.com/semihalev/adns/zone"
)

// Source returns the records of a zone, usually by reading its file.
type Source func(ctx context.Context) ([]dns.RR, error)

// UpdatePolicy enables dynamic updates on a primary.
type UpdatePolicy struct {
	ACL       cidranger.Ranger
	TTLPolicy update.TTLPolicy
	Hooks     []update.Hook
}

// PrimaryConfig configures a Primary.
type PrimaryConfig struct {
	Origin string
	Class  uint16
	Source Source
	// Signer signs the zone online; nil serves it unsigned.
	Signer *dnssec.Signer
	// Journal persists updates; nil disables journaling.
	Journal *journal.Journal
	// Update enables dynamic updates when set.
	Update    *UpdatePolicy
	AllowAXFR bool
	MaxChase  int
	// Refresh is the signature refresh interval.
	Refresh time.Duration
}

// Primary is the read/write copy of a zone.
type Primary struct {
	store   *zone.Store
	engine  *lookup.Engine
	signer  *dnssec.Signer
	journal *journal.Journal
	updater *update.Processor
	source  Source
	axfr    bool
	refresh time.Duration

	// loadMu serializes loads and reloads.
	loadMu sync.Mutex
	failed atomic.Pointer[error]
}

// NewPrimary returns an empty primary; Reload loads it.
func NewPrimary(cfg PrimaryConfig) *Primary {
	if cfg.Class == 0 {
		cfg.Class = dns.ClassINET
	}

	p := &Primary{
		store:   zone.NewStore(cfg.Origin, cfg.Class),
		engine:  lookup.New(cfg.MaxChase),
		signer:  cfg.Signer,
		journal: cfg.Journal,
		source:  cfg.Source,
		axfr:    cfg.AllowAXFR,
		refresh: cfg.Refresh,
	}

	if cfg.Update != nil {
		hooks := []update.Hook{func(context.Context, *update.Commit) { observeSerial(p.store.Origin(), p.store.Serial()) }}
		if p.journal != nil {
			hooks = append(hooks, p.journal.Hook(cfg.Class))
		}
		hooks = append(hooks, cfg.Update.Hooks...)

		p.updater = update.New(update.Config{
			Store:     p.store,
			Sealers:   p.sealers(),
			ACL:       cfg.Update.ACL,
			TTLPolicy: cfg.Update.TTLPolicy,
			Hooks:     hooks,
		})
	}

	return p
}

// Origin returns the zone name.
func (p *Primary) Origin() string { return p.store.Origin() }

// Class returns the zone class.
func (p *Primary) Class() uint16 { return p.store.Class() }

// Role returns RolePrimary.
func (p *Primary) Role() Role { return RolePrimary }

// Store returns the underlying store.
func (p *Primary) Store() *zone.Store { return p.store }

// Signer returns the zone signer, nil for unsigned zones.
func (p *Primary) Signer() *dnssec.Signer { return p.signer }

// Failed returns the error that put the zone in the failed state.
func (p *Primary) Failed() error {
	if err := p.failed.Load(); err != nil {
		return *err
	}
	return nil
}

func (p *Primary) sealers() []zone.Sealer {
	if p.signer == nil {
		return nil
	}
	return []zone.Sealer{p.signer.Seal}
}

// check moves the zone to the failed state when it can no longer be kept
// signed and consistent: chain corruption, signing failures, a missing
// signing key or an exhausted serial.
func (p *Primary) check(err error) error {
	if fatal(err) {
		p.failed.Store(&err)
		zlog.Error("Zone failed", "zone", p.Origin(), "error", err.Error())
	}
	return err
}

func fatal(err error) bool {
	return errors.Is(err, dnssec.ErrChainCorrupt) ||
		errors.Is(err, dnssec.ErrSigningFailure) ||
		errors.Is(err, dnssec.ErrNoActiveKey) ||
		errors.Is(err, zone.ErrSerialOverflow)
}

// Reload reads the zone source. A source with a newer serial replaces the
// zone and empties the journal; on first load the journal is replayed on
// top of the source. A successful reload clears the failed state.
func (p *Primary) Reload(ctx context.Context) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	rrs, err := p.source(ctx)
	if err != nil {
		return err
	}

	first := !p.store.Loaded() || p.Failed() != nil

	if first {
		if err := p.store.Load(rrs, p.sealers()...); err != nil {
			return p.check(err)
		}

		if p.journal != nil {
			if _, err := p.journal.Replay(p.store, p.sealers()...); err != nil {
				return p.check(err)
			}
		}
	} else {
		err := p.store.Replace(rrs, p.sealers()...)
		if errors.Is(err, zone.ErrStaleSerial) {
			zlog.Info("Zone source not newer, keeping current data", "zone", p.Origin(), "serial", p.store.Serial())
			return nil
		}
		if err != nil {
			return p.check(err)
		}

		if p.journal != nil {
			if err := p.journal.Truncate(p.Origin()); err != nil {
				zlog.Error("Journal truncate failed", "zone", p.Origin(), "error", err.Error())
			}
		}
	}

	if p.signer != nil {
		if err := dnssec.VerifyChain(p.store.Snapshot()); err != nil {
			return p.check(err)
		}
	}

	p.failed.Store(nil)
	observeSerial(p.Origin(), p.store.Serial())
	zlog.Info("Zone loaded", "zone", p.Origin(), "serial", p.store.Serial(), "signed", p.signer != nil)

	return nil
}

// Search answers a query from the current snapshot.
func (p *Primary) Search(_ context.Context, req *Request) (*lookup.Result, error) {
	if err := p.Failed(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrZoneFailed, err)
	}

	if !p.store.Loaded() {
		return nil, ErrNotLoaded
	}

	return p.engine.Resolve(p.store.Snapshot(), req.Msg.Question[0], lookup.Options{DNSSEC: req.DO()})
}

// Update applies a dynamic update.
func (p *Primary) Update(ctx context.Context, req *Request) (*update.Result, error) {
	if p.updater == nil {
		return nil, ErrNotSupported
	}

	if err := p.Failed(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrZoneFailed, err)
	}

	res, err := p.updater.Process(ctx, &update.Request{Msg: req.Msg, Wire: req.Wire, Source: req.Source})
	return res, p.check(err)
}

// Transfer returns the zone for AXFR, SOA first and last.
func (p *Primary) Transfer(_ context.Context, _ net.IP) ([]dns.RR, error) {
	if !p.axfr {
		return nil, ErrNotSupported
	}
	return transfer(p.store)
}

// ResealSignatures refreshes expiring signatures once.
func (p *Primary) ResealSignatures() error {
	if p.signer == nil {
		return nil
	}

	serial, err := p.store.Reseal(p.signer.Refresh)
	if err != nil {
		return p.check(err)
	}

	observeSerial(p.Origin(), serial)
	zlog.Debug("Zone signatures refreshed", "zone", p.Origin(), "serial", serial)

	return nil
}

// Run refreshes signatures periodically until ctx is done.
func (p *Primary) Run(ctx context.Context) {
	if p.signer == nil || p.refresh <= 0 {
		return
	}

	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.Failed() != nil {
				continue
			}
			if err := p.ResealSignatures(); err != nil {
				zlog.Error("Signature refresh failed", "zone", p.Origin(), "error", err.Error())
			}
		}
	}
}

func transfer(store *zone.Store) ([]dns.RR, error) {
	snap := store.Snapshot()
	soa := snap.SOA()
	if soa == nil {
		return nil, ErrNotLoaded
	}

	rrs := snap.Records()
	return append(rrs, soa), nil
}
