package authority

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/lookup"
	"github.com/semihalev/adns/zone"
)

// RefreshFunc fetches the full content of a zone from its primary.
type RefreshFunc func(ctx context.Context, origin string) ([]dns.RR, error)

// Secondary is a read-only copy of a zone kept current by transfers.
type Secondary struct {
	store   *zone.Store
	engine  *lookup.Engine
	refresh RefreshFunc
	axfr    bool

	mu sync.Mutex
}

// NewSecondary returns an empty secondary. refresh may be nil when content
// is only pushed through Replace.
func NewSecondary(origin string, class uint16, refresh RefreshFunc, allowAXFR bool, maxChase int) *Secondary {
	if class == 0 {
		class = dns.ClassINET
	}

	return &Secondary{
		store:   zone.NewStore(origin, class),
		engine:  lookup.New(maxChase),
		refresh: refresh,
		axfr:    allowAXFR,
	}
}

// Origin returns the zone name.
func (s *Secondary) Origin() string { return s.store.Origin() }

// Class returns the zone class.
func (s *Secondary) Class() uint16 { return s.store.Class() }

// Role returns RoleSecondary.
func (s *Secondary) Role() Role { return RoleSecondary }

// Store returns the underlying store.
func (s *Secondary) Store() *zone.Store { return s.store }

// Search answers a query from the current copy.
func (s *Secondary) Search(_ context.Context, req *Request) (*lookup.Result, error) {
	if !s.store.Loaded() {
		return nil, ErrNotLoaded
	}

	res, err := s.engine.Resolve(s.store.Snapshot(), req.Msg.Question[0], lookup.Options{DNSSEC: req.DO()})
	if res != nil {
		// RFC 1996 secondaries are authoritative as well
		res.Authoritative = true
	}
	return res, err
}

// Replace installs transferred content. The serial must be newer than the
// current one unless the zone is empty.
func (s *Secondary) Replace(rrs []dns.RR) error {
	if err := s.store.Replace(rrs); err != nil {
		return err
	}

	observeSerial(s.Origin(), s.store.Serial())
	zlog.Info("Zone transferred", "zone", s.Origin(), "serial", s.store.Serial())

	return nil
}

// Notify refreshes the copy when serial is newer than the current one.
// A zero serial always refreshes.
func (s *Secondary) Notify(ctx context.Context, serial uint32) error {
	if s.refresh == nil {
		return ErrNotSupported
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if serial != 0 && s.store.Loaded() && int32(serial-s.store.Serial()) <= 0 {
		return nil
	}

	rrs, err := s.refresh(ctx, s.Origin())
	if err != nil {
		return err
	}

	err = s.Replace(rrs)
	if errors.Is(err, zone.ErrStaleSerial) {
		return nil
	}
	return err
}

// Reload refreshes from the primary unconditionally.
func (s *Secondary) Reload(ctx context.Context) error {
	return s.Notify(ctx, 0)
}

// Transfer returns the copy for AXFR when transfers are allowed.
func (s *Secondary) Transfer(_ context.Context, _ net.IP) ([]dns.RR, error) {
	if !s.axfr {
		return nil, ErrNotSupported
	}
	return transfer(s.store)
}

// TransferFrom returns a RefreshFunc that pulls the zone by AXFR from addr.
func TransferFrom(addr string, timeout time.Duration) RefreshFunc {
	return func(ctx context.Context, origin string) ([]dns.RR, error) {
		m := new(dns.Msg)
		m.SetAxfr(origin)

		t := &dns.Transfer{DialTimeout: timeout, ReadTimeout: timeout, WriteTimeout: timeout}

		ch, err := t.In(m, addr)
		if err != nil {
			return nil, err
		}

		var rrs []dns.RR
		for env := range ch {
			if env.Error != nil {
				return nil, env.Error
			}
			rrs = append(rrs, env.RR...)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// the closing SOA repeats the first record
		if len(rrs) > 1 {
			if _, ok := rrs[len(rrs)-1].(*dns.SOA); ok {
				rrs = rrs[:len(rrs)-1]
			}
		}

		return rrs, nil
	}
}
