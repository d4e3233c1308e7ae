// Package authority binds zone stores to their roles and dispatches DNS
// messages to the authority that owns the question.
package authority

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/semihalev/adns/dnsutil"
	"github.com/semihalev/adns/lookup"
	"github.com/semihalev/adns/update"
)

var (
	// ErrNotSupported is returned when the role of a zone cannot perform an
	// operation, such as an update sent to a secondary.
	ErrNotSupported = errors.New("operation not supported by zone role")
	// ErrZoneFailed is returned while a zone is in the failed state.
	ErrZoneFailed = errors.New("zone failed")
	// ErrNotLoaded is returned before a zone has content.
	ErrNotLoaded = errors.New("zone not loaded")
	// ErrNoUpstream is returned when no forward upstream produced an answer.
	ErrNoUpstream = errors.New("no upstream answered")
)

var serials = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "adns_zone_serial",
		Help: "Current SOA serial of each loaded zone",
	},
	[]string{"zone"},
)

func init() {
	prometheus.MustRegister(serials)
}

// Role is the part a zone plays on this server.
type Role uint8

const (
	// RolePrimary zones are loaded from files and accept updates.
	RolePrimary Role = iota + 1
	// RoleSecondary zones are copies refreshed from another server.
	RoleSecondary
	// RoleForward zones are answered by upstream servers.
	RoleForward
	// RoleHint zones hold the root hints of the recursor.
	RoleHint
)

var roleNames = map[Role]string{
	RolePrimary:   "primary",
	RoleSecondary: "secondary",
	RoleForward:   "forward",
	RoleHint:      "hint",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return "unknown"
}

// ParseRole parses a zone_type value.
func ParseRole(s string) (Role, error) {
	for r, name := range roleNames {
		if strings.EqualFold(s, name) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown zone type %q", s)
}

// Request is a message together with what is known about its client.
type Request struct {
	Msg *dns.Msg
	// Wire holds the raw message when the transport kept it.
	Wire   []byte
	Source net.IP
	Proto  string
}

// DO reports whether the client asked for DNSSEC records.
func (r *Request) DO() bool {
	return dnsutil.IsDO(r.Msg)
}

// Authority answers for one zone.
type Authority interface {
	Origin() string
	Class() uint16
	Role() Role
	Search(ctx context.Context, req *Request) (*lookup.Result, error)
}

// Updater accepts dynamic updates.
type Updater interface {
	Update(ctx context.Context, req *Request) (*update.Result, error)
}

// Replacer accepts whole-zone content from a transfer.
type Replacer interface {
	Replace(rrs []dns.RR) error
}

// Notifier is told that the primary copy changed.
type Notifier interface {
	Notify(ctx context.Context, serial uint32) error
}

// HintProvider supplies root hints.
type HintProvider interface {
	Hints() []dns.RR
}

// Reloader reloads a zone from its source.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Transferer serves zone transfers.
type Transferer interface {
	Transfer(ctx context.Context, source net.IP) ([]dns.RR, error)
}

// Rcode maps an error from an authority to a response code.
func Rcode(err error) int {
	switch {
	case err == nil:
		return dns.RcodeSuccess
	case errors.Is(err, ErrNotSupported), errors.Is(err, lookup.ErrRefused):
		return dns.RcodeRefused
	case errors.Is(err, ErrZoneFailed),
		errors.Is(err, ErrNotLoaded),
		errors.Is(err, ErrNoUpstream),
		errors.Is(err, lookup.ErrServerFailure),
		errors.Is(err, lookup.ErrTooManyChases),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return dns.RcodeServerFailure
	}

	return update.Rcode(err)
}

func observeSerial(origin string, serial uint32) {
	serials.WithLabelValues(origin).Set(float64(serial))
}
