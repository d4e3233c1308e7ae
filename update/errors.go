package update

import (
	"errors"
	"fmt"

	"github.com/miekg/dns"

	"github.com/semihalev/adns/dnssec"
	"github.com/semihalev/adns/zone"
)

var (
	// ErrFormat is returned for messages that break the RFC 2136 encoding.
	ErrFormat = errors.New("malformed update")
	// ErrNotAuth is returned for missing, invalid or expired SIG0 signatures
	// and for zones this server is not authoritative for.
	ErrNotAuth = errors.New("update not authorized")
	// ErrNotZone is returned for names outside the zone.
	ErrNotZone = errors.New("name outside zone")
	// ErrRefused is returned when policy forbids the update.
	ErrRefused = errors.New("update refused")
	// ErrTTLMismatch is returned under the reject TTL policy.
	ErrTTLMismatch = errors.New("ttl differs from rrset ttl")
	// ErrPrerequisite is wrapped by every PrereqError.
	ErrPrerequisite = errors.New("prerequisite failed")
)

// PrereqError is a failed RFC 2136 prerequisite and the rcode it maps to.
type PrereqError struct {
	Rcode  int
	Record string
}

func (e *PrereqError) Error() string {
	return fmt.Sprintf("prerequisite failed (%s): %s", dns.RcodeToString[e.Rcode], e.Record)
}

func (e *PrereqError) Unwrap() error { return ErrPrerequisite }

// Rcode maps an error returned by Process to a response code.
func Rcode(err error) int {
	var pe *PrereqError

	switch {
	case err == nil:
		return dns.RcodeSuccess
	case errors.As(err, &pe):
		return pe.Rcode
	case errors.Is(err, ErrFormat),
		errors.Is(err, zone.ErrMalformedUpdate),
		errors.Is(err, zone.ErrNameTooLong),
		errors.Is(err, zone.ErrInvalidRData),
		errors.Is(err, zone.ErrClassMismatch):
		return dns.RcodeFormatError
	case errors.Is(err, ErrNotAuth):
		return dns.RcodeNotAuth
	case errors.Is(err, ErrNotZone), errors.Is(err, zone.ErrNotInZone):
		return dns.RcodeNotZone
	case errors.Is(err, ErrRefused), errors.Is(err, ErrTTLMismatch):
		return dns.RcodeRefused
	case errors.Is(err, zone.ErrSerialOverflow),
		errors.Is(err, dnssec.ErrNoActiveKey),
		errors.Is(err, dnssec.ErrSigningFailure),
		errors.Is(err, dnssec.ErrChainCorrupt):
		return dns.RcodeServerFailure
	}

	return dns.RcodeServerFailure
}
