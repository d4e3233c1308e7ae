package zone

import (
	"errors"
	"fmt"
)

var (
	// ErrNameTooLong is returned when an owner name breaks the wire limits.
	ErrNameTooLong = errors.New("name too long")
	// ErrInvalidRData is returned for records that cannot be encoded or are meta types.
	ErrInvalidRData = errors.New("invalid rdata")
	// ErrSerialOverflow is returned when the SOA serial cannot be increased any more.
	ErrSerialOverflow = errors.New("soa serial overflow")
	// ErrNotInZone is returned for owner names outside the zone origin.
	ErrNotInZone = errors.New("name not in zone")
	// ErrClassMismatch is returned for records of another class.
	ErrClassMismatch = errors.New("record class does not match zone class")
	// ErrNoSOA is returned when the origin would be left without a SOA record.
	ErrNoSOA = errors.New("zone has no soa record at origin")
	// ErrMultipleSOA is returned for more than one SOA record, or a SOA below the origin.
	ErrMultipleSOA = errors.New("zone must have exactly one soa record at origin")
	// ErrStaleSerial is returned by Replace when the incoming serial is not newer.
	ErrStaleSerial = errors.New("incoming soa serial is not newer")
)

// RecordError carries the offending record text together with the cause.
type RecordError struct {
	Record string
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Record)
}

func (e *RecordError) Unwrap() error { return e.Err }
