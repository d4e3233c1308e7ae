// Package journal persists committed zone updates in a bbolt database so
// that dynamic changes survive a restart.
package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/semihalev/zlog/v2"
	bbolt "go.etcd.io/bbolt"
	bberrors "go.etcd.io/bbolt/errors"

	"github.com/semihalev/adns/update"
	"github.com/semihalev/adns/zone"
)

var bucketZones = []byte("zones")

// ErrCorrupt is returned for entries that cannot be decoded.
var ErrCorrupt = errors.New("journal entry corrupt")

// Entry is one committed update.
type Entry struct {
	ID     string    `json:"id"`
	Zone   string    `json:"zone"`
	Serial uint32    `json:"serial"`
	SOA    string    `json:"soa"`
	Signer string    `json:"signer,omitempty"`
	Time   time.Time `json:"time"`
	// Update is the packed RFC 2136 message carrying the steps.
	Update []byte `json:"update"`
}

// Transaction decodes the steps of e, followed by its resulting SOA.
func (e *Entry) Transaction(class uint16) (*zone.Transaction, error) {
	m := new(dns.Msg)
	if err := m.Unpack(e.Update); err != nil {
		return nil, fmt.Errorf("%w: %s serial %d: %v", ErrCorrupt, e.Zone, e.Serial, err)
	}

	tx, err := zone.TransactionFromRecords(m.Ns, class)
	if err != nil {
		return nil, fmt.Errorf("%w: %s serial %d: %v", ErrCorrupt, e.Zone, e.Serial, err)
	}

	soa, err := dns.NewRR(e.SOA)
	if err != nil || soa == nil || soa.Header().Rrtype != dns.TypeSOA {
		return nil, fmt.Errorf("%w: %s serial %d: bad soa", ErrCorrupt, e.Zone, e.Serial)
	}

	return tx.Add(soa), nil
}

// NewEntry encodes a commit.
func NewEntry(c *update.Commit, class uint16) (*Entry, error) {
	m := new(dns.Msg)
	m.SetUpdate(c.Zone)
	m.Question[0].Qclass = class
	m.Ns = c.Tx.Records(class)

	buf, err := m.Pack()
	if err != nil {
		return nil, err
	}

	return &Entry{
		ID:     c.ID,
		Zone:   c.Zone,
		Serial: c.Serial,
		SOA:    c.SOA.String(),
		Signer: c.Signer,
		Time:   c.Time,
		Update: buf,
	}, nil
}

// Journal stores entries per zone in commit order.
type Journal struct {
	db *bbolt.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketZones)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Journal{db: db}, nil
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

// Append stores e after the entries already journaled for its zone.
func (j *Journal) Append(e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	return j.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketZones).CreateBucketIfNotExists([]byte(e.Zone))
		if err != nil {
			return err
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		return b.Put(key, data)
	})
}

// Entries returns the entries of origin in commit order.
func (j *Journal) Entries(origin string) ([]*Entry, error) {
	var entries []*Entry

	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketZones).Bucket([]byte(origin))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			e := new(Entry)
			if err := json.Unmarshal(v, e); err != nil {
				return fmt.Errorf("%w: %s key %x: %v", ErrCorrupt, origin, k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})

	return entries, err
}

// Truncate drops every entry of origin.
func (j *Journal) Truncate(origin string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketZones).DeleteBucket([]byte(origin))
		if errors.Is(err, bberrors.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Replay applies the entries newer than the store's serial and returns how
// many were applied. Each entry carries its resulting SOA, so serials come
// out as they were originally published.
func (j *Journal) Replay(store *zone.Store, seal ...zone.Sealer) (int, error) {
	entries, err := j.Entries(store.Origin())
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, e := range entries {
		if int32(e.Serial-store.Serial()) <= 0 {
			continue
		}

		tx, err := e.Transaction(store.Class())
		if err != nil {
			return applied, err
		}

		if _, err := store.Apply(tx, seal...); err != nil {
			return applied, fmt.Errorf("replay %s serial %d: %w", e.Zone, e.Serial, err)
		}
		applied++
	}

	if applied > 0 {
		zlog.Info("Journal replayed", "zone", store.Origin(), "entries", applied, "serial", store.Serial())
	}

	return applied, nil
}

// Hook returns an update hook that journals every commit.
func (j *Journal) Hook(class uint16) update.Hook {
	return func(_ context.Context, c *update.Commit) {
		e, err := NewEntry(c, class)
		if err == nil {
			err = j.Append(e)
		}
		if err != nil {
			zlog.Error("Journal append failed", "zone", c.Zone, "serial", c.Serial, "error", err.Error())
		}
	}
}
