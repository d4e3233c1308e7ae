// Package changefeed announces zone commits over Redis pub/sub so that
// other nodes can refresh their secondary copies.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/miekg/dns"
	"github.com/redis/go-redis/v9"
	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/update"
)

// DefaultChannel is used when Options.Channel is empty.
const DefaultChannel = "adns:zone-changes"

// ErrBadEvent is returned for payloads that are not "<zone> <serial> [node]".
var ErrBadEvent = errors.New("malformed change event")

// Event announces a new serial of a zone.
type Event struct {
	Zone   string
	Serial uint32
	// Node identifies the publisher.
	Node string
}

func (e Event) String() string {
	if e.Node == "" {
		return e.Zone + " " + strconv.FormatUint(uint64(e.Serial), 10)
	}
	return e.Zone + " " + strconv.FormatUint(uint64(e.Serial), 10) + " " + e.Node
}

// ParseEvent decodes a published payload.
func ParseEvent(payload string) (Event, error) {
	fields := strings.Fields(payload)
	if len(fields) < 2 || len(fields) > 3 {
		return Event{}, fmt.Errorf("%w: %q", ErrBadEvent, payload)
	}

	if _, ok := dns.IsDomainName(fields[0]); !ok {
		return Event{}, fmt.Errorf("%w: %q", ErrBadEvent, payload)
	}

	serial, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %q", ErrBadEvent, payload)
	}

	e := Event{Zone: dns.CanonicalName(fields[0]), Serial: uint32(serial)}
	if len(fields) == 3 {
		e.Node = fields[2]
	}

	return e, nil
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Feed publishes and receives change events.
type Feed struct {
	client  *redis.Client
	channel string
	node    string
}

// New returns a feed; the connection is made lazily.
func New(opts Options) *Feed {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	return &Feed{client: rdb, channel: opts.Channel, node: uuid.NewString()}
}

// Node returns the identifier attached to events published by f.
func (f *Feed) Node() string { return f.node }

// Ping checks the connection.
func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close closes the connection.
func (f *Feed) Close() error { return f.client.Close() }

// Publish announces serial for zone.
func (f *Feed) Publish(ctx context.Context, zone string, serial uint32) error {
	e := Event{Zone: dns.CanonicalName(zone), Serial: serial, Node: f.node}
	return f.client.Publish(ctx, f.channel, e.String()).Err()
}

// Hook returns an update hook publishing every commit.
func (f *Feed) Hook() update.Hook {
	return func(ctx context.Context, c *update.Commit) {
		if err := f.Publish(ctx, c.Zone, c.Serial); err != nil {
			zlog.Warn("Change feed publish failed", "zone", c.Zone, "serial", c.Serial, "error", err.Error())
		}
	}
}

// Subscribe returns the events published by other nodes. The subscription
// is active when Subscribe returns and ends with ctx.
func (f *Feed) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := f.client.Subscribe(ctx, f.channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				e, err := ParseEvent(msg.Payload)
				if err != nil {
					zlog.Debug("Change feed event dropped", "error", err.Error())
					continue
				}
				if e.Node == f.node {
					continue
				}

				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
