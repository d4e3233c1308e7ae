// Package middleware chains the handlers every DNS message passes through,
// from panic recovery to the authority that answers it.
package middleware

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/adns/config"
)

// Handler is one link of the chain.
type Handler interface {
	Name() string
	ServeDNS(ctx context.Context, ch *Chain)
}

// order is the position of the known handlers in the chain. Handlers not
// listed run after them in registration order.
var order = []string{
	"recovery",
	"metrics",
	"accesslist",
	"ratelimit",
	"edns",
	"accesslog",
	"chaos",
	"authority",
}

type middleware struct {
	mu sync.RWMutex

	handlers []handler
}

type handler struct {
	name string
	new  func(*config.Config) Handler
}

var (
	m        middleware
	handlers []Handler
	setup    bool
)

// Register a middleware
func Register(name string, new func(*config.Config) Handler) {
	zlog.Debug("Register middleware", "name", name)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers = append(m.handlers, handler{name: name, new: new})

	sort.SliceStable(m.handlers, func(i, j int) bool {
		return position(m.handlers[i].name) < position(m.handlers[j].name)
	})
}

func position(name string) int {
	for i, n := range order {
		if n == name {
			return i
		}
	}
	return len(order)
}

// Setup handlers
func Setup(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if setup {
		return errors.New("setup already done")
	}

	for _, h := range m.handlers {
		handlers = append(handlers, h.new(cfg))
	}

	setup = true

	return nil
}

// Handlers return registered handlers
func Handlers() []Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return handlers
}

// List return names of handlers
func List() (list []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, h := range m.handlers {
		list = append(list, h.name)
	}

	return list
}

// Get return a handler by name
func Get(name string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, h := range handlers {
		if h.Name() == name {
			return h
		}
	}

	return nil
}
