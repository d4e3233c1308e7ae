package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/semihalev/adns/config"
	"github.com/semihalev/adns/middleware"
)

// Metrics counts answered messages by type, rcode and transport.
type Metrics struct {
	queries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func init() {
	middleware.Register(name, func(cfg *config.Config) middleware.Handler {
		return New(cfg)
	})
}

// New return new metrics
func New(cfg *config.Config) *Metrics {
	m := &Metrics{
		queries: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adns_queries_total",
				Help: "How many DNS messages processed",
			},
			[]string{"qtype", "opcode", "rcode", "proto"},
		)),
		duration: register(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adns_query_duration_seconds",
				Help:    "Time spent answering DNS messages",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"proto"},
		)),
	}

	return m
}

// register returns the collector already registered under the same
// descriptor, so handlers built more than once share their series.
func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// Name return middleware name
func (m *Metrics) Name() string { return name }

// ServeDNS implements the Handle interface.
func (m *Metrics) ServeDNS(ctx context.Context, ch *middleware.Chain) {
	start := time.Now()

	ch.Next(ctx)

	w, req := ch.Writer, ch.Request
	if !w.Written() || len(req.Question) == 0 {
		return
	}

	m.queries.With(
		prometheus.Labels{
			"qtype":  dns.TypeToString[req.Question[0].Qtype],
			"opcode": dns.OpcodeToString[req.Opcode],
			"rcode":  dns.RcodeToString[w.Rcode()],
			"proto":  w.Proto(),
		}).Inc()

	m.duration.WithLabelValues(w.Proto()).Observe(time.Since(start).Seconds())
}

const name = "metrics"
