// Package metrics exposes label and gate activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zsiec/conflabel/internal/labeldemux"
	"github.com/zsiec/conflabel/internal/watchdog"
)

const namespace = "conflabel"

// Metrics holds the reader's Prometheus collectors. The exported fields
// are updated by RecordLabel and the gate returned from Gate.
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	LabelsRead    prometheus.Counter
	LabelsMatched prometheus.Counter
	LastLabel     prometheus.Gauge
	GateOpen      prometheus.Gauge
	GateCalls     *prometheus.CounterVec
}

// New creates the metrics on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		factory:  f,
		LabelsRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_read_total",
			Help:      "Decoded confidentiality labels.",
		}),
		LabelsMatched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_matched_total",
			Help:      "Decoded labels that passed the filter and refreshed the watchdog.",
		}),
		LastLabel: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_label_timestamp_seconds",
			Help:      "Unix time the last label was observed.",
		}),
		GateOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gate_open",
			Help:      "1 while egress is allowed, 0 while it is denied.",
		}),
		GateCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_calls_total",
			Help:      "Gate calls by action and result.",
		}, []string{"action", "result"}),
	}
}

// RecordLabel counts a decoded label. It never fails.
func (m *Metrics) RecordLabel(_ string, l labeldemux.Label, matched bool) error {
	m.LabelsRead.Inc()
	if matched {
		m.LabelsMatched.Inc()
	}
	m.LastLabel.Set(float64(l.ObservedAt.UnixNano()) / 1e9)
	return nil
}

// WatchState exports the watchdog state as conflabel_watchdog_allowed,
// sampled at scrape time.
func (m *Metrics) WatchState(w *watchdog.Watchdog) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watchdog_allowed",
		Help:      "1 while the watchdog holds egress open.",
	}, func() float64 {
		if w.State() == watchdog.Allowed {
			return 1
		}
		return 0
	})
}

// Gate wraps g so that every call is counted and the resulting gate state
// is exported.
func (m *Metrics) Gate(g watchdog.Gate) watchdog.Gate {
	return &observedGate{m: m, next: g}
}

type observedGate struct {
	m    *Metrics
	next watchdog.Gate
}

func (g *observedGate) Allow() error {
	err := g.next.Allow()
	g.observe("allow", err, 1)
	return err
}

func (g *observedGate) Deny() error {
	err := g.next.Deny()
	g.observe("deny", err, 0)
	return err
}

func (g *observedGate) observe(action string, err error, open float64) {
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		g.m.GateOpen.Set(open)
	}
	g.m.GateCalls.WithLabelValues(action, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics: %w", err)
		}
		return nil
	}
}
