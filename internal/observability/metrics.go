// Package observability — metrics.go
//
// Prometheus metrics for the kernel agent (cmd/kerneld).
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: kernel_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Space/reject-code labels use the closed enumerations from
//     internal/kernelmodel and internal/gate (bounded, small).
//   - No per-DOF or per-tick label is ever used (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the agent.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Controller tick ──────────────────────────────────────────────────

	// TickLatency records the wall-clock time the agent's run loop spends on
	// one tick, from the start of tick handling through the core Step call
	// (the pure core has no clock of its own).
	TickLatency prometheus.Histogram

	// TicksTotal counts controller ticks, by outcome (ok, reject).
	TicksTotal *prometheus.CounterVec

	// DOFConflictsTotal counts ticks rejected for DOF conflict.
	DOFConflictsTotal prometheus.Counter

	// ─── Gate ─────────────────────────────────────────────────────────────

	// GateDecisionsTotal counts Gate evaluations, by reject code ("" for ok).
	GateDecisionsTotal *prometheus.CounterVec

	// ─── Clamp ────────────────────────────────────────────────────────────

	// AbsClampActivationsTotal counts absolute-clamp calls that actually
	// modified at least one value, by space.
	AbsClampActivationsTotal *prometheus.CounterVec

	// DynClampActivationsTotal counts dynamics-clamp calls that actually
	// modified at least one value, by space.
	DynClampActivationsTotal *prometheus.CounterVec

	// ─── E-STOP / safety ──────────────────────────────────────────────────

	// EstopTotal counts ApplyEstop invocations.
	EstopTotal prometheus.Counter

	// SafetyEventLevel is the current aggregated SafetyEvent level (0-3,
	// matching kernelmodel.SafetyLevel ordinals).
	SafetyEventLevel prometheus.Gauge

	// ─── Throttle ─────────────────────────────────────────────────────────

	// ThrottleTokensRemaining is the current control-plane token bucket
	// level.
	ThrottleTokensRemaining prometheus.Gauge

	// ThrottleRejectedTotal counts actions rejected by the throttle before
	// reaching the Gate.
	ThrottleRejectedTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────

	// StorageWriteLatency records bbolt write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// StorageLedgerSeq is the last committed ledger sequence number
	// persisted to storage.
	StorageLedgerSeq prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all agent Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kernel",
			Subsystem: "controller",
			Name:      "tick_latency_seconds",
			Help:      "Wall-clock latency of one agent run-loop tick, including the core call.",
			Buckets:   []float64{0.00005, 0.0001, 0.0002, 0.0005, 0.001, 0.002, 0.005, 0.01},
		}),

		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "controller",
			Name:      "ticks_total",
			Help:      "Total controller ticks, by outcome.",
		}, []string{"outcome"}),

		DOFConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "controller",
			Name:      "dof_conflicts_total",
			Help:      "Total ticks rejected due to a DOF conflict across selected spaces.",
		}),

		GateDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Total Gate evaluations, by reject code (empty string for accept).",
		}, []string{"reject_code"}),

		AbsClampActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "clamp",
			Name:      "absolute_activations_total",
			Help:      "Total absolute-clamp calls that modified at least one value, by space.",
		}, []string{"space"}),

		DynClampActivationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "clamp",
			Name:      "dynamics_activations_total",
			Help:      "Total dynamics-clamp calls that modified at least one value, by space.",
		}, []string{"space"}),

		EstopTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "safety",
			Name:      "estop_total",
			Help:      "Total ApplyEstop invocations.",
		}),

		SafetyEventLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "safety",
			Name:      "event_level",
			Help:      "Current aggregated safety event level (0=NONE 1=WARN 2=STOP 3=E_STOP).",
		}),

		ThrottleTokensRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "throttle",
			Name:      "tokens_remaining",
			Help:      "Current control-plane token bucket level.",
		}),

		ThrottleRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "throttle",
			Name:      "rejected_total",
			Help:      "Total Actions rejected by the throttle before reaching the Gate.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kernel",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "bbolt write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		StorageLedgerSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "storage",
			Name:      "ledger_seq",
			Help:      "Last committed ledger sequence number persisted to storage.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.TickLatency,
		m.TicksTotal,
		m.DOFConflictsTotal,
		m.GateDecisionsTotal,
		m.AbsClampActivationsTotal,
		m.DynClampActivationsTotal,
		m.EstopTotal,
		m.SafetyEventLevel,
		m.ThrottleTokensRemaining,
		m.ThrottleRejectedTotal,
		m.StorageWriteLatency,
		m.StorageLedgerSeq,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr (e.g.
// "127.0.0.1:9091") and serves GET /metrics plus GET /healthz. Blocks until
// ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
