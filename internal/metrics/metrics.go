// Package metrics exposes the engine's cross-cutting observability surface:
// Prometheus gauges for open-position count, daily P&L, kill-switch state
// and scheduler priority-wait duration, plus the /healthz liveness
// endpoint. A full dashboard is explicitly out of scope (§6's non-goals);
// this package only emits numbers, it never renders them.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Registry owns every gauge/histogram the engine publishes and the HTTP
// server exposing them alongside /healthz.
type Registry struct {
	OpenPositions  prometheus.Gauge
	DailyPnL       prometheus.Gauge
	KillSwitch     prometheus.Gauge
	SchedulerWait  prometheus.Histogram

	srv *http.Server
	log *zap.Logger
}

// New registers every metric against its own prometheus.Registry (not the
// global default) so tests can construct multiple independent Registries.
func New(log *zap.Logger) *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apex_open_positions",
			Help: "Number of currently open positions.",
		}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apex_daily_pnl",
			Help: "Net realized P&L since the last daily reset boundary.",
		}),
		KillSwitch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apex_kill_switch_active",
			Help: "1 if the risk engine's kill switch is active, 0 otherwise.",
		}),
		SchedulerWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "apex_scheduler_wait_seconds",
			Help:    "Time a non-CRITICAL scheduler call spent deferring to in-flight CRITICAL work.",
			Buckets: prometheus.DefBuckets,
		}),
		log: log,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", healthzHandler)
	r.srv = &http.Server{Handler: mux}
	return r
}

// healthzHandler mirrors the reference bot's own health_check.go: a bare
// 200 with a small JSON status/time body, no dependency probing.
func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Serve starts the HTTP listener on addr. It blocks until ctx is canceled
// or the server fails for a reason other than a clean shutdown.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	r.srv.Addr = addr
	errCh := make(chan error, 1)
	go func() { errCh <- r.srv.ListenAndServe() }()
	r.log.Info("metrics/health listener starting", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// SetKillSwitch records the boolean as 0/1 — Prometheus gauges have no
// native bool type.
func (r *Registry) SetKillSwitch(active bool) {
	if active {
		r.KillSwitch.Set(1)
		return
	}
	r.KillSwitch.Set(0)
}
