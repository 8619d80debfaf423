// Package metrics exports ledger counters to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/predictledger/internal/domain"
)

// HealthFunc reports whether the process can serve requests.
type HealthFunc func(ctx context.Context) error

// Recorder implements ports.Recorder with Prometheus collectors.
type Recorder struct {
	mutations   *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	fallback    *prometheus.CounterVec
	unavailable *prometheus.CounterVec
	degraded    prometheus.Gauge
}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_mutations_total", Help: "committed ledger mutations",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_rejections_total", Help: "mutations that failed to commit, by error kind",
		}, []string{"kind", "reason"}),
		fallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "persistence_fallback_total", Help: "operations served by the fallback store",
		}, []string{"op"}),
		unavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "persistence_unavailable_total", Help: "operations where no backend answered",
		}, []string{"op"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "persistence_degraded", Help: "1 while the fallback store is authoritative",
		}),
	}
	for _, c := range []prometheus.Collector{r.mutations, r.rejections, r.fallback, r.unavailable, r.degraded} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics.NewRecorder: %w", err)
		}
	}
	return r, nil
}

func (r *Recorder) MutationCommitted(kind domain.MutationKind) {
	r.mutations.WithLabelValues(string(kind)).Inc()
}

func (r *Recorder) MutationRejected(kind domain.MutationKind, reason domain.ErrorKind) {
	r.rejections.WithLabelValues(string(kind), string(reason)).Inc()
}

func (r *Recorder) FallbackUsed(op string) { r.fallback.WithLabelValues(op).Inc() }

func (r *Recorder) StorageUnavailable(op string) { r.unavailable.WithLabelValues(op).Inc() }

func (r *Recorder) Degraded(on bool) {
	if on {
		r.degraded.Set(1)
	} else {
		r.degraded.Set(0)
	}
}

// Handler serves /metrics from g and /healthz from healthFn.
func Handler(g prometheus.Gatherer, healthFn HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		defer cancel()

		if err := healthFn(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "unhealthy: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Serve starts the metrics server in a goroutine. Shut it down with
// srv.Shutdown.
func Serve(addr string, g prometheus.Gatherer, healthFn HealthFunc) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(g, healthFn),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics: server stopped", "addr", addr, "err", err)
		}
	}()
	slog.Info("metrics: listening", "addr", addr)
	return srv
}
