// Package metrics exposes Prometheus instrumentation for the proxy; it
// is ambient observability, not part of the core decision logic.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the proxy's Prometheus collectors.
type Registry struct {
	reg *prometheus.Registry

	SharesAccepted    prometheus.Counter
	SharesRejected    prometheus.Counter
	FeeSharesAccepted prometheus.Counter
	FeeSharesRejected prometheus.Counter
	ActiveSessions    prometheus.Gauge
	JobsInjected      prometheus.Counter
}

// New builds a Registry with all collectors registered.
func New() *Registry {
	r := prometheus.NewRegistry()
	m := &Registry{
		reg: r,
		SharesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumproxy_shares_accepted_total",
			Help: "Real-pool shares accepted.",
		}),
		SharesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumproxy_shares_rejected_total",
			Help: "Real-pool shares rejected.",
		}),
		FeeSharesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumproxy_fee_shares_accepted_total",
			Help: "Fee-pool shares accepted.",
		}),
		FeeSharesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumproxy_fee_shares_rejected_total",
			Help: "Fee-pool shares rejected.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stratumproxy_active_sessions",
			Help: "Currently connected worker sessions.",
		}),
		JobsInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stratumproxy_jobs_injected_total",
			Help: "Counterfeit jobs spliced into worker job streams.",
		}),
	}
	r.MustRegister(m.SharesAccepted, m.SharesRejected, m.FeeSharesAccepted,
		m.FeeSharesRejected, m.ActiveSessions, m.JobsInjected)
	return m
}

// Serve starts the metrics HTTP listener on addr until ctx is cancelled.
// An empty addr disables the exporter.
func (m *Registry) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
