// Package metrics wires the Prometheus registry used by both daemons and
// serves it over HTTP alongside a liveness endpoint.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the domain counters and gauges exported alongside the
// standard Go/process collectors.
type Metrics struct {
	Registry *prometheus.Registry

	URBsTotal             *prometheus.CounterVec
	URBBytesTotal         prometheus.Counter
	URBErrorsTotal        *prometheus.CounterVec
	PortsInUse            prometheus.Gauge
	SessionsConnected     prometheus.Gauge
	ReconnectAttemptsTotal prometheus.Counter
}

// New creates a registry, registers the standard collectors plus the
// bridge's own metrics, and returns them together.
func New() *Metrics {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: r,
		URBsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_bridge_urbs_total",
			Help: "Total number of URBs processed, by transfer type.",
		}, []string{"transfer_type"}),
		URBBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_bridge_urb_bytes_total",
			Help: "Total number of bytes transferred across all URBs.",
		}),
		URBErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usbip_bridge_urb_errors_total",
			Help: "Total number of URBs that completed with a nonzero status.",
		}, []string{"transfer_type"}),
		PortsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_bridge_ports_in_use",
			Help: "Number of VHCI ports currently bound to an imported device.",
		}),
		SessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_bridge_sessions_connected",
			Help: "Number of active sender<->receiver sessions.",
		}),
		ReconnectAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_bridge_reconnect_attempts_total",
			Help: "Total number of receiver reconnect attempts, successful or not.",
		}),
	}

	r.MustRegister(
		m.URBsTotal,
		m.URBBytesTotal,
		m.URBErrorsTotal,
		m.PortsInUse,
		m.SessionsConnected,
		m.ReconnectAttemptsTotal,
	)
	return m
}

// Serve listens on addr and serves /metrics and /health until ctx is
// canceled or the listener fails. It is meant to be run as an oklog/run
// actor alongside the rest of a daemon's actor group.
func Serve(ctx context.Context, addr string, m *Metrics) (func() error, func(error)) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}

	execute := func() error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return errors.Wrapf(err, "metrics: listen on %s", addr)
		}
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				_ = srv.Shutdown(context.Background())
			case <-stop:
			}
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "metrics: server exited unexpectedly")
		}
		return nil
	}
	interrupt := func(error) {
		_ = srv.Shutdown(context.Background())
	}
	return execute, interrupt
}
