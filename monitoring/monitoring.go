// Package monitoring exports the bridge metrics to Prometheus.
package monitoring

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// DefaultListen is the address the exporter listens on by default.
	DefaultListen = "127.0.0.1:8989"

	// MetricsPath is where the exporter serves the metrics.
	MetricsPath = "/metrics"

	readHeaderTimeout = 5 * time.Second
)

// PrometheusConfig holds the exporter options.
//
//nolint:lll
type PrometheusConfig struct {
	Enable bool   `long:"enable" description:"Export metrics to Prometheus"`
	Listen string `long:"listen" description:"The address the Prometheus exporter listens on"`
}

// DefaultPrometheusConfig returns a disabled exporter config.
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		Listen: DefaultListen,
	}
}

// Exporter serves the metrics of a registry over HTTP.
type Exporter struct {
	started uint32
	stopped uint32

	cfg      *PrometheusConfig
	gatherer prometheus.Gatherer

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	wg sync.WaitGroup
}

// NewExporter returns an exporter of the metrics gathered by gatherer. A nil
// gatherer exports the default registry.
func NewExporter(cfg *PrometheusConfig,
	gatherer prometheus.Gatherer) *Exporter {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &Exporter{
		cfg:      cfg,
		gatherer: gatherer,
	}
}

// Start listens on the configured address and serves the metrics.
func (e *Exporter) Start() error {
	if !atomic.CompareAndSwapUint32(&e.started, 0, 1) {
		return nil
	}

	lis, err := net.Listen("tcp", e.cfg.Listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(MetricsPath, promhttp.HandlerFor(
		e.gatherer, promhttp.HandlerOpts{},
	))

	e.mu.Lock()
	e.listener = lis
	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	server := e.server
	e.mu.Unlock()

	log.Infof("Prometheus exporter started on %v%v", lis.Addr(),
		MetricsPath)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := server.Serve(lis)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Criticalf("Prometheus exporter stopped: %v", err)
		}
	}()

	return nil
}

// Addr returns the address the exporter listens on, or nil if it is not
// started.
func (e *Exporter) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listener == nil {
		return nil
	}

	return e.listener.Addr()
}

// Stop closes the listener and waits for the server to exit.
func (e *Exporter) Stop() error {
	if !atomic.CompareAndSwapUint32(&e.stopped, 0, 1) {
		return nil
	}

	e.mu.Lock()
	server := e.server
	e.mu.Unlock()

	if server == nil {
		return nil
	}

	log.Info("Prometheus exporter shutting down")

	err := server.Close()
	e.wg.Wait()

	return err
}
