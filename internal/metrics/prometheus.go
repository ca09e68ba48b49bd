// Package metrics provides Prometheus metrics export for nfa-ids.
// Exposes capture statistics, pipeline counters, and model health indicators.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// nfa-ids Metrics
// =============================================================================

var (
	// Capture metrics
	PacketsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "capture", Name: "packets_received_total",
		Help: "Total number of frames read from the capture source.",
	})

	PacketsSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "capture", Name: "packets_skipped_total",
		Help: "Frames that produced no record, by reason.",
	}, []string{"reason"})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "capture", Name: "bytes_received_total",
		Help: "Total bytes read from the capture source.",
	})

	// Pipeline metrics
	RecordsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "pipeline", Name: "records_received_total",
		Help: "Records handed to the detection pipeline.",
	})

	RecordsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "pipeline", Name: "records_processed_total",
		Help: "Records successfully classified.",
	})

	RecordErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "pipeline", Name: "record_errors_total",
		Help: "Per-record failures by kind.",
	}, []string{"kind"})

	RecordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "pipeline", Name: "records_dropped_total",
		Help: "Records dropped under backpressure.",
	})

	Predictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "pipeline", Name: "predictions_total",
		Help: "Predictions by label.",
	}, []string{"label"})

	InferenceLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ids", Subsystem: "pipeline", Name: "inference_duration_seconds",
		Help:    "Extract and predict latency in seconds.",
		Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
	})

	// Alert metrics
	Alerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "alert", Name: "alerts_total",
		Help: "Alert persistence outcomes (persisted, retried, failed).",
	}, []string{"outcome"})

	AlertQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ids", Subsystem: "alert", Name: "queue_depth",
		Help: "Alerts waiting for persistence, including the retry backlog.",
	})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "alert", Name: "notifications_total",
		Help: "Notification attempts by channel and outcome.",
	}, []string{"channel", "outcome"})

	// Model metrics
	ModelVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ids", Subsystem: "model", Name: "version",
		Help: "Version of the live model, 0 when none is installed.",
	})

	ModelAccuracy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ids", Subsystem: "model", Name: "holdout_accuracy",
		Help: "Holdout accuracy of the live model.",
	})

	ModelUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ids", Subsystem: "model", Name: "updates_total",
		Help: "Model update submissions by outcome.",
	}, []string{"outcome"})
)

func init() {
	_ = prometheus.Register(PacketsReceived)
	_ = prometheus.Register(PacketsSkipped)
	_ = prometheus.Register(BytesReceived)
	_ = prometheus.Register(RecordsReceived)
	_ = prometheus.Register(RecordsProcessed)
	_ = prometheus.Register(RecordErrors)
	_ = prometheus.Register(RecordsDropped)
	_ = prometheus.Register(Predictions)
	_ = prometheus.Register(InferenceLatency)
	_ = prometheus.Register(Alerts)
	_ = prometheus.Register(AlertQueueDepth)
	_ = prometheus.Register(Notifications)
	_ = prometheus.Register(ModelVersion)
	_ = prometheus.Register(ModelAccuracy)
	_ = prometheus.Register(ModelUpdates)
}

// =============================================================================
// Metrics Server
// =============================================================================

// Server runs a standalone metrics HTTP server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a new metrics server.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		mux:  mux,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// EnableProfiling serves the runtime profiles under /debug/pprof/ and turns
// on block and mutex sampling. Call before Start.
func (s *Server) EnableProfiling() {
	runtime.SetBlockProfileRate(10000)
	runtime.SetMutexProfileFraction(100)

	s.mux.HandleFunc("/debug/pprof/", pprof.Index)
	s.mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	// pprof profiles run longer than the default write timeout
	s.server.WriteTimeout = 0
}

// Handler returns the server's handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Start starts the metrics server. It returns nil after a clean Stop.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
