// Package pipeline implements the detection pipeline: every record is
// extracted, classified against one snapshot of the live model, and threats
// are handed to the alert sink. Per-record failures are counted and logged;
// they never stop the stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/alert"
	"github.com/cvalentine99/nfa-ids/internal/capture"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/ml"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ErrAlreadyRunning is returned by Run when a stream is already being
// processed.
var ErrAlreadyRunning = errors.New("pipeline: already running")

// Error kinds used for counters and metrics labels.
const (
	KindMalformed      = "malformed"
	KindSchemaMismatch = "schema_mismatch"
	KindNoModel        = "no_model"
	KindPanic          = "panic"
	KindOther          = "other"
)

// Config holds pipeline settings.
type Config struct {
	// Workers is the number of classification goroutines.
	Workers int

	// QueueSize bounds records read but not yet classified.
	QueueSize int

	// DropOnBackpressure drops records instead of pausing capture when
	// the queue is full.
	DropOnBackpressure bool

	// Alerts controls alert persistence.
	Alerts AlertConfig
}

// DefaultConfig returns the default pipeline settings.
func DefaultConfig() *Config {
	return &Config{
		Workers:   runtime.NumCPU(),
		QueueSize: 4096,
		Alerts:    *DefaultAlertConfig(),
	}
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithNotifier forwards persisted alerts and sink escalations to d.
func WithNotifier(d *alert.Dispatcher) Option {
	return func(p *Pipeline) { p.alerts.notifier = d }
}

// WithErrorLog writes sink escalations to l in addition to the main log.
func WithErrorLog(l *logging.Logger) Option {
	return func(p *Pipeline) { p.alerts.errorLog = l }
}

// OnSinkFailure registers fn to run when an alert is finally lost.
func OnSinkFailure(fn func(SinkFailure)) Option {
	return func(p *Pipeline) { p.alerts.onFail = fn }
}

type counters struct {
	received       atomic.Uint64
	processed      atomic.Uint64
	errors         atomic.Uint64
	malformed      atomic.Uint64
	schemaMismatch atomic.Uint64
	noModel        atomic.Uint64
	panics         atomic.Uint64
	dropped        atomic.Uint64
	threats        atomic.Uint64
	normal         atomic.Uint64
}

// Pipeline connects a record source to the classifier adapter and the
// alert sink.
type Pipeline struct {
	adapter *ml.Adapter
	cfg     Config
	alerts  *alertQueue
	logger  *logging.Logger
	stats   counters
	running atomic.Bool
}

// New creates a pipeline. Start must be called before alerts are written.
func New(adapter *ml.Adapter, sink alert.Sink, cfg *Config, opts ...Option) *Pipeline {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}

	p := &Pipeline{
		adapter: adapter,
		cfg:     c,
		alerts:  newAlertQueue(c.Alerts, sink, nil),
		logger:  logging.PipelineLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the alert writer.
func (p *Pipeline) Start() {
	p.alerts.start()
}

// Stop flushes pending alerts and stops the writer. Alerts raised after
// Stop are escalated as sink failures.
func (p *Pipeline) Stop() {
	p.alerts.stop()
}

// Adapter returns the classifier adapter the pipeline reads from.
func (p *Pipeline) Adapter() *ml.Adapter {
	return p.adapter
}

// =============================================================================
// Request-driven entry points
// =============================================================================

// Classify runs rec through the full pipeline and returns the prediction.
// A threat is queued for persistence before Classify returns.
func (p *Pipeline) Classify(ctx context.Context, rec models.RawRecord) (models.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return models.PredictionResult{}, err
	}
	p.stats.received.Add(1)
	metrics.RecordsReceived.Inc()
	return p.process(&rec, true)
}

// Score classifies rec without raising an alert.
func (p *Pipeline) Score(ctx context.Context, rec models.RawRecord) (models.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return models.PredictionResult{}, err
	}
	p.stats.received.Add(1)
	metrics.RecordsReceived.Inc()
	return p.process(&rec, false)
}

// ClassifyVector scores an already extracted vector. It carries no
// addresses, so no alert is raised.
func (p *Pipeline) ClassifyVector(ctx context.Context, v ml.FeatureVector) (models.PredictionResult, error) {
	if err := ctx.Err(); err != nil {
		return models.PredictionResult{}, err
	}
	p.stats.received.Add(1)
	metrics.RecordsReceived.Inc()

	start := time.Now()
	res, err := p.adapter.Predict(v)
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		p.recordError(nil, err)
		return res, err
	}
	p.recordResult(res)
	return res, nil
}

// =============================================================================
// Stream-driven entry point
// =============================================================================

// Run pulls records from src until it is exhausted or ctx is done, and
// returns after every accepted record has been processed. Input the source
// could not decode is counted as a malformed record and skipped. Any other
// read error except end of stream ends the run with ErrCaptureFailure.
func (p *Pipeline) Run(ctx context.Context, src capture.Source) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	pool := NewWorkerPool(&WorkerPoolConfig{
		NumWorkers: p.cfg.Workers,
		QueueSize:  p.cfg.QueueSize,
	}, func(_ context.Context, rec *models.RawRecord) {
		_, _ = p.process(rec, true)
	})
	pool.OnPanic(func(_ *models.RawRecord, _ any) {
		p.stats.errors.Add(1)
		p.stats.panics.Add(1)
		metrics.RecordErrors.WithLabelValues(KindPanic).Inc()
	})
	pool.Start(ctx)
	defer pool.Stop()

	p.logger.Info("pipeline started",
		"workers", p.cfg.Workers,
		"queue_size", p.cfg.QueueSize,
		"drop_on_backpressure", p.cfg.DropOnBackpressure,
	)

	for {
		rec, err := src.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				p.logger.Info("record source exhausted")
				return nil
			case ctx.Err() != nil:
				p.logger.Info("pipeline stopping", "reason", ctx.Err())
				return nil
			case errors.Is(err, capture.ErrMalformedInput):
				p.stats.received.Add(1)
				metrics.RecordsReceived.Inc()
				p.recordError(nil, fmt.Errorf("%w: %w", ml.ErrMalformedRecord, err))
				continue
			default:
				return fmt.Errorf("%w: %w", capture.ErrCaptureFailure, err)
			}
		}

		p.stats.received.Add(1)
		metrics.RecordsReceived.Inc()

		if p.cfg.DropOnBackpressure {
			if !pool.TrySubmit(rec) {
				p.stats.dropped.Add(1)
				metrics.RecordsDropped.Inc()
			}
			continue
		}
		if err := pool.Submit(ctx, rec); err != nil {
			p.logger.Info("pipeline stopping", "reason", err)
			return nil
		}
	}
}

// =============================================================================
// Per-record processing
// =============================================================================

func (p *Pipeline) process(rec *models.RawRecord, emit bool) (models.PredictionResult, error) {
	start := time.Now()
	res, err := p.adapter.Classify(rec)
	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		p.recordError(rec, err)
		return res, err
	}

	p.recordResult(res)
	if emit && res.Label.IsThreat() {
		p.alerts.enqueue(alert.New(rec, res))
	}
	return res, nil
}

func (p *Pipeline) recordResult(res models.PredictionResult) {
	p.stats.processed.Add(1)
	metrics.RecordsProcessed.Inc()
	metrics.Predictions.WithLabelValues(string(res.Label)).Inc()
	if res.Label.IsThreat() {
		p.stats.threats.Add(1)
	} else {
		p.stats.normal.Add(1)
	}
}

func (p *Pipeline) recordError(rec *models.RawRecord, err error) {
	p.stats.errors.Add(1)

	kind := KindOther
	switch {
	case errors.Is(err, ml.ErrMalformedRecord):
		kind = KindMalformed
		p.stats.malformed.Add(1)
	case errors.Is(err, ml.ErrSchemaMismatch):
		kind = KindSchemaMismatch
		p.stats.schemaMismatch.Add(1)
	case errors.Is(err, ml.ErrNoModel):
		kind = KindNoModel
		p.stats.noModel.Add(1)
	}
	metrics.RecordErrors.WithLabelValues(kind).Inc()

	args := []any{"kind", kind, logging.Err(err)}
	if rec != nil {
		args = append(args, logging.Record(rec))
	}
	if kind == KindSchemaMismatch || kind == KindOther {
		p.logger.Warn("record not classified", args...)
		return
	}
	p.logger.Debug("record not classified", args...)
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() models.PipelineStats {
	return models.PipelineStats{
		Received:        p.stats.received.Load(),
		Processed:       p.stats.processed.Load(),
		Errors:          p.stats.errors.Load(),
		Malformed:       p.stats.malformed.Load(),
		SchemaMismatch:  p.stats.schemaMismatch.Load(),
		NoModel:         p.stats.noModel.Load(),
		Panics:          p.stats.panics.Load(),
		Dropped:         p.stats.dropped.Load(),
		Threats:         p.stats.threats.Load(),
		Normal:          p.stats.normal.Load(),
		AlertsPersisted: p.alerts.persisted.Load(),
		AlertsRetried:   p.alerts.retried.Load(),
		AlertsFailed:    p.alerts.failed.Load(),
	}
}
