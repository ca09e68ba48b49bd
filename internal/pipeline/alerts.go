package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/alert"
	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ErrAlertQueueFull is reported to OnSinkFailure when a threat could not
// even be queued for persistence.
var ErrAlertQueueFull = errors.New("pipeline: alert queue full")

// AlertConfig controls how threats are handed to the sink.
type AlertConfig struct {
	// QueueSize bounds alerts waiting for their first write.
	QueueSize int

	// WriteTimeout bounds one persistence attempt, lock wait included.
	WriteTimeout time.Duration

	// MaxRetries is the number of retries after a failed first write.
	MaxRetries int

	// RetryBackoff is the delay before the first retry, doubled each time.
	RetryBackoff time.Duration
}

// DefaultAlertConfig returns the default alert delivery settings.
func DefaultAlertConfig() *AlertConfig {
	return &AlertConfig{
		QueueSize:    1024,
		WriteTimeout: 2 * time.Second,
		MaxRetries:   5,
		RetryBackoff: 200 * time.Millisecond,
	}
}

// SinkFailure describes an alert that could not be made durable.
type SinkFailure struct {
	Alert    models.Alert
	Attempts int
	Err      error
}

type pendingAlert struct {
	alert    models.Alert
	attempts int
	due      time.Time
}

// alertQueue persists alerts on a single writer goroutine so a slow or
// failing sink never blocks classification. Failed writes move to a retry
// backlog with exponential backoff; exhausted alerts are escalated.
type alertQueue struct {
	cfg      AlertConfig
	sink     alert.Sink
	notifier *alert.Dispatcher
	errorLog *logging.Logger
	onFail   func(SinkFailure)
	logger   *logging.Logger

	ch      chan models.Alert
	backlog []pendingAlert

	persisted atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64

	mu      sync.RWMutex
	closed  bool
	started bool
	quit    chan struct{}
	done    chan struct{}
}

func newAlertQueue(cfg AlertConfig, sink alert.Sink, notifier *alert.Dispatcher) *alertQueue {
	def := DefaultAlertConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	return &alertQueue{
		cfg:      cfg,
		sink:     sink,
		notifier: notifier,
		logger:   logging.AlertLogger(),
		ch:       make(chan models.Alert, cfg.QueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (q *alertQueue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.loop()
}

// enqueue hands a to the writer without blocking.
func (q *alertQueue) enqueue(a models.Alert) {
	q.mu.RLock()
	closed := q.closed
	if !closed {
		select {
		case q.ch <- a:
			q.mu.RUnlock()
			metrics.AlertQueueDepth.Inc()
			return
		default:
		}
	}
	q.mu.RUnlock()

	err := ErrAlertQueueFull
	if closed {
		err = errors.New("pipeline: alert queue closed")
	}
	q.escalate(SinkFailure{Alert: a, Err: err})
}

// stop refuses new alerts, flushes the queue and gives every backlog entry
// one final attempt.
func (q *alertQueue) stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		if !q.started {
			q.started = true
			go q.loop()
		}
		close(q.quit)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *alertQueue) loop() {
	defer close(q.done)

	for {
		var retry <-chan time.Time
		var timer *time.Timer
		if len(q.backlog) > 0 {
			timer = time.NewTimer(time.Until(q.nextDue()))
			retry = timer.C
		}

		select {
		case a := <-q.ch:
			metrics.AlertQueueDepth.Dec()
			q.attempt(pendingAlert{alert: a})
		case <-retry:
			q.retryDue(time.Now())
		case <-q.quit:
			if timer != nil {
				timer.Stop()
			}
			q.drain()
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *alertQueue) nextDue() time.Time {
	next := q.backlog[0].due
	for _, p := range q.backlog[1:] {
		if p.due.Before(next) {
			next = p.due
		}
	}
	return next
}

func (q *alertQueue) retryDue(now time.Time) {
	var due []pendingAlert
	kept := q.backlog[:0]
	for _, p := range q.backlog {
		if !p.due.After(now) {
			due = append(due, p)
		} else {
			kept = append(kept, p)
		}
	}
	q.backlog = kept
	for _, p := range due {
		q.retried.Add(1)
		metrics.Alerts.WithLabelValues("retried").Inc()
		q.attempt(p)
	}
}

func (q *alertQueue) drain() {
	for {
		select {
		case a := <-q.ch:
			metrics.AlertQueueDepth.Dec()
			q.attempt(pendingAlert{alert: a, attempts: q.cfg.MaxRetries})
		default:
			pending := q.backlog
			q.backlog = nil
			for _, p := range pending {
				p.attempts = q.cfg.MaxRetries
				q.attempt(p)
			}
			return
		}
	}
}

// attempt writes p once. On failure it schedules a retry or escalates.
func (q *alertQueue) attempt(p pendingAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.WriteTimeout)
	err := q.sink.Record(ctx, p.alert)
	cancel()

	if err == nil {
		q.persisted.Add(1)
		metrics.Alerts.WithLabelValues("persisted").Inc()
		q.logger.Info("threat alert persisted",
			"id", p.alert.ID,
			"src_ip", p.alert.SrcIP,
			"dst_ip", p.alert.DstIP,
			"probability", p.alert.Probability,
			"model_version", p.alert.ModelVersion,
		)
		if q.notifier != nil {
			q.notifier.Enqueue(alert.MessageFor(p.alert))
		}
		return
	}

	p.attempts++
	if p.attempts > q.cfg.MaxRetries {
		q.escalate(SinkFailure{Alert: p.alert, Attempts: p.attempts, Err: err})
		return
	}
	delay := q.cfg.RetryBackoff << (p.attempts - 1)
	p.due = time.Now().Add(delay)
	q.backlog = append(q.backlog, p)
	q.logger.Warn("alert write failed, will retry",
		"id", p.alert.ID, "attempt", p.attempts, "retry_in", delay, logging.Err(err))
}

// escalate makes a lost alert loud: main log, dedicated error log,
// an operational notification and the failure hook.
func (q *alertQueue) escalate(f SinkFailure) {
	q.failed.Add(1)
	metrics.Alerts.WithLabelValues("failed").Inc()

	args := []any{
		"id", f.Alert.ID,
		"src_ip", f.Alert.SrcIP,
		"dst_ip", f.Alert.DstIP,
		"attempts", f.Attempts,
		logging.Err(f.Err),
	}
	q.logger.Error("alert could not be persisted", args...)
	if q.errorLog != nil {
		q.errorLog.Error("alert could not be persisted", args...)
	}
	if q.notifier != nil {
		q.notifier.Enqueue(alert.Message{
			Subject: "IDS alert sink failure",
			Body: fmt.Sprintf("Alert %s (%s -> %s) was not persisted after %d attempts: %v",
				f.Alert.ID, f.Alert.SrcIP, f.Alert.DstIP, f.Attempts, f.Err),
		})
	}
	if q.onFail != nil {
		q.onFail(f)
	}
}
