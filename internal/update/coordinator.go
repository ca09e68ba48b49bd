// Package update runs model updates: train a candidate on new labeled data,
// validate it, and hot-swap it into the classifier adapter.
package update

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/metrics"
	"github.com/cvalentine99/nfa-ids/internal/ml"
)

var (
	// ErrUpdateRejected is returned when a candidate fails validation. The
	// previous model stays live.
	ErrUpdateRejected = errors.New("update: candidate model rejected")

	// ErrUpdateInProgress is returned when another update is running.
	ErrUpdateInProgress = errors.New("update: another update is in progress")
)

// State is the coordinator state.
type State int32

const (
	StateIdle State = iota
	StateValidating
	StateInstalling
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateInstalling:
		return "installing"
	case StateRejected:
		return "rejected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for _, c := range []State{StateIdle, StateValidating, StateInstalling, StateRejected} {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("update: unknown state %q", b)
}

// Config holds the acceptance policy.
type Config struct {
	// MinAccuracy is the lowest holdout accuracy a candidate may have
	MinAccuracy float64

	// MinSamples is the fewest usable rows a dataset may have
	MinSamples int

	// TrainTimeout bounds one training run, 0 for no bound
	TrainTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MinAccuracy:  0.8,
		MinSamples:   10,
		TrainTimeout: 5 * time.Minute,
	}
}

// Report describes one submission.
type Report struct {
	Accepted    bool          `json:"accepted"`
	Version     uint64        `json:"version,omitempty"`
	Accuracy    float64       `json:"accuracy"`
	Samples     int           `json:"samples"`
	Holdout     int           `json:"holdout"`
	Reason      string        `json:"reason,omitempty"`
	Transitions []State       `json:"transitions"`
	Started     time.Time     `json:"started"`
	Duration    time.Duration `json:"duration"`
}

// Coordinator serializes model updates. Only one submission may be past
// Idle at a time; others fail fast instead of queueing.
type Coordinator struct {
	adapter *ml.Adapter
	trainer ml.Trainer
	store   *ml.ModelStore
	cfg     *Config
	logger  *logging.Logger

	state atomic.Int32

	mu   sync.Mutex
	last *Report
}

// NewCoordinator creates a coordinator. store may be nil, in which case
// installed versions are not persisted.
func NewCoordinator(adapter *ml.Adapter, trainer ml.Trainer, store *ml.ModelStore, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		adapter: adapter,
		trainer: ml.TrainTimeout(trainer, cfg.TrainTimeout),
		store:   store,
		cfg:     cfg,
		logger:  logging.UpdateLogger(),
	}
}

// State returns the current state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// LastReport returns the report of the most recent finished submission.
func (c *Coordinator) LastReport() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Coordinator) move(r *Report, s State) {
	c.state.Store(int32(s))
	r.Transitions = append(r.Transitions, s)
}

// Submit trains a candidate on ds and installs it when it passes the
// acceptance policy. Rejections return ErrUpdateRejected with the report;
// cancellation returns the context error and leaves no trace.
func (c *Coordinator) Submit(ctx context.Context, ds *ml.Dataset) (*Report, error) {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateValidating)) {
		metrics.ModelUpdates.WithLabelValues("busy").Inc()
		return nil, ErrUpdateInProgress
	}

	r := &Report{Started: time.Now(), Transitions: []State{StateValidating}}
	defer func() {
		r.Duration = time.Since(r.Started)
		c.move(r, StateIdle)
		c.mu.Lock()
		c.last = r
		c.mu.Unlock()
	}()

	if ds != nil {
		r.Samples = ds.Len()
	}
	c.logger.Info("validating candidate", "rows", r.Samples)

	if ds == nil || ds.Len() < c.cfg.MinSamples {
		return r, c.reject(r, fmt.Sprintf("dataset has %d usable rows, need %d", r.Samples, c.cfg.MinSamples))
	}

	candidate, err := c.trainer.Train(ctx, ds)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.Canceled) {
			metrics.ModelUpdates.WithLabelValues("cancelled").Inc()
			c.logger.Warn("update cancelled", logging.Err(err))
			return r, fmt.Errorf("update: training cancelled: %w", err)
		}
		return r, c.reject(r, fmt.Sprintf("training failed: %v", err))
	}

	eval := candidate.Evaluation()
	r.Accuracy, r.Holdout = eval.Accuracy, eval.Holdout

	if err := candidate.Schema().Validate(); err != nil {
		return r, c.reject(r, err.Error())
	}
	if eval.Accuracy < c.cfg.MinAccuracy {
		return r, c.reject(r, fmt.Sprintf("accuracy %.4f below minimum %.4f", eval.Accuracy, c.cfg.MinAccuracy))
	}
	if err := ctx.Err(); err != nil {
		metrics.ModelUpdates.WithLabelValues("cancelled").Inc()
		return r, fmt.Errorf("update: cancelled before install: %w", err)
	}

	c.move(r, StateInstalling)

	version, err := c.nextVersion()
	if err != nil {
		metrics.ModelUpdates.WithLabelValues("error").Inc()
		return r, err
	}
	m := candidate.WithVersion(version)

	if c.store != nil {
		if err := c.store.Save(m); err != nil {
			metrics.ModelUpdates.WithLabelValues("error").Inc()
			return r, fmt.Errorf("update: persist model v%d: %w", version, err)
		}
	}
	if err := c.adapter.Install(m); err != nil {
		metrics.ModelUpdates.WithLabelValues("error").Inc()
		return r, fmt.Errorf("update: install model v%d: %w", version, err)
	}

	r.Accepted, r.Version = true, version
	metrics.ModelUpdates.WithLabelValues("installed").Inc()
	c.logger.Info("model installed", "version", version, "accuracy", eval.Accuracy, "rows", r.Samples)
	return r, nil
}

func (c *Coordinator) reject(r *Report, reason string) error {
	c.move(r, StateRejected)
	r.Reason = reason
	metrics.ModelUpdates.WithLabelValues("rejected").Inc()
	c.logger.Warn("candidate rejected", "reason", reason, "live_version", c.adapter.Version())
	return fmt.Errorf("%w: %s", ErrUpdateRejected, reason)
}

// nextVersion is one past the highest version ever installed or stored.
func (c *Coordinator) nextVersion() (uint64, error) {
	v := c.adapter.Version()
	if c.store != nil {
		stored, err := c.store.LatestVersion()
		if err != nil {
			return 0, fmt.Errorf("update: read stored versions: %w", err)
		}
		if stored > v {
			v = stored
		}
	}
	return v + 1, nil
}
