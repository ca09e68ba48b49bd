package ml

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ErrStaleVersion is returned by Install when the candidate version is not
// newer than the live model.
var ErrStaleVersion = errors.New("ml: model version not newer than live model")

// =============================================================================
// Classifier Adapter
// =============================================================================

// Adapter owns the live model. Readers take one snapshot per call and never
// hold a lock while predicting; Install publishes a new model with a single
// pointer swap. A replaced model stays valid for callers still holding it.
type Adapter struct {
	current atomic.Pointer[Model]

	installMu sync.Mutex
	onInstall []func(*Model)
}

// NewAdapter creates an adapter with no model installed.
func NewAdapter() *Adapter {
	return &Adapter{}
}

// Snapshot returns the live model, or nil.
func (a *Adapter) Snapshot() *Model {
	return a.current.Load()
}

// Version returns the live model version, 0 when none is installed.
func (a *Adapter) Version() uint64 {
	if m := a.current.Load(); m != nil {
		return m.version
	}
	return 0
}

// OnInstall registers a callback run after each successful install.
func (a *Adapter) OnInstall(fn func(*Model)) {
	a.installMu.Lock()
	a.onInstall = append(a.onInstall, fn)
	a.installMu.Unlock()
}

// Install atomically replaces the live model. Once it returns, every new
// Predict observes m.
func (a *Adapter) Install(m *Model) error {
	if m == nil {
		return errors.New("ml: install nil model")
	}
	if err := m.schema.Validate(); err != nil {
		return err
	}

	a.installMu.Lock()
	defer a.installMu.Unlock()

	if cur := a.current.Load(); cur != nil && m.version <= cur.version {
		return fmt.Errorf("%w: %d <= %d", ErrStaleVersion, m.version, cur.version)
	}
	a.current.Store(m)

	for _, fn := range a.onInstall {
		fn(m)
	}
	return nil
}

// Predict scores an already extracted vector against the live model.
func (a *Adapter) Predict(v FeatureVector) (models.PredictionResult, error) {
	m := a.current.Load()
	if m == nil {
		return models.PredictionResult{}, ErrNoModel
	}
	return m.Predict(v)
}

// Extract encodes rec with the live model's parameters.
func (a *Adapter) Extract(rec *models.RawRecord) (FeatureVector, error) {
	return Extract(a.current.Load(), rec)
}

// Classify extracts and predicts against one snapshot, so encoding and
// scoring always come from the same model version.
func (a *Adapter) Classify(rec *models.RawRecord) (models.PredictionResult, error) {
	v, m, err := a.extract(rec)
	if err != nil {
		return models.PredictionResult{}, err
	}
	return m.Predict(v)
}

func (a *Adapter) extract(rec *models.RawRecord) (FeatureVector, *Model, error) {
	m := a.current.Load()
	v, err := Extract(m, rec)
	return v, m, err
}

// ClassifyVector is Classify for callers that also want the vector.
func (a *Adapter) ClassifyVector(rec *models.RawRecord) (FeatureVector, models.PredictionResult, error) {
	v, m, err := a.extract(rec)
	if err != nil {
		return FeatureVector{}, models.PredictionResult{}, err
	}
	res, err := m.Predict(v)
	return v, res, err
}
