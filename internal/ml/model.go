package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/models"
)

// DefaultThreshold is the threat probability at or above which a model
// labels a vector as a threat.
const DefaultThreshold = 0.5

// Classifier scores an encoded feature vector. PredictProba returns the
// probability of the threat class. Implementations must be safe for
// concurrent use and must not mutate their parameters.
type Classifier interface {
	Kind() string
	PredictProba(x []float64) float64
}

// Evaluation holds the quality metrics measured when a model was trained.
type Evaluation struct {
	Accuracy float64 `json:"accuracy"`
	Samples  int     `json:"samples"`
	Holdout  int     `json:"holdout"`
}

// Model is an immutable, versioned classification artifact. It bundles the
// feature schema, fitted preprocessing parameters, classifier parameters and
// decision threshold. A new model is always a new value.
type Model struct {
	version   uint64
	createdAt time.Time
	schema    Schema
	prep      *Preprocessor
	clf       Classifier
	threshold float64
	eval      Evaluation
}

// NewModel assembles an unversioned model. The schema must be well formed
// and the preprocessor must have been fit against it.
func NewModel(schema Schema, prep *Preprocessor, clf Classifier, eval Evaluation) (*Model, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if prep == nil || !prep.matches(schema) {
		return nil, fmt.Errorf("%w: preprocessor does not match schema", ErrInvalidSchema)
	}
	if clf == nil {
		return nil, errors.New("ml: model requires a classifier")
	}
	switch c := clf.(type) {
	case *Forest:
		if c.Features != schema.Len() {
			return nil, fmt.Errorf("%w: forest expects %d features, schema has %d", ErrInvalidSchema, c.Features, schema.Len())
		}
	case *RuleSet:
		for _, r := range c.Rules {
			if r.Index >= schema.Len() || schema.Fields[r.Index].Name != r.Field {
				return nil, fmt.Errorf("%w: rule field %q not at index %d", ErrInvalidSchema, r.Field, r.Index)
			}
		}
	}
	return &Model{
		createdAt: time.Now().UTC(),
		schema:    Schema{Fields: append([]Field(nil), schema.Fields...)},
		prep:      prep,
		clf:       clf,
		threshold: DefaultThreshold,
		eval:      eval,
	}, nil
}

// WithVersion returns a copy of m carrying version v.
func (m *Model) WithVersion(v uint64) *Model {
	c := *m
	c.version = v
	return &c
}

func (m *Model) Version() uint64        { return m.version }
func (m *Model) CreatedAt() time.Time   { return m.createdAt }
func (m *Model) Schema() Schema         { return m.schema }
func (m *Model) Threshold() float64     { return m.threshold }
func (m *Model) Evaluation() Evaluation { return m.eval }
func (m *Model) Kind() string           { return m.clf.Kind() }

// Predict scores v. The returned probability is the confidence of the
// returned label.
func (m *Model) Predict(v FeatureVector) (models.PredictionResult, error) {
	if err := m.schema.Check(v); err != nil {
		return models.PredictionResult{}, err
	}
	return m.decide(m.clf.PredictProba(v.Values)), nil
}

func (m *Model) decide(p float64) models.PredictionResult {
	if p >= m.threshold {
		return models.PredictionResult{Label: models.LabelThreat, Probability: p, ModelVersion: m.version}
	}
	return models.PredictionResult{Label: models.LabelNormal, Probability: 1 - p, ModelVersion: m.version}
}

// =============================================================================
// Artifact encoding
// =============================================================================

type classifierDecoder func(json.RawMessage) (Classifier, error)

var classifierDecoders = map[string]classifierDecoder{
	KindRandomForest: decodeForest,
	KindRules:        decodeRules,
}

type modelArtifact struct {
	Version      uint64          `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	Schema       Schema          `json:"schema"`
	Preprocessor *Preprocessor   `json:"preprocessor"`
	Threshold    float64         `json:"threshold"`
	Evaluation   Evaluation      `json:"evaluation"`
	Kind         string          `json:"kind"`
	Classifier   json.RawMessage `json:"classifier"`
}

// MarshalJSON encodes the model as a self-describing artifact.
func (m *Model) MarshalJSON() ([]byte, error) {
	params, err := json.Marshal(m.clf)
	if err != nil {
		return nil, fmt.Errorf("ml: encode classifier: %w", err)
	}
	return json.Marshal(modelArtifact{
		Version:      m.version,
		CreatedAt:    m.createdAt,
		Schema:       m.schema,
		Preprocessor: m.prep,
		Threshold:    m.threshold,
		Evaluation:   m.eval,
		Kind:         m.clf.Kind(),
		Classifier:   params,
	})
}

// DecodeModel parses an artifact produced by MarshalJSON.
func DecodeModel(data []byte) (*Model, error) {
	var a modelArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("ml: decode model: %w", err)
	}
	dec, ok := classifierDecoders[a.Kind]
	if !ok {
		return nil, fmt.Errorf("ml: unknown classifier kind %q", a.Kind)
	}
	clf, err := dec(a.Classifier)
	if err != nil {
		return nil, err
	}
	m, err := NewModel(a.Schema, a.Preprocessor, clf, a.Evaluation)
	if err != nil {
		return nil, err
	}
	m.version = a.Version
	m.createdAt = a.CreatedAt
	if a.Threshold > 0 {
		m.threshold = a.Threshold
	}
	return m, nil
}
