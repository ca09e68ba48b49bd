package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cvalentine99/nfa-ids/internal/logging"
	"github.com/cvalentine99/nfa-ids/internal/models"
)

// ErrInsufficientData is returned when a dataset is too small to split.
var ErrInsufficientData = errors.New("ml: not enough rows to train and evaluate")

// Trainer fits a candidate model on a labeled dataset. The returned model is
// unversioned and carries its holdout evaluation.
type Trainer interface {
	Train(ctx context.Context, ds *Dataset) (*Model, error)
}

// TrainerFunc adapts a function to the Trainer interface.
type TrainerFunc func(ctx context.Context, ds *Dataset) (*Model, error)

func (f TrainerFunc) Train(ctx context.Context, ds *Dataset) (*Model, error) {
	return f(ctx, ds)
}

// ForestTrainer trains a random forest on a shuffled split and scores it
// on the holdout part.
type ForestTrainer struct {
	Forest          *ForestConfig
	HoldoutFraction float64
	logger          *logging.Logger
}

// NewForestTrainer creates a forest trainer. A nil config uses defaults.
func NewForestTrainer(cfg *ForestConfig) *ForestTrainer {
	if cfg == nil {
		cfg = DefaultForestConfig()
	}
	return &ForestTrainer{
		Forest:          cfg,
		HoldoutFraction: 0.2,
		logger:          logging.MLLogger(),
	}
}

// Train implements Trainer.
func (t *ForestTrainer) Train(ctx context.Context, ds *Dataset) (*Model, error) {
	if ds == nil || ds.Len() < 2 {
		return nil, ErrInsufficientData
	}
	if err := ds.Schema.Validate(); err != nil {
		return nil, err
	}
	defer logging.Timer(t.logger, "forest trained", "rows", ds.Len(), "trees", t.Forest.Trees)()

	trainIdx, testIdx := splitIndices(ds.Len(), t.HoldoutFraction, t.Forest.Seed)

	trainRows := make([]Row, len(trainIdx))
	for i, j := range trainIdx {
		trainRows[i] = ds.Rows[j]
	}
	prep := FitPreprocessor(ds.Schema, trainRows)

	X := make([][]float64, len(trainIdx))
	y := make([]float64, len(trainIdx))
	for i, j := range trainIdx {
		X[i] = prep.Transform(ds.Schema, ds.Rows[j])
		if ds.Labels[j] == models.LabelThreat {
			y[i] = 1
		}
	}

	forest, err := FitForest(ctx, t.Forest, X, y)
	if err != nil {
		return nil, fmt.Errorf("ml: train forest: %w", err)
	}

	m, err := NewModel(ds.Schema, prep, forest, Evaluation{Samples: ds.Len(), Holdout: len(testIdx)})
	if err != nil {
		return nil, err
	}
	m.eval.Accuracy = Accuracy(m, ds, testIdx)
	return m, nil
}

// Accuracy scores m on the rows of ds selected by idx.
func Accuracy(m *Model, ds *Dataset, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	names := ds.Schema.Names()
	correct := 0
	for _, j := range idx {
		v := FeatureVector{Fields: names, Values: m.prep.Transform(ds.Schema, ds.Rows[j])}
		res, err := m.Predict(v)
		if err == nil && res.Label == ds.Labels[j] {
			correct++
		}
	}
	return float64(correct) / float64(len(idx))
}

// splitIndices shuffles 0..n-1 with seed and holds out frac of them, at
// least one row on each side.
func splitIndices(n int, frac float64, seed int64) (train, test []int) {
	idx := rand.New(rand.NewSource(seed)).Perm(n)
	k := int(math.Round(float64(n) * frac))
	if k < 1 {
		k = 1
	}
	if k > n-1 {
		k = n - 1
	}
	return idx[k:], idx[:k]
}

// TrainTimeout wraps a trainer so each run is bounded by d.
func TrainTimeout(tr Trainer, d time.Duration) Trainer {
	if d <= 0 {
		return tr
	}
	return TrainerFunc(func(ctx context.Context, ds *Dataset) (*Model, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return tr.Train(ctx, ds)
	})
}
