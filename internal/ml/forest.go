package ml

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// KindRandomForest identifies forest artifacts.
const KindRandomForest = "random_forest"

// ForestConfig holds random forest training parameters.
type ForestConfig struct {
	Trees          int   `json:"trees"`
	MaxDepth       int   `json:"max_depth"`
	MinSamplesLeaf int   `json:"min_samples_leaf"`
	Seed           int64 `json:"seed"`
}

// DefaultForestConfig returns sensible defaults.
func DefaultForestConfig() *ForestConfig {
	return &ForestConfig{
		Trees:          100,
		MaxDepth:       12,
		MinSamplesLeaf: 1,
		Seed:           42,
	}
}

// treeNode is a flattened CART node. Leaves carry the threat fraction of
// the training samples that reached them.
type treeNode struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Leaf      bool    `json:"leaf,omitempty"`
	Prob      float64 `json:"p"`
}

type tree []treeNode

func (t tree) predict(x []float64) float64 {
	i := 0
	for {
		n := t[i]
		if n.Leaf {
			return n.Prob
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// Forest is a bagged ensemble of decision trees.
type Forest struct {
	Features int    `json:"features"`
	Trees    []tree `json:"trees"`
}

func (f *Forest) Kind() string { return KindRandomForest }

// PredictProba averages the leaf threat fraction across trees.
func (f *Forest) PredictProba(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	var sum float64
	for _, t := range f.Trees {
		sum += t.predict(x)
	}
	return sum / float64(len(f.Trees))
}

func decodeForest(raw json.RawMessage) (Classifier, error) {
	var f Forest
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("ml: decode forest: %w", err)
	}
	for ti, t := range f.Trees {
		if len(t) == 0 {
			return nil, fmt.Errorf("ml: decode forest: tree %d is empty", ti)
		}
		for _, n := range t {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= f.Features || n.Left <= 0 || n.Right <= 0 ||
				n.Left >= len(t) || n.Right >= len(t) {
				return nil, fmt.Errorf("ml: decode forest: tree %d has an invalid node", ti)
			}
		}
	}
	return &f, nil
}

// =============================================================================
// Training
// =============================================================================

// FitForest grows cfg.Trees bootstrapped trees over X and y (1 = threat).
// The context is checked between trees.
func FitForest(ctx context.Context, cfg *ForestConfig, X [][]float64, y []float64) (*Forest, error) {
	if cfg == nil {
		cfg = DefaultForestConfig()
	}
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("ml: fit forest: %d samples, %d labels", len(X), len(y))
	}

	d := len(X[0])
	mtry := int(math.Max(1, math.Round(math.Sqrt(float64(d)))))
	rng := rand.New(rand.NewSource(cfg.Seed))
	f := &Forest{Features: d, Trees: make([]tree, 0, cfg.Trees)}

	for i := 0; i < cfg.Trees; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := make([]int, len(X))
		for j := range idx {
			idx[j] = rng.Intn(len(X))
		}
		b := &treeBuilder{X: X, y: y, cfg: cfg, mtry: mtry, rng: rng}
		b.grow(idx, 0)
		f.Trees = append(f.Trees, b.nodes)
	}
	return f, nil
}

type treeBuilder struct {
	X     [][]float64
	y     []float64
	cfg   *ForestConfig
	mtry  int
	rng   *rand.Rand
	nodes tree
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	var pos float64
	for _, i := range idx {
		pos += b.y[i]
	}
	prob := pos / float64(len(idx))

	me := len(b.nodes)
	b.nodes = append(b.nodes, treeNode{Leaf: true, Prob: prob})

	if prob == 0 || prob == 1 || depth >= b.cfg.MaxDepth || len(idx) < 2*b.cfg.MinSamplesLeaf {
		return me
	}

	feat, thr, ok := b.bestSplit(idx)
	if !ok {
		return me
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][feat] <= thr {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[me] = treeNode{Feature: feat, Threshold: thr, Left: l, Right: r, Prob: prob}
	return me
}

// bestSplit picks the Gini-optimal threshold over a random feature subset.
func (b *treeBuilder) bestSplit(idx []int) (int, float64, bool) {
	d := len(b.X[0])
	features := b.rng.Perm(d)[:b.mtry]

	n := float64(len(idx))
	var totalPos float64
	for _, i := range idx {
		totalPos += b.y[i]
	}

	bestGini := gini(totalPos, n)
	bestFeat, bestThr, found := 0, 0.0, false
	sorted := make([]int, len(idx))
	minLeaf := b.cfg.MinSamplesLeaf

	for _, feat := range features {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.X[sorted[a]][feat] < b.X[sorted[c]][feat] })

		var leftPos float64
		for k := 0; k < len(sorted)-1; k++ {
			leftPos += b.y[sorted[k]]
			cur, next := b.X[sorted[k]][feat], b.X[sorted[k+1]][feat]
			if cur == next {
				continue
			}
			nl := float64(k + 1)
			nr := n - nl
			if int(nl) < minLeaf || int(nr) < minLeaf {
				continue
			}
			g := (nl*gini(leftPos, nl) + nr*gini(totalPos-leftPos, nr)) / n
			if g < bestGini-1e-12 {
				bestGini, bestFeat, bestThr, found = g, feat, (cur+next)/2, true
			}
		}
	}
	return bestFeat, bestThr, found
}

func gini(pos, n float64) float64 {
	if n == 0 {
		return 0
	}
	p := pos / n
	return 2 * p * (1 - p)
}
