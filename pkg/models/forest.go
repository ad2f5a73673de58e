package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// Tree is a regression tree in the flat node-array layout exported by
// scikit-learn. Node 0 is the root; a node with a negative feature or a
// negative left child is a leaf.
type Tree struct {
	Feature   []int     `json:"feature"`
	Threshold []float64 `json:"threshold"`
	Left      []int     `json:"children_left"`
	Right     []int     `json:"children_right"`
	Value     []float64 `json:"value"`
}

func (t *Tree) leaf(node int) bool {
	return t.Feature[node] < 0 || t.Left[node] < 0
}

func (t *Tree) validate(width int) error {
	n := len(t.Feature)
	if n == 0 {
		return errors.New("empty tree")
	}
	if len(t.Threshold) != n || len(t.Left) != n || len(t.Right) != n || len(t.Value) != n {
		return fmt.Errorf("node arrays differ in length (feature %d, threshold %d, left %d, right %d, value %d)",
			n, len(t.Threshold), len(t.Left), len(t.Right), len(t.Value))
	}
	for i := 0; i < n; i++ {
		if t.leaf(i) {
			continue
		}
		if t.Feature[i] >= width {
			return fmt.Errorf("node %d splits on feature %d of %d", i, t.Feature[i], width)
		}
		// children always follow their parent in the exported layout
		if t.Left[i] <= i || t.Left[i] >= n || t.Right[i] <= i || t.Right[i] >= n {
			return fmt.Errorf("node %d has children out of range", i)
		}
	}
	return nil
}

func (t *Tree) predict(x []float64) float64 {
	node := 0
	for !t.leaf(node) {
		if x[t.Feature[node]] <= t.Threshold[node] {
			node = t.Left[node]
		} else {
			node = t.Right[node]
		}
	}
	return t.Value[node]
}

// RandomForest averages the outputs of its trees.
type RandomForest struct {
	schema []string
	trees  []Tree
	scaler *Scaler
}

// NewRandomForest validates the trees against the schema width.
func NewRandomForest(schema []string, trees []Tree, scaler *Scaler) (*RandomForest, error) {
	if len(trees) == 0 {
		return nil, errors.New("forest has no trees")
	}
	for i := range trees {
		if err := trees[i].validate(len(schema)); err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
	}
	if err := scaler.validate(len(schema)); err != nil {
		return nil, err
	}
	return &RandomForest{schema: schema, trees: trees, scaler: scaler}, nil
}

// Kind reports dataset.RandomForest.
func (f *RandomForest) Kind() dataset.ModelKind { return dataset.RandomForest }

// Schema returns a copy of the feature names the forest was trained on.
func (f *RandomForest) Schema() []string { return append([]string(nil), f.schema...) }

// Scale standardises rows with the scaler stored in the artifact.
func (f *RandomForest) Scale(rows [][]float64) ([][]float64, error) {
	return f.scaler.Transform(rows)
}

// Infer averages the tree predictions for every scaled row and returns them
// in usage units.
func (f *RandomForest) Infer(ctx context.Context, scaled [][]float64) ([]float64, error) {
	if err := checkRows(scaled, len(f.schema)); err != nil {
		return nil, err
	}
	out := make([]float64, len(scaled))
	for i, x := range scaled {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sum := 0.0
		for j := range f.trees {
			sum += f.trees[j].predict(x)
		}
		out[i] = sum / float64(len(f.trees))
	}
	f.scaler.InverseTarget(out)
	return out, nil
}
