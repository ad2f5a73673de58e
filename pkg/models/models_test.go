package models

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"testing/fstest"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

var forestSchema = []string{"hour", "temperature_2m"}

var lagSchema = []string{"usage_lag_4", "usage_lag_3", "usage_lag_2", "usage_lag_1"}

// stump splits once on feature.
func stump(feature int, threshold, left, right float64) Tree {
	return Tree{
		Feature:   []int{feature, -2, -2},
		Threshold: []float64{threshold, -2, -2},
		Left:      []int{1, -1, -1},
		Right:     []int{2, -1, -1},
		Value:     []float64{0, left, right},
	}
}

func identityScaler(schema []string) ScalerArtifact {
	sa := ScalerArtifact{FormatVersion: FormatVersion, FeatureSchema: schema}
	for range schema {
		sa.Center = append(sa.Center, 0)
		sa.Scale = append(sa.Scale, 1)
	}
	return sa
}

func forestArtifacts() (ModelArtifact, ScalerArtifact) {
	model := ModelArtifact{
		FormatVersion: FormatVersion,
		Kind:          dataset.RandomForest,
		FeatureSchema: forestSchema,
		RandomForest: &ForestParams{Trees: []Tree{
			stump(0, 12, 10, 20),
			stump(1, 5, 0, 4),
		}},
	}
	scaler := identityScaler(forestSchema)
	scaler.Kind = dataset.RandomForest
	return model, scaler
}

// convNet sums adjacent pairs, sums the pairs, then emits (2s, -s).
func convNet() DeepLearningParams {
	return DeepLearningParams{
		Conv: ConvLayer{OutChannels: 1, KernelSize: 2, Stride: 2, Weight: [][]float64{{1, 1}}, Bias: []float64{0}},
		Dense: []DenseLayer{
			{Weight: [][]float64{{1, 1}}, Bias: []float64{0}},
			{Weight: [][]float64{{2}, {-1}}, Bias: []float64{0, 0}},
		},
	}
}

func deepArtifacts() (ModelArtifact, ScalerArtifact) {
	params := convNet()
	model := ModelArtifact{
		FormatVersion: FormatVersion,
		Kind:          dataset.DeepLearning,
		FeatureSchema: lagSchema,
		DeepLearning:  &params,
	}
	scaler := identityScaler(lagSchema)
	scaler.Kind = dataset.DeepLearning
	return model, scaler
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func artifactFS(t *testing.T, docs ...any) fstest.MapFS {
	t.Helper()
	fsys := fstest.MapFS{}
	for _, d := range docs {
		switch v := d.(type) {
		case ModelArtifact:
			fsys[ModelFile(v.Kind)] = &fstest.MapFile{Data: mustJSON(t, v)}
		case ScalerArtifact:
			fsys[ScalerFile(v.Kind)] = &fstest.MapFile{Data: mustJSON(t, v)}
		}
	}
	return fsys
}

func TestRandomForest_MeanOfTrees(t *testing.T) {
	model, scaler := forestArtifacts()
	b, err := Load(artifactFS(t, model, scaler), dataset.RandomForest, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got, err := b.Infer(context.Background(), [][]float64{{6, 3}, {13, 8}})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	want := []float64{5, 12}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("prediction[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRandomForest_TargetInverse(t *testing.T) {
	model, scaler := forestArtifacts()
	scaler.Target = &TargetScaler{Center: 1, Scale: 2}
	b, err := Load(artifactFS(t, model, scaler), dataset.RandomForest, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got, err := b.Infer(context.Background(), [][]float64{{6, 3}})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if got[0] != 11 {
		t.Errorf("prediction = %v, want 11", got[0])
	}
}

func TestRandomForest_RejectsWrongWidth(t *testing.T) {
	model, scaler := forestArtifacts()
	b, err := Load(artifactFS(t, model, scaler), dataset.RandomForest, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := b.Infer(context.Background(), [][]float64{{1}}); err == nil {
		t.Error("Infer() should reject rows of the wrong width")
	}
}

func TestDeepLearning_Forward(t *testing.T) {
	model, scaler := deepArtifacts()
	b, err := Load(artifactFS(t, model, scaler), dataset.DeepLearning, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got, err := b.Infer(context.Background(), [][]float64{{1, 2, 3, 4}, {-1, -1, 1, 1}})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	// conv [3 7] -> 10 -> 20; conv [-2 2] relu [0 2] -> 2 -> 4
	want := []float64{20, 4}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("prediction[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDeepLearning_OutputIndex(t *testing.T) {
	model, scaler := deepArtifacts()
	model.DeepLearning.OutputIndex = 1
	b, err := Load(artifactFS(t, model, scaler), dataset.DeepLearning, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, err := b.Infer(context.Background(), [][]float64{{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	if got[0] != -10 {
		t.Errorf("prediction = %v, want -10", got[0])
	}
}

func TestDeepLearning_EmptyBatch(t *testing.T) {
	model, scaler := deepArtifacts()
	b, err := Load(artifactFS(t, model, scaler), dataset.DeepLearning, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, err := b.Infer(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Errorf("Infer(nil) = %v, %v; want empty", got, err)
	}
}

func TestDeepLearning_Deterministic(t *testing.T) {
	model, scaler := deepArtifacts()
	b, err := Load(artifactFS(t, model, scaler), dataset.DeepLearning, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rows := [][]float64{{0.5, 1.5, 2.5, 3.5}}
	first, _ := b.Infer(context.Background(), rows)
	for i := 0; i < 5; i++ {
		again, _ := b.Infer(context.Background(), rows)
		if again[0] != first[0] {
			t.Fatalf("run %d = %v, first = %v", i, again[0], first[0])
		}
	}
}

func TestScaler(t *testing.T) {
	s := &Scaler{Center: []float64{10, 0}, Scale: []float64{2, 0}, Target: &TargetScaler{Center: 5, Scale: 0}}
	got, err := s.Transform([][]float64{{14, 3}})
	if err != nil {
		t.Fatalf("Transform() error = %v", err)
	}
	if got[0][0] != 2 || got[0][1] != 3 {
		t.Errorf("Transform() = %v, want [2 3] (zero scale is one)", got[0])
	}

	values := []float64{1, -1}
	s.InverseTarget(values)
	if values[0] != 6 || values[1] != 4 {
		t.Errorf("InverseTarget() = %v, want [6 4]", values)
	}

	if _, err := s.Transform([][]float64{{1}}); err == nil {
		t.Error("Transform() should reject rows of the wrong width")
	}
}

func TestScale_DoesNotMutateInput(t *testing.T) {
	model, scaler := forestArtifacts()
	scaler.Center = []float64{1, 1}
	b, err := Load(artifactFS(t, model, scaler), dataset.RandomForest, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rows := [][]float64{{6, 3}}
	if _, err := b.Scale(rows); err != nil {
		t.Fatalf("Scale() error = %v", err)
	}
	if rows[0][0] != 6 || rows[0][1] != 3 {
		t.Errorf("input mutated: %v", rows[0])
	}
}
