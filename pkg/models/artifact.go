package models

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"slices"

	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/features"
)

// FormatVersion is the artifact format this package reads.
const FormatVersion = 1

// ModelFile returns the model artifact name for kind.
func ModelFile(kind dataset.ModelKind) string { return string(kind) + ".model.json" }

// ScalerFile returns the scaler artifact name for kind.
func ScalerFile(kind dataset.ModelKind) string { return string(kind) + ".scaler.json" }

// ModelArtifact is the on-disk model document. Exactly one of RandomForest
// and DeepLearning is set, matching Kind.
type ModelArtifact struct {
	FormatVersion int                 `json:"format_version"`
	Kind          dataset.ModelKind   `json:"kind"`
	FeatureSchema []string            `json:"feature_schema"`
	RandomForest  *ForestParams       `json:"random_forest,omitempty"`
	DeepLearning  *DeepLearningParams `json:"deep_learning,omitempty"`
}

// ForestParams holds the trees of a random forest.
type ForestParams struct {
	Trees []Tree `json:"trees"`
}

// ScalerArtifact is the on-disk scaler document.
type ScalerArtifact struct {
	FormatVersion int               `json:"format_version"`
	Kind          dataset.ModelKind `json:"kind"`
	FeatureSchema []string          `json:"feature_schema"`
	Center        []float64         `json:"center"`
	Scale         []float64         `json:"scale"`
	Target        *TargetScaler     `json:"target,omitempty"`
}

// Load reads and validates the artifacts of kind from fsys. expected, when
// non-empty, is the feature schema the deployment requires.
func Load(fsys fs.FS, kind dataset.ModelKind, expected []string) (Backend, error) {
	fail := func(path, reason string, err error) error {
		return &ArtifactLoadError{Kind: kind, Path: path, Reason: reason, Err: err}
	}

	modelPath, scalerPath := ModelFile(kind), ScalerFile(kind)

	var model ModelArtifact
	if err := readJSON(fsys, modelPath, &model); err != nil {
		return nil, fail(modelPath, "read model", err)
	}
	if err := checkHeader(model.FormatVersion, model.Kind, kind); err != nil {
		return nil, fail(modelPath, err.Error(), nil)
	}
	if err := features.ParseSchema(model.FeatureSchema); err != nil {
		return nil, fail(modelPath, "invalid feature schema", err)
	}
	if len(expected) > 0 && !slices.Equal(model.FeatureSchema, expected) {
		return nil, fail(modelPath, fmt.Sprintf("feature schema %v does not match expected %v", model.FeatureSchema, expected), nil)
	}

	var sa ScalerArtifact
	if err := readJSON(fsys, scalerPath, &sa); err != nil {
		return nil, fail(scalerPath, "read scaler", err)
	}
	if err := checkHeader(sa.FormatVersion, sa.Kind, kind); err != nil {
		return nil, fail(scalerPath, err.Error(), nil)
	}
	if !slices.Equal(sa.FeatureSchema, model.FeatureSchema) {
		return nil, fail(scalerPath, fmt.Sprintf("scaler schema %v does not match model schema %v", sa.FeatureSchema, model.FeatureSchema), nil)
	}
	scaler := &Scaler{Center: sa.Center, Scale: sa.Scale, Target: sa.Target}

	var (
		backend Backend
		err     error
	)
	switch kind {
	case dataset.RandomForest:
		if model.RandomForest == nil {
			return nil, fail(modelPath, "missing random_forest parameters", nil)
		}
		backend, err = NewRandomForest(model.FeatureSchema, model.RandomForest.Trees, scaler)
	case dataset.DeepLearning:
		if model.DeepLearning == nil {
			return nil, fail(modelPath, "missing deep_learning parameters", nil)
		}
		backend, err = NewDeepLearning(model.FeatureSchema, *model.DeepLearning, scaler)
	default:
		return nil, fail(modelPath, "unsupported model kind", nil)
	}
	if err != nil {
		return nil, fail(modelPath, "shape mismatch", err)
	}
	return backend, nil
}

func checkHeader(version int, got, want dataset.ModelKind) error {
	if version != FormatVersion {
		return fmt.Errorf("format version %d, want %d", version, FormatVersion)
	}
	if got != want {
		return fmt.Errorf("artifact kind %q, want %q", got, want)
	}
	return nil
}

func readJSON(fsys fs.FS, path string, v any) error {
	b, err := fs.ReadFile(fsys, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
