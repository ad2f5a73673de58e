// Package models loads the pretrained prediction backends and runs inference.
//
// Each model kind is served by one Backend built from two JSON artifacts in
// the artifact directory:
//
//	<kind>.model.json    trained parameters and the feature schema
//	<kind>.scaler.json   per-feature scaling and the target inverse transform
//
// Artifacts are produced by the training pipeline and are immutable once
// loaded.
package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// Backend is one loaded model kind.
type Backend interface {
	// Kind returns the model kind the backend serves.
	Kind() dataset.ModelKind
	// Schema returns the ordered feature names the backend expects.
	Schema() []string
	// Scale applies the stored input scaler to raw feature rows.
	Scale(rows [][]float64) ([][]float64, error)
	// Infer returns one prediction per scaled row, in target units.
	Infer(ctx context.Context, scaled [][]float64) ([]float64, error)
}

// ErrArtifactLoad reports a missing or corrupt model artifact.
var ErrArtifactLoad = errors.New("artifact load failed")

// ArtifactLoadError is a fatal configuration error. It is cached by the
// Registry and never retried.
type ArtifactLoadError struct {
	Kind   dataset.ModelKind
	Path   string
	Reason string
	Err    error
}

func (e *ArtifactLoadError) Error() string {
	msg := fmt.Sprintf("load %s artifact %s: %s", e.Kind, e.Path, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches ErrArtifactLoad.
func (e *ArtifactLoadError) Is(target error) bool {
	return target == ErrArtifactLoad
}

func (e *ArtifactLoadError) Unwrap() error {
	return e.Err
}

// checkRows verifies every row has width columns.
func checkRows(rows [][]float64, width int) error {
	for i, r := range rows {
		if len(r) != width {
			return fmt.Errorf("row %d has %d features, want %d", i, len(r), width)
		}
	}
	return nil
}
