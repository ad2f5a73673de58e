// Package storage persists the bikecast dataset and the latest prediction
// sets.
//
// DataStore is the in-process holder of the current dataset snapshot; it is
// backed by one of the Store implementations (memory, CSV file, Redis or
// Postgres). PredictionStore keeps the most recent PredictionSet per model
// kind for the dashboard.
package storage

import (
	"context"
	"time"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// Store persists whole dataset snapshots. Save must be atomic: after a
// failed Save the previously saved snapshot is still the one Load returns.
type Store interface {
	Load(ctx context.Context) (*dataset.Snapshot, error)
	Save(ctx context.Context, snap *dataset.Snapshot) error
}

// PredictionSet is the output of one refresh for one model kind.
type PredictionSet struct {
	ModelKind   dataset.ModelKind          `json:"modelKind"`
	GeneratedAt time.Time                  `json:"generatedAt"`
	Range       dataset.TimeRange          `json:"range"`
	Results     []dataset.PredictionResult `json:"results"`
}

// PredictionStore keeps the latest prediction set per model kind.
type PredictionStore interface {
	Put(ctx context.Context, set PredictionSet) error
	GetLatest(ctx context.Context, kind dataset.ModelKind) (PredictionSet, bool, error)
}

// snapshotDoc is the serialised form of a snapshot used by the key-value
// backends.
type snapshotDoc struct {
	Version      string                `json:"version,omitempty"`
	SavedAt      time.Time             `json:"savedAt"`
	Observations []dataset.Observation `json:"observations"`
}

func toDoc(snap *dataset.Snapshot) snapshotDoc {
	return snapshotDoc{
		Version:      snap.Version(),
		SavedAt:      time.Now().UTC(),
		Observations: snap.Observations(),
	}
}

func (d snapshotDoc) snapshot() *dataset.Snapshot {
	return dataset.NewSnapshot(d.Observations).WithVersion(d.Version)
}
