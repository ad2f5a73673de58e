package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// DataStore holds the current dataset snapshot.
//
// Readers call Current and keep the returned snapshot for as long as they
// need it; a concurrent Replace never changes a snapshot already handed out.
// Replace is the only write path. It persists the new snapshot first and
// publishes it only once the backend accepted it, so a failed save leaves the
// previous snapshot in place.
type DataStore struct {
	backend Store
	logger  *slog.Logger

	current atomic.Pointer[dataset.Snapshot]
	writeMu sync.Mutex
}

// NewDataStore creates a DataStore over backend. The store starts empty;
// call Load to read the persisted snapshot.
func NewDataStore(backend Store, logger *slog.Logger) *DataStore {
	if logger == nil {
		logger = slog.Default()
	}
	ds := &DataStore{
		backend: backend,
		logger:  logger.With("component", "datastore"),
	}
	ds.current.Store(dataset.EmptySnapshot())
	return ds
}

// Load replaces the in-memory snapshot with the one held by the backend.
func (d *DataStore) Load(ctx context.Context) (*dataset.Snapshot, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	snap, err := d.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	if snap == nil {
		snap = dataset.EmptySnapshot()
	}
	d.current.Store(snap)

	d.logger.Info("dataset loaded",
		"records", snap.Len(),
		"stations", len(snap.Stations()),
		"version", snap.Version(),
	)
	return snap, nil
}

// Current returns the point-in-time snapshot. It never returns nil.
func (d *DataStore) Current() *dataset.Snapshot {
	return d.current.Load()
}

// Replace persists snap and makes it the current snapshot.
func (d *DataStore) Replace(ctx context.Context, snap *dataset.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("replace dataset: nil snapshot")
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := d.backend.Save(ctx, snap); err != nil {
		return fmt.Errorf("save dataset: %w", err)
	}
	d.current.Store(snap)

	d.logger.Debug("dataset replaced", "records", snap.Len(), "version", snap.Version())
	return nil
}
