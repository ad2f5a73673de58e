// Package prediction turns a prediction request into per-station predicted
// usage values.
//
// The engine reads one point-in-time snapshot per request, so a concurrent
// synchronization never shows up halfway through a prediction.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/features"
	"github.com/HatiCode/bikecast/pkg/models"
	"github.com/HatiCode/bikecast/pkg/storage"
	"github.com/HatiCode/bikecast/pkg/syncer"
)

var (
	// ErrInvalidRequest reports a malformed request.
	ErrInvalidRequest = errors.New("invalid prediction request")
	// ErrInsufficientData reports a range the data store cannot cover, even
	// after synchronizing.
	ErrInsufficientData = errors.New("insufficient data")
)

// InsufficientDataError names the station whose coverage falls short.
// Covered is zero when the station has no data at all.
type InsufficientDataError struct {
	StationID string
	Requested dataset.TimeRange
	Covered   dataset.TimeRange
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for station %s: requested %s, covered %s",
		e.StationID, e.Requested, e.Covered)
}

// Is matches ErrInsufficientData.
func (e *InsufficientDataError) Is(target error) bool {
	return target == ErrInsufficientData
}

// Registry is the part of models.Registry the engine uses.
type Registry interface {
	Backend(ctx context.Context, kind dataset.ModelKind) (models.Backend, error)
	Scale(ctx context.Context, kind dataset.ModelKind, rows [][]float64) ([][]float64, error)
	Predict(ctx context.Context, kind dataset.ModelKind, scaled [][]float64) ([]float64, error)
}

// Synchronizer fills coverage gaps on demand.
type Synchronizer interface {
	SyncWindow(ctx context.Context, stationIDs []string, rng dataset.TimeRange) (syncer.Report, error)
}

// DefaultMaxRange bounds the span of a request unless WithMaxRange says
// otherwise.
const DefaultMaxRange = 7 * 24 * time.Hour

// Engine serves predictions from the data store.
type Engine struct {
	store    *storage.DataStore
	registry Registry
	syncer   Synchronizer
	builder  *features.Builder
	maxRange time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxRange bounds the span of a request range. Non-positive values keep
// DefaultMaxRange.
func WithMaxRange(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxRange = d
		}
	}
}

// New creates an Engine. sync may be nil, in which case uncovered ranges fail
// immediately with InsufficientData.
func New(store *storage.DataStore, registry Registry, sync Synchronizer, builder *features.Builder, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		builder = features.NewBuilder(time.Hour, time.UTC)
	}
	e := &Engine{
		store:    store,
		registry: registry,
		syncer:   sync,
		builder:  builder,
		maxRange: DefaultMaxRange,
		now:      time.Now,
		logger:   logger.With("component", "prediction"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Predict returns one result per station and covered step of the request,
// ordered by (station id, timestamp). Timestamps whose inputs are unknown are
// left out. All results share one model kind and one GeneratedAt.
func (e *Engine) Predict(ctx context.Context, req dataset.PredictionRequest) ([]dataset.PredictionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if span := req.Range.End.Sub(req.Range.Start); span > e.maxRange {
		return nil, fmt.Errorf("%w: range spans %s, limit %s", ErrInvalidRequest, span, e.maxRange)
	}
	stations := req.Stations()
	rng := dataset.NewTimeRange(req.Range.Start, req.Range.End)

	backend, err := e.registry.Backend(ctx, req.ModelKind)
	if err != nil {
		return nil, err
	}

	snap, err := e.covered(ctx, stations, rng)
	if err != nil {
		return nil, err
	}

	batch, err := e.builder.Build(snap, stations, rng, backend.Schema())
	if err != nil {
		return nil, err
	}
	if len(batch.Excluded) > 0 {
		e.logger.Debug("timestamps excluded from prediction",
			"kind", req.ModelKind, "excluded", len(batch.Excluded), "first_reason", batch.Excluded[0].Reason)
	}

	results := make([]dataset.PredictionResult, 0, len(batch.Rows))
	if len(batch.Rows) == 0 {
		return results, nil
	}

	scaled, err := e.registry.Scale(ctx, req.ModelKind, batch.Matrix())
	if err != nil {
		return nil, fmt.Errorf("scale features: %w", err)
	}
	values, err := e.registry.Predict(ctx, req.ModelKind, scaled)
	if err != nil {
		return nil, fmt.Errorf("infer %s: %w", req.ModelKind, err)
	}
	if len(values) != len(batch.Rows) {
		return nil, fmt.Errorf("infer %s: %d outputs for %d rows", req.ModelKind, len(values), len(batch.Rows))
	}

	generated := e.now().UTC()
	for i, row := range batch.Rows {
		results = append(results, dataset.PredictionResult{
			StationID:   row.StationID,
			Timestamp:   row.Timestamp,
			Value:       max(values[i], 0), // bike counts
			ModelKind:   req.ModelKind,
			GeneratedAt: generated,
		})
	}
	dataset.SortResults(results)
	return results, nil
}

// covered returns a snapshot covering rng for every station, synchronizing
// once when it does not.
func (e *Engine) covered(ctx context.Context, stations []string, rng dataset.TimeRange) (*dataset.Snapshot, error) {
	snap := e.store.Current()
	missing := uncovered(snap, stations, rng)
	if len(missing) == 0 {
		return snap, nil
	}

	if e.syncer != nil {
		e.logger.Info("range not covered, synchronizing", "stations", missing, "range", rng.String())
		if _, err := e.syncer.SyncWindow(ctx, missing, rng); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("on-demand sync failed", "error", err)
		}
		snap = e.store.Current()
		missing = uncovered(snap, stations, rng)
		if len(missing) == 0 {
			return snap, nil
		}
	}

	covered, _ := snap.Coverage(missing[0])
	return nil, &InsufficientDataError{StationID: missing[0], Requested: rng, Covered: covered}
}

func uncovered(snap *dataset.Snapshot, stations []string, rng dataset.TimeRange) []string {
	var out []string
	for _, id := range stations {
		if c, ok := snap.Coverage(id); !ok || !c.Covers(rng) {
			out = append(out, id)
		}
	}
	return out
}
