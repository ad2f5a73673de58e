package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/HatiCode/bikecast/cmd/bikecast/metrics"
	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/features"
	"github.com/HatiCode/bikecast/pkg/models"
	"github.com/HatiCode/bikecast/pkg/prediction"
	"github.com/HatiCode/bikecast/pkg/storage"
	"github.com/HatiCode/bikecast/pkg/syncer"
)

// predictor is the part of prediction.Engine the service uses.
type predictor interface {
	Predict(ctx context.Context, req dataset.PredictionRequest) ([]dataset.PredictionResult, error)
}

// Service is the dashboard-facing API shared by the HTTP and gRPC surfaces.
type Service struct {
	engine      predictor
	syncer      synchronizer
	data        *storage.DataStore
	predictions storage.PredictionStore
	stations    []string
	kinds       []dataset.ModelKind
	horizon     time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// NewService creates a Service. stations, kinds and horizon define what
// Refresh predicts.
func NewService(
	engine predictor,
	sync synchronizer,
	data *storage.DataStore,
	predictions storage.PredictionStore,
	stations []string,
	kinds []dataset.ModelKind,
	horizon time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine:      engine,
		syncer:      sync,
		data:        data,
		predictions: predictions,
		stations:    stations,
		kinds:       kinds,
		horizon:     horizon,
		metrics:     m,
		logger:      logger.With("component", "service"),
		now:         time.Now,
	}
}

// Predict serves a prediction request.
func (s *Service) Predict(ctx context.Context, req dataset.PredictionRequest) ([]dataset.PredictionResult, error) {
	start := time.Now()
	results, err := s.engine.Predict(ctx, req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordError("prediction", errorReason(err))
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordPredict(string(req.ModelKind), time.Since(start).Seconds(), len(results))
	}
	return results, nil
}

// Sync synchronizes the configured stations.
func (s *Service) Sync(ctx context.Context) (syncer.Report, error) {
	return s.syncer.Sync(ctx)
}

// Coverage summarizes the data held for a station.
func (s *Service) Coverage(stationID string) (dataset.StationCoverage, bool) {
	return s.data.Current().Summary(stationID)
}

// Latest returns the most recent refreshed prediction set of kind.
func (s *Service) Latest(ctx context.Context, kind dataset.ModelKind) (storage.PredictionSet, bool, error) {
	return s.predictions.GetLatest(ctx, kind)
}

// Refresh synchronizes, then predicts every configured kind over
// [current hour, current hour + horizon] for all stations and stores the
// sets. A kind is skipped while its latest set starts after the newest usage
// observation, since no new data could change it.
func (s *Service) Refresh(ctx context.Context) error {
	var errs []error

	if _, err := s.Sync(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Error("refresh sync failed, predicting from current data", "error", err)
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}

	start := s.now().UTC().Truncate(time.Hour)
	rng := dataset.NewTimeRange(start, start.Add(s.horizon))
	latestUsage, hasUsage := s.data.Current().LatestUsage()

	for _, kind := range s.kinds {
		if err := ctx.Err(); err != nil {
			return err
		}

		prev, ok, err := s.predictions.GetLatest(ctx, kind)
		if err != nil {
			s.logger.Warn("failed to read latest predictions", "kind", kind, "error", err)
		}
		if ok && hasUsage && prev.Range.Start.After(latestUsage) {
			s.logger.Debug("predictions up to date, skipping", "kind", kind,
				"set_start", prev.Range.Start, "latest_usage", latestUsage)
			continue
		}

		results, err := s.predictAll(ctx, kind, rng)
		if err != nil {
			errs = append(errs, fmt.Errorf("predict %s: %w", kind, err))
			continue
		}
		if len(results) == 0 {
			s.logger.Warn("refresh produced no predictions", "kind", kind, "range", rng.String())
			continue
		}

		set := storage.PredictionSet{
			ModelKind:   kind,
			GeneratedAt: results[0].GeneratedAt,
			Range:       rng,
			Results:     results,
		}
		if err := s.predictions.Put(ctx, set); err != nil {
			if s.metrics != nil {
				s.metrics.RecordError("store", "put_failed")
			}
			errs = append(errs, fmt.Errorf("store %s predictions: %w", kind, err))
			continue
		}
		s.logger.Info("predictions refreshed", "kind", kind, "values", len(results), "range", rng.String())
	}

	return errors.Join(errs...)
}

// predictAll predicts every station at once. When some station cannot be
// covered the stations are predicted one by one and the uncovered ones left
// out.
func (s *Service) predictAll(ctx context.Context, kind dataset.ModelKind, rng dataset.TimeRange) ([]dataset.PredictionResult, error) {
	req := dataset.PredictionRequest{StationIDs: s.stations, Range: rng, ModelKind: kind}
	results, err := s.Predict(ctx, req)
	if !errors.Is(err, prediction.ErrInsufficientData) || len(s.stations) < 2 {
		return results, err
	}

	var all []dataset.PredictionResult
	for _, id := range s.stations {
		req.StationIDs = []string{id}
		res, err := s.Predict(ctx, req)
		switch {
		case errors.Is(err, prediction.ErrInsufficientData):
			s.logger.Warn("station left out of refresh", "kind", kind, "station", id, "error", err)
		case err != nil:
			return nil, err
		default:
			all = append(all, res...)
		}
	}
	dataset.SortResults(all)
	return all, nil
}

// errorReason classifies err for the error counter.
func errorReason(err error) string {
	switch {
	case errors.Is(err, prediction.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, prediction.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, features.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, models.ErrArtifactLoad):
		return "artifact_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
