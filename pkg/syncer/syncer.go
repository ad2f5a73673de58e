// Package syncer reconciles the local dataset with the remote repository and
// with freshly fetched weather and usage data.
//
// One synchronization runs:
//
//	pull remote → fetch fresh window → merge (local < remote < fresh) → validate → replace
//
// External outages never fail a synchronization: a remote that cannot be
// pulled is reported as StaleRemote, a source that stays unavailable after
// the retries is reported as a gap, and the merge proceeds with whatever data
// is available.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/HatiCode/bikecast/pkg/adapters"
	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/remote"
	"github.com/HatiCode/bikecast/pkg/storage"
)

// ErrWindowTooLarge reports a requested range longer than Config.MaxWindow.
var ErrWindowTooLarge = errors.New("sync window too large")

// Config controls what is synchronized and how hard external calls are
// retried.
type Config struct {
	// Stations is the configured station set used by Sync.
	Stations []string
	// Lookback is how far back Sync checks for missing hours.
	Lookback time.Duration
	// Horizon is how far past now Sync fetches weather forecasts.
	Horizon time.Duration
	// MaxWindow bounds the span of a range passed to SyncWindow.
	MaxWindow time.Duration
	// MaxRetries bounds the retries of each external call (not counting
	// the first attempt).
	MaxRetries uint64
	// FetchTimeout bounds each attempt.
	FetchTimeout time.Duration
	// InitialBackoff and MaxBackoff shape the exponential backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Now returns the current time; nil uses time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Lookback <= 0 {
		c.Lookback = 24 * time.Hour
	}
	if c.Horizon < 0 {
		c.Horizon = 0
	}
	if c.MaxWindow <= 0 {
		c.MaxWindow = 7 * 24 * time.Hour
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Synchronizer is the only writer of the DataStore.
type Synchronizer struct {
	store  *storage.DataStore
	remote remote.Repository
	source adapters.Source
	cfg    Config
	logger *slog.Logger

	mu sync.Mutex
}

// New creates a Synchronizer. repo may be nil when no remote repository is
// configured.
func New(store *storage.DataStore, repo remote.Repository, source adapters.Source, cfg Config, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:  store,
		remote: repo,
		source: source,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "syncer"),
	}
}

// Sync synchronizes the configured stations: hours missing in the lookback
// window are fetched together with the forecast horizon.
func (s *Synchronizer) Sync(ctx context.Context) (Report, error) {
	return s.run(ctx, s.cfg.Stations, dataset.TimeRange{})
}

// SyncWindow synchronizes like Sync but for the given stations, and always
// fetches rng in addition to the missing hours. rng is fetched on its own
// unless it touches the regular window, and may span at most MaxWindow.
func (s *Synchronizer) SyncWindow(ctx context.Context, stationIDs []string, rng dataset.TimeRange) (Report, error) {
	if err := rng.Validate(); err != nil {
		return Report{}, fmt.Errorf("sync window: %w", err)
	}
	if span := rng.End.Sub(rng.Start); span > s.cfg.MaxWindow {
		return Report{}, fmt.Errorf("%w: %s spans %s, limit %s", ErrWindowTooLarge, rng, span, s.cfg.MaxWindow)
	}
	if len(stationIDs) == 0 {
		stationIDs = s.cfg.Stations
	}
	return s.run(ctx, stationIDs, rng)
}

func (s *Synchronizer) run(ctx context.Context, stationIDs []string, extra dataset.TimeRange) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{ID: uuid.NewString(), StartedAt: s.cfg.Now().UTC()}
	base := s.store.Current()

	var layers []dataset.Layer

	// 1. remote
	pull, err := s.pullRemote(ctx)
	switch {
	case err != nil:
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.StaleRemote = true
		report.warn(WarnStaleRemote, err.Error())
		s.logger.Warn("remote pull failed, continuing with local data", "error", err)
	case s.remote == nil:
	default:
		report.RemoteVersion = pull.Version
		if report.RemoteVersion == "" {
			report.RemoteVersion = dataset.Fingerprint(pull.Observations)
		}
		// a version already reconciled is not merged again
		if report.RemoteVersion != base.Version() {
			report.RecordsDropped += len(pull.Rejected)
			layers = append(layers, dataset.Layer{Source: "remote", Observations: pull.Observations})
		}
	}

	// 2. fresh data for the window not yet covered
	reconciled, _ := dataset.Merge(base, layers...)
	now := s.cfg.Now().UTC()
	window := s.fetchWindow(reconciled, stationIDs, now)
	report.Window = window
	if !extra.IsZero() {
		report.Requested = &extra
	}

	if len(stationIDs) > 0 && s.source != nil {
		var fresh []dataset.Observation
		for _, w := range fetchWindows(window, extra) {
			got, missing, err := s.fetch(ctx, stationIDs, w)
			switch {
			case ctx.Err() != nil:
				return report, ctx.Err()
			case err != nil:
				report.warn(WarnSourceUnavailable, err.Error())
				for _, id := range stationIDs {
					report.Gaps = append(report.Gaps, Gap{StationID: id, Range: w})
				}
				s.logger.Warn("fresh data unavailable, continuing without it", "error", err, "window", w.String())
			case len(missing) > 0:
				report.warn(WarnPartialData, fmt.Sprintf("%d station-hours missing from %s in %s", len(missing), s.source.Name(), w))
				report.Gaps = append(report.Gaps, gapsFromKeys(missing, adapters.Step)...)
			}
			fresh = append(fresh, got...)
		}
		report.RecordsFetched = len(fresh)
		layers = append(layers, dataset.Layer{Source: s.source.Name(), Observations: fresh})
	}

	// 3 + 4. merge and validate
	merged, stats := dataset.Merge(base, layers...)
	if report.RemoteVersion != "" {
		merged = merged.WithVersion(report.RemoteVersion)
	}

	report.RecordsAdded = stats.Added
	report.RecordsUpdated = stats.Updated
	report.RecordsUnchanged = stats.Unchanged
	report.RecordsDropped += stats.Dropped
	report.Duplicates = stats.Duplicates
	report.TotalRecords = merged.Len()
	if report.RecordsDropped > 0 {
		report.warn(WarnRecordsDropped, fmt.Sprintf("%d invalid records dropped", report.RecordsDropped))
		for _, r := range stats.Rejections {
			s.logger.Debug("record dropped", "source", r.Source, "reason", r.Reason)
		}
	}

	// 5. replace
	if !merged.Equal(base) || merged.Version() != base.Version() {
		if err := s.store.Replace(ctx, merged); err != nil {
			report.FinishedAt = s.cfg.Now().UTC()
			return report, fmt.Errorf("replace dataset: %w", err)
		}
		report.Replaced = true
	}

	report.FinishedAt = s.cfg.Now().UTC()
	s.logger.Info("sync complete",
		"id", report.ID,
		"window", window.String(),
		"added", report.RecordsAdded,
		"updated", report.RecordsUpdated,
		"dropped", report.RecordsDropped,
		"total", report.TotalRecords,
		"stale_remote", report.StaleRemote,
		"replaced", report.Replaced,
		"duration_ms", report.Duration().Milliseconds(),
	)
	return report, nil
}

// fetchWindow returns the range to fetch: from the earliest hour missing on
// the lookback grid [now-lookback, now) across stations, through
// now+horizon. When nothing is missing the range starts at the current hour.
func (s *Synchronizer) fetchWindow(snap *dataset.Snapshot, stationIDs []string, now time.Time) dataset.TimeRange {
	current := now.Truncate(adapters.Step)
	grid := dataset.NewTimeRange(current.Add(-s.cfg.Lookback), current.Add(-adapters.Step)).Steps(adapters.Step)

	start := current
	for _, id := range stationIDs {
		for _, ts := range grid {
			if !ts.Before(start) {
				break
			}
			if o, ok := snap.At(id, ts); !ok || o.Usage == nil {
				start = ts
				break
			}
		}
	}

	return dataset.NewTimeRange(start, current.Add(s.cfg.Horizon))
}

// fetchWindows returns the ranges to fetch. The requested range is joined to
// the regular window only when the two overlap or are adjacent.
func fetchWindows(regular, requested dataset.TimeRange) []dataset.TimeRange {
	if requested.IsZero() || regular.Covers(requested) {
		return []dataset.TimeRange{regular}
	}
	if !requested.Start.After(regular.End.Add(adapters.Step)) && !requested.End.Before(regular.Start.Add(-adapters.Step)) {
		return []dataset.TimeRange{regular.Union(requested)}
	}
	return []dataset.TimeRange{regular, requested}
}

func (s *Synchronizer) newBackoff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.InitialBackoff
	exp.MaxInterval = s.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, s.cfg.MaxRetries), ctx)
}

// pullRemote pulls with retries. A nil repository yields an empty pull.
func (s *Synchronizer) pullRemote(ctx context.Context) (remote.Pull, error) {
	if s.remote == nil {
		return remote.Pull{}, nil
	}

	var pull remote.Pull
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()

		p, err := s.remote.Pull(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.logger.Debug("remote pull attempt failed", "attempt", attempt, "error", err)
			return err
		}
		pull = p
		return nil
	}

	if err := backoff.Retry(op, s.newBackoff(ctx)); err != nil {
		return remote.Pull{}, err
	}
	return pull, nil
}

// fetch calls the source with retries. Partial data is accepted at once;
// only unavailability and attempt timeouts are retried.
func (s *Synchronizer) fetch(ctx context.Context, stationIDs []string, window dataset.TimeRange) ([]dataset.Observation, []dataset.Key, error) {
	var (
		obs     []dataset.Observation
		missing []dataset.Key
	)
	attempt := 0
	op := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()

		got, err := s.source.Fetch(attemptCtx, stationIDs, window)

		var partial *adapters.PartialDataError
		switch {
		case err == nil:
			obs, missing = got, nil
			return nil
		case errors.As(err, &partial):
			obs, missing = got, partial.Missing
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, adapters.ErrSourceUnavailable), errors.Is(err, context.DeadlineExceeded):
			s.logger.Debug("fetch attempt failed", "source", s.source.Name(), "attempt", attempt, "error", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	if err := backoff.Retry(op, s.newBackoff(ctx)); err != nil {
		return nil, nil, err
	}
	return obs, missing, nil
}
