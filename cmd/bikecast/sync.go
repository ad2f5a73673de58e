package main

import (
	"context"
	"time"

	"github.com/HatiCode/bikecast/cmd/bikecast/metrics"
	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/storage"
	"github.com/HatiCode/bikecast/pkg/syncer"
)

// synchronizer is the part of syncer.Synchronizer the service uses.
type synchronizer interface {
	Sync(ctx context.Context) (syncer.Report, error)
	SyncWindow(ctx context.Context, stationIDs []string, rng dataset.TimeRange) (syncer.Report, error)
}

// instrumentedSyncer records every synchronization, whether started by the
// refresh job, the API or an on-demand prediction.
type instrumentedSyncer struct {
	inner   synchronizer
	data    *storage.DataStore
	metrics *metrics.Metrics
}

func (s *instrumentedSyncer) Sync(ctx context.Context) (syncer.Report, error) {
	start := time.Now()
	report, err := s.inner.Sync(ctx)
	s.record(start, report, err)
	return report, err
}

func (s *instrumentedSyncer) SyncWindow(ctx context.Context, stationIDs []string, rng dataset.TimeRange) (syncer.Report, error) {
	start := time.Now()
	report, err := s.inner.SyncWindow(ctx, stationIDs, rng)
	s.record(start, report, err)
	return report, err
}

func (s *instrumentedSyncer) record(start time.Time, report syncer.Report, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSync(time.Since(start).Seconds(), err == nil,
		report.RecordsAdded, report.RecordsUpdated, report.RecordsDropped, len(report.Gaps), report.StaleRemote)
	s.metrics.SetDatasetRecords(s.data.Current().Len())

	switch {
	case err != nil:
		s.metrics.RecordError("syncer", "sync_failed")
	case report.HasWarning(syncer.WarnSourceUnavailable):
		s.metrics.RecordError("syncer", "source_unavailable")
	case report.HasWarning(syncer.WarnPartialData):
		s.metrics.RecordError("syncer", "partial_data")
	}
}
