package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HatiCode/bikecast/pkg/adapters"
	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/remote"
	"github.com/HatiCode/bikecast/pkg/storage"
)

var (
	t0  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now = t0.Add(24 * time.Hour)
)

func hour(h int) time.Time { return t0.Add(time.Duration(h) * time.Hour) }

// gridSource returns one observation per station and hour of the requested
// range; hours before now carry usage.
type gridSource struct {
	mu       sync.Mutex
	calls    int
	ranges   []dataset.TimeRange
	failures int // number of leading calls failing with ErrSourceUnavailable
	missing  []dataset.Key
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
}

func (g *gridSource) Name() string { return "grid" }

func (g *gridSource) Fetch(ctx context.Context, stationIDs []string, rng dataset.TimeRange) ([]dataset.Observation, error) {
	if g.inFlight.Add(1) > 1 {
		g.overlap.Store(true)
	}
	defer g.inFlight.Add(-1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}

	g.mu.Lock()
	g.calls++
	g.ranges = append(g.ranges, rng)
	call := g.calls
	g.mu.Unlock()

	if call <= g.failures {
		return nil, adapters.ErrSourceUnavailable
	}

	skip := make(map[dataset.Key]bool)
	for _, k := range g.missing {
		skip[k] = true
	}

	var out []dataset.Observation
	for _, id := range stationIDs {
		for _, ts := range rng.Steps(time.Hour) {
			o := dataset.Observation{StationID: id, Timestamp: ts}
			if skip[o.Key()] {
				continue
			}
			o.Weather = map[string]float64{"temperature_2m": float64(ts.Hour())}
			if ts.Before(now) {
				o.Usage = dataset.Float(float64(ts.Hour() % 7))
			}
			out = append(out, o)
		}
	}
	if len(g.missing) > 0 {
		return out, &adapters.PartialDataError{Source: "grid", Missing: g.missing}
	}
	return out, nil
}

func (g *gridSource) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func testConfig() Config {
	return Config{
		Stations:       []string{"12"},
		Lookback:       24 * time.Hour,
		Horizon:        2 * time.Hour,
		MaxRetries:     3,
		FetchTimeout:   time.Second,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Now:            func() time.Time { return now },
	}
}

func newTestSyncer(repo remote.Repository, src adapters.Source) (*Synchronizer, *storage.DataStore, *storage.MemoryStore) {
	backend := storage.NewMemoryStore()
	ds := storage.NewDataStore(backend, nil)
	return New(ds, repo, src, testConfig(), nil), ds, backend
}

func TestSync_RemoteFailsFreshDataStillMerged(t *testing.T) {
	src := &gridSource{}
	s, ds, _ := newTestSyncer(&remote.StaticRepository{Err: remote.ErrRemoteUnavailable}, src)

	report, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if !report.StaleRemote || !report.HasWarning(WarnStaleRemote) {
		t.Errorf("StaleRemote = %v, warnings = %v; want StaleRemote", report.StaleRemote, report.Warnings)
	}
	// 24 hours of lookback + current hour + 2 forecast hours
	if report.RecordsAdded != 27 {
		t.Errorf("RecordsAdded = %d, want 27", report.RecordsAdded)
	}
	if ds.Current().Len() != 27 {
		t.Errorf("snapshot has %d records, want 27", ds.Current().Len())
	}
	if report.ID == "" {
		t.Error("report should carry an id")
	}
}

func TestSync_Idempotent(t *testing.T) {
	repo := &remote.StaticRepository{Result: remote.Pull{
		Version: "v1",
		Observations: []dataset.Observation{
			{StationID: "12", Timestamp: hour(-5), Usage: dataset.Float(1)},
		},
	}}
	s, ds, backend := newTestSyncer(repo, &gridSource{})
	ctx := context.Background()

	first, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	if !first.Replaced || first.RemoteVersion != "v1" {
		t.Fatalf("first Sync() = %+v", first)
	}
	snap := ds.Current()

	second, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if second.Replaced {
		t.Error("second Sync() replaced the snapshot without new data")
	}
	if second.RecordsAdded != 0 || second.RecordsUpdated != 0 {
		t.Errorf("second Sync() added %d updated %d", second.RecordsAdded, second.RecordsUpdated)
	}
	if ds.Current() != snap || !ds.Current().Equal(snap) {
		t.Error("snapshot changed on the second sync")
	}
	if backend.Saves() != 1 {
		t.Errorf("backend saves = %d, want 1", backend.Saves())
	}
}

func TestSync_UnversionedRemoteAppliedOnce(t *testing.T) {
	repo := &remote.StaticRepository{Result: remote.Pull{
		Observations: []dataset.Observation{
			{StationID: "12", Timestamp: hour(3), Usage: dataset.Float(99)},
		},
	}}
	src := &gridSource{}
	s, ds, backend := newTestSyncer(repo, src)
	ctx := context.Background()

	first, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("first Sync() error = %v", err)
	}
	if first.RemoteVersion == "" || ds.Current().Version() != first.RemoteVersion {
		t.Errorf("RemoteVersion = %q, snapshot version = %q", first.RemoteVersion, ds.Current().Version())
	}
	if o, _ := ds.Current().At("12", hour(3)); o.Usage == nil || *o.Usage != 3 {
		t.Fatalf("hour 3 usage after first sync = %v, want the fetched 3", o.Usage)
	}

	// hour 3 is now complete locally, so the second fetch window starts later
	second, err := s.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	if o, _ := ds.Current().At("12", hour(3)); o.Usage == nil || *o.Usage != 3 {
		t.Errorf("hour 3 usage after second sync = %v, stale remote value re-applied", o.Usage)
	}
	if second.Replaced || second.RecordsUpdated != 0 {
		t.Errorf("second Sync() replaced = %v, updated = %d", second.Replaced, second.RecordsUpdated)
	}
	if backend.Saves() != 1 {
		t.Errorf("backend saves = %d, want 1", backend.Saves())
	}
}

func TestSync_FreshDataWinsOverRemote(t *testing.T) {
	repo := &remote.StaticRepository{Result: remote.Pull{
		Version: "v1",
		Observations: []dataset.Observation{
			{StationID: "12", Timestamp: hour(3), Usage: dataset.Float(99)},
			{StationID: "12", Timestamp: hour(-10), Usage: dataset.Float(42)},
		},
	}}
	s, ds, _ := newTestSyncer(repo, &gridSource{})

	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	o, ok := ds.Current().At("12", hour(3))
	if !ok || *o.Usage != 3 {
		t.Errorf("hour 3 usage = %v, want the freshly fetched 3", o.Usage)
	}
	old, ok := ds.Current().At("12", hour(-10))
	if !ok || *old.Usage != 42 {
		t.Error("remote-only record outside the fetch window should be kept")
	}
	if ds.Current().Version() != "v1" {
		t.Errorf("Version() = %q, want v1", ds.Current().Version())
	}
}

func TestSync_FetchesFromFirstMissingHour(t *testing.T) {
	var local []dataset.Observation
	for h := 0; h < 24; h++ {
		if h == 5 {
			continue
		}
		local = append(local, dataset.Observation{StationID: "12", Timestamp: hour(h), Usage: dataset.Float(1)})
	}
	src := &gridSource{}
	s, ds, _ := newTestSyncer(nil, src)
	_ = ds.Replace(context.Background(), dataset.NewSnapshot(local))

	report, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if !report.Window.Start.Equal(hour(5)) || !report.Window.End.Equal(hour(26)) {
		t.Errorf("Window = %v, want [05:00, +2h]", report.Window)
	}
	if report.StaleRemote {
		t.Error("no remote configured, StaleRemote should be false")
	}
}

func TestSync_RetriesTransientFailures(t *testing.T) {
	src := &gridSource{failures: 2}
	s, ds, _ := newTestSyncer(nil, src)

	report, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if src.Calls() != 3 {
		t.Errorf("source called %d times, want 3", src.Calls())
	}
	if report.HasWarning(WarnSourceUnavailable) {
		t.Error("recovered fetch should not warn")
	}
	if ds.Current().Len() == 0 {
		t.Error("fetched data should be merged")
	}
}

func TestSync_SourceExhaustedDegrades(t *testing.T) {
	src := &gridSource{failures: 100}
	s, ds, _ := newTestSyncer(nil, src)

	report, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() must not fail on source outage, got %v", err)
	}
	if src.Calls() != 4 {
		t.Errorf("source called %d times, want 1 + 3 retries", src.Calls())
	}
	if !report.HasWarning(WarnSourceUnavailable) {
		t.Errorf("warnings = %v, want SourceUnavailable", report.Warnings)
	}
	if len(report.Gaps) != 1 || report.Gaps[0].StationID != "12" {
		t.Errorf("Gaps = %v", report.Gaps)
	}
	if ds.Current().Len() != 0 {
		t.Error("nothing should have been merged")
	}
}

func TestSync_PartialDataIsNotRetried(t *testing.T) {
	src := &gridSource{missing: []dataset.Key{
		{StationID: "12", Unix: hour(7).Unix()},
		{StationID: "12", Unix: hour(8).Unix()},
	}}
	s, ds, _ := newTestSyncer(nil, src)

	report, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if src.Calls() != 1 {
		t.Errorf("source called %d times, want 1", src.Calls())
	}
	if !report.HasWarning(WarnPartialData) {
		t.Error("expected a PartialData warning")
	}
	if len(report.Gaps) != 1 || !report.Gaps[0].Range.Start.Equal(hour(7)) || !report.Gaps[0].Range.End.Equal(hour(8)) {
		t.Errorf("Gaps = %v, want one gap 07:00-08:00", report.Gaps)
	}
	if _, ok := ds.Current().At("12", hour(7)); ok {
		t.Error("missing hour should not be in the snapshot")
	}
	if _, ok := ds.Current().At("12", hour(9)); !ok {
		t.Error("other hours must still be merged")
	}
}

func TestSync_CountsDroppedRecords(t *testing.T) {
	repo := &remote.StaticRepository{Result: remote.Pull{
		Version:      "v2",
		Observations: []dataset.Observation{{StationID: "", Timestamp: hour(1)}},
		Rejected:     []string{"line 3: bad timestamp"},
	}}
	s, _, _ := newTestSyncer(repo, &gridSource{})

	report, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if report.RecordsDropped != 2 {
		t.Errorf("RecordsDropped = %d, want 2", report.RecordsDropped)
	}
	if !report.HasWarning(WarnRecordsDropped) {
		t.Error("expected RecordsDropped warning")
	}
}

func TestSyncWindow_IncludesRequestedRange(t *testing.T) {
	src := &gridSource{}
	s, ds, _ := newTestSyncer(nil, src)

	rng := dataset.NewTimeRange(hour(-48), hour(-40))
	report, err := s.SyncWindow(context.Background(), []string{"13"}, rng)
	if err != nil {
		t.Fatalf("SyncWindow() error = %v", err)
	}
	if report.Requested == nil || !report.Requested.Start.Equal(rng.Start) || !report.Requested.End.Equal(rng.End) {
		t.Errorf("Requested = %v, want %v", report.Requested, rng)
	}
	cov, ok := ds.Current().Coverage("13")
	if !ok || !cov.Covers(rng) {
		t.Errorf("coverage of 13 = %v, want it to cover %v", cov, rng)
	}

	// the requested range is fetched apart from the regular window
	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.ranges) != 2 || !src.ranges[1].Start.Equal(rng.Start) || !src.ranges[1].End.Equal(rng.End) {
		t.Errorf("fetched ranges = %v, want the regular window then %v", src.ranges, rng)
	}
}

func TestSyncWindow_DistantRangeNotJoined(t *testing.T) {
	src := &gridSource{}
	s, _, _ := newTestSyncer(nil, src)

	rng := dataset.NewTimeRange(hour(10*365*24), hour(10*365*24+1))
	if _, err := s.SyncWindow(context.Background(), []string{"12"}, rng); err != nil {
		t.Fatalf("SyncWindow() error = %v", err)
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	for _, r := range src.ranges {
		if hours := r.End.Sub(r.Start) / time.Hour; hours > 48 {
			t.Errorf("fetched %v (%d hours), want only the regular window and the requested range", r, hours)
		}
	}
}

func TestSyncWindow_TouchingRangeJoined(t *testing.T) {
	src := &gridSource{}
	s, _, _ := newTestSyncer(nil, src)

	// regular window is [00:00, 26:00]; 27:00 is adjacent
	rng := dataset.NewTimeRange(hour(27), hour(30))
	report, err := s.SyncWindow(context.Background(), []string{"12"}, rng)
	if err != nil {
		t.Fatalf("SyncWindow() error = %v", err)
	}
	if src.Calls() != 1 {
		t.Errorf("source calls = %d, want one joined fetch", src.Calls())
	}
	if !report.Window.Start.Equal(hour(0)) {
		t.Errorf("Window = %v", report.Window)
	}
}

func TestSyncWindow_TooLarge(t *testing.T) {
	src := &gridSource{}
	s, _, _ := newTestSyncer(nil, src)

	rng := dataset.NewTimeRange(hour(0), hour(8*24))
	_, err := s.SyncWindow(context.Background(), []string{"12"}, rng)
	if !errors.Is(err, ErrWindowTooLarge) {
		t.Errorf("SyncWindow() error = %v, want ErrWindowTooLarge", err)
	}
	if src.Calls() != 0 {
		t.Errorf("source called %d times for a rejected range", src.Calls())
	}
}

func TestSyncWindow_InvalidRange(t *testing.T) {
	s, _, _ := newTestSyncer(nil, &gridSource{})
	if _, err := s.SyncWindow(context.Background(), nil, dataset.TimeRange{}); err == nil {
		t.Error("expected error for empty range")
	}
}

func TestSync_NeverConcurrent(t *testing.T) {
	src := &gridSource{delay: 10 * time.Millisecond}
	s, _, _ := newTestSyncer(nil, src)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Sync(context.Background())
		}()
	}
	wg.Wait()

	if src.overlap.Load() {
		t.Error("two syncs ran concurrently")
	}
}

type failingBackend struct{ *storage.MemoryStore }

func (failingBackend) Save(context.Context, *dataset.Snapshot) error { return errors.New("disk full") }

func TestSync_ReplaceFailureIsReported(t *testing.T) {
	ds := storage.NewDataStore(failingBackend{storage.NewMemoryStore()}, nil)
	s := New(ds, nil, &gridSource{}, testConfig(), nil)

	if _, err := s.Sync(context.Background()); err == nil {
		t.Error("Sync() should fail when the dataset cannot be saved")
	}
	if ds.Current().Len() != 0 {
		t.Error("failed save must leave the old snapshot current")
	}
}

func TestSync_ContextCanceled(t *testing.T) {
	s, _, _ := newTestSyncer(&remote.StaticRepository{}, &gridSource{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Sync(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Sync() error = %v, want context.Canceled", err)
	}
}

func TestGapsFromKeys(t *testing.T) {
	keys := []dataset.Key{
		{StationID: "a", Unix: hour(3).Unix()},
		{StationID: "a", Unix: hour(1).Unix()},
		{StationID: "a", Unix: hour(2).Unix()},
		{StationID: "a", Unix: hour(5).Unix()},
		{StationID: "b", Unix: hour(1).Unix()},
	}
	gaps := gapsFromKeys(keys, time.Hour)
	if len(gaps) != 3 {
		t.Fatalf("gaps = %v, want 3", gaps)
	}
	if !gaps[0].Range.Start.Equal(hour(1)) || !gaps[0].Range.End.Equal(hour(3)) {
		t.Errorf("first gap = %v", gaps[0])
	}
	if gaps[2].StationID != "b" {
		t.Errorf("last gap = %v", gaps[2])
	}
}
