package dataset

import (
	"sort"
	"time"
)

// Snapshot is a point-in-time, internally consistent view of the data store.
//
// A Snapshot is immutable once built: observations are sorted by
// (station id, timestamp) and unique per Key. Readers may keep a reference
// for as long as they need; a later synchronization builds a new Snapshot
// instead of modifying this one.
type Snapshot struct {
	observations []Observation
	index        map[Key]int
	stations     map[string][2]int // station id -> [first, last+1) into observations
	version      string
}

// NewSnapshot builds a snapshot from observations. When several observations
// share a key the last one wins. The input slice is not retained.
func NewSnapshot(obs []Observation) *Snapshot {
	byKey := make(map[Key]Observation, len(obs))
	for _, o := range obs {
		n := o.Normalize()
		byKey[n.Key()] = n
	}
	return fromMap(byKey, "")
}

// EmptySnapshot returns a snapshot with no observations.
func EmptySnapshot() *Snapshot {
	return fromMap(nil, "")
}

func fromMap(byKey map[Key]Observation, version string) *Snapshot {
	sorted := make([]Observation, 0, len(byKey))
	for _, o := range byKey {
		sorted = append(sorted, o)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})

	s := &Snapshot{
		observations: sorted,
		index:        make(map[Key]int, len(sorted)),
		stations:     make(map[string][2]int),
		version:      version,
	}
	for i, o := range sorted {
		s.index[o.Key()] = i
		bounds, ok := s.stations[o.StationID]
		if !ok {
			bounds[0] = i
		}
		bounds[1] = i + 1
		s.stations[o.StationID] = bounds
	}
	return s
}

func less(a, b Observation) bool {
	if a.StationID != b.StationID {
		return a.StationID < b.StationID
	}
	return a.Timestamp.Before(b.Timestamp)
}

// WithVersion returns a snapshot sharing the same observations but labelled
// with the remote version it was reconciled against.
func (s *Snapshot) WithVersion(version string) *Snapshot {
	cp := *s
	cp.version = version
	return &cp
}

// Version is the remote dataset version the snapshot was last merged with.
func (s *Snapshot) Version() string {
	return s.version
}

// Len returns the number of observations.
func (s *Snapshot) Len() int {
	return len(s.observations)
}

// Observations returns all observations in (station id, timestamp) order.
// The returned slice must not be modified.
func (s *Snapshot) Observations() []Observation {
	return s.observations
}

// Get returns the observation stored under key.
func (s *Snapshot) Get(key Key) (Observation, bool) {
	i, ok := s.index[key]
	if !ok {
		return Observation{}, false
	}
	return s.observations[i], true
}

// At returns the observation of a station at t.
func (s *Snapshot) At(stationID string, t time.Time) (Observation, bool) {
	return s.Get(Key{StationID: stationID, Unix: t.Unix()})
}

// Station returns the time-ordered observations of one station.
// The returned slice must not be modified.
func (s *Snapshot) Station(stationID string) []Observation {
	bounds, ok := s.stations[stationID]
	if !ok {
		return nil
	}
	return s.observations[bounds[0]:bounds[1]]
}

// Stations returns the sorted station ids present in the snapshot.
func (s *Snapshot) Stations() []string {
	ids := make([]string, 0, len(s.stations))
	for id := range s.stations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Coverage returns the range between the first and last observation of a
// station. found is false when the station has no observations.
func (s *Snapshot) Coverage(stationID string) (TimeRange, bool) {
	obs := s.Station(stationID)
	if len(obs) == 0 {
		return TimeRange{}, false
	}
	return TimeRange{Start: obs[0].Timestamp, End: obs[len(obs)-1].Timestamp}, true
}

// LatestUsage returns the most recent timestamp carrying a usage count,
// across all stations.
func (s *Snapshot) LatestUsage() (time.Time, bool) {
	var latest time.Time
	for _, o := range s.observations {
		if o.Usage != nil && o.Timestamp.After(latest) {
			latest = o.Timestamp
		}
	}
	return latest, !latest.IsZero()
}

// Equal reports whether two snapshots hold identical observations.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.observations) != len(other.observations) {
		return false
	}
	for i := range s.observations {
		if !s.observations[i].Equal(other.observations[i]) {
			return false
		}
	}
	return true
}

// StationCoverage summarizes the data held for one station.
type StationCoverage struct {
	StationID   string     `json:"stationId"`
	Range       TimeRange  `json:"range"`
	Records     int        `json:"records"`
	LatestUsage *time.Time `json:"latestUsage,omitempty"`
}

// Summary returns the coverage of one station. found is false when the
// station has no observations.
func (s *Snapshot) Summary(stationID string) (StationCoverage, bool) {
	obs := s.Station(stationID)
	if len(obs) == 0 {
		return StationCoverage{StationID: stationID}, false
	}
	c := StationCoverage{
		StationID: stationID,
		Range:     TimeRange{Start: obs[0].Timestamp, End: obs[len(obs)-1].Timestamp},
		Records:   len(obs),
	}
	for i := len(obs) - 1; i >= 0; i-- {
		if obs[i].Usage != nil {
			ts := obs[i].Timestamp
			c.LatestUsage = &ts
			break
		}
	}
	return c, true
}
