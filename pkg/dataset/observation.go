// Package dataset defines the tabular data shared by the bikecast pipeline:
// station observations (usage plus weather), immutable snapshots of the local
// data store, and the request/result types of the prediction API.
//
// Every timestamp handled by this package is normalised to UTC. Two
// observations refer to the same record when their Key (station id and Unix
// second) is equal.
package dataset

import (
	"fmt"
	"maps"
	"math"
	"time"
)

// Observation is a single hourly record for a station.
//
// Usage is nil when the usage count is unknown (for example weather forecast
// hours). Weather maps variable names such as "temperature_2m" to values;
// a variable missing from the map is unknown at that timestamp.
type Observation struct {
	StationID string             `json:"stationId"`
	Timestamp time.Time          `json:"timestamp"`
	Usage     *float64           `json:"usage,omitempty"`
	Weather   map[string]float64 `json:"weather,omitempty"`
}

// Key identifies an observation by station and timestamp.
type Key struct {
	StationID string
	Unix      int64
}

// Time returns the key timestamp in UTC.
func (k Key) Time() time.Time {
	return time.Unix(k.Unix, 0).UTC()
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.StationID, k.Time().Format(time.RFC3339))
}

// Key returns the record key of the observation.
func (o Observation) Key() Key {
	return Key{StationID: o.StationID, Unix: o.Timestamp.Unix()}
}

// Validate reports why an observation cannot be stored, or nil.
func (o Observation) Validate() error {
	if o.StationID == "" {
		return fmt.Errorf("missing station id")
	}
	if o.Timestamp.IsZero() {
		return fmt.Errorf("station %s: missing timestamp", o.StationID)
	}
	if o.Usage != nil && !isFinite(*o.Usage) {
		return fmt.Errorf("%s: non-finite usage %v", o.Key(), *o.Usage)
	}
	for name, v := range o.Weather {
		if name == "" {
			return fmt.Errorf("%s: empty weather variable name", o.Key())
		}
		if !isFinite(v) {
			return fmt.Errorf("%s: non-finite %s %v", o.Key(), name, v)
		}
	}
	return nil
}

// Equal reports whether two observations carry identical content.
func (o Observation) Equal(other Observation) bool {
	if o.StationID != other.StationID || !o.Timestamp.Equal(other.Timestamp) {
		return false
	}
	if (o.Usage == nil) != (other.Usage == nil) {
		return false
	}
	if o.Usage != nil && *o.Usage != *other.Usage {
		return false
	}
	return maps.Equal(o.Weather, other.Weather)
}

// Normalize returns a copy with a UTC timestamp truncated to the second and
// its own copies of Usage and Weather, so the result shares no memory with o.
func (o Observation) Normalize() Observation {
	out := Observation{
		StationID: o.StationID,
		Timestamp: o.Timestamp.UTC().Truncate(time.Second),
	}
	if o.Usage != nil {
		u := *o.Usage
		out.Usage = &u
	}
	if len(o.Weather) > 0 {
		out.Weather = maps.Clone(o.Weather)
	}
	return out
}

// HasWeather reports whether the weather variable is known at this timestamp.
func (o Observation) HasWeather(name string) bool {
	_, ok := o.Weather[name]
	return ok
}

// Float returns a pointer to v, for building observations with a usage count.
func Float(v float64) *float64 {
	return &v
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// TimeRange is an inclusive time interval [Start, End].
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewTimeRange builds a UTC range. It does not validate ordering.
func NewTimeRange(start, end time.Time) TimeRange {
	return TimeRange{Start: start.UTC(), End: end.UTC()}
}

// IsZero reports whether both ends are unset.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Validate checks that the range is set and ordered.
func (r TimeRange) Validate() error {
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("time range requires both start and end")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("time range end %s before start %s", r.End.Format(time.RFC3339), r.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t lies inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && !t.After(r.End)
}

// Covers reports whether other lies entirely inside r.
func (r TimeRange) Covers(other TimeRange) bool {
	if r.IsZero() {
		return false
	}
	return !other.Start.Before(r.Start) && !other.End.After(r.End)
}

// Union returns the smallest range containing both ranges. A zero range is
// treated as empty.
func (r TimeRange) Union(other TimeRange) TimeRange {
	if r.IsZero() {
		return other
	}
	if other.IsZero() {
		return r
	}
	out := r
	if other.Start.Before(out.Start) {
		out.Start = other.Start
	}
	if other.End.After(out.End) {
		out.End = other.End
	}
	return out
}

// Steps enumerates the step-aligned timestamps inside the range. The first
// timestamp is Start rounded up to the step grid.
func (r TimeRange) Steps(step time.Duration) []time.Time {
	if step <= 0 || r.End.Before(r.Start) {
		return nil
	}
	first := r.Start.Truncate(step)
	if first.Before(r.Start) {
		first = first.Add(step)
	}
	var out []time.Time
	for t := first; !t.After(r.End); t = t.Add(step) {
		out = append(out, t.UTC())
	}
	return out
}

func (r TimeRange) String() string {
	if r.IsZero() {
		return "[]"
	}
	return fmt.Sprintf("[%s, %s]", r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
}
