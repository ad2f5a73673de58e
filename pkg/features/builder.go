// Package features turns dataset snapshots into the ordered numeric feature
// vectors a model expects.
//
// A feature schema is an ordered list of names:
//
//	hour, weekday, month, day_of_year, is_weekend   calendar fields of T
//	usage_lag_N                                     usage N steps before T
//	usage_mean_N                                    mean usage over the N steps before T
//	anything else                                   weather variable at T
//
// Nothing is ever substituted. A timestamp whose inputs are unknown (weather
// missing at T, lagged usage missing, a gap inside a mean window) is excluded
// from the batch; a feature the station's data cannot provide at all fails the
// build with a SchemaMismatchError.
package features

import (
	"fmt"
	"sort"
	"time"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// Row is one feature vector, ordered like the schema.
type Row struct {
	StationID string
	Timestamp time.Time
	Values    []float64
}

// Exclusion explains why a timestamp has no row.
type Exclusion struct {
	StationID string
	Timestamp time.Time
	Reason    string
}

// Batch is the output of Build. Rows are ordered by (station id, timestamp).
type Batch struct {
	Schema   []string
	Rows     []Row
	Excluded []Exclusion
}

// Matrix returns the row values, sharing memory with the batch.
func (b Batch) Matrix() [][]float64 {
	out := make([][]float64, len(b.Rows))
	for i, r := range b.Rows {
		out[i] = r.Values
	}
	return out
}

// Builder builds feature batches. Calendar features are computed in
// Location.
type Builder struct {
	step     time.Duration
	location *time.Location
}

// NewBuilder creates a Builder. A zero step means hourly; a nil location
// means UTC.
func NewBuilder(step time.Duration, location *time.Location) *Builder {
	if step <= 0 {
		step = time.Hour
	}
	if location == nil {
		location = time.UTC
	}
	return &Builder{step: step, location: location}
}

// Build produces one row per station and step of rng whose inputs are all
// known.
func (b *Builder) Build(snap *dataset.Snapshot, stationIDs []string, rng dataset.TimeRange, schema []string) (Batch, error) {
	feats := make([]feature, 0, len(schema))
	for _, name := range schema {
		f, err := parseFeature(name)
		if err != nil {
			return Batch{}, &SchemaMismatchError{Feature: name, Reason: err.Error(), Expected: schema}
		}
		feats = append(feats, f)
	}

	ids := append([]string(nil), stationIDs...)
	sort.Strings(ids)

	batch := Batch{Schema: schema}
	steps := rng.Steps(b.step)

	for _, id := range ids {
		if err := b.checkStation(snap, id, rng, schema, feats); err != nil {
			return Batch{}, err
		}

		for _, ts := range steps {
			values, reason := b.row(snap, id, ts, feats)
			if reason != "" {
				batch.Excluded = append(batch.Excluded, Exclusion{StationID: id, Timestamp: ts, Reason: reason})
				continue
			}
			batch.Rows = append(batch.Rows, Row{StationID: id, Timestamp: ts, Values: values})
		}
	}

	return batch, nil
}

// checkStation fails when a feature cannot be produced for any timestamp of
// the range.
func (b *Builder) checkStation(snap *dataset.Snapshot, id string, rng dataset.TimeRange, schema []string, feats []feature) error {
	obs := snap.Station(id)
	mismatch := func(f feature, reason string) error {
		return &SchemaMismatchError{
			StationID: id,
			Feature:   f.name,
			Reason:    reason,
			Expected:  schema,
			Found:     available(obs),
		}
	}

	weather := make(map[string]bool)
	firstUsage := time.Time{}
	for _, o := range obs {
		for name := range o.Weather {
			weather[name] = true
		}
		if o.Usage != nil && firstUsage.IsZero() {
			firstUsage = o.Timestamp
		}
	}

	for _, f := range feats {
		switch f.kind {
		case kindWeather:
			if !weather[f.name] {
				return mismatch(f, "weather variable absent from the station data")
			}
		case kindLag, kindMean:
			if firstUsage.IsZero() {
				return mismatch(f, "station has no usage history")
			}
			latest := rng.End.Add(-time.Duration(f.depth) * b.step)
			if latest.Before(firstUsage) {
				return mismatch(f, fmt.Sprintf("needs %d steps of history, usage starts %s",
					f.depth, firstUsage.Format(time.RFC3339)))
			}
		}
	}
	return nil
}

// row computes the vector at ts, or the reason ts must be excluded.
func (b *Builder) row(snap *dataset.Snapshot, id string, ts time.Time, feats []feature) ([]float64, string) {
	values := make([]float64, len(feats))
	var (
		at     dataset.Observation
		haveAt bool
		looked bool
	)

	for i, f := range feats {
		switch f.kind {
		case kindCalendar:
			values[i] = b.calendar(f.name, ts)

		case kindWeather:
			if !looked {
				at, haveAt = snap.At(id, ts)
				looked = true
			}
			if !haveAt || !at.HasWeather(f.name) {
				return nil, fmt.Sprintf("weather %s unknown at %s", f.name, ts.Format(time.RFC3339))
			}
			values[i] = at.Weather[f.name]

		case kindLag:
			prev := ts.Add(-time.Duration(f.depth) * b.step)
			o, ok := snap.At(id, prev)
			if !ok || o.Usage == nil {
				return nil, fmt.Sprintf("usage unknown at %s", prev.Format(time.RFC3339))
			}
			values[i] = *o.Usage

		case kindMean:
			sum := 0.0
			for k := 1; k <= f.depth; k++ {
				prev := ts.Add(-time.Duration(k) * b.step)
				o, ok := snap.At(id, prev)
				if !ok || o.Usage == nil {
					return nil, fmt.Sprintf("gap at %s in %s window", prev.Format(time.RFC3339), f.name)
				}
				sum += *o.Usage
			}
			values[i] = sum / float64(f.depth)
		}
	}
	return values, ""
}

func (b *Builder) calendar(name string, ts time.Time) float64 {
	local := ts.In(b.location)
	switch name {
	case FeatureHour:
		return float64(local.Hour())
	case FeatureWeekday:
		// Monday = 0
		return float64((int(local.Weekday()) + 6) % 7)
	case FeatureMonth:
		return float64(local.Month())
	case FeatureDayOfYear:
		return float64(local.YearDay())
	case FeatureIsWeekend:
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return 1
		}
		return 0
	}
	return 0
}

// available lists the feature names a station's data can provide.
func available(obs []dataset.Observation) []string {
	names := map[string]bool{}
	hasUsage := false
	for _, o := range obs {
		for name := range o.Weather {
			names[name] = true
		}
		if o.Usage != nil {
			hasUsage = true
		}
	}
	out := make([]string, 0, len(names)+len(calendarFeatures)+2)
	for name := range calendarFeatures {
		out = append(out, name)
	}
	for name := range names {
		out = append(out, name)
	}
	if hasUsage {
		out = append(out, lagPrefix+"N", meanPrefix+"N")
	}
	sort.Strings(out)
	return out
}
