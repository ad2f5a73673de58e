// Package adapters provides the bikecast data source connectors: weather
// observations and forecasts, and hourly station usage. Each connector
// implements Source and returns records already shaped as
// dataset.Observation values.
//
// Available sources:
//   - OpenMeteoAdapter: hourly weather variables from the Open-Meteo API
//   - UsageAdapter: hourly available-bike counts from an NGSI-LD QuantumLeap endpoint
//   - CombinedSource: joins a weather and a usage source per (station, hour)
//
// Sources only fetch. Retrying, merging and persisting are done by the
// synchronizer.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

var (
	// ErrSourceUnavailable reports a network or provider failure. The
	// synchronizer retries it.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrPartialData reports that some requested (station, hour) keys are
	// missing from an otherwise successful fetch.
	ErrPartialData = errors.New("partial data")
)

// Source fetches observations for a set of stations over an inclusive time
// range.
//
// On PartialData a Source returns the records it did get together with a
// *PartialDataError; callers must keep those records.
type Source interface {
	Fetch(ctx context.Context, stationIDs []string, rng dataset.TimeRange) ([]dataset.Observation, error)

	// Name returns a short identifier, for example "openmeteo".
	Name() string
}

// PartialDataError lists the keys a source could not provide.
type PartialDataError struct {
	Source  string
	Missing []dataset.Key
}

func (e *PartialDataError) Error() string {
	return fmt.Sprintf("%s: partial data, %d station-hours missing", e.Source, len(e.Missing))
}

// Is matches ErrPartialData.
func (e *PartialDataError) Is(target error) bool {
	return target == ErrPartialData
}

// Location is a station coordinate.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Step is the resolution of every source: records are hourly.
const Step = time.Hour

func unavailable(source string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, source, err)
}

// missingKeys returns the keys of steps in rng not present in got.
func missingKeys(stationID string, rng dataset.TimeRange, got map[int64]bool) []dataset.Key {
	var out []dataset.Key
	for _, ts := range rng.Steps(Step) {
		if !got[ts.Unix()] {
			out = append(out, dataset.Key{StationID: stationID, Unix: ts.Unix()})
		}
	}
	return out
}
