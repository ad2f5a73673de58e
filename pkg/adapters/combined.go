package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// CombinedSource fetches weather and usage concurrently and joins them into
// one observation per (station, hour).
//
// If one half fails outright the other half is still returned, with every
// step of the range reported missing for the failed half. Only when both
// halves fail is the result ErrSourceUnavailable.
type CombinedSource struct {
	Weather Source
	Usage   Source
}

// Name identifies the source in logs.
func (c *CombinedSource) Name() string { return "combined" }

type fetchResult struct {
	obs []dataset.Observation
	err error
}

// Fetch queries both halves concurrently and merges their observations by key.
func (c *CombinedSource) Fetch(ctx context.Context, stationIDs []string, rng dataset.TimeRange) ([]dataset.Observation, error) {
	var (
		wg      sync.WaitGroup
		weather fetchResult
		usage   fetchResult
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		weather.obs, weather.err = c.Weather.Fetch(ctx, stationIDs, rng)
	}()
	go func() {
		defer wg.Done()
		usage.obs, usage.err = c.Usage.Fetch(ctx, stationIDs, rng)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	weatherFailed := failed(weather.err)
	usageFailed := failed(usage.err)
	if weatherFailed && usageFailed {
		return nil, fmt.Errorf("%w: weather: %v; usage: %v", ErrSourceUnavailable, weather.err, usage.err)
	}

	joined := join(weather.obs, usage.obs)

	var missing []dataset.Key
	for _, half := range []fetchResult{weather, usage} {
		var partial *PartialDataError
		switch {
		case failed(half.err):
			for _, id := range stationIDs {
				missing = append(missing, missingKeys(id, rng, nil)...)
			}
		case errors.As(half.err, &partial):
			missing = append(missing, partial.Missing...)
		}
	}

	if len(missing) > 0 {
		return joined, &PartialDataError{Source: c.Name(), Missing: dedupeKeys(missing)}
	}
	return joined, nil
}

func failed(err error) bool {
	return err != nil && !errors.Is(err, ErrPartialData)
}

// join merges usage into the weather records of the same key.
func join(weather, usage []dataset.Observation) []dataset.Observation {
	byKey := make(map[dataset.Key]dataset.Observation, len(weather)+len(usage))
	order := make([]dataset.Key, 0, len(weather)+len(usage))

	for _, o := range weather {
		k := o.Key()
		if _, ok := byKey[k]; !ok {
			order = append(order, k)
		}
		byKey[k] = o
	}
	for _, o := range usage {
		k := o.Key()
		cur, ok := byKey[k]
		if !ok {
			order = append(order, k)
			byKey[k] = o
			continue
		}
		cur.Usage = o.Usage
		byKey[k] = cur
	}

	out := make([]dataset.Observation, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}

func dedupeKeys(keys []dataset.Key) []dataset.Key {
	seen := make(map[dataset.Key]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
