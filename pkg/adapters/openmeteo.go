package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// DefaultWeatherVariables are the hourly Open-Meteo variables requested when
// none are configured.
var DefaultWeatherVariables = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"precipitation",
	"wind_speed_10m",
}

const openMeteoTimeLayout = "2006-01-02T15:04"

// OpenMeteoAdapter fetches hourly weather for each station coordinate from
// the Open-Meteo forecast API. Past hours are observations, future hours are
// forecasts.
//
// A null value marks that variable as unknown at that hour; the hour is
// reported missing but the remaining variables are kept. Stations without a
// configured location are reported missing for the whole range.
type OpenMeteoAdapter struct {
	baseURL   string
	variables []string
	locations map[string]Location
	client    *http.Client
	circuit   *gobreaker.CircuitBreaker
}

// NewOpenMeteoAdapter creates the adapter. An empty baseURL uses the public
// endpoint; nil variables use DefaultWeatherVariables.
func NewOpenMeteoAdapter(baseURL string, variables []string, locations map[string]Location, client *http.Client) *OpenMeteoAdapter {
	if baseURL == "" {
		baseURL = "https://api.open-meteo.com/v1/forecast"
	}
	if len(variables) == 0 {
		variables = DefaultWeatherVariables
	}
	return &OpenMeteoAdapter{
		baseURL:   baseURL,
		variables: variables,
		locations: locations,
		client:    defaultClient(client),
		circuit:   newBreaker("openmeteo"),
	}
}

// Name identifies the source in logs.
func (a *OpenMeteoAdapter) Name() string { return "openmeteo" }

// Fetch implements Source. Stations are fetched one by one; if every station
// fails the error is ErrSourceUnavailable, otherwise failures are reported as
// partial data.
func (a *OpenMeteoAdapter) Fetch(ctx context.Context, stationIDs []string, rng dataset.TimeRange) ([]dataset.Observation, error) {
	if err := rng.Validate(); err != nil {
		return nil, fmt.Errorf("openmeteo: %w", err)
	}

	var (
		out      []dataset.Observation
		missing  []dataset.Key
		failures int
		lastErr  error
	)

	for _, id := range stationIDs {
		loc, ok := a.locations[id]
		if !ok {
			missing = append(missing, missingKeys(id, rng, nil)...)
			continue
		}

		obs, miss, err := a.fetchStation(ctx, id, loc, rng)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			lastErr = err
			missing = append(missing, missingKeys(id, rng, nil)...)
			continue
		}
		out = append(out, obs...)
		missing = append(missing, miss...)
	}

	if failures > 0 && failures == len(stationIDs) {
		return nil, unavailable(a.Name(), lastErr)
	}
	if len(missing) > 0 {
		return out, &PartialDataError{Source: a.Name(), Missing: missing}
	}
	return out, nil
}

func (a *OpenMeteoAdapter) fetchStation(ctx context.Context, id string, loc Location, rng dataset.TimeRange) ([]dataset.Observation, []dataset.Key, error) {
	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(loc.Latitude, 'f', 4, 64))
	values.Set("longitude", strconv.FormatFloat(loc.Longitude, 'f', 4, 64))
	values.Set("hourly", strings.Join(a.variables, ","))
	values.Set("timezone", "GMT")
	values.Set("start_hour", rng.Start.UTC().Format(openMeteoTimeLayout))
	values.Set("end_hour", rng.End.UTC().Format(openMeteoTimeLayout))

	req, err := http.NewRequest(http.MethodGet, a.baseURL+"?"+values.Encode(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := doRequest(ctx, a.client, a.circuit, req)
	if err != nil {
		return nil, nil, err
	}
	if resp.status == http.StatusNotFound {
		return nil, missingKeys(id, rng, nil), nil
	}

	return a.parse(id, rng, resp.body)
}

// parse decodes {"hourly": {"time": [...], "<var>": [...]}}.
func (a *OpenMeteoAdapter) parse(id string, rng dataset.TimeRange, body []byte) ([]dataset.Observation, []dataset.Key, error) {
	hourly := gjson.GetBytes(body, "hourly")
	if !hourly.Exists() {
		return nil, nil, errors.New("response has no hourly block")
	}

	times := hourly.Get("time").Array()
	series := make(map[string][]gjson.Result, len(a.variables))
	for _, v := range a.variables {
		series[v] = hourly.Get(v).Array()
	}

	complete := make(map[int64]bool, len(times))
	out := make([]dataset.Observation, 0, len(times))
	for i, raw := range times {
		ts, err := time.ParseInLocation(openMeteoTimeLayout, raw.String(), time.UTC)
		if err != nil {
			return nil, nil, fmt.Errorf("parse time[%d] %q: %w", i, raw.String(), err)
		}
		if !rng.Contains(ts) {
			continue
		}

		weather := make(map[string]float64, len(a.variables))
		for _, v := range a.variables {
			vals := series[v]
			if i >= len(vals) || vals[i].Type != gjson.Number {
				continue
			}
			weather[v] = vals[i].Float()
		}
		if len(weather) == 0 {
			continue
		}
		if len(weather) == len(a.variables) {
			complete[ts.Unix()] = true
		}
		out = append(out, dataset.Observation{StationID: id, Timestamp: ts, Weather: weather})
	}

	return out, missingKeys(id, rng, complete), nil
}
