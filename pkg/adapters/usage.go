package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// UsageAttribute is the NGSI attribute holding the number of available bikes.
const UsageAttribute = "availableBikeNumber"

var entityStationID = regexp.MustCompile(`KielRegion:(\d+)`)

// UsageAdapter fetches hourly averaged usage counts per station from a
// QuantumLeap time-series endpoint. The request URL is BaseURL followed by
// the station id, for example
// ".../ql/v2/entities/urn:ngsi-ld:BikeHireDockingStation:KielRegion:24370".
type UsageAdapter struct {
	baseURL string
	tenant  string
	token   string
	client  *http.Client
	circuit *gobreaker.CircuitBreaker
	now     func() time.Time
}

// NewUsageAdapter creates the adapter. token is sent as a bearer token when
// not empty.
func NewUsageAdapter(baseURL, tenant, token string, client *http.Client) (*UsageAdapter, error) {
	if baseURL == "" {
		return nil, errors.New("usage adapter requires a base URL")
	}
	if tenant == "" {
		tenant = "infoportal"
	}
	return &UsageAdapter{
		baseURL: baseURL,
		tenant:  tenant,
		token:   token,
		client:  defaultClient(client),
		circuit: newBreaker("quantumleap"),
		now:     time.Now,
	}, nil
}

// Name identifies the source in logs.
func (a *UsageAdapter) Name() string { return "quantumleap" }

// Fetch implements Source. Only hours strictly before the current hour can
// carry an hourly average, so later steps are never reported missing.
func (a *UsageAdapter) Fetch(ctx context.Context, stationIDs []string, rng dataset.TimeRange) ([]dataset.Observation, error) {
	if err := rng.Validate(); err != nil {
		return nil, fmt.Errorf("quantumleap: %w", err)
	}

	lastHour := a.now().UTC().Truncate(Step).Add(-Step)
	if rng.End.After(lastHour) {
		rng.End = lastHour
	}
	if rng.End.Before(rng.Start) {
		return nil, nil
	}

	var (
		out      []dataset.Observation
		missing  []dataset.Key
		failures int
		lastErr  error
	)

	for _, id := range stationIDs {
		obs, err := a.fetchStation(ctx, id, rng)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures++
			lastErr = err
			missing = append(missing, missingKeys(id, rng, nil)...)
			continue
		}

		got := make(map[int64]bool, len(obs))
		for _, o := range obs {
			got[o.Timestamp.Unix()] = true
		}
		out = append(out, obs...)
		missing = append(missing, missingKeys(id, rng, got)...)
	}

	if failures > 0 && failures == len(stationIDs) {
		return nil, unavailable(a.Name(), lastErr)
	}
	if len(missing) > 0 {
		return out, &PartialDataError{Source: a.Name(), Missing: missing}
	}
	return out, nil
}

func (a *UsageAdapter) fetchStation(ctx context.Context, id string, rng dataset.TimeRange) ([]dataset.Observation, error) {
	params := url.Values{}
	params.Set("type", "BikeHireDockingStation")
	params.Set("fromDate", rng.Start.UTC().Format(time.RFC3339))
	params.Set("toDate", rng.End.UTC().Format(time.RFC3339))
	params.Set("attrs", UsageAttribute)
	params.Set("aggrPeriod", "hour")
	params.Set("aggrMethod", "avg")

	req, err := http.NewRequest(http.MethodGet, a.baseURL+url.PathEscape(id)+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("NGSILD-Tenant", a.tenant)
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := doRequest(ctx, a.client, a.circuit, req)
	if err != nil {
		return nil, err
	}
	if resp.status == http.StatusNotFound {
		return nil, nil
	}

	return parseUsage(id, rng, resp.body)
}

// parseUsage decodes a QuantumLeap entity time series:
// {"entityId": "...KielRegion:24370", "index": [...],
// "attributes": [{"attrName": "availableBikeNumber", "values": [...]}]}.
func parseUsage(requestedID string, rng dataset.TimeRange, body []byte) ([]dataset.Observation, error) {
	result := gjson.ParseBytes(body)
	if !result.Get("index").Exists() || !result.Get("attributes").Exists() {
		return nil, errors.New("response missing index or attributes")
	}

	stationID := requestedID
	if m := entityStationID.FindStringSubmatch(result.Get("entityId").String()); m != nil {
		stationID = m[1]
	}

	index := result.Get("index").Array()
	values := result.Get(`attributes.#(attrName=="` + UsageAttribute + `").values`).Array()

	out := make([]dataset.Observation, 0, len(index))
	for i, raw := range index {
		ts, err := time.Parse(time.RFC3339Nano, raw.String())
		if err != nil {
			return nil, fmt.Errorf("parse index[%d] %q: %w", i, raw.String(), err)
		}
		ts = ts.UTC().Truncate(Step)
		if !rng.Contains(ts) {
			continue
		}
		if i >= len(values) || values[i].Type != gjson.Number {
			continue
		}
		out = append(out, dataset.Observation{
			StationID: stationID,
			Timestamp: ts,
			Usage:     dataset.Float(values[i].Float()),
		})
	}
	return out, nil
}
