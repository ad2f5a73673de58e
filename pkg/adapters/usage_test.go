package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

const usageBody = `{
	"entityId": "urn:ngsi-ld:BikeHireDockingStation:KielRegion:24370",
	"entityType": "BikeHireDockingStation",
	"index": ["2024-01-01T00:00:00.000+00:00", "2024-01-01T01:00:00.000+00:00", "2024-01-01T02:00:00.000+00:00"],
	"attributes": [
		{"attrName": "availableBikeNumber", "values": [5.5, 7, null]}
	]
}`

func newTestUsageAdapter(t *testing.T, handler http.HandlerFunc) *UsageAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	adapter, err := NewUsageAdapter(server.URL+"/entities/urn:ngsi-ld:BikeHireDockingStation:KielRegion:", "", "secret", server.Client())
	if err != nil {
		t.Fatalf("NewUsageAdapter() error = %v", err)
	}
	adapter.now = func() time.Time { return t0.Add(24 * time.Hour) }
	return adapter
}

func TestUsageAdapter_Fetch(t *testing.T) {
	adapter := newTestUsageAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "KielRegion:24370") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("NGSILD-Tenant") != "infoportal" {
			t.Errorf("tenant header = %q", r.Header.Get("NGSILD-Tenant"))
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("authorization header = %q", r.Header.Get("Authorization"))
		}
		q := r.URL.Query()
		if q.Get("attrs") != UsageAttribute || q.Get("aggrPeriod") != "hour" || q.Get("aggrMethod") != "avg" {
			t.Errorf("query = %v", q)
		}
		fmt.Fprint(w, usageBody)
	})

	obs, err := adapter.Fetch(context.Background(), []string{"24370"}, threeHours())

	var partial *PartialDataError
	if !errors.As(err, &partial) {
		t.Fatalf("Fetch() error = %v, want PartialDataError for the null value", err)
	}
	if len(partial.Missing) != 1 || !partial.Missing[0].Time().Equal(t0.Add(2*time.Hour)) {
		t.Errorf("Missing = %v, want [02:00]", partial.Missing)
	}

	if len(obs) != 2 {
		t.Fatalf("got %d observations, want 2", len(obs))
	}
	if obs[0].StationID != "24370" || *obs[0].Usage != 5.5 {
		t.Errorf("first observation = %+v", obs[0])
	}
}

func TestUsageAdapter_ClipsToPastHours(t *testing.T) {
	var gotTo string
	adapter := newTestUsageAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		gotTo = r.URL.Query().Get("toDate")
		fmt.Fprint(w, usageBody)
	})
	adapter.now = func() time.Time { return t0.Add(2*time.Hour + 30*time.Minute) }

	// 00:00 to 06:00, but only 00:00 and 01:00 are complete hours
	_, err := adapter.Fetch(context.Background(), []string{"24370"}, dataset.NewTimeRange(t0, t0.Add(6*time.Hour)))
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotTo != "2024-01-01T01:00:00Z" {
		t.Errorf("toDate = %q, want 2024-01-01T01:00:00Z", gotTo)
	}
}

func TestUsageAdapter_NotFoundIsMissing(t *testing.T) {
	adapter := newTestUsageAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	obs, err := adapter.Fetch(context.Background(), []string{"1"}, threeHours())
	var partial *PartialDataError
	if !errors.As(err, &partial) {
		t.Fatalf("Fetch() error = %v, want PartialDataError", err)
	}
	if len(obs) != 0 || len(partial.Missing) != 3 {
		t.Errorf("obs = %d, missing = %d; want 0 and 3", len(obs), len(partial.Missing))
	}
}

func TestUsageAdapter_Unavailable(t *testing.T) {
	adapter := newTestUsageAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := adapter.Fetch(context.Background(), []string{"1", "2"}, threeHours())
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("Fetch() error = %v, want ErrSourceUnavailable", err)
	}
}

func TestParseUsage_MalformedBody(t *testing.T) {
	if _, err := parseUsage("1", threeHours(), []byte(`{"foo": 1}`)); err == nil {
		t.Error("expected error for body without index")
	}
}

func TestNewUsageAdapter_RequiresURL(t *testing.T) {
	if _, err := NewUsageAdapter("", "", "", nil); err == nil {
		t.Error("expected error for empty base URL")
	}
}
