package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/features"
	"github.com/HatiCode/bikecast/pkg/models"
	"github.com/HatiCode/bikecast/pkg/prediction"
	"github.com/HatiCode/bikecast/pkg/storage"
	"github.com/HatiCode/bikecast/pkg/syncer"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeService struct {
	got     dataset.PredictionRequest
	results []dataset.PredictionResult
	err     error
	report  syncer.Report
	cov     map[string]dataset.StationCoverage
	sets    map[dataset.ModelKind]storage.PredictionSet
}

func (f *fakeService) Predict(_ context.Context, req dataset.PredictionRequest) ([]dataset.PredictionResult, error) {
	f.got = req
	return f.results, f.err
}

func (f *fakeService) Sync(context.Context) (syncer.Report, error) { return f.report, f.err }

func (f *fakeService) Coverage(id string) (dataset.StationCoverage, bool) {
	c, ok := f.cov[id]
	return c, ok
}

func (f *fakeService) Latest(_ context.Context, kind dataset.ModelKind) (storage.PredictionSet, bool, error) {
	if f.err != nil {
		return storage.PredictionSet{}, false, f.err
	}
	s, ok := f.sets[kind]
	return s, ok, nil
}

func newMux(svc Service) *http.ServeMux {
	return SetupRoutes(svc, nil, prometheus.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func serve(mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

type errorBody struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestPredict_GET(t *testing.T) {
	svc := &fakeService{results: []dataset.PredictionResult{
		{StationID: "12", Timestamp: t0.Add(6 * time.Hour), Value: 3, ModelKind: dataset.DeepLearning, GeneratedAt: t0},
	}}
	rec := serve(newMux(svc), http.MethodGet,
		"/predict?stations=12,13&stations=14&from=2024-01-01T06:00:00Z&to=2024-01-01T10:00:00Z&model=dl", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if len(svc.got.StationIDs) != 3 || svc.got.StationIDs[2] != "14" {
		t.Errorf("stations = %v", svc.got.StationIDs)
	}
	if svc.got.ModelKind != dataset.DeepLearning || !svc.got.Range.End.Equal(t0.Add(10*time.Hour)) {
		t.Errorf("request = %+v", svc.got)
	}

	var body struct {
		Results []dataset.PredictionResult `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Results) != 1 || body.Results[0].Value != 3 {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestPredict_POSTDefaultsModel(t *testing.T) {
	svc := &fakeService{}
	rec := serve(newMux(svc), http.MethodPost, "/predict",
		`{"stations":["12"],"from":"2024-01-01T06:00:00Z","to":"2024-01-01T07:00:00Z"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if svc.got.ModelKind != dataset.RandomForest {
		t.Errorf("ModelKind = %q, want random_forest", svc.got.ModelKind)
	}
}

func TestPredict_BadRequests(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{"no stations", http.MethodGet, "/predict?from=2024-01-01T06:00:00Z&to=2024-01-01T07:00:00Z", "", http.StatusBadRequest},
		{"bad from", http.MethodGet, "/predict?stations=12&from=yesterday&to=2024-01-01T07:00:00Z", "", http.StatusBadRequest},
		{"missing to", http.MethodGet, "/predict?stations=12&from=2024-01-01T06:00:00Z", "", http.StatusBadRequest},
		{"unknown model", http.MethodGet, "/predict?stations=12&from=2024-01-01T06:00:00Z&to=2024-01-01T07:00:00Z&model=xgb", "", http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/predict", `{"stations":`, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/predict", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newMux(&fakeService{}), tt.method, tt.target, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestPredict_ServiceErrors(t *testing.T) {
	rng := dataset.NewTimeRange(t0, t0.Add(time.Hour))
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid", fmt.Errorf("%w: reversed range", prediction.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{"insufficient", &prediction.InsufficientDataError{StationID: "12", Requested: rng}, http.StatusUnprocessableEntity, "insufficient_data"},
		{"schema", &features.SchemaMismatchError{StationID: "12", Feature: "snow_depth", Expected: []string{"snow_depth"}}, http.StatusUnprocessableEntity, "schema_mismatch"},
		{"artifact", fmt.Errorf("load: %w", &models.ArtifactLoadError{Kind: dataset.DeepLearning, Reason: "missing"}), http.StatusServiceUnavailable, "artifact_unavailable"},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(newMux(&fakeService{err: tt.err}), http.MethodGet,
				"/predict?stations=12&from=2024-01-01T00:00:00Z&to=2024-01-01T01:00:00Z", "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := decodeError(t, rec).Code; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestPredict_InsufficientDataDetails(t *testing.T) {
	rng := dataset.NewTimeRange(t0.Add(48*time.Hour), t0.Add(50*time.Hour))
	covered := dataset.NewTimeRange(t0, t0.Add(23*time.Hour))
	svc := &fakeService{err: &prediction.InsufficientDataError{StationID: "12", Requested: rng, Covered: covered}}

	rec := serve(newMux(svc), http.MethodGet,
		"/predict?stations=12&from=2024-01-03T00:00:00Z&to=2024-01-03T02:00:00Z", "")
	body := decodeError(t, rec)

	if body.Details["stationId"] != "12" {
		t.Errorf("details = %v", body.Details)
	}
	cov, ok := body.Details["covered"].(map[string]any)
	if !ok || cov["end"] != "2024-01-01T23:00:00Z" {
		t.Errorf("covered = %v", body.Details["covered"])
	}
}

func TestSync(t *testing.T) {
	svc := &fakeService{report: syncer.Report{ID: "r1", RecordsAdded: 5}}
	mux := newMux(svc)

	rec := serve(mux, http.MethodPost, "/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report syncer.Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.ID != "r1" || report.RecordsAdded != 5 {
		t.Errorf("report = %+v", report)
	}

	if rec := serve(mux, http.MethodGet, "/sync", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /sync status = %d", rec.Code)
	}
}

func TestCoverage(t *testing.T) {
	svc := &fakeService{cov: map[string]dataset.StationCoverage{
		"12": {StationID: "12", Range: dataset.NewTimeRange(t0, t0.Add(5*time.Hour)), Records: 6},
	}}
	mux := newMux(svc)

	rec := serve(mux, http.MethodGet, "/coverage?station=12", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var cov dataset.StationCoverage
	if err := json.NewDecoder(rec.Body).Decode(&cov); err != nil {
		t.Fatal(err)
	}
	if cov.Records != 6 || !cov.Range.End.Equal(t0.Add(5*time.Hour)) {
		t.Errorf("coverage = %+v", cov)
	}

	if rec := serve(mux, http.MethodGet, "/coverage?station=99", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown station status = %d", rec.Code)
	}
	if rec := serve(mux, http.MethodGet, "/coverage", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing station status = %d", rec.Code)
	}
}

func TestLatest(t *testing.T) {
	svc := &fakeService{sets: map[dataset.ModelKind]storage.PredictionSet{
		dataset.DeepLearning: {ModelKind: dataset.DeepLearning, GeneratedAt: t0, Results: []dataset.PredictionResult{{StationID: "12", Value: 2}}},
	}}
	mux := newMux(svc)

	rec := serve(mux, http.MethodGet, "/predictions/latest?model=deep_learning", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var set storage.PredictionSet
	if err := json.NewDecoder(rec.Body).Decode(&set); err != nil {
		t.Fatal(err)
	}
	if set.ModelKind != dataset.DeepLearning || len(set.Results) != 1 {
		t.Errorf("set = %+v", set)
	}

	if rec := serve(mux, http.MethodGet, "/predictions/latest", ""); rec.Code != http.StatusNotFound {
		t.Errorf("random_forest status = %d, want 404", rec.Code)
	}
	if rec := serve(mux, http.MethodGet, "/predictions/latest?model=nope", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad model status = %d", rec.Code)
	}
	if rec := serve(newMux(&fakeService{err: errors.New("redis down")}), http.MethodGet, "/predictions/latest", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("store error status = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "bikecast_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	ready := errors.New("no model loaded")
	mux := SetupRoutes(&fakeService{}, func() error { return ready }, reg, nil)

	if rec := serve(mux, http.MethodGet, "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz status = %d before ready", rec.Code)
	}
	ready = nil
	if rec := serve(mux, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d when ready", rec.Code)
	}

	rec := serve(mux, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "bikecast_test_total 1") {
		t.Errorf("metrics = %d %q", rec.Code, rec.Body.String())
	}
}
