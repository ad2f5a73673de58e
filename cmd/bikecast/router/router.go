// Package router configures the HTTP routes of the bikecast API.
//
// Routes configured:
//   - GET  /predict?stations=12,13&from=<RFC3339>&to=<RFC3339>&model=random_forest
//   - POST /predict with {"stations": [...], "from", "to", "model"}
//   - POST /sync - synchronize the configured stations, returns the report
//   - GET  /coverage?station=<id> - data held for a station
//   - GET  /predictions/latest?model=<kind> - latest refreshed prediction set
//   - GET  /healthz - 200 once a model kind is loaded
//   - GET  /metrics - Prometheus metrics
//
// Errors are JSON bodies {"error", "code", "details"}. A range the data
// cannot cover answers 422 insufficient_data with the covered range, a
// model/data schema conflict 422 schema_mismatch, a missing or invalid model
// artifact 503 artifact_unavailable.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/features"
	"github.com/HatiCode/bikecast/pkg/httpx"
	"github.com/HatiCode/bikecast/pkg/models"
	"github.com/HatiCode/bikecast/pkg/prediction"
	"github.com/HatiCode/bikecast/pkg/storage"
	"github.com/HatiCode/bikecast/pkg/syncer"
)

// Service is the API served over HTTP.
type Service interface {
	Predict(ctx context.Context, req dataset.PredictionRequest) ([]dataset.PredictionResult, error)
	Sync(ctx context.Context) (syncer.Report, error)
	Coverage(stationID string) (dataset.StationCoverage, bool)
	Latest(ctx context.Context, kind dataset.ModelKind) (storage.PredictionSet, bool, error)
}

const maxBodyBytes = 1 << 20

// SetupRoutes configures HTTP endpoints. ready backs /healthz; gatherer backs
// /metrics and defaults to the Prometheus default gatherer.
func SetupRoutes(svc Service, ready func() error, gatherer prometheus.Gatherer, logger *slog.Logger) *http.ServeMux {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if ready == nil {
		ready = func() error { return nil }
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", httpx.HealthHandlerWithCheck(ready))
	mux.HandleFunc("/predict", handlePredict(svc, logger))
	mux.HandleFunc("/sync", handleSync(svc, logger))
	mux.HandleFunc("/coverage", handleCoverage(svc, logger))
	mux.HandleFunc("/predictions/latest", handleLatest(svc, logger))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}

// predictBody is the POST /predict payload.
type predictBody struct {
	Stations []string `json:"stations"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Model    string   `json:"model"`
}

func handlePredict(svc Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body predictBody
		switch r.Method {
		case http.MethodGet:
			q := r.URL.Query()
			body = predictBody{
				Stations: splitStations(q["stations"]),
				From:     q.Get("from"),
				To:       q.Get("to"),
				Model:    q.Get("model"),
			}
		case http.MethodPost:
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err := dec.Decode(&body); err != nil {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
				return
			}
		default:
			w.Header().Set("Allow", "GET, POST")
			httpx.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		req, err := body.request()
		if err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
			return
		}

		results, err := svc.Predict(r.Context(), req)
		if err != nil {
			writeServiceError(w, err, logger)
			return
		}
		if err := httpx.WriteJSON(w, http.StatusOK, map[string]any{"results": results}); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

func (b predictBody) request() (dataset.PredictionRequest, error) {
	if len(b.Stations) == 0 {
		return dataset.PredictionRequest{}, errors.New("stations parameter required")
	}
	from, err := parseTime("from", b.From)
	if err != nil {
		return dataset.PredictionRequest{}, err
	}
	to, err := parseTime("to", b.To)
	if err != nil {
		return dataset.PredictionRequest{}, err
	}

	kind := dataset.RandomForest
	if b.Model != "" {
		if kind, err = dataset.ParseModelKind(b.Model); err != nil {
			return dataset.PredictionRequest{}, err
		}
	}
	return dataset.PredictionRequest{
		StationIDs: b.Stations,
		Range:      dataset.NewTimeRange(from, to),
		ModelKind:  kind,
	}, nil
}

func parseTime(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("%s parameter required", name)
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: must be RFC3339", name, value)
	}
	return t, nil
}

// splitStations accepts repeated and comma-separated station parameters.
func splitStations(values []string) []string {
	var out []string
	for _, v := range values {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

func handleSync(svc Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			httpx.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		report, err := svc.Sync(r.Context())
		if err != nil {
			writeServiceError(w, err, logger)
			return
		}
		if err := httpx.WriteJSON(w, http.StatusOK, report); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

func handleCoverage(svc Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		station := strings.TrimSpace(r.URL.Query().Get("station"))
		if station == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "station parameter required")
			return
		}

		cov, found := svc.Coverage(station)
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("no data for station %q", station))
			return
		}
		if err := httpx.WriteJSON(w, http.StatusOK, cov); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

func handleLatest(svc Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := dataset.RandomForest
		if m := r.URL.Query().Get("model"); m != "" {
			var err error
			if kind, err = dataset.ParseModelKind(m); err != nil {
				httpx.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		set, found, err := svc.Latest(ctx, kind)
		if err != nil {
			logger.Error("failed to get latest predictions", "kind", kind, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("no predictions for model %q", kind))
			return
		}
		if err := httpx.WriteJSON(w, http.StatusOK, set); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// writeServiceError maps a service error to its HTTP response.
func writeServiceError(w http.ResponseWriter, err error, logger *slog.Logger) {
	var (
		insufficient *prediction.InsufficientDataError
		mismatch     *features.SchemaMismatchError
	)

	switch {
	case errors.As(err, &insufficient):
		details := map[string]any{
			"stationId": insufficient.StationID,
			"requested": insufficient.Requested,
		}
		if !insufficient.Covered.IsZero() {
			details["covered"] = insufficient.Covered
		}
		httpx.WriteError(w, http.StatusUnprocessableEntity, "insufficient_data", err.Error(), details)
	case errors.As(err, &mismatch):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "schema_mismatch", err.Error(), map[string]any{
			"stationId": mismatch.StationID,
			"feature":   mismatch.Feature,
			"reason":    mismatch.Reason,
			"expected":  mismatch.Expected,
			"found":     mismatch.Found,
		})
	case errors.Is(err, prediction.ErrInvalidRequest):
		httpx.WriteErrorMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrArtifactLoad):
		httpx.WriteError(w, http.StatusServiceUnavailable, "artifact_unavailable", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(w, http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		// client went away
		logger.Debug("request canceled", "error", err)
	default:
		logger.Error("request failed", "error", err)
		httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
	}
}
