// Package metrics provides Prometheus instrumentation for bikecast.
//
// Metrics exposed:
//   - bikecast_sync_seconds: Histogram of synchronization duration by result
//   - bikecast_sync_records_total: Counter of merged records by outcome
//   - bikecast_remote_stale: Gauge set to 1 while the remote repository is
//     unreachable or stale
//   - bikecast_sync_gaps: Gauge of hour runs the sources could not provide
//   - bikecast_dataset_records: Gauge of records held by the data store
//   - bikecast_predict_seconds: Histogram of prediction duration by model
//   - bikecast_predictions_total: Counter of prediction values served by model
//   - bikecast_model_load_seconds: Histogram of artifact load duration
//   - bikecast_model_loaded: Gauge set to 1 per model kind once loaded
//   - bikecast_grpc_requests_total: Counter of gRPC calls by method and code
//   - bikecast_grpc_seconds: Histogram of gRPC call duration by method
//   - bikecast_errors_total: Counter of errors by component and reason
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the process.
type Metrics struct {
	SyncSeconds       *prometheus.HistogramVec
	SyncRecordsTotal  *prometheus.CounterVec
	RemoteStale       prometheus.Gauge
	SyncGaps          prometheus.Gauge
	DatasetRecords    prometheus.Gauge
	PredictSeconds    *prometheus.HistogramVec
	PredictionsTotal  *prometheus.CounterVec
	ModelLoadSeconds  *prometheus.HistogramVec
	ModelLoaded       *prometheus.GaugeVec
	GRPCRequestsTotal *prometheus.CounterVec
	GRPCSeconds       *prometheus.HistogramVec
	ErrorsTotal       *prometheus.CounterVec
}

// New creates the metrics on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates the metrics on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SyncSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bikecast_sync_seconds",
			Help:    "Time spent synchronizing the dataset",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"result"}),

		SyncRecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bikecast_sync_records_total",
			Help: "Records merged by synchronization, by outcome",
		}, []string{"outcome"}),

		RemoteStale: f.NewGauge(prometheus.GaugeOpts{
			Name: "bikecast_remote_stale",
			Help: "1 while the last synchronization could not use the remote repository",
		}),

		SyncGaps: f.NewGauge(prometheus.GaugeOpts{
			Name: "bikecast_sync_gaps",
			Help: "Hour runs the sources could not provide in the last synchronization",
		}),

		DatasetRecords: f.NewGauge(prometheus.GaugeOpts{
			Name: "bikecast_dataset_records",
			Help: "Records held by the data store",
		}),

		PredictSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bikecast_predict_seconds",
			Help:    "Time spent serving a prediction request",
			Buckets: prometheus.DefBuckets,
		}, []string{"model"}),

		PredictionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bikecast_predictions_total",
			Help: "Prediction values served",
		}, []string{"model"}),

		ModelLoadSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bikecast_model_load_seconds",
			Help:    "Time spent loading model artifacts",
			Buckets: prometheus.DefBuckets,
		}, []string{"model", "result"}),

		ModelLoaded: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bikecast_model_loaded",
			Help: "1 when the model kind is loaded and serving",
		}, []string{"model"}),

		GRPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bikecast_grpc_requests_total",
			Help: "gRPC calls by method and status code",
		}, []string{"method", "code"}),

		GRPCSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bikecast_grpc_seconds",
			Help:    "gRPC call duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bikecast_errors_total",
			Help: "Total number of errors by component and reason",
		}, []string{"component", "reason"}),
	}
}

// RecordSync records one synchronization outcome.
func (m *Metrics) RecordSync(seconds float64, ok bool, added, updated, dropped, gaps int, stale bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.SyncSeconds.WithLabelValues(result).Observe(seconds)
	m.SyncRecordsTotal.WithLabelValues("added").Add(float64(added))
	m.SyncRecordsTotal.WithLabelValues("updated").Add(float64(updated))
	m.SyncRecordsTotal.WithLabelValues("dropped").Add(float64(dropped))
	m.SyncGaps.Set(float64(gaps))
	if stale {
		m.RemoteStale.Set(1)
	} else {
		m.RemoteStale.Set(0)
	}
}

// SetDatasetRecords sets the data store size.
func (m *Metrics) SetDatasetRecords(n int) {
	m.DatasetRecords.Set(float64(n))
}

// RecordPredict records a served prediction request.
func (m *Metrics) RecordPredict(model string, seconds float64, values int) {
	m.PredictSeconds.WithLabelValues(model).Observe(seconds)
	m.PredictionsTotal.WithLabelValues(model).Add(float64(values))
}

// RecordModelLoad records an artifact load.
func (m *Metrics) RecordModelLoad(model string, seconds float64, ok bool) {
	result := "ok"
	loaded := 1.0
	if !ok {
		result = "error"
		loaded = 0
	}
	m.ModelLoadSeconds.WithLabelValues(model, result).Observe(seconds)
	m.ModelLoaded.WithLabelValues(model).Set(loaded)
}

// RecordGRPCRequest counts a gRPC call.
func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
}

// ObserveGRPCDuration records the duration of a gRPC call.
func (m *Metrics) ObserveGRPCDuration(method string, seconds float64) {
	m.GRPCSeconds.WithLabelValues(method).Observe(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
