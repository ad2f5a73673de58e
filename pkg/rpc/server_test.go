package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/features"
	"github.com/HatiCode/bikecast/pkg/models"
	"github.com/HatiCode/bikecast/pkg/prediction"
	"github.com/HatiCode/bikecast/pkg/syncer"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fakeService struct {
	mu      sync.Mutex
	got     dataset.PredictionRequest
	results []dataset.PredictionResult
	err     error
	report  syncer.Report
}

func (f *fakeService) Predict(_ context.Context, req dataset.PredictionRequest) ([]dataset.PredictionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = req
	return f.results, f.err
}

func (f *fakeService) Sync(context.Context) (syncer.Report, error) {
	return f.report, f.err
}

type fakeMetrics struct {
	mu       sync.Mutex
	requests map[string]int
}

func (m *fakeMetrics) RecordGRPCRequest(method, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requests == nil {
		m.requests = map[string]int{}
	}
	m.requests[method+"/"+status]++
}

func (m *fakeMetrics) ObserveGRPCDuration(string, float64) {}

// startServer serves svc over an in-memory listener.
func startServer(t *testing.T, svc Service, m Metrics) (*grpc.ClientConn, *health.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	hs := health.NewServer()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(NewHandler(svc, m, logger), hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, hs
}

func TestPredict_RoundTrip(t *testing.T) {
	generated := t0.Add(30 * time.Hour)
	svc := &fakeService{results: []dataset.PredictionResult{
		{StationID: "12", Timestamp: t0.Add(6 * time.Hour), Value: 3.5, ModelKind: dataset.DeepLearning, GeneratedAt: generated},
		{StationID: "12", Timestamp: t0.Add(7 * time.Hour), Value: 4, ModelKind: dataset.DeepLearning, GeneratedAt: generated},
	}}
	m := &fakeMetrics{}
	conn, _ := startServer(t, svc, m)

	req := dataset.PredictionRequest{
		StationIDs: []string{"12"},
		Range:      dataset.NewTimeRange(t0.Add(6*time.Hour), t0.Add(7*time.Hour)),
		ModelKind:  dataset.DeepLearning,
	}
	results, err := NewClient(conn).Predict(context.Background(), req)
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}

	if len(results) != 2 || results[0].Value != 3.5 || !results[1].Timestamp.Equal(t0.Add(7*time.Hour)) {
		t.Errorf("results = %+v", results)
	}
	if !results[0].GeneratedAt.Equal(generated) || results[0].ModelKind != dataset.DeepLearning {
		t.Errorf("results[0] = %+v", results[0])
	}

	svc.mu.Lock()
	got := svc.got
	svc.mu.Unlock()
	if got.ModelKind != dataset.DeepLearning || len(got.StationIDs) != 1 || !got.Range.Start.Equal(req.Range.Start) {
		t.Errorf("service received %+v", got)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.requests["Predict/OK"] != 1 {
		t.Errorf("metrics = %v", m.requests)
	}
}

func TestPredict_ErrorCodes(t *testing.T) {
	rng := dataset.NewTimeRange(t0, t0.Add(time.Hour))

	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"invalid request", fmt.Errorf("%w: no stations", prediction.ErrInvalidRequest), codes.InvalidArgument},
		{"insufficient data", &prediction.InsufficientDataError{StationID: "12", Requested: rng}, codes.FailedPrecondition},
		{"schema mismatch", &features.SchemaMismatchError{StationID: "12", Feature: "snow_depth"}, codes.FailedPrecondition},
		{"artifact", &models.ArtifactLoadError{Kind: dataset.RandomForest, Path: "x", Reason: "missing"}, codes.Unavailable},
		{"other", errors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _ := startServer(t, &fakeService{err: tt.err}, nil)
			_, err := NewClient(conn).Predict(context.Background(), dataset.PredictionRequest{
				StationIDs: []string{"12"}, Range: rng, ModelKind: dataset.RandomForest,
			})
			if got := status.Code(err); got != tt.want {
				t.Errorf("code = %v, want %v (%v)", got, tt.want, err)
			}
		})
	}
}

func TestPredict_InsufficientDataDetail(t *testing.T) {
	rng := dataset.NewTimeRange(t0, t0.Add(time.Hour))
	covered := dataset.NewTimeRange(t0.Add(-48*time.Hour), t0.Add(-24*time.Hour))
	conn, _ := startServer(t, &fakeService{err: &prediction.InsufficientDataError{StationID: "12", Requested: rng, Covered: covered}}, nil)

	_, err := NewClient(conn).Predict(context.Background(), dataset.PredictionRequest{
		StationIDs: []string{"12"}, Range: rng, ModelKind: dataset.RandomForest,
	})
	st, _ := status.FromError(err)

	var detail *structpb.Struct
	for _, d := range st.Details() {
		if s, ok := d.(*structpb.Struct); ok {
			detail = s
		}
	}
	if detail == nil {
		t.Fatalf("no Struct detail in %v", st.Details())
	}
	if got := detail.GetFields()["reason"].GetStringValue(); got != "insufficient_data" {
		t.Errorf("reason = %q", got)
	}
	if detail.GetFields()["covered"].GetStructValue().GetFields()["start"].GetStringValue() == "" {
		t.Error("covered range missing from detail")
	}
}

func TestPredict_MalformedRequest(t *testing.T) {
	conn, _ := startServer(t, &fakeService{}, nil)

	in, _ := structpb.NewStruct(map[string]any{"stations": []any{"12"}, "from": "yesterday", "to": "2024-01-01T00:00:00Z"})
	err := conn.Invoke(context.Background(), PredictMethod, in, new(structpb.Struct))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("code = %v, want InvalidArgument", status.Code(err))
	}
}

func TestSync_ReturnsReport(t *testing.T) {
	svc := &fakeService{report: syncer.Report{ID: "abc", StaleRemote: true, RecordsAdded: 7}}
	conn, _ := startServer(t, svc, nil)

	out, err := NewClient(conn).Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	f := out.GetFields()
	if f["id"].GetStringValue() != "abc" || !f["staleRemote"].GetBoolValue() || f["recordsAdded"].GetNumberValue() != 7 {
		t.Errorf("report = %v", out)
	}
}

func TestHealth(t *testing.T) {
	conn, hs := startServer(t, &fakeService{}, nil)
	client := grpc_health_v1.NewHealthClient(conn)

	check := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != grpc_health_v1.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status = %v before any model is loaded", got)
	}
	SetServing(hs, true)
	if got := check(); got != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", got)
	}
}

func TestDecodeRequest(t *testing.T) {
	in, _ := structpb.NewStruct(map[string]any{
		"stations": "12",
		"from":     "2024-01-01T06:00:00Z",
		"to":       "2024-01-01T10:00:00Z",
	})
	req, err := DecodeRequest(in)
	if err != nil {
		t.Fatalf("DecodeRequest() error = %v", err)
	}
	if req.ModelKind != dataset.RandomForest {
		t.Errorf("ModelKind = %q, want the random_forest default", req.ModelKind)
	}
	if len(req.StationIDs) != 1 || req.StationIDs[0] != "12" {
		t.Errorf("StationIDs = %v", req.StationIDs)
	}

	bad, _ := structpb.NewStruct(map[string]any{"stations": []any{12.0}, "from": "2024-01-01T06:00:00Z", "to": "2024-01-01T10:00:00Z"})
	if _, err := DecodeRequest(bad); err == nil {
		t.Error("numeric station ids should be rejected")
	}
}
