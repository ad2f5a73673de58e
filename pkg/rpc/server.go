package rpc

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/features"
	"github.com/HatiCode/bikecast/pkg/models"
	"github.com/HatiCode/bikecast/pkg/prediction"
	"github.com/HatiCode/bikecast/pkg/syncer"
)

// Service is what the gRPC handler serves.
type Service interface {
	Predict(ctx context.Context, req dataset.PredictionRequest) ([]dataset.PredictionResult, error)
	Sync(ctx context.Context) (syncer.Report, error)
}

// Metrics records gRPC traffic. Nil disables recording.
type Metrics interface {
	RecordGRPCRequest(method, status string)
	ObserveGRPCDuration(method string, seconds float64)
}

// Handler implements PredictionServiceServer on top of a Service.
type Handler struct {
	svc     Service
	logger  *slog.Logger
	metrics Metrics
}

var _ PredictionServiceServer = (*Handler)(nil)

// NewHandler creates a Handler.
func NewHandler(svc Service, m Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger.With("component", "rpc"), metrics: m}
}

// Predict serves one prediction request.
func (h *Handler) Predict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	defer h.observe("Predict", start)

	req, err := DecodeRequest(in)
	if err != nil {
		h.record("Predict", codes.InvalidArgument)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	results, err := h.svc.Predict(ctx, req)
	if err != nil {
		st := Status(err)
		h.record("Predict", st.Code())
		h.logger.Debug("predict failed", "code", st.Code().String(), "error", err)
		return nil, st.Err()
	}

	out, err := EncodeResults(results)
	if err != nil {
		h.record("Predict", codes.Internal)
		return nil, status.Errorf(codes.Internal, "encode results: %v", err)
	}
	h.record("Predict", codes.OK)
	return out, nil
}

// Sync runs one synchronization and returns its report.
func (h *Handler) Sync(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	start := time.Now()
	defer h.observe("Sync", start)

	report, err := h.svc.Sync(ctx)
	if err != nil {
		st := Status(err)
		h.record("Sync", st.Code())
		return nil, st.Err()
	}

	out, err := toStruct(report)
	if err != nil {
		h.record("Sync", codes.Internal)
		return nil, status.Errorf(codes.Internal, "encode report: %v", err)
	}
	h.record("Sync", codes.OK)
	return out, nil
}

func (h *Handler) record(method string, code codes.Code) {
	if h.metrics != nil {
		h.metrics.RecordGRPCRequest(method, code.String())
	}
}

func (h *Handler) observe(method string, start time.Time) {
	if h.metrics != nil {
		h.metrics.ObserveGRPCDuration(method, time.Since(start).Seconds())
	}
}

// Status maps a service error to a gRPC status. Structural errors carry a
// Struct detail with the fields a caller needs for diagnosis.
func Status(err error) *status.Status {
	var (
		insufficient *prediction.InsufficientDataError
		mismatch     *features.SchemaMismatchError
	)

	switch {
	case errors.As(err, &insufficient):
		return withDetail(status.New(codes.FailedPrecondition, err.Error()), map[string]any{
			"reason":    "insufficient_data",
			"stationId": insufficient.StationID,
			"requested": insufficient.Requested,
			"covered":   insufficient.Covered,
		})
	case errors.As(err, &mismatch):
		return withDetail(status.New(codes.FailedPrecondition, err.Error()), map[string]any{
			"reason":    "schema_mismatch",
			"stationId": mismatch.StationID,
			"feature":   mismatch.Feature,
			"expected":  mismatch.Expected,
			"found":     mismatch.Found,
		})
	case errors.Is(err, prediction.ErrInvalidRequest):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, models.ErrArtifactLoad):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}

func withDetail(st *status.Status, detail map[string]any) *status.Status {
	s, err := toStruct(detail)
	if err != nil {
		return st
	}
	with, err := st.WithDetails(protoadapt.MessageV1Of(s))
	if err != nil {
		return st
	}
	return with
}

// NewServer creates a gRPC server with the prediction, health and reflection
// services registered. The health server starts NOT_SERVING; flip it with
// SetServing.
func NewServer(h *Handler, healthServer *health.Server, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	RegisterPredictionServiceServer(s, h)
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	SetServing(healthServer, false)
	reflection.Register(s)
	return s
}

// SetServing updates the overall and the per-service health status.
func SetServing(healthServer *health.Server, serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	healthServer.SetServingStatus("", st)
	healthServer.SetServingStatus(ServiceName, st)
}
