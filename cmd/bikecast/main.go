// Command bikecast serves bike-sharing demand predictions.
//
// It keeps an hourly dataset of station usage and weather in sync with a
// remote repository and the live sources, and predicts station usage with
// pre-trained random forest and convolutional network models:
//  1. Loads the persisted dataset and the model artifacts
//  2. Refreshes periodically: synchronize, then predict the horizon for every
//     configured station and model kind
//  3. Serves predictions on demand, synchronizing first when the requested
//     range is not covered yet
//
// HTTP API (default :8080):
//   - GET|POST /predict - predictions for stations over a time range
//   - POST /sync - synchronize now
//   - GET /coverage?station=<id> - data held for a station
//   - GET /predictions/latest?model=<kind> - latest refreshed predictions
//   - GET /healthz - health check
//   - GET /metrics - Prometheus metrics
//
// gRPC API (default :9090): bikecast.v1.PredictionService with Predict and
// Sync, plus the standard health and reflection services.
//
// Usage:
//
//	bikecast \
//	  -stations-file=stations.yaml \
//	  -usage-url=https://ql.example.org/v2/entities/urn:ngsi-ld:BikeHireDockingStation:KielRegion: \
//	  -remote-url=https://raw.example.org/bikecast-data/main/dataset.csv \
//	  -artifact-dir=models
//
// Environment variables mirror the flags (STATIONS_FILE, USAGE_URL,
// REMOTE_URL, ARTIFACT_DIR, STORAGE, ...). A .env file in the working
// directory is loaded first.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"

	"github.com/HatiCode/bikecast/cmd/bikecast/config"
	"github.com/HatiCode/bikecast/cmd/bikecast/logger"
	"github.com/HatiCode/bikecast/cmd/bikecast/metrics"
	"github.com/HatiCode/bikecast/cmd/bikecast/router"
	"github.com/HatiCode/bikecast/cmd/bikecast/scheduler"
	"github.com/HatiCode/bikecast/cmd/bikecast/store"
	"github.com/HatiCode/bikecast/pkg/adapters"
	"github.com/HatiCode/bikecast/pkg/dataset"
	"github.com/HatiCode/bikecast/pkg/features"
	"github.com/HatiCode/bikecast/pkg/httpx"
	"github.com/HatiCode/bikecast/pkg/models"
	"github.com/HatiCode/bikecast/pkg/prediction"
	"github.com/HatiCode/bikecast/pkg/remote"
	"github.com/HatiCode/bikecast/pkg/rpc"
	"github.com/HatiCode/bikecast/pkg/storage"
	"github.com/HatiCode/bikecast/pkg/syncer"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	log := logger.New(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("bikecast failed", "error", err)
		os.Exit(1)
	}
}

// app is the assembled process without its listeners.
type app struct {
	cfg      *config.Config
	svc      *Service
	registry *models.Registry
	handler  http.Handler
	rpc      *rpc.Handler
	backends *store.Backends
}

// newApp wires storage, sources, synchronizer, models and the API. gatherer
// backs /metrics.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) (*app, error) {
	backends, err := store.New(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, backends: backends}
	if err := a.init(ctx, log, m, gatherer); err != nil {
		backends.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, log *slog.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) error {
	cfg := a.cfg

	data := storage.NewDataStore(a.backends.Data, log)
	snap, err := data.Load(ctx)
	if err != nil {
		return err
	}
	m.SetDatasetRecords(snap.Len())

	source, err := newSource(cfg)
	if err != nil {
		return err
	}

	var repo remote.Repository
	if cfg.RemoteURL != "" {
		httpRepo, err := remote.NewHTTPRepository(cfg.RemoteURL, cfg.RemoteToken, cfg.FetchTimeout, log)
		if err != nil {
			return err
		}
		repo = httpRepo
	}

	sync := &instrumentedSyncer{
		inner: syncer.New(data, repo, source, syncer.Config{
			Stations:     cfg.StationIDs(),
			Lookback:     cfg.Lookback,
			Horizon:      cfg.Horizon,
			MaxWindow:    cfg.MaxRange,
			MaxRetries:   uint64(cfg.MaxRetries),
			FetchTimeout: cfg.FetchTimeout,
		}, log),
		data:    data,
		metrics: m,
	}

	opts := []models.RegistryOption{
		models.WithLoadHook(func(kind dataset.ModelKind, d time.Duration, err error) {
			m.RecordModelLoad(string(kind), d.Seconds(), err == nil)
		}),
	}
	for kind, schema := range cfg.ExpectedSchemas {
		opts = append(opts, models.WithExpectedSchema(kind, schema))
	}
	a.registry = models.NewRegistry(os.DirFS(cfg.ArtifactDir), log, opts...)
	for kind, err := range a.registry.Preload(ctx, cfg.Models...) {
		log.Warn("model kind unavailable", "kind", kind, "error", err)
	}
	for _, kind := range cfg.Models {
		if backend, err := a.registry.Backend(ctx, kind); err == nil {
			for _, problem := range schemaProblems(cfg, backend.Schema()) {
				log.Warn("model configuration problem", "kind", kind, "error", problem)
			}
		}
	}

	engine := prediction.New(data, a.registry, sync, features.NewBuilder(adapters.Step, cfg.Location), log,
		prediction.WithMaxRange(cfg.MaxRange))
	a.svc = NewService(engine, sync, data, a.backends.Predictions, cfg.StationIDs(), cfg.Models, cfg.Horizon, log, m)

	mux := router.SetupRoutes(a.svc, a.ready, gatherer, log)
	a.handler = httpx.Chain(mux, httpx.RecoveryMiddleware(log), httpx.LoggingMiddleware(log))

	a.rpc = rpc.NewHandler(a.svc, m, log)
	return nil
}

// schemaProblems lists the configuration problems of serving a model with
// schema: history deeper than the lookback, and usage features without a
// usage source.
func schemaProblems(cfg *config.Config, schema []string) []error {
	var out []error
	if err := cfg.CheckLookback(schema); err != nil {
		out = append(out, fmt.Errorf("lookback too short: %w", err))
	}
	if cfg.UsageURL == "" && features.UsesUsage(schema) {
		out = append(out, errors.New("features read past usage but no usage source is configured, refetched hours carry no usage"))
	}
	return out
}

// ready succeeds once at least one configured model kind is loaded.
func (a *app) ready() error {
	for _, kind := range a.cfg.Models {
		if a.registry.Loaded(kind) {
			return nil
		}
	}
	return errors.New("no model loaded")
}

func (a *app) Close() error {
	return a.backends.Close()
}

func run(cfg *config.Config, log *slog.Logger) error {
	log.Info("starting bikecast",
		"version", version,
		"stations", len(cfg.Stations),
		"models", cfg.Models,
		"storage", cfg.Storage,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, log, metrics.New(), prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("failed to close storage", "error", err)
		}
	}()

	tlsConfig, err := cfg.TLS.ServerConfig()
	if err != nil {
		return err
	}

	httpServer := httpx.NewServer(cfg.Listen, a.handler, log)
	if tlsConfig != nil {
		httpServer.SetTLSConfig(tlsConfig)
	}

	serverErr := make(chan error, 2)
	go func() {
		serverErr <- httpServer.Start()
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCListen != "" {
		var opts []grpc.ServerOption
		if tlsConfig != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
		}
		healthServer := health.NewServer()
		grpcServer = rpc.NewServer(a.rpc, healthServer, opts...)
		rpc.SetServing(healthServer, a.ready() == nil)

		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return err
		}
		go func() {
			log.Info("starting gRPC server", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serverErr <- err
			}
		}()
	}

	var sched *scheduler.Scheduler
	if cfg.RefreshInterval > 0 {
		sched = scheduler.New(a.svc.Refresh, cfg.RefreshInterval, cfg.RefreshTimeout, log)
		if err := sched.Start(); err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		runErr = err
	}

	log.Info("shutting down")
	cancel()
	if sched != nil {
		sched.Stop()
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := httpServer.Stop(10 * time.Second); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	log.Info("shutdown complete")
	return runErr
}

// newSource returns the weather adapter, combined with the usage adapter when
// a usage endpoint is configured.
func newSource(cfg *config.Config) (adapters.Source, error) {
	client := &http.Client{Timeout: cfg.FetchTimeout}
	weather := adapters.NewOpenMeteoAdapter(cfg.OpenMeteoURL, cfg.WeatherVariables, cfg.Locations(), client)
	if cfg.UsageURL == "" {
		return weather, nil
	}

	usage, err := adapters.NewUsageAdapter(cfg.UsageURL, cfg.UsageTenant, cfg.UsageToken, client)
	if err != nil {
		return nil, err
	}
	return &adapters.CombinedSource{Weather: weather, Usage: usage}, nil
}
