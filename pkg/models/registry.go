package models

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// LoadHook observes every artifact load.
type LoadHook func(kind dataset.ModelKind, duration time.Duration, err error)

// Registry loads the backend of each model kind at most once and caches the
// result, including a load failure.
type Registry struct {
	fsys     fs.FS
	expected map[dataset.ModelKind][]string
	logger   *slog.Logger
	onLoad   LoadHook

	entries map[dataset.ModelKind]*entry
}

type entry struct {
	once    sync.Once
	done    chan struct{}
	backend Backend
	err     error
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithExpectedSchema makes loading kind fail unless its artifact declares
// exactly schema.
func WithExpectedSchema(kind dataset.ModelKind, schema []string) RegistryOption {
	return func(r *Registry) {
		if len(schema) > 0 {
			r.expected[kind] = append([]string(nil), schema...)
		}
	}
}

// WithLoadHook registers fn to be called after each load.
func WithLoadHook(fn LoadHook) RegistryOption {
	return func(r *Registry) { r.onLoad = fn }
}

// NewRegistry creates a Registry reading artifacts from fsys.
func NewRegistry(fsys fs.FS, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		fsys:     fsys,
		expected: make(map[dataset.ModelKind][]string),
		logger:   logger.With("component", "models"),
		entries:  make(map[dataset.ModelKind]*entry, len(dataset.ModelKinds)),
	}
	for _, kind := range dataset.ModelKinds {
		r.entries[kind] = &entry{done: make(chan struct{})}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backend returns the backend of kind, loading it on first use. Concurrent
// first calls share one load.
func (r *Registry) Backend(ctx context.Context, kind dataset.ModelKind) (Backend, error) {
	e, ok := r.entries[kind]
	if !ok {
		return nil, fmt.Errorf("unknown model kind %q", kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.once.Do(func() {
		defer close(e.done)
		start := time.Now()
		e.backend, e.err = Load(r.fsys, kind, r.expected[kind])
		elapsed := time.Since(start)
		if r.onLoad != nil {
			r.onLoad(kind, elapsed, e.err)
		}
		if e.err != nil {
			r.logger.Error("model load failed", "kind", kind, "error", e.err)
			return
		}
		r.logger.Info("model loaded", "kind", kind, "features", len(e.backend.Schema()), "duration_ms", elapsed.Milliseconds())
	})
	return e.backend, e.err
}

// Scale applies the scaler of kind to raw feature rows.
func (r *Registry) Scale(ctx context.Context, kind dataset.ModelKind, rows [][]float64) ([][]float64, error) {
	b, err := r.Backend(ctx, kind)
	if err != nil {
		return nil, err
	}
	return b.Scale(rows)
}

// Predict runs the backend of kind on scaled rows.
func (r *Registry) Predict(ctx context.Context, kind dataset.ModelKind, scaled [][]float64) ([]float64, error) {
	b, err := r.Backend(ctx, kind)
	if err != nil {
		return nil, err
	}
	return b.Infer(ctx, scaled)
}

// Preload loads kinds, or every kind when none is given, and returns the
// failures by kind.
func (r *Registry) Preload(ctx context.Context, kinds ...dataset.ModelKind) map[dataset.ModelKind]error {
	if len(kinds) == 0 {
		kinds = dataset.ModelKinds
	}
	failed := make(map[dataset.ModelKind]error)
	for _, kind := range kinds {
		if _, err := r.Backend(ctx, kind); err != nil {
			failed[kind] = err
		}
	}
	return failed
}

// Loaded reports whether kind finished loading successfully. It never
// triggers a load.
func (r *Registry) Loaded(kind dataset.ModelKind) bool {
	e, ok := r.entries[kind]
	if !ok {
		return false
	}
	select {
	case <-e.done:
		return e.err == nil
	default:
		return false
	}
}
