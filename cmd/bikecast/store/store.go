// Package store builds the persistence backends selected by the
// configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/HatiCode/bikecast/cmd/bikecast/config"
	"github.com/HatiCode/bikecast/pkg/storage"
)

// Backends are the dataset persistence and the prediction-set store.
type Backends struct {
	Data        storage.Store
	Predictions storage.PredictionStore

	closers []func() error
}

// Close releases every backend.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New opens the configured backends. storage=redis keeps prediction sets in
// Redis as well; every other backend keeps them in memory.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backends{}

	switch cfg.Storage {
	case config.StorageMemory:
		b.Data = storage.NewMemoryStore()
	case config.StorageFile:
		file, err := storage.NewFileStore(cfg.DataFile, logger)
		if err != nil {
			return nil, err
		}
		b.Data = file
	case config.StorageRedis:
		ttl := cfg.RedisTTL
		if ttl <= 0 {
			ttl = cfg.PredictionTTL
		}
		rs, err := storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, ttl)
		if err != nil {
			return nil, err
		}
		b.Data = rs
		b.Predictions = rs
		b.closers = append(b.closers, rs.Close)
	case config.StoragePostgres:
		ps, err := storage.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.Data = ps
		b.closers = append(b.closers, func() error { ps.Close(); return nil })
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}

	if b.Predictions == nil {
		var mem *storage.MemoryPredictionStore
		if cfg.PredictionTTL > 0 {
			mem = storage.NewMemoryPredictionStoreWithTTL(cfg.PredictionTTL, 0)
		} else {
			mem = storage.NewMemoryPredictionStore()
		}
		b.Predictions = mem
		b.closers = append(b.closers, func() error { mem.Stop(); return nil })
	}

	logger.Info("storage configured", "backend", cfg.Storage)
	return b, nil
}
