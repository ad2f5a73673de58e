package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// MemoryStore keeps the dataset snapshot in process memory. Nothing survives
// a restart; it is meant for tests and ephemeral deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	snap  *dataset.Snapshot
	saves int
}

// NewMemoryStore returns a store holding an empty snapshot.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snap: dataset.EmptySnapshot()}
}

// Load returns the last saved snapshot.
func (s *MemoryStore) Load(ctx context.Context) (*dataset.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}

// Save stores snap. Snapshots are immutable so no copy is taken.
func (s *MemoryStore) Save(ctx context.Context, snap *dataset.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	s.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// MemoryPredictionStore keeps the latest prediction set per model kind.
//
// With a TTL, a background goroutine removes sets older than the TTL; Stop
// must then be called to release it.
type MemoryPredictionStore struct {
	mu   sync.RWMutex
	sets map[dataset.ModelKind]PredictionSet
	ttl  time.Duration

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopOnce      sync.Once
}

// NewMemoryPredictionStore creates a store without expiry.
func NewMemoryPredictionStore() *MemoryPredictionStore {
	return &MemoryPredictionStore{sets: make(map[dataset.ModelKind]PredictionSet)}
}

// NewMemoryPredictionStoreWithTTL creates a store that drops sets whose
// GeneratedAt is older than ttl, checking every cleanupInterval.
func NewMemoryPredictionStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryPredictionStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &MemoryPredictionStore{
		sets:          make(map[dataset.ModelKind]PredictionSet),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}
	go s.runCleanup()
	return s
}

// Stop shuts down the cleanup goroutine. It is safe to call more than once
// and on a store without TTL.
func (s *MemoryPredictionStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
		s.cleanupTicker.Stop()
	})
}

func (s *MemoryPredictionStore) runCleanup() {
	defer close(s.cleanupDone)
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryPredictionStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, set := range s.sets {
		if now.Sub(set.GeneratedAt) > s.ttl {
			delete(s.sets, kind)
		}
	}
}

// Put replaces the set stored for set.ModelKind.
func (s *MemoryPredictionStore) Put(ctx context.Context, set PredictionSet) error {
	if !set.ModelKind.Valid() {
		return fmt.Errorf("prediction set has unknown model kind %q", set.ModelKind)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[set.ModelKind] = set
	return nil
}

// GetLatest returns the stored set for kind.
func (s *MemoryPredictionStore) GetLatest(ctx context.Context, kind dataset.ModelKind) (PredictionSet, bool, error) {
	if err := ctx.Err(); err != nil {
		return PredictionSet{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.sets[kind]
	return set, ok, nil
}

// Len returns the number of stored sets.
func (s *MemoryPredictionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sets)
}
