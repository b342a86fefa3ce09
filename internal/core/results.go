package core

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/fdny-imt/xView2-FDNY/internal/core/types"
)

var ErrStoreSealed = errors.New("result store is sealed")

// ResultStore collects the records of every model run. Workers only append; readers wait for Seal,
// which the pipeline calls once every stage has joined.
type ResultStore struct {
	mu      sync.RWMutex
	records map[string][]types.PredictionRecord
	sealed  bool
}

func NewResultStore() *ResultStore {
	return &ResultStore{records: make(map[string][]types.PredictionRecord)}
}

func (s *ResultStore) Put(run types.ModelRun, records []types.PredictionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return fmt.Errorf("cannot add results for %s: %w", run.Key(), ErrStoreSealed)
	}
	if _, exists := s.records[run.Key()]; exists {
		return fmt.Errorf("results for %s were already added", run.Key())
	}
	s.records[run.Key()] = records
	return nil
}

func (s *ResultStore) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

func (s *ResultStore) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

func (s *ResultStore) Get(runKey string) ([]types.PredictionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.records[runKey]
	return records, ok
}

func (s *ResultStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.records))
	for key := range s.records {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
