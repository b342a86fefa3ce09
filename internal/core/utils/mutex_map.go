package utils

import (
	"fmt"
	"slices"
	"sync"
)

type MutexMap struct {
	edit         sync.Mutex
	queueLengths map[string]int
	mutexes      map[string]*sync.Mutex
	maxSize      int
}

func NewMutexMap(maxSize int) *MutexMap {
	return &MutexMap{
		queueLengths: make(map[string]int),
		mutexes:      make(map[string]*sync.Mutex),
		maxSize:      maxSize,
	}
}

func (m *MutexMap) Lock(key string) error {
	m.edit.Lock()

	if m.mutexes[key] == nil {
		if len(m.mutexes) >= m.maxSize {
			m.edit.Unlock()
			return fmt.Errorf("max size reached")
		}

		m.mutexes[key] = &sync.Mutex{}
		m.queueLengths[key] = 0
	}

	m.queueLengths[key]++
	mu := m.mutexes[key]
	m.edit.Unlock()

	mu.Lock()

	return nil
}

func (m *MutexMap) Unlock(key string) error {
	m.edit.Lock()

	if m.mutexes[key] == nil {
		m.edit.Unlock()
		return fmt.Errorf("key %s not found", key)
	}

	m.mutexes[key].Unlock()
	m.queueLengths[key]--

	if m.queueLengths[key] == 0 {
		delete(m.mutexes, key)
		delete(m.queueLengths, key)
	}

	m.edit.Unlock()

	return nil
}

// LockAll locks every key in sorted order so that callers claiming overlapping sets cannot deadlock.
func (m *MutexMap) LockAll(keys []string) error {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for i, key := range sorted {
		if err := m.Lock(key); err != nil {
			for _, held := range slices.Backward(sorted[:i]) {
				_ = m.Unlock(held)
			}
			return err
		}
	}
	return nil
}

func (m *MutexMap) UnlockAll(keys []string) error {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var firstErr error
	for _, key := range slices.Backward(sorted) {
		if err := m.Unlock(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
