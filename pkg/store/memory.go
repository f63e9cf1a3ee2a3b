package store

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// Memory is an in-process Store. It is the default sink and the one the
// HTTP API falls back to.
type Memory struct {
	mu      sync.RWMutex
	runs    map[string]RunDoc
	records map[string]map[int]RecordDoc
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		runs:    make(map[string]RunDoc),
		records: make(map[string]map[int]RecordDoc),
	}
}

func (m *Memory) PutRecord(_ context.Context, doc RecordDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs, ok := m.records[doc.RunID]
	if !ok {
		recs = make(map[int]RecordDoc)
		m.records[doc.RunID] = recs
	}
	recs[doc.Index] = doc
	return nil
}

func (m *Memory) PutRun(_ context.Context, doc RunDoc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[doc.RunID] = doc
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (RunDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.runs[runID]
	if !ok {
		return RunDoc{}, ErrNotFound
	}
	return doc, nil
}

func (m *Memory) ListRecords(_ context.Context, runID string) ([]RecordDoc, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.records[runID]
	out := make([]RecordDoc, 0, len(recs))
	for _, idx := range slices.Sorted(maps.Keys(recs)) {
		out = append(out, recs[idx])
	}
	return out, nil
}

// Runs returns the stored run IDs in lexical order.
func (m *Memory) Runs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.runs))
}

func (m *Memory) Name() string { return "memory" }

func (m *Memory) Close() error { return nil }
