package audit

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*DecisionRecord
	nextID  int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*DecisionRecord)}
}

func (m *MemoryStore) Upsert(_ context.Context, rec *DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if existing, ok := m.records[rec.DecisionHash]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
		cp.OutcomeLabel = existing.OutcomeLabel
		cp.OutcomeUpdatedAt = existing.OutcomeUpdatedAt
	} else {
		m.nextID++
		cp.ID = m.nextID
		if cp.OutcomeLabel == "" {
			cp.OutcomeLabel = OutcomeUnknown
		}
	}
	m.records[rec.DecisionHash] = &cp
	rec.ID = cp.ID
	rec.CreatedAt = cp.CreatedAt
	rec.OutcomeLabel = cp.OutcomeLabel
	return nil
}

func (m *MemoryStore) GetByHash(_ context.Context, hash string) (*DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[hash]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) UpdateOutcome(_ context.Context, hash, outcome string, at time.Time) (*DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[hash]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	rec.OutcomeLabel = outcome
	rec.OutcomeUpdatedAt = &at
	rec.UpdatedAt = at
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListLabeled(_ context.Context, outcomes []string) ([]*DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*DecisionRecord
	for _, rec := range m.records {
		if slices.Contains(outcomes, rec.OutcomeLabel) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
