package report

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepository keeps reports in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	reports map[string]*Report
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{reports: make(map[string]*Report)}
}

func (m *MemoryRepository) Create(ctx context.Context, r *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.reports[r.ID]; exists {
		return ErrDuplicate
	}
	m.reports[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// List returns matching reports, newest first.
func (m *MemoryRepository) List(_ context.Context, f Filter) ([]*Report, error) {
	m.mu.RLock()
	out := make([]*Report, 0, len(m.reports))
	for _, r := range m.reports {
		if f.PatientID != "" && r.PatientID != f.PatientID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		out = append(out, r.Clone())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, newestFirst)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []*Report{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) Update(ctx context.Context, r *Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; !ok {
		return ErrNotFound
	}
	m.reports[r.ID] = r.Clone()
	return nil
}

func (m *MemoryRepository) Close() error { return nil }

func newestFirst(a, b *Report) int {
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID > b.ID:
		return -1
	case a.ID < b.ID:
		return 1
	}
	return 0
}
