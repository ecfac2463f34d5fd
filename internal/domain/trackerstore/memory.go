package trackerstore

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Row is one tracker row as held by MemoryStore.
type Row struct {
	EntityID  int64
	Status    Status
	ExportID  string
	CreatedAt time.Time
}

// MemoryStore is an in-process Store used by tests and local runs.
type MemoryStore struct {
	mu   sync.Mutex
	rows []Row
	now  func() time.Time
}

// NewMemoryStore constructs an empty in-memory tracker.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// InsertTodo implements Store.
func (m *MemoryStore) InsertTodo(ctx context.Context, entityID int64) error {
	return m.InsertTodoBatch(ctx, []int64{entityID})
}

// InsertTodoBatch implements Store.
func (m *MemoryStore) InsertTodoBatch(ctx context.Context, entityIDs []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	for _, id := range entityIDs {
		m.rows = append(m.rows, Row{EntityID: id, Status: StatusTodo, CreatedAt: now})
	}
	return nil
}

// ClaimTodo implements Store.
func (m *MemoryStore) ClaimTodo(ctx context.Context) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]struct{})
	ids := make([]int64, 0)
	for i := range m.rows {
		if m.rows[i].Status != StatusTodo {
			continue
		}
		m.rows[i].Status = StatusInProgress
		if _, ok := seen[m.rows[i].EntityID]; ok {
			continue
		}
		seen[m.rows[i].EntityID] = struct{}{}
		ids = append(ids, m.rows[i].EntityID)
	}
	slices.Sort(ids)
	return ids, nil
}

// CompleteInProgress implements Store.
func (m *MemoryStore) CompleteInProgress(ctx context.Context, exportID string) (int64, error) {
	return m.transition(ctx, StatusInProgress, StatusDone, &exportID)
}

// RewindInProgress implements Store.
func (m *MemoryStore) RewindInProgress(ctx context.Context) (int64, error) {
	return m.transition(ctx, StatusInProgress, StatusTodo, nil)
}

// SkipTodo implements Store.
func (m *MemoryStore) SkipTodo(ctx context.Context) (int64, error) {
	return m.transition(ctx, StatusTodo, StatusSkipped, nil)
}

func (m *MemoryStore) transition(ctx context.Context, from, to Status, exportID *string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.rows {
		if m.rows[i].Status != from {
			continue
		}
		m.rows[i].Status = to
		if exportID != nil {
			m.rows[i].ExportID = *exportID
		}
		n++
	}
	return n, nil
}

// Tally implements Store.
func (m *MemoryStore) Tally(ctx context.Context) (Tally, error) {
	if err := ctx.Err(); err != nil {
		return Tally{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var t Tally
	for _, r := range m.rows {
		switch r.Status {
		case StatusTodo:
			t.Todo++
		case StatusInProgress:
			t.InProgress++
		case StatusDone:
			t.Done++
		case StatusSkipped:
			t.Skipped++
		}
	}
	return t, nil
}

// Rows returns a copy of every row in insertion order.
func (m *MemoryStore) Rows() []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rows)
}

var _ Store = (*MemoryStore)(nil)
