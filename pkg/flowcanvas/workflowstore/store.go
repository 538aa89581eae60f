// Package workflowstore persists workflow graphs.
package workflowstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/flowcanvas/pkg/flowcanvas"
)

// Store persists workflows.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the workflow with the given id.
	// Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*flowcanvas.Workflow, error)

	// Save inserts or replaces a workflow. Edges must reference existing
	// nodes; CreatedAt is kept from the first save.
	Save(ctx context.Context, w *flowcanvas.Workflow) error

	// Delete removes a workflow. Returns nil if it doesn't exist.
	Delete(ctx context.Context, id string) error

	// ListByUser returns the user's workflows, most recently updated first.
	ListByUser(ctx context.Context, userID string) ([]flowcanvas.Workflow, error)

	// Close releases any resources.
	Close() error
}

// Sentinel errors.
var (
	ErrNotFound    = errors.New("workflow not found")
	ErrStoreClosed = errors.New("workflow store closed")
	ErrMissingID   = errors.New("workflow id is required")
)

// prepare checks w before it is written and stamps its timestamps.
func prepare(w *flowcanvas.Workflow, created time.Time, now time.Time) error {
	if w.ID == "" {
		return ErrMissingID
	}
	if err := w.CheckReferences(); err != nil {
		return err
	}
	if created.IsZero() {
		created = now
	}
	w.CreatedAt = created
	w.UpdatedAt = now
	return nil
}

// MemoryStore is an in-memory Store. Data is lost when the process exits.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]flowcanvas.Workflow
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]flowcanvas.Workflow)}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, id string) (*flowcanvas.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	w, ok := m.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	w = copyWorkflow(w)
	return &w, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, w *flowcanvas.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	var created time.Time
	if prev, ok := m.workflows[w.ID]; ok {
		created = prev.CreatedAt
	}
	if err := prepare(w, created, time.Now().UTC()); err != nil {
		return err
	}
	m.workflows[w.ID] = copyWorkflow(*w)
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.workflows, id)
	return nil
}

// ListByUser implements Store.
func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]flowcanvas.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := []flowcanvas.Workflow{}
	for _, w := range m.workflows {
		if w.UserID == userID {
			out = append(out, copyWorkflow(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.workflows = nil
	return nil
}

func copyWorkflow(w flowcanvas.Workflow) flowcanvas.Workflow {
	w.Nodes = append([]flowcanvas.Node(nil), w.Nodes...)
	w.Edges = append([]flowcanvas.Edge(nil), w.Edges...)
	return w
}
