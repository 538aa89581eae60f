package capture

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists capture records.
//
// UpdateStatus and UpdateWithResult are conditional writes: they apply only
// when the stored status allows the transition, and report false without
// error when it does not. Of several concurrent callers racing the same
// transition, exactly one observes true.
type Store interface {
	// CreatePending inserts a new pending record and returns its id.
	CreatePending(ctx context.Context, userID string, p Params) (string, error)

	// UpdateStatus moves the record to status and sets its message. When
	// expectedPrior is non-empty the write applies only if the stored status
	// equals it. Returns ErrNotFound for an unknown id.
	UpdateStatus(ctx context.Context, id string, status Status, message string, expectedPrior Status) (bool, error)

	// UpdateWithResult moves a processing record to completed and stores r.
	UpdateWithResult(ctx context.Context, id string, r Result) (bool, error)

	// Get returns the record with the given id or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// ListByUser returns the user's records, newest first. A limit of zero
	// or less returns all of them.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Record, error)

	// ListUnfinished returns pending and processing records last updated
	// before the given time, oldest first.
	ListUnfinished(ctx context.Context, before time.Time) ([]*Record, error)

	// Close releases the store's resources.
	Close() error
}

// newRecordID returns a fresh capture id.
func newRecordID() string {
	return "cap-" + uuid.NewString()
}

// newRecord builds the pending record CreatePending inserts.
func newRecord(userID string, p Params, now time.Time) *Record {
	return &Record{
		ID:        newRecordID(),
		UserID:    userID,
		URL:       p.URL,
		Selector:  p.Selector,
		Duration:  p.Duration.Seconds(),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// transitionAllowed checks a conditional status write against the stored
// status.
func transitionAllowed(current, to, expectedPrior Status) bool {
	if expectedPrior != "" && current != expectedPrior {
		return false
	}
	return CanTransition(current, to)
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	closed  bool
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// CreatePending implements Store.
func (s *MemoryStore) CreatePending(_ context.Context, userID string, p Params) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrStoreClosed
	}
	rec := newRecord(userID, p, s.now().UTC())
	s.records[rec.ID] = rec
	return rec.ID, nil
}

// UpdateStatus implements Store.
func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, message string, expectedPrior Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if !transitionAllowed(rec.Status, status, expectedPrior) {
		return false, nil
	}
	rec.Status = status
	rec.Message = sanitizeMessage(message)
	rec.UpdatedAt = s.now().UTC()
	return true, nil
}

// UpdateWithResult implements Store.
func (s *MemoryStore) UpdateWithResult(_ context.Context, id string, r Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if !transitionAllowed(rec.Status, StatusCompleted, StatusProcessing) {
		return false, nil
	}
	res := r
	rec.Status = StatusCompleted
	rec.Message = ""
	rec.Result = &res
	rec.UpdatedAt = s.now().UTC()
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

// ListByUser implements Store.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Record
	for _, rec := range s.records {
		if rec.UserID == userID {
			out = append(out, copyRecord(rec))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListUnfinished implements Store.
func (s *MemoryStore) ListUnfinished(_ context.Context, before time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	var out []*Record
	for _, rec := range s.records {
		if !rec.Status.Terminal() && rec.UpdatedAt.Before(before) {
			out = append(out, copyRecord(rec))
		}
	}
	sortOldestUpdateFirst(out)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func copyRecord(rec *Record) *Record {
	cp := *rec
	if rec.Result != nil {
		res := *rec.Result
		cp.Result = &res
	}
	return &cp
}

func sortNewestFirst(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func sortOldestUpdateFirst(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].UpdatedAt.Equal(recs[j].UpdatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].UpdatedAt.Before(recs[j].UpdatedAt)
	})
}
