package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by unit tests and
// degraded_mode, where the audit DB is deliberately mocked but safety
// checks stay active.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*Record{}}
}

func (s *MemoryStore) Insert(_ context.Context, r *Record) (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	cp := *r
	s.records[r.ID] = &cp
	return r.ID, nil
}

func (s *MemoryStore) Resolve(_ context.Context, id string, res Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != StatusEscalated {
		return errors.New("audit record not found or not in escalated state")
	}
	rec.Status = StatusResolved
	resolvedAt := res.ResolvedAt
	rec.ResolvedAt = &resolvedAt
	reviewerID := res.ReviewerID
	rec.ReviewerID = &reviewerID
	notes := res.Notes
	rec.Notes = &notes
	return nil
}

func (s *MemoryStore) ByRequestID(_ context.Context, requestID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.RequestID == requestID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ByUserID(_ context.Context, userID string, since time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Healthy(_ context.Context) bool {
	return true
}

func (s *MemoryStore) Close() error {
	return nil
}
