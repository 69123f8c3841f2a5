package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps cases in process memory. It backs development
// deployments and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	cases map[string]*Case
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cases: make(map[string]*Case), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, c *Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cases[c.TrackedEntity]; ok {
		return fmt.Errorf("case %s already exists", c.TrackedEntity)
	}
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.cases[c.TrackedEntity] = c.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, trackedEntity string) (*Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[trackedEntity]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, limit, offset int) ([]*Case, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*Case, 0, len(s.cases))
	for _, c := range s.cases {
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].TrackedEntity < all[j].TrackedEntity
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= total {
		return []*Case{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*Case, 0, end-offset)
	for _, c := range all[offset:end] {
		out = append(out, c.Clone())
	}
	return out, total, nil
}

func (s *MemoryStore) Apply(_ context.Context, trackedEntity string, changes Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[trackedEntity]
	if !ok {
		return ErrNotFound
	}
	next := c.Clone()
	if err := next.ApplyAll(changes); err != nil {
		return err
	}
	next.UpdatedAt = s.now().UTC()
	s.cases[trackedEntity] = next
	return nil
}
