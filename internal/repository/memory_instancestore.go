package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Cstolworthy/AgentParty/pkg/models"
)

type instanceKey struct {
	userID string
	jobID  string
}

type memoryEntry struct {
	inst      *models.WorkflowInstance
	expiresAt time.Time
}

// MemoryInstanceStore is an in-process InstanceStore. Instances are copied on
// the way in and out so callers never share state with the store.
type MemoryInstanceStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[instanceKey]memoryEntry
}

// NewMemoryInstanceStore creates a store whose instances expire ttl after
// their last write. A zero ttl disables expiry.
func NewMemoryInstanceStore(ttl time.Duration) *MemoryInstanceStore {
	return &MemoryInstanceStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[instanceKey]memoryEntry),
	}
}

func (s *MemoryInstanceStore) live(e memoryEntry, now time.Time) bool {
	return s.ttl <= 0 || now.Before(e.expiresAt)
}

func (s *MemoryInstanceStore) entry(inst *models.WorkflowInstance) memoryEntry {
	return memoryEntry{inst: inst.Clone(), expiresAt: s.now().Add(s.ttl)}
}

// Get retrieves the live instance for a user's job.
func (s *MemoryInstanceStore) Get(_ context.Context, userID, jobID string) (*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[instanceKey{userID, jobID}]
	if !ok || !s.live(e, s.now()) {
		return nil, ErrNotFound
	}
	return e.inst.Clone(), nil
}

// Create stores a new instance.
func (s *MemoryInstanceStore) Create(_ context.Context, inst *models.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey{inst.UserID, inst.JobID}
	if e, ok := s.entries[key]; ok && s.live(e, s.now()) {
		return ErrAlreadyExists
	}
	s.entries[key] = s.entry(inst)
	return nil
}

// Save replaces a stored instance when the version matches.
func (s *MemoryInstanceStore) Save(_ context.Context, inst *models.WorkflowInstance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instanceKey{inst.UserID, inst.JobID}
	e, ok := s.entries[key]
	if !ok || !s.live(e, s.now()) {
		return ErrNotFound
	}
	if e.inst.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.entries[key] = s.entry(inst)
	return nil
}

// Delete removes an instance.
func (s *MemoryInstanceStore) Delete(_ context.Context, userID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, instanceKey{userID, jobID})
	return nil
}

// ListByUser returns the live instances of a user.
func (s *MemoryInstanceStore) ListByUser(_ context.Context, userID string) ([]*models.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	var out []*models.WorkflowInstance
	for key, e := range s.entries {
		if key.userID == userID && s.live(e, now) {
			out = append(out, e.inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteExpired evicts instances whose TTL elapsed before now.
func (s *MemoryInstanceStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (s *MemoryInstanceStore) Ping(context.Context) error { return nil }
