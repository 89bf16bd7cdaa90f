package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation for tests and
// single-process use. It enforces the same one-active-per-user invariant a
// database store enforces with a partial unique index.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

// NewMemoryStore creates an empty in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[uuid.UUID]*Subscription)}
}

func (s *MemoryStore) GetActiveByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status == StatusActive {
			return copySub(sub), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetCurrentByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Prefer the active record; fall back to a cancelled one still in its
	// validity window.
	var cancelled *Subscription
	for _, sub := range s.subs {
		if sub.UserID != userID {
			continue
		}
		switch sub.Status {
		case StatusActive:
			return copySub(sub), nil
		case StatusCancelled:
			cancelled = sub
		}
	}
	if cancelled != nil {
		return copySub(cancelled), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySub(sub), nil
}

func (s *MemoryStore) GetByProviderRef(ctx context.Context, ref string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref == "" {
		return nil, ErrNotFound
	}

	// Prefer the most recent record carrying the reference: renewals and
	// upgrades carry it over to the superseding record.
	var latest *Subscription
	for _, sub := range s.subs {
		if sub.ProviderRef != ref {
			continue
		}
		if latest == nil || sub.CreatedAt.After(latest.CreatedAt) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return copySub(latest), nil
}

func (s *MemoryStore) Save(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sub.EndsAt.After(sub.StartsAt) {
		return ErrInvalidWindow
	}

	if sub.Status == StatusActive {
		for _, existing := range s.subs {
			if existing.UserID == sub.UserID && existing.Status == StatusActive && existing.ID != sub.ID {
				return ErrDuplicateActive
			}
		}
	}

	s.subs[sub.ID] = copySub(sub)
	return nil
}

func (s *MemoryStore) ListDueForExpiry(ctx context.Context, now time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Subscription
	for _, sub := range s.subs {
		if (sub.Status == StatusActive || sub.Status == StatusCancelled) && !sub.EndsAt.After(now) {
			due = append(due, copySub(sub))
		}
	}
	return due, nil
}

func (s *MemoryStore) ListRenewalsDue(ctx context.Context, windowEnd time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Subscription
	for _, sub := range s.subs {
		if sub.Status == StatusActive && sub.AutoRenew && sub.IsPaid() &&
			!sub.EndsAt.After(windowEnd) && sub.RenewalRemindedAt == nil {
			due = append(due, copySub(sub))
		}
	}
	return due, nil
}

// ListUserIDs returns the distinct users with a subscription record. Used by
// the scheduled usage resets to enumerate whose counters to reinitialize.
func (s *MemoryStore) ListUserIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, sub := range s.subs {
		if _, ok := seen[sub.UserID]; ok {
			continue
		}
		seen[sub.UserID] = struct{}{}
		ids = append(ids, sub.UserID)
	}
	return ids, nil
}

func copySub(sub *Subscription) *Subscription {
	out := *sub
	if sub.CancelledAt != nil {
		t := *sub.CancelledAt
		out.CancelledAt = &t
	}
	if sub.ScheduledTier != nil {
		t := *sub.ScheduledTier
		out.ScheduledTier = &t
	}
	if sub.ScheduledChangeAt != nil {
		t := *sub.ScheduledChangeAt
		out.ScheduledChangeAt = &t
	}
	if sub.RenewalRemindedAt != nil {
		t := *sub.RenewalRemindedAt
		out.RenewalRemindedAt = &t
	}
	return &out
}
