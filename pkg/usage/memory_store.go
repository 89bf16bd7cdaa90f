package usage

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

type recordKey struct {
	userID    uuid.UUID
	resource  Resource
	periodKey string
}

// MemoryStore is an in-memory Store implementation.
// Suitable for tests and single-process deployments; atomicity is provided
// by a store-wide mutex around each read-modify-write.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]*Record
}

// NewMemoryStore creates an empty in-memory usage store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]*Record)}
}

func (s *MemoryStore) ConsumeOne(ctx context.Context, userID uuid.UUID, res Resource, periodKey string, snapshotLimit int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(userID, res, periodKey, snapshotLimit)

	if rec.Limit != Unlimited && rec.Count >= rec.Limit {
		return copyRecord(rec), ErrLimitExceeded
	}

	rec.Count++
	rec.UpdatedAt = time.Now().UTC()
	return copyRecord(rec), nil
}

func (s *MemoryStore) Get(ctx context.Context, userID uuid.UUID, res Resource, periodKey string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{userID, res, periodKey}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

func (s *MemoryStore) Reset(ctx context.Context, userID uuid.UUID, res Resource, periodKey string, snapshotLimit int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.records[recordKey{userID, res, periodKey}] = &Record{
		UserID:       userID,
		Resource:     res,
		PeriodKey:    periodKey,
		Count:        0,
		Limit:        snapshotLimit,
		FeatureTally: make(map[string]int64),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return nil
}

func (s *MemoryStore) RaiseWarning(ctx context.Context, userID uuid.UUID, res Resource, periodKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[recordKey{userID, res, periodKey}]
	if !ok {
		return false, ErrRecordNotFound
	}
	if rec.WarningRaised {
		return false, nil
	}
	rec.WarningRaised = true
	rec.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) TallyFeature(ctx context.Context, userID uuid.UUID, periodKey, feature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Analytics tallies live on the daily record; a missing record means the
	// feature was exercised without a metered consume, which is still worth
	// counting, so the record is created with a zero snapshot.
	rec := s.getOrCreateLocked(userID, ResourceDailyQueries, periodKey, 0)
	rec.FeatureTally[feature]++
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) getOrCreateLocked(userID uuid.UUID, res Resource, periodKey string, snapshotLimit int64) *Record {
	key := recordKey{userID, res, periodKey}
	rec, ok := s.records[key]
	if !ok {
		now := time.Now().UTC()
		rec = &Record{
			UserID:       userID,
			Resource:     res,
			PeriodKey:    periodKey,
			Limit:        snapshotLimit,
			FeatureTally: make(map[string]int64),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		s.records[key] = rec
	}
	return rec
}

func copyRecord(rec *Record) *Record {
	out := *rec
	out.FeatureTally = maps.Clone(rec.FeatureTally)
	return &out
}
