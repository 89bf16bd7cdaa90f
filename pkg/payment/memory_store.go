package payment

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-process setups.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	if rec.ProviderPaymentID == "" {
		return fmt.Errorf("%w: missing provider payment id", ErrInvalidPayload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ProviderPaymentID]; exists {
		return ErrDuplicateEvent
	}
	s.records[rec.ProviderPaymentID] = copyRecord(rec)
	return nil
}

func (s *MemoryStore) GetByPaymentID(ctx context.Context, paymentID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[paymentID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return copyRecord(rec), nil
}

func copyRecord(rec *Record) *Record {
	c := *rec
	c.Payload = slices.Clone(rec.Payload)
	return &c
}
