package draft

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"legacyplan/api/internal/plan"
)

// MemoryStore keeps encoded drafts in process memory. It is used by tests and by
// single-process development setups.
type MemoryStore struct {
	mu     sync.Mutex
	drafts map[string][]byte
	logger *zap.Logger
}

func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{drafts: make(map[string][]byte), logger: orNop(logger)}
}

func (s *MemoryStore) Get(_ context.Context, ownerID string) (plan.Draft, bool) {
	s.mu.Lock()
	raw, ok := s.drafts[ownerID]
	s.mu.Unlock()
	if !ok {
		return plan.Draft{}, false
	}
	return decode(s.logger, ownerID, raw)
}

func (s *MemoryStore) Set(_ context.Context, ownerID string, d plan.Draft) error {
	raw, err := encode(d)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.drafts[ownerID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, ownerID string) error {
	s.mu.Lock()
	delete(s.drafts, ownerID)
	s.mu.Unlock()
	return nil
}

// PutRaw stores raw bytes as the owner's draft without validation.
func (s *MemoryStore) PutRaw(ownerID string, raw []byte) {
	s.mu.Lock()
	s.drafts[ownerID] = append([]byte(nil), raw...)
	s.mu.Unlock()
}
