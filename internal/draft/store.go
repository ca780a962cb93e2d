// Package draft provides device-local storage for in-progress plan drafts.
//
// A draft is a cache, never a source of truth: reads that hit missing, unreadable or
// corrupt entries report the draft as absent instead of failing the caller.
package draft

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"legacyplan/api/internal/plan"
)

// Store persists one draft per owner.
type Store interface {
	Get(ctx context.Context, ownerID string) (plan.Draft, bool)
	Set(ctx context.Context, ownerID string, d plan.Draft) error
	Delete(ctx context.Context, ownerID string) error
}

func encode(d plan.Draft) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}
	return raw, nil
}

// decode parses a stored draft. Corrupt payloads are logged and reported as absent.
func decode(logger *zap.Logger, ownerID string, raw []byte) (plan.Draft, bool) {
	var d plan.Draft
	if err := json.Unmarshal(raw, &d); err != nil {
		logger.Warn("draft corrupt, treating as absent",
			zap.String("owner_id", ownerID),
			zap.Int("bytes", len(raw)),
			zap.Error(err),
		)
		draftCorrupt.Inc()
		return plan.Draft{}, false
	}
	return d, true
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
