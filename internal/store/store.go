package store

import (
	"context"

	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
)

// SessionStore is the durable document-store contract the continuity core
// consumes. FindOne returns (nil, nil) when no document exists for the id,
// mirroring document-store lookup semantics. Save is last-writer-wins; no
// optimistic concurrency is provided, so multi-process deployments must
// serialize access to a session externally.
type SessionStore interface {
	FindOne(ctx context.Context, sessionID string) (*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
}
