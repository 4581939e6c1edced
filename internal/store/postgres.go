package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
)

// PostgresStore persists session documents as JSONB rows. The store performs
// no schema enforcement on the document body; the integrity validator is the
// guard against malformed documents read back from here.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the sessions table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS continuity_sessions (
			session_id TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("failed to ensure continuity_sessions schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindOne(ctx context.Context, sessionID string) (*models.Session, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT doc FROM continuity_sessions WHERE session_id = $1`, sessionID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session %s: %w", sessionID, err)
	}

	var session models.Session
	if err := json.Unmarshal(doc, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session document %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *PostgresStore) Save(ctx context.Context, session *models.Session) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session document %s: %w", session.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO continuity_sessions (session_id, doc, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		session.ID, doc)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}
