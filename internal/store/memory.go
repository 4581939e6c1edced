package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
)

// MemoryStore is an in-memory SessionStore. Documents round-trip through
// JSON on both read and write so callers always see detached copies, the
// same way a real document store behaves.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

func (s *MemoryStore) FindOne(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	doc, ok := s.docs[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	var session models.Session
	if err := json.Unmarshal(doc, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session document %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *MemoryStore) Save(_ context.Context, session *models.Session) error {
	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session document %s: %w", session.ID, err)
	}

	s.mu.Lock()
	s.docs[session.ID] = doc
	s.mu.Unlock()
	return nil
}
