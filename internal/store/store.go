package store

import (
	"context"
	"errors"
	"sync"

	"github.com/gwtoolzone/open-swe/pkg/models"
)

// ErrNotFound indicates no conversation exists for the thread id.
var ErrNotFound = errors.New("conversation not found")

// Store persists ConversationState snapshots keyed by thread id. The store is
// the serialization point for concurrent triggers on the same conversation;
// the pipeline itself does no locking.
type Store interface {
	Get(ctx context.Context, threadID string) (*models.ConversationState, error)
	Put(ctx context.Context, state *models.ConversationState) error
}

// MemoryStore is the in-process implementation, used in tests and local mode.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*models.ConversationState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]*models.ConversationState)}
}

func (s *MemoryStore) Get(ctx context.Context, threadID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *state
	cp.Messages = append([]models.Message(nil), state.Messages...)
	return &cp, nil
}

func (s *MemoryStore) Put(ctx context.Context, state *models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.Messages = append([]models.Message(nil), state.Messages...)
	s.states[state.ThreadID] = &cp
	return nil
}
