package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gwtoolzone/open-swe/pkg/models"
)

// PostgresStore persists conversation state in a single JSONB-backed table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation_states (
	thread_id  TEXT PRIMARY KEY,
	state      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPostgresStore connects to the database and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Get(ctx context.Context, threadID string) (*models.ConversationState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM conversation_states WHERE thread_id = $1`, threadID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", threadID, err)
	}

	var state models.ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", threadID, err)
	}
	return &state, nil
}

func (s *PostgresStore) Put(ctx context.Context, state *models.ConversationState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", state.ThreadID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversation_states (thread_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (thread_id) DO UPDATE SET state = EXCLUDED.state, updated_at = now()`,
		state.ThreadID, data)
	if err != nil {
		return fmt.Errorf("failed to persist conversation %s: %w", state.ThreadID, err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
