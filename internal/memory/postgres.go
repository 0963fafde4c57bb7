package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ent0n29/voicegate/internal/session"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists users and turns in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore migrates the schema and opens a pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := Migrate(ctx, databaseURL); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) FindUser(ctx context.Context, identity string) (session.User, bool, error) {
	var u session.User
	err := s.pool.QueryRow(ctx,
		`SELECT identity, display_name, active_session_id FROM users WHERE identity=$1`,
		identity,
	).Scan(&u.Identity, &u.DisplayName, &u.ActiveSessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.User{}, false, nil
	}
	if err != nil {
		return session.User{}, false, fmt.Errorf("find user: %w", err)
	}
	return u, true, nil
}

func (s *PostgresStore) SetActiveSession(ctx context.Context, identity, displayName, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (identity, display_name, active_session_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (identity) DO UPDATE SET
		   display_name = CASE WHEN EXCLUDED.display_name = '' THEN users.display_name ELSE EXCLUDED.display_name END,
		   active_session_id = EXCLUDED.active_session_id,
		   updated_at = now()`,
		identity, displayName, sessionID,
	)
	if err != nil {
		return fmt.Errorf("set active session: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, user_id, session_id, role, content, channel, created_at)
		 VALUES (@id, @user_id, @session_id, @role, @content, @channel, @created_at)`,
		pgx.NamedArgs{
			"id":         record.ID,
			"user_id":    record.UserID,
			"session_id": record.SessionID,
			"role":       record.Role,
			"content":    record.Content,
			"channel":    record.Channel,
			"created_at": record.CreatedAt,
		},
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, role, content, channel, created_at
		 FROM conversation_turns WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent context: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (TurnRecord, error) {
		var r TurnRecord
		err := row.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Role, &r.Content, &r.Channel, &r.CreatedAt)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("read recent context: %w", err)
	}
	// Oldest first, the order history is replayed in.
	slices.Reverse(items)
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
