package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is the server side half of a session. The upstream access token never
// leaves the server.
type Record struct {
	ID          uuid.UUID
	UserID      string
	Email       string
	AccessToken string
	IDToken     string
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

type Store interface {
	Create(ctx context.Context, rec Record) error
	// Get returns ErrNoSession for unknown or expired sessions.
	Get(ctx context.Context, id uuid.UUID) (Record, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteExpired(ctx context.Context) (int64, error)
}

// PostgresStore keeps sessions in the user_sessions table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_sessions (id, subject, email, access_token, id_token, expires_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, rec.ID, rec.UserID, rec.Email, rec.AccessToken, rec.IDToken, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx, `
		SELECT id, subject, email, access_token, COALESCE(id_token, ''), expires_at, created_at
		FROM user_sessions
		WHERE id = $1 AND expires_at > NOW()
	`, id).Scan(&rec.ID, &rec.UserID, &rec.Email, &rec.AccessToken, &rec.IDToken, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNoSession
	}
	if err != nil {
		return Record{}, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM user_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM user_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*PostgresStore)(nil)
