package connections

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2"
)

type StoredToken struct {
	Connection string
	Token      *oauth2.Token
	Scopes     []string
	UpdatedAt  time.Time
}

type TokenStore interface {
	Save(ctx context.Context, subject, connection string, token *oauth2.Token, scopes []string) error
	// Load returns ErrNotConnected when subject never authorized connection.
	Load(ctx context.Context, subject, connection string) (StoredToken, error)
	List(ctx context.Context, subject string) ([]StoredToken, error)
	Delete(ctx context.Context, subject, connection string) error
}

// PostgresTokenStore keeps grants in the federated_tokens table.
type PostgresTokenStore struct {
	pool *pgxpool.Pool
}

func NewPostgresTokenStore(pool *pgxpool.Pool) *PostgresTokenStore {
	return &PostgresTokenStore{pool: pool}
}

func (s *PostgresTokenStore) Save(ctx context.Context, subject, connection string, token *oauth2.Token, scopes []string) error {
	var expiry *time.Time
	if !token.Expiry.IsZero() {
		expiry = &token.Expiry
	}
	if scopes == nil {
		scopes = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO federated_tokens (subject, connection, access_token, refresh_token, token_type, expiry, scopes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (subject, connection) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), federated_tokens.refresh_token),
		    token_type = EXCLUDED.token_type,
		    expiry = EXCLUDED.expiry,
		    scopes = EXCLUDED.scopes,
		    updated_at = NOW()
	`, subject, connection, token.AccessToken, token.RefreshToken, token.TokenType, expiry, scopes)
	if err != nil {
		return fmt.Errorf("save %s token: %w", connection, err)
	}
	return nil
}

func (s *PostgresTokenStore) Load(ctx context.Context, subject, connection string) (StoredToken, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT connection, access_token, COALESCE(refresh_token, ''), COALESCE(token_type, ''), expiry, scopes, updated_at
		FROM federated_tokens
		WHERE subject = $1 AND connection = $2
	`, subject, connection)
	stored, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredToken{}, ErrNotConnected
	}
	if err != nil {
		return StoredToken{}, fmt.Errorf("load %s token: %w", connection, err)
	}
	return stored, nil
}

func (s *PostgresTokenStore) List(ctx context.Context, subject string) ([]StoredToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT connection, access_token, COALESCE(refresh_token, ''), COALESCE(token_type, ''), expiry, scopes, updated_at
		FROM federated_tokens
		WHERE subject = $1
		ORDER BY connection
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	defer rows.Close()

	out := make([]StoredToken, 0)
	for rows.Next() {
		stored, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		out = append(out, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return out, nil
}

func (s *PostgresTokenStore) Delete(ctx context.Context, subject, connection string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM federated_tokens WHERE subject = $1 AND connection = $2`, subject, connection); err != nil {
		return fmt.Errorf("delete %s token: %w", connection, err)
	}
	return nil
}

func scanToken(row pgx.Row) (StoredToken, error) {
	var (
		stored StoredToken
		token  oauth2.Token
		expiry *time.Time
	)
	if err := row.Scan(&stored.Connection, &token.AccessToken, &token.RefreshToken, &token.TokenType, &expiry, &stored.Scopes, &stored.UpdatedAt); err != nil {
		return StoredToken{}, err
	}
	if expiry != nil {
		token.Expiry = *expiry
	}
	stored.Token = &token
	return stored, nil
}

var _ TokenStore = (*PostgresTokenStore)(nil)
