package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureRAGSchema creates the document registry and the chunk table. Chunks are
// bound to their document only through metadata->>'document_id'; there is no
// foreign key, so readers must not assume the key is present.
func EnsureRAGSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS rag_documents (
			id UUID PRIMARY KEY,
			file_name TEXT NOT NULL,
			owner TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(owner, file_name, sha256)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			id UUID PRIMARY KEY,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_document ON rag_chunks((metadata->>'document_id'))",
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_embedding ON rag_chunks USING hnsw (embedding vector_l2_ops)",
	}

	return execAll(ctx, pool, stmts)
}

// EnsureAppSchema creates the tables behind sessions and federated connections.
func EnsureAppSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_sessions (
			id UUID PRIMARY KEY,
			subject TEXT NOT NULL,
			email TEXT NOT NULL,
			access_token TEXT NOT NULL,
			id_token TEXT,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		"CREATE INDEX IF NOT EXISTS idx_user_sessions_expiry ON user_sessions(expires_at)",
		`CREATE TABLE IF NOT EXISTS federated_tokens (
			subject TEXT NOT NULL,
			connection TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT,
			token_type TEXT,
			expiry TIMESTAMPTZ,
			scopes TEXT[] NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (subject, connection)
		)`,
	}

	return execAll(ctx, pool, stmts)
}

func execAll(ctx context.Context, pool *pgxpool.Pool, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}
