package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrDocumentNotFound = errors.New("document not found")

// Document is a registry row. Chunks reference it only through metadata.
type Document struct {
	ID        string    `json:"id"`
	FileName  string    `json:"file_name"`
	Owner     string    `json:"owner"`
	SHA256    string    `json:"sha256"`
	CreatedAt time.Time `json:"created_at"`
}

type Registry interface {
	// Find looks up a previous ingestion of identical content by the same owner.
	Find(ctx context.Context, owner, fileName, sha string) (Document, bool, error)
	Insert(ctx context.Context, doc Document) error
	Get(ctx context.Context, id string) (Document, error)
	List(ctx context.Context, ids []string) ([]Document, error)
	Delete(ctx context.Context, id string) error
}

type PostgresRegistry struct {
	pool *pgxpool.Pool
}

func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

func (r *PostgresRegistry) Find(ctx context.Context, owner, fileName, sha string) (Document, bool, error) {
	var doc Document
	err := r.pool.QueryRow(ctx, `
		SELECT id, file_name, owner, sha256, created_at
		FROM rag_documents
		WHERE owner = $1 AND file_name = $2 AND sha256 = $3
	`, owner, fileName, sha).Scan(&doc.ID, &doc.FileName, &doc.Owner, &doc.SHA256, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("query document: %w", err)
	}
	return doc, true, nil
}

func (r *PostgresRegistry) Insert(ctx context.Context, doc Document) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO rag_documents (id, file_name, owner, sha256, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, doc.ID, doc.FileName, doc.Owner, doc.SHA256); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (Document, error) {
	var doc Document
	err := r.pool.QueryRow(ctx, `
		SELECT id, file_name, owner, sha256, created_at
		FROM rag_documents
		WHERE id = $1
	`, id).Scan(&doc.ID, &doc.FileName, &doc.Owner, &doc.SHA256, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("query document: %w", err)
	}
	return doc, nil
}

func (r *PostgresRegistry) List(ctx context.Context, ids []string) ([]Document, error) {
	docs := make([]Document, 0, len(ids))
	if len(ids) == 0 {
		return docs, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, file_name, owner, sha256, created_at
		FROM rag_documents
		WHERE id::text = ANY($1)
		ORDER BY created_at DESC, id
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.FileName, &doc.Owner, &doc.SHA256, &doc.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func (r *PostgresRegistry) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM rag_documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)
