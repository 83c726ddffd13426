package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore keeps chunks in the rag_chunks table created by
// database.EnsureRAGSchema.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) InsertChunks(ctx context.Context, chunks []Chunk) (err error) {
	if s.pool == nil {
		return errors.New("postgres pool is nil")
	}
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		meta, marshalErr := json.Marshal(chunk.Metadata)
		if marshalErr != nil {
			return fmt.Errorf("encode metadata for chunk %d: %w", chunk.Index, marshalErr)
		}
		batch.Queue(`
            INSERT INTO rag_chunks (id, chunk_index, content, metadata, embedding)
            VALUES ($1, $2, $3, $4::jsonb, $5::vector)
        `, chunk.ID, chunk.Index, chunk.Text, string(meta), pgvector.NewVector(chunk.Embedding))
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunks: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, embedding []float32, topK int) ([]Candidate, error) {
	if s.pool == nil {
		return nil, errors.New("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, errors.New("embedding is empty")
	}
	if topK <= 0 {
		return []Candidate{}, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin similarity query: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// SET LOCAL ends with the transaction, so the pooled session keeps its default.
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", efSearchFor(topK))); err != nil {
		return nil, fmt.Errorf("set hnsw ef_search: %w", err)
	}

	rows, err := tx.Query(ctx, `
        SELECT id, chunk_index, content, metadata, (embedding <-> $1::vector) AS distance
        FROM rag_chunks
        ORDER BY distance, id
        LIMIT $2
    `, pgvector.NewVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Candidate, 0, topK)
	for rows.Next() {
		var (
			item     Candidate
			rawMeta  []byte
			distance float64
		)
		if err := rows.Scan(&item.Chunk.ID, &item.Chunk.Index, &item.Chunk.Text, &rawMeta, &distance); err != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", err)
		}
		meta := map[string]any{}
		if len(rawMeta) > 0 {
			if err := json.Unmarshal(rawMeta, &meta); err != nil {
				return nil, fmt.Errorf("decode metadata for chunk %s: %w", item.Chunk.ID, err)
			}
		}
		item.Chunk.Metadata = metadataFromAny(meta)
		item.Score = 1 / (1 + distance)
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar chunks: %w", err)
	}
	return results, nil
}

// efSearchFor sizes the HNSW candidate list for a LIMIT of topK.
func efSearchFor(topK int) int {
	return max(topK*4, 40)
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	if s.pool == nil {
		return errors.New("postgres pool is nil")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM rag_chunks WHERE metadata->>'document_id' = $1`, documentID); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	return nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("postgres pool is nil")
	}
	if _, err := s.pool.Exec(ctx, `TRUNCATE rag_chunks`); err != nil {
		return fmt.Errorf("truncate chunks: %w", err)
	}
	return nil
}

var _ VectorStore = (*PostgresStore)(nil)
