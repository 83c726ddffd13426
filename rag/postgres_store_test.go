package rag

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/go-assistant/config"
	"github.com/fabfab/go-assistant/database"
)

func TestPostgresStoreRanking(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database integration tests")
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	ctx := context.Background()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN, 0)
	require.NoError(t, err)
	defer pool.Close()

	dim := cfg.Embeddings.Dimension
	require.NoError(t, database.EnsureRAGSchema(ctx, pool, dim))

	makeVector := func(weight float32) []float32 {
		vec := make([]float32, dim)
		vec[0] = weight
		return vec
	}

	docID := uuid.NewString()
	near := Chunk{ID: uuid.NewString(), Index: 0, Text: "near", Embedding: makeVector(1),
		Metadata: map[string]string{MetaDocumentID: docID, MetaFileName: "near.md"}}
	far := Chunk{ID: uuid.NewString(), Index: 1, Text: "far", Embedding: makeVector(40),
		Metadata: map[string]string{MetaFileName: "orphan.md"}}

	store := NewPostgresStore(pool)
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, "DELETE FROM rag_chunks WHERE id = ANY($1)", []string{near.ID, far.ID})
	})
	require.NoError(t, store.InsertChunks(ctx, []Chunk{far, near}))

	got, err := store.Query(ctx, makeVector(1), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].Chunk.Text)
	assert.Equal(t, docID, got[0].Chunk.DocumentID())
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.Equal(t, "", got[1].Chunk.DocumentID())

	require.NoError(t, store.DeleteDocument(ctx, docID))
	got, err = store.Query(ctx, makeVector(1), 2)
	require.NoError(t, err)
	for _, c := range got {
		assert.NotEqual(t, near.ID, c.Chunk.ID)
	}
}

func TestEfSearchFor(t *testing.T) {
	assert.Equal(t, 40, efSearchFor(1))
	assert.Equal(t, 40, efSearchFor(10))
	assert.Equal(t, 200, efSearchFor(50))
}

func TestPostgresStoreQueryKeepsSessionSettings(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database integration tests")
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	ctx := context.Background()

	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN, 1)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, database.EnsureRAGSchema(ctx, pool, cfg.Embeddings.Dimension))

	var before string
	require.NoError(t, pool.QueryRow(ctx, "SHOW hnsw.ef_search").Scan(&before))

	_, err = NewPostgresStore(pool).Query(ctx, make([]float32, cfg.Embeddings.Dimension), 100)
	require.NoError(t, err)

	var after string
	require.NoError(t, pool.QueryRow(ctx, "SHOW hnsw.ef_search").Scan(&after))
	assert.Equal(t, before, after)
}
