package rag

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedBuildsOnce(t *testing.T) {
	var builds atomic.Int32
	shared := NewShared(func(context.Context) (*Index, error) {
		builds.Add(1)
		return NewIndex(&stubStore{}, &stubEmbedder{}, nil, Options{}, nil), nil
	})

	var wg sync.WaitGroup
	results := make([]*Index, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx, err := shared.Get(context.Background())
			if err == nil {
				results[i] = idx
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	for _, idx := range results {
		require.NotNil(t, idx)
		assert.Same(t, results[0], idx)
	}
}

func TestSharedRetriesAfterFailure(t *testing.T) {
	attempts := 0
	shared := NewShared(func(context.Context) (*Index, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("neo4j unreachable")
		}
		return NewIndex(&stubStore{}, &stubEmbedder{}, nil, Options{}, nil), nil
	})

	_, err := shared.Get(context.Background())
	require.Error(t, err)

	idx, err := shared.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, idx)
	assert.Equal(t, 2, attempts)
}

func TestSharedDelegatesToIndex(t *testing.T) {
	store := &stubStore{candidates: []Candidate{candidate("visible", "doc-1"), candidate("hidden", "doc-2")}}
	authorizer := &stubAuthorizer{allowed: grant("jane@example.com", "doc-1")}
	shared := NewShared(func(context.Context) (*Index, error) {
		return newTestIndex(store, &stubEmbedder{}, authorizer, Options{}), nil
	})
	ctx := context.Background()

	require.NoError(t, shared.Ingest(ctx, "doc-3", "notes.md", "some notes"))
	assert.Len(t, store.inserts, 1)

	passages, err := shared.RetrieveAuthorized(ctx, "question", "jane@example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"visible"}, passages)

	assert.NoError(t, shared.DeleteDocument(ctx, "doc-3"))
}

func TestSharedSurfacesBuildError(t *testing.T) {
	boom := errors.New("weaviate unreachable")
	shared := NewShared(func(context.Context) (*Index, error) { return nil, boom })

	_, err := shared.RetrieveAuthorized(context.Background(), "q", "jane@example.com", 0)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, shared.Ingest(context.Background(), "d", "f.md", "t"), boom)
}
