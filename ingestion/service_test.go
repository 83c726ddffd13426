package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fabfab/go-assistant/authz"
	"github.com/fabfab/go-assistant/rag"
)

type memoryRegistry struct {
	mu   sync.Mutex
	docs map[string]Document
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{docs: map[string]Document{}}
}

func (r *memoryRegistry) Find(_ context.Context, owner, fileName, sha string) (Document, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.docs {
		if d.Owner == owner && d.FileName == fileName && d.SHA256 == sha {
			return d, true, nil
		}
	}
	return Document{}, false, nil
}

func (r *memoryRegistry) Insert(_ context.Context, doc Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
	return nil
}

func (r *memoryRegistry) Get(_ context.Context, id string) (Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[id]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return d, nil
}

func (r *memoryRegistry) List(_ context.Context, ids []string) ([]Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Document{}
	for _, id := range ids {
		if d, ok := r.docs[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

type stubIndexer struct {
	ingested map[string]string
	deleted  []string
	err      error
}

func (s *stubIndexer) Ingest(_ context.Context, documentID, _, text string) error {
	if s.err != nil {
		return s.err
	}
	if s.ingested == nil {
		s.ingested = map[string]string{}
	}
	s.ingested[documentID] = text
	return nil
}

func (s *stubIndexer) DeleteDocument(_ context.Context, documentID string) error {
	s.deleted = append(s.deleted, documentID)
	delete(s.ingested, documentID)
	return nil
}

type stubTuples struct {
	written  []authz.Tuple
	deleted  []string
	failNext error
}

func (s *stubTuples) Write(_ context.Context, tuples ...authz.Tuple) error {
	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}
	s.written = append(s.written, tuples...)
	return nil
}

func (s *stubTuples) DeleteObject(_ context.Context, object string) error {
	s.deleted = append(s.deleted, object)
	return nil
}

func TestIngestFileGrantsOwner(t *testing.T) {
	registry := newMemoryRegistry()
	index := &stubIndexer{}
	tuples := &stubTuples{}
	svc := NewService(registry, index, tuples, zaptest.NewLogger(t))

	res, err := svc.IngestFile(context.Background(), "ada@example.com", "notes.md", []byte("# Notes\n\nHello"))
	require.NoError(t, err)
	require.True(t, res.Created)

	assert.Equal(t, "Notes\n\nHello", index.ingested[res.Document.ID])
	assert.Equal(t, []authz.Tuple{{User: "ada@example.com", Relation: authz.RelationOwner, Object: res.Document.ID}}, tuples.written)

	stored, err := registry.Get(context.Background(), res.Document.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes.md", stored.FileName)
}

func TestIngestFileSkipsDuplicates(t *testing.T) {
	index := &stubIndexer{}
	svc := NewService(newMemoryRegistry(), index, &stubTuples{}, zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := svc.IngestFile(ctx, "ada@example.com", "a.txt", []byte("same text"))
	require.NoError(t, err)
	second, err := svc.IngestFile(ctx, "ada@example.com", "a.txt", []byte("same text"))
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Document.ID, second.Document.ID)
	assert.Len(t, index.ingested, 1)

	third, err := svc.IngestFile(ctx, "bob@example.com", "a.txt", []byte("same text"))
	require.NoError(t, err)
	assert.True(t, third.Created)
}

func TestIngestFileIndexFailureRegistersNothing(t *testing.T) {
	registry := newMemoryRegistry()
	tuples := &stubTuples{}
	svc := NewService(registry, &stubIndexer{err: errors.New("embedding down")}, tuples, zaptest.NewLogger(t))

	_, err := svc.IngestFile(context.Background(), "ada@example.com", "a.txt", []byte("text"))
	require.Error(t, err)
	assert.Empty(t, registry.docs)
	assert.Empty(t, tuples.written)
}

func TestIngestFileOwnerGrantFailureRollsBack(t *testing.T) {
	registry := newMemoryRegistry()
	index := &stubIndexer{}
	tuples := &stubTuples{failNext: errors.New("neo4j unavailable")}
	svc := NewService(registry, index, tuples, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := svc.IngestFile(ctx, "ada@example.com", "notes.md", []byte("# Notes\n\nHello"))
	require.Error(t, err)
	assert.Empty(t, registry.docs)
	assert.Empty(t, index.ingested)
	assert.Len(t, index.deleted, 1)

	res, err := svc.IngestFile(ctx, "ada@example.com", "notes.md", []byte("# Notes\n\nHello"))
	require.NoError(t, err)
	assert.True(t, res.Created)
	require.Len(t, tuples.written, 1)
	assert.Equal(t, authz.Tuple{User: "ada@example.com", Relation: authz.RelationOwner, Object: res.Document.ID}, tuples.written[0])
}

func TestIngestFileValidation(t *testing.T) {
	svc := NewService(newMemoryRegistry(), &stubIndexer{}, &stubTuples{}, zaptest.NewLogger(t))

	_, err := svc.IngestFile(context.Background(), " ", "a.txt", []byte("text"))
	assert.ErrorIs(t, err, rag.ErrInvalidInput)

	_, err = svc.IngestFile(context.Background(), "ada@example.com", "a.txt", []byte("   "))
	assert.ErrorIs(t, err, rag.ErrInvalidInput)

	_, err = svc.IngestFile(context.Background(), "ada@example.com", "a.exe", []byte("text"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestIngestDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("# A\n\nalpha"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.txt"), []byte("bravo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), []byte("  "), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.bin"), []byte{1, 2}, 0o644))

	index := &stubIndexer{}
	svc := NewService(newMemoryRegistry(), index, &stubTuples{}, zaptest.NewLogger(t))

	summary, err := svc.IngestDirectory(context.Background(), dir, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, Summary{Ingested: 2, Failed: 1}, summary)

	summary, err = svc.IngestDirectory(context.Background(), dir, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 2, Failed: 1}, summary)
}

func TestIngestDirectoryMissing(t *testing.T) {
	svc := NewService(newMemoryRegistry(), &stubIndexer{}, &stubTuples{}, zaptest.NewLogger(t))
	_, err := svc.IngestDirectory(context.Background(), filepath.Join(t.TempDir(), "missing"), "ada@example.com")
	assert.Error(t, err)
}

func TestDeleteDocument(t *testing.T) {
	registry := newMemoryRegistry()
	index := &stubIndexer{}
	tuples := &stubTuples{}
	svc := NewService(registry, index, tuples, zaptest.NewLogger(t))

	res, err := svc.IngestFile(context.Background(), "ada@example.com", "a.txt", []byte("text"))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteDocument(context.Background(), res.Document.ID))
	assert.Equal(t, []string{res.Document.ID}, index.deleted)
	assert.Equal(t, []string{res.Document.ID}, tuples.deleted)
	_, err = registry.Get(context.Background(), res.Document.ID)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}
