package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/embeddings"
)

const (
	DefaultTopK             = 12
	DefaultAuthzConcurrency = 8
	DefaultCheckTimeout     = 2 * time.Second
)

type Options struct {
	ChunkSize        int
	ChunkOverlap     int
	DefaultTopK      int
	AuthzConcurrency int
	CheckTimeout     time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultTopK <= 0 {
		o.DefaultTopK = DefaultTopK
	}
	if o.AuthzConcurrency <= 0 {
		o.AuthzConcurrency = DefaultAuthzConcurrency
	}
	if o.CheckTimeout <= 0 {
		o.CheckTimeout = DefaultCheckTimeout
	}
	return o
}

// Index ties a vector store to an embedder and, for filtered retrieval, an authorizer.
type Index struct {
	store      VectorStore
	embedder   embeddings.Embedder
	authorizer Authorizer
	splitter   Splitter
	opts       Options
	logger     *zap.Logger
}

func NewIndex(store VectorStore, embedder embeddings.Embedder, authorizer Authorizer, opts Options, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Index{
		store:      store,
		embedder:   embedder,
		authorizer: authorizer,
		splitter:   NewSplitter(opts.ChunkSize, opts.ChunkOverlap),
		opts:       opts,
		logger:     logger,
	}
}

func (idx *Index) Store() VectorStore { return idx.store }

// Ingest chunks text, embeds every chunk in one call and submits all chunks to
// the store in one call. Each chunk carries document_id and file_name metadata.
func (idx *Index) Ingest(ctx context.Context, documentID, fileName, text string) error {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return &IngestionError{Op: "validate", Err: fmt.Errorf("%w: document id is required", ErrInvalidInput)}
	}
	if strings.TrimSpace(text) == "" {
		return &IngestionError{DocumentID: documentID, Op: "validate", Err: fmt.Errorf("%w: text is empty", ErrInvalidInput)}
	}

	pieces := idx.splitter.Split(text)
	vectors, err := idx.embedder.Embed(ctx, pieces)
	if err != nil {
		return &IngestionError{DocumentID: documentID, Op: "embed", Err: err}
	}
	if len(vectors) != len(pieces) {
		return &IngestionError{
			DocumentID: documentID,
			Op:         "embed",
			Err:        fmt.Errorf("expected %d embeddings, got %d", len(pieces), len(vectors)),
		}
	}

	chunks := make([]Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = Chunk{
			ID:        uuid.NewString(),
			Index:     i,
			Text:      piece,
			Embedding: vectors[i],
			Metadata: map[string]string{
				MetaDocumentID: documentID,
				MetaFileName:   fileName,
			},
		}
	}

	if err := idx.store.InsertChunks(ctx, chunks); err != nil {
		return &IngestionError{DocumentID: documentID, Op: "persist", Err: err}
	}

	idx.logger.Info("document indexed",
		zap.String("document_id", documentID),
		zap.String("file_name", fileName),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// Retrieve returns at most topK candidates, closest first.
func (idx *Index) Retrieve(ctx context.Context, query string, topK int) ([]Candidate, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &RetrievalError{Op: "validate", Err: fmt.Errorf("%w: query is empty", ErrInvalidInput)}
	}
	if topK <= 0 {
		return nil, &RetrievalError{Op: "validate", Err: fmt.Errorf("%w: top k must be positive", ErrInvalidInput)}
	}

	vectors, err := idx.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, &RetrievalError{Op: "embed", Err: err}
	}
	if len(vectors) != 1 {
		return nil, &RetrievalError{Op: "embed", Err: errors.New("no embedding returned for query")}
	}

	candidates, err := idx.store.Query(ctx, vectors[0], topK)
	if err != nil {
		return nil, &RetrievalError{Op: "query", Err: err}
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}

// DeleteDocument removes every chunk tagged with documentID.
func (idx *Index) DeleteDocument(ctx context.Context, documentID string) error {
	if err := idx.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return nil
}
