// Package rag stores document chunks as embeddings and answers similarity
// queries, optionally filtered by a per-document authorization check.
package rag

import (
	"context"
	"fmt"
	"strings"
)

const (
	MetaDocumentID = "document_id"
	MetaFileName   = "file_name"

	// RelationCanView is the relation checked for every retrieved passage.
	RelationCanView = "can_view"
)

// Chunk is an immutable slice of a document's text together with its embedding.
type Chunk struct {
	ID        string
	Index     int
	Text      string
	Embedding []float32
	Metadata  map[string]string
}

// DocumentID returns the owning document id from metadata, or "" when absent.
func (c Chunk) DocumentID() string {
	if c.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(c.Metadata[MetaDocumentID])
}

// Candidate is a chunk returned by a similarity query. Higher Score is closer.
type Candidate struct {
	Chunk Chunk
	Score float64
}

// VectorStore persists chunks and returns nearest neighbours, closest first.
type VectorStore interface {
	// InsertChunks stores every chunk of one ingestion as a single submission.
	InsertChunks(ctx context.Context, chunks []Chunk) error
	Query(ctx context.Context, embedding []float32, topK int) ([]Candidate, error)
	DeleteDocument(ctx context.Context, documentID string) error
	Reset(ctx context.Context) error
}

// Authorizer answers whether subject holds relation on object.
type Authorizer interface {
	Check(ctx context.Context, subject, object, relation string) (bool, error)
}

// metadataFromAny converts decoded JSON metadata into the string map chunks carry.
// Null values are dropped so that a null document_id reads as absent.
func metadataFromAny(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			out[key] = v
		default:
			out[key] = fmt.Sprint(v)
		}
	}
	return out
}
