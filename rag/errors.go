package rag

import (
	"errors"
	"fmt"
)

// ErrInvalidInput marks a request rejected before any external call was made.
var ErrInvalidInput = errors.New("invalid input")

// IngestionError reports an embedding or persistence failure while writing a document.
type IngestionError struct {
	DocumentID string
	Op         string
	Err        error
}

func (e *IngestionError) Error() string {
	return fmt.Sprintf("ingest document %q: %s: %v", e.DocumentID, e.Op, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// RetrievalError reports an embedding or store failure while answering a query.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve: %s: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }
