package rag

import (
	"context"
	"sync"
	"sync/atomic"
)

// Shared builds the process-wide Index on first use. A failed build is not
// remembered, so the next Get tries again.
type Shared struct {
	mu    sync.Mutex
	index atomic.Pointer[Index]
	build func(context.Context) (*Index, error)
}

func NewShared(build func(context.Context) (*Index, error)) *Shared {
	return &Shared{build: build}
}

func (s *Shared) Get(ctx context.Context) (*Index, error) {
	if idx := s.index.Load(); idx != nil {
		return idx, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.index.Load(); idx != nil {
		return idx, nil
	}

	idx, err := s.build(ctx)
	if err != nil {
		return nil, err
	}
	s.index.Store(idx)
	return idx, nil
}

// RetrieveAuthorized builds the index if needed and delegates to it.
func (s *Shared) RetrieveAuthorized(ctx context.Context, question, subject string, topK int) ([]string, error) {
	idx, err := s.Get(ctx)
	if err != nil {
		return nil, err
	}
	return idx.RetrieveAuthorized(ctx, question, subject, topK)
}

func (s *Shared) Ingest(ctx context.Context, documentID, fileName, text string) error {
	idx, err := s.Get(ctx)
	if err != nil {
		return err
	}
	return idx.Ingest(ctx, documentID, fileName, text)
}

func (s *Shared) DeleteDocument(ctx context.Context, documentID string) error {
	idx, err := s.Get(ctx)
	if err != nil {
		return err
	}
	return idx.DeleteDocument(ctx, documentID)
}
