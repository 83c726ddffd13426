package rag

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RetrieveAuthorized returns the text of every retrieved passage whose source
// document subject may view, in retrieval rank order. A passage without a
// document id, or whose check fails or times out, is left out. topK <= 0 uses
// the configured default. When ctx is cancelled the context error is returned
// and no passages are.
func (idx *Index) RetrieveAuthorized(ctx context.Context, question, subject string, topK int) ([]string, error) {
	if idx.authorizer == nil {
		return nil, &RetrievalError{Op: "authorize", Err: errors.New("authorizer is not configured")}
	}
	if topK <= 0 {
		topK = idx.opts.DefaultTopK
	}

	candidates, err := idx.Retrieve(ctx, question, topK)
	if err != nil {
		return nil, err
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		idx.logger.Debug("no subject for authorized retrieval", zap.Int("candidates", len(candidates)))
		return []string{}, nil
	}

	allowed := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.opts.AuthzConcurrency)
	for i := range candidates {
		docID := candidates[i].Chunk.DocumentID()
		if docID == "" {
			idx.logger.Debug("skipping chunk without document id", zap.String("chunk_id", candidates[i].Chunk.ID))
			continue
		}
		if gctx.Err() != nil {
			break
		}
		i := i
		g.Go(func() error {
			allowed[i] = idx.canView(gctx, subject, docID)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	passages := make([]string, 0, len(candidates))
	for i, ok := range allowed {
		if ok {
			passages = append(passages, candidates[i].Chunk.Text)
		}
	}

	idx.logger.Debug("authorized retrieval",
		zap.String("subject", subject),
		zap.Int("candidates", len(candidates)),
		zap.Int("allowed", len(passages)),
	)
	return passages, nil
}

func (idx *Index) canView(ctx context.Context, subject, documentID string) bool {
	ctx, cancel := context.WithTimeout(ctx, idx.opts.CheckTimeout)
	defer cancel()

	ok, err := idx.authorizer.Check(ctx, subject, documentID, RelationCanView)
	if err != nil {
		idx.logger.Warn("authorization check failed, denying",
			zap.String("subject", subject),
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		return false
	}
	return ok
}
