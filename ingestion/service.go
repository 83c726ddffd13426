package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/authz"
	"github.com/fabfab/go-assistant/rag"
)

// Indexer chunks, embeds and stores document text.
type Indexer interface {
	Ingest(ctx context.Context, documentID, fileName, text string) error
	DeleteDocument(ctx context.Context, documentID string) error
}

// TupleWriter records and removes document permissions.
type TupleWriter interface {
	Write(ctx context.Context, tuples ...authz.Tuple) error
	DeleteObject(ctx context.Context, object string) error
}

type Service struct {
	registry Registry
	index    Indexer
	tuples   TupleWriter
	logger   *zap.Logger
}

func NewService(registry Registry, index Indexer, tuples TupleWriter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{registry: registry, index: index, tuples: tuples, logger: logger}
}

// Result describes one ingested file. Created is false when identical content
// from the same owner was already registered.
type Result struct {
	Document Document `json:"document"`
	Created  bool     `json:"created"`
}

// IngestFile parses data, indexes it under a new document id and makes owner
// the document's owner.
func (s *Service) IngestFile(ctx context.Context, owner, fileName string, data []byte) (Result, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Result{}, fmt.Errorf("%w: owner is required", rag.ErrInvalidInput)
	}
	fileName = filepath.Base(strings.TrimSpace(fileName))

	parsed, err := Parse(ctx, Payload{FileName: fileName, Data: data})
	if err != nil {
		return Result{}, err
	}
	return s.IngestText(ctx, owner, fileName, parsed.Text)
}

// IngestText indexes already extracted text.
func (s *Service) IngestText(ctx context.Context, owner, fileName, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, fmt.Errorf("%w: document %s has no text", rag.ErrInvalidInput, fileName)
	}
	sum := sha256.Sum256([]byte(text))
	sha := hex.EncodeToString(sum[:])

	existing, found, err := s.registry.Find(ctx, owner, fileName, sha)
	if err != nil {
		return Result{}, err
	}
	if found {
		s.logger.Info("document unchanged, skipping", zap.String("file_name", fileName), zap.String("document_id", existing.ID))
		return Result{Document: existing}, nil
	}

	doc := Document{ID: uuid.NewString(), FileName: fileName, Owner: owner, SHA256: sha}
	if err := s.index.Ingest(ctx, doc.ID, fileName, text); err != nil {
		return Result{}, err
	}

	if err := s.registry.Insert(ctx, doc); err != nil {
		s.discard(ctx, doc.ID, false)
		return Result{}, err
	}

	// a document without an owner tuple must not stay registered
	if err := s.tuples.Write(ctx, authz.Tuple{User: owner, Relation: authz.RelationOwner, Object: doc.ID}); err != nil {
		s.discard(ctx, doc.ID, true)
		return Result{}, fmt.Errorf("grant owner on %s: %w", doc.ID, err)
	}

	s.logger.Info("document ingested",
		zap.String("document_id", doc.ID),
		zap.String("file_name", fileName),
		zap.String("owner", owner),
	)
	return Result{Document: doc, Created: true}, nil
}

// discard removes what a failed ingestion left behind. Failures are logged
// because the original error is the one returned.
func (s *Service) discard(ctx context.Context, documentID string, registered bool) {
	if err := s.index.DeleteDocument(ctx, documentID); err != nil {
		s.logger.Warn("remove orphaned chunks", zap.String("document_id", documentID), zap.Error(err))
	}
	if !registered {
		return
	}
	if err := s.registry.Delete(ctx, documentID); err != nil {
		s.logger.Warn("remove orphaned registry row", zap.String("document_id", documentID), zap.Error(err))
	}
}

type Summary struct {
	Ingested int
	Skipped  int
	Failed   int
}

// IngestDirectory ingests every supported file below dir on behalf of owner.
// A file that fails is logged and counted; the walk continues.
func (s *Service) IngestDirectory(ctx context.Context, dir, owner string) (Summary, error) {
	var summary Summary
	if _, err := os.Stat(dir); err != nil {
		return summary, fmt.Errorf("data directory: %w", err)
	}

	paths := make([]string, 0)
	if err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(path) != FormatUnknown {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return summary, fmt.Errorf("walk data directory: %w", err)
	}

	if len(paths) == 0 {
		s.logger.Info("no supported files found", zap.String("dir", dir))
		return summary, nil
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			summary.Failed++
			s.logger.Warn("read file failed", zap.String("path", path), zap.Error(err))
			continue
		}
		res, err := s.IngestFile(ctx, owner, path, data)
		switch {
		case err != nil:
			summary.Failed++
			s.logger.Warn("ingest failed", zap.String("path", path), zap.Error(err))
		case res.Created:
			summary.Ingested++
		default:
			summary.Skipped++
		}
	}
	return summary, nil
}

// Documents returns the registry rows for ids, newest first.
func (s *Service) Documents(ctx context.Context, ids []string) ([]Document, error) {
	return s.registry.List(ctx, ids)
}

func (s *Service) Document(ctx context.Context, id string) (Document, error) {
	return s.registry.Get(ctx, id)
}

// DeleteDocument removes a document's chunks, permissions and registry row.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	if err := s.index.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if err := s.tuples.DeleteObject(ctx, id); err != nil {
		return fmt.Errorf("delete permissions of %s: %w", id, err)
	}
	return s.registry.Delete(ctx, id)
}
