package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

const weaviateBatchSize = 200

// WeaviateStore keeps chunks as objects of a single class with caller-supplied
// vectors. Chunk metadata is flattened into the documentId and fileName properties.
type WeaviateStore struct {
	client    *weaviate.Client
	className string
}

func NewWeaviateStore(ctx context.Context, host, apiKey, className string) (*WeaviateStore, error) {
	scheme := "http"
	if strings.HasPrefix(host, "https://") {
		scheme = "https"
	}
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")
	if host == "" {
		return nil, errors.New("weaviate host is required")
	}
	if className == "" {
		className = "Chunk"
	}

	cfg := weaviate.Config{Host: host, Scheme: scheme}
	if apiKey != "" {
		cfg.AuthConfig = auth.ApiKey{Value: apiKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	s := &WeaviateStore{client: client, className: className}
	if err := s.ensureClass(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WeaviateStore) classObject() *models.Class {
	return &models.Class{
		Class:      s.className,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "chunkId", DataType: []string{"text"}},
			{Name: "chunkIndex", DataType: []string{"int"}},
			{Name: "content", DataType: []string{"text"}},
			{Name: "documentId", DataType: []string{"text"}},
			{Name: "fileName", DataType: []string{"text"}},
		},
		VectorIndexType: "hnsw",
	}
}

func (s *WeaviateStore) ensureClass(ctx context.Context) error {
	schema, err := s.client.Schema().Getter().Do(ctx)
	if err != nil {
		return fmt.Errorf("get weaviate schema: %w", err)
	}
	for _, class := range schema.Classes {
		if class.Class == s.className {
			return nil
		}
	}
	if err := s.client.Schema().ClassCreator().WithClass(s.classObject()).Do(ctx); err != nil {
		return fmt.Errorf("create weaviate class %s: %w", s.className, err)
	}
	return nil
}

func (s *WeaviateStore) InsertChunks(ctx context.Context, chunks []Chunk) error {
	for i := 0; i < len(chunks); i += weaviateBatchSize {
		end := i + weaviateBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		batcher := s.client.Batch().ObjectsBatcher()
		for _, chunk := range chunks[i:end] {
			batcher = batcher.WithObjects(&models.Object{
				Class: s.className,
				Properties: map[string]interface{}{
					"chunkId":    chunk.ID,
					"chunkIndex": chunk.Index,
					"content":    chunk.Text,
					"documentId": chunk.Metadata[MetaDocumentID],
					"fileName":   chunk.Metadata[MetaFileName],
				},
				Vector: chunk.Embedding,
			})
		}

		resp, err := batcher.Do(ctx)
		if err != nil {
			return fmt.Errorf("insert chunk batch %d-%d: %w", i, end, err)
		}
		for _, item := range resp {
			if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
				return fmt.Errorf("insert chunk batch %d-%d: %s", i, end, item.Result.Errors.Error[0].Message)
			}
		}
	}
	return nil
}

func (s *WeaviateStore) Query(ctx context.Context, embedding []float32, topK int) ([]Candidate, error) {
	if len(embedding) == 0 {
		return nil, errors.New("embedding is empty")
	}
	if topK <= 0 {
		return []Candidate{}, nil
	}

	fields := []graphql.Field{
		{Name: "chunkId"},
		{Name: "chunkIndex"},
		{Name: "content"},
		{Name: "documentId"},
		{Name: "fileName"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}}},
	}
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(embedding)

	result, err := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("query similar chunks: %s", result.Errors[0].Message)
	}

	get, _ := result.Data["Get"].(map[string]interface{})
	items, _ := get[s.className].([]interface{})
	candidates := make([]Candidate, 0, len(items))
	for _, raw := range items {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		chunk := Chunk{
			ID:       stringProp(obj, "chunkId"),
			Text:     stringProp(obj, "content"),
			Metadata: map[string]string{},
		}
		if idx, ok := obj["chunkIndex"].(float64); ok {
			chunk.Index = int(idx)
		}
		if v := stringProp(obj, "documentId"); v != "" {
			chunk.Metadata[MetaDocumentID] = v
		}
		if v := stringProp(obj, "fileName"); v != "" {
			chunk.Metadata[MetaFileName] = v
		}

		var distance float64
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			distance, _ = additional["distance"].(float64)
		}
		candidates = append(candidates, Candidate{Chunk: chunk, Score: 1 / (1 + distance)})
	}
	return candidates, nil
}

func (s *WeaviateStore) DeleteDocument(ctx context.Context, documentID string) error {
	where := filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueText(documentID)
	if _, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(s.className).
		WithWhere(where).
		Do(ctx); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", documentID, err)
	}
	return nil
}

func (s *WeaviateStore) Reset(ctx context.Context) error {
	if err := s.client.Schema().ClassDeleter().WithClassName(s.className).Do(ctx); err != nil {
		return fmt.Errorf("delete weaviate class %s: %w", s.className, err)
	}
	return s.ensureClass(ctx)
}

func stringProp(obj map[string]interface{}, key string) string {
	v, _ := obj[key].(string)
	return v
}

var _ VectorStore = (*WeaviateStore)(nil)
