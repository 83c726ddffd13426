package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabfab/go-assistant/agent"
	"github.com/fabfab/go-assistant/authz"
	"github.com/fabfab/go-assistant/config"
	"github.com/fabfab/go-assistant/connections"
	"github.com/fabfab/go-assistant/database"
	"github.com/fabfab/go-assistant/embeddings"
	"github.com/fabfab/go-assistant/ingestion"
	"github.com/fabfab/go-assistant/llm"
	"github.com/fabfab/go-assistant/rag"
)

// runtime holds the backing services shared by the server and the operator
// commands.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger

	pool   *pgxpool.Pool
	driver neo4j.DriverWithContext

	authz     *authz.Manager
	index     *rag.Shared
	documents *ingestion.Service
}

func openRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime, error) {
	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PostgresMaxConns)
	if err != nil {
		return nil, err
	}
	if err := database.EnsureRAGSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure rag schema: %w", err)
	}
	if err := database.EnsureAppSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure app schema: %w", err)
	}

	driver, err := database.NewNeo4jDriver(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass, cfg.Neo4jMaxPool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	cache := authz.NewDecisionCache(cfg.Authz.CacheSize, cfg.Authz.CacheTTL)
	manager := authz.NewManager(driver, cache, logger.Named("authz"))
	if err := manager.Connect(ctx); err != nil {
		_ = driver.Close(ctx)
		pool.Close()
		return nil, err
	}

	rt := &runtime{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		driver: driver,
		authz:  manager,
	}
	rt.index = rag.NewShared(rt.buildIndex)
	rt.documents = ingestion.NewService(ingestion.NewPostgresRegistry(pool), rt.index, manager, logger.Named("ingestion"))
	return rt, nil
}

func (rt *runtime) buildIndex(ctx context.Context) (*rag.Index, error) {
	embedder, err := embeddings.NewEmbedder(rt.cfg)
	if err != nil {
		return nil, fmt.Errorf("embedder setup: %w", err)
	}
	store, err := rt.vectorStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.logger.Info("vector index ready",
		zap.String("store", rt.cfg.RAG.VectorStore),
		zap.String("embeddings", rt.cfg.Embeddings.Provider+"/"+rt.cfg.Embeddings.Model),
	)
	return rag.NewIndex(store, embedder, rt.authz, rag.Options{
		ChunkSize:        rt.cfg.RAG.ChunkSize,
		ChunkOverlap:     rt.cfg.RAG.ChunkOverlap,
		DefaultTopK:      rt.cfg.RAG.TopK,
		AuthzConcurrency: rt.cfg.RAG.AuthzConcurrency,
		CheckTimeout:     rt.cfg.Authz.CheckTimeout,
	}, rt.logger.Named("rag")), nil
}

func (rt *runtime) vectorStore(ctx context.Context) (rag.VectorStore, error) {
	switch rt.cfg.RAG.VectorStore {
	case config.VectorStoreWeaviate:
		store, err := rag.NewWeaviateStore(ctx, rt.cfg.RAG.WeaviateHost, rt.cfg.RAG.WeaviateAPIKey, rt.cfg.RAG.WeaviateClassName)
		if err != nil {
			return nil, fmt.Errorf("weaviate store: %w", err)
		}
		return store, nil
	case config.VectorStorePGVector, "":
		return rag.NewPostgresStore(rt.pool), nil
	default:
		return nil, fmt.Errorf("unknown vector store: %s", rt.cfg.RAG.VectorStore)
	}
}

func (rt *runtime) connections() *connections.Manager {
	return connections.NewManager(
		connections.NewPostgresTokenStore(rt.pool),
		rt.logger.Named("connections"),
		connections.ProvidersFromConfig(rt.cfg)...,
	)
}

// assistant builds the agent with every tool registered.
func (rt *runtime) assistant(users agent.UserInfoFetcher, conns agent.Connections) (*agent.Agent, error) {
	client, err := llm.NewClient(rt.cfg)
	if err != nil {
		return nil, fmt.Errorf("llm setup: %w", err)
	}
	tools, err := agent.NewRegistry(
		agent.UserInfoTool(users),
		agent.ContextDocsTool(rt.index, rt.cfg.RAG.TopK),
		agent.CalendarTool(conns, time.Now),
		agent.RepositoriesTool(conns, ""),
		agent.ShopOnlineTool(),
	)
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	return agent.New(client, tools, rt.cfg.LLM.MaxSteps, rt.logger.Named("agent")), nil
}

func (rt *runtime) Close(ctx context.Context) {
	if err := rt.driver.Close(ctx); err != nil {
		rt.logger.Warn("close neo4j driver", zap.Error(err))
	}
	rt.pool.Close()
	_ = rt.logger.Sync()
}

// withRuntime opens the backing services for one command invocation and
// closes them when fn returns. Interrupts cancel the context passed to fn.
func withRuntime(cmd *cobra.Command, flags *globalFlags, fn func(context.Context, *runtime) error) error {
	cfg, logger, err := flags.setup()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	return fn(ctx, rt)
}
