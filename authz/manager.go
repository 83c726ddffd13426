package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Manager is the process-wide entry point to the authorization service. It
// owns the tuple store and the decision cache in front of it.
type Manager struct {
	store   Store
	cache   *DecisionCache
	checker *CachedAuthorizer
	connect func(context.Context) error
	logger  *zap.Logger

	mu        sync.Mutex
	connected bool
}

// NewManager builds a Manager over a Neo4j driver. Connect must succeed once
// before the first check.
func NewManager(driver neo4j.DriverWithContext, cache *DecisionCache, logger *zap.Logger) *Manager {
	store := NewNeo4jStore(driver)
	return newManager(store, cache, func(ctx context.Context) error {
		if driver == nil {
			return fmt.Errorf("neo4j driver is nil")
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return fmt.Errorf("verify neo4j connectivity: %w", err)
		}
		return store.EnsureConstraints(ctx)
	}, logger)
}

func newManager(store Store, cache *DecisionCache, connect func(context.Context) error, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NewDecisionCache(0, 0)
	}
	return &Manager{
		store:   store,
		cache:   cache,
		checker: NewCachedAuthorizer(store, cache),
		connect: connect,
		logger:  logger,
	}
}

// Connect verifies the backing service once. Later calls return nil without
// dialing; a failed attempt is retried on the next call.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	if err := m.connect(ctx); err != nil {
		return fmt.Errorf("connect authorization service: %w", err)
	}
	m.connected = true
	m.logger.Info("authorization service connected")
	return nil
}

func (m *Manager) Check(ctx context.Context, subject, object, relation string) (bool, error) {
	return m.checker.Check(ctx, subject, object, relation)
}

func (m *Manager) Write(ctx context.Context, tuples ...Tuple) error {
	if err := m.store.Write(ctx, tuples); err != nil {
		return fmt.Errorf("write tuples: %w", err)
	}
	for _, t := range tuples {
		m.cache.InvalidateTuple(t)
		m.logger.Debug("tuple written", zap.String("tuple", t.String()))
	}
	return nil
}

func (m *Manager) Delete(ctx context.Context, tuples ...Tuple) error {
	if err := m.store.Delete(ctx, tuples); err != nil {
		return fmt.Errorf("delete tuples: %w", err)
	}
	for _, t := range tuples {
		m.cache.InvalidateTuple(t)
		m.logger.Debug("tuple deleted", zap.String("tuple", t.String()))
	}
	return nil
}

func (m *Manager) ListObjects(ctx context.Context, subject, relation string) ([]string, error) {
	return m.store.ListObjects(ctx, subject, relation)
}

// DeleteObject drops every tuple on object when the store supports it.
func (m *Manager) DeleteObject(ctx context.Context, object string) error {
	deleter, ok := m.store.(interface {
		DeleteObject(ctx context.Context, object string) error
	})
	if !ok {
		return fmt.Errorf("store %T cannot delete objects", m.store)
	}
	if err := deleter.DeleteObject(ctx, object); err != nil {
		return err
	}
	m.cache.InvalidateObject(object)
	return nil
}

// Purge drops every document tuple when the store supports it.
func (m *Manager) Purge(ctx context.Context) error {
	purger, ok := m.store.(interface {
		Purge(ctx context.Context) error
	})
	if !ok {
		return fmt.Errorf("store %T cannot purge documents", m.store)
	}
	if err := purger.Purge(ctx); err != nil {
		return err
	}
	m.cache.Clear()
	return nil
}

func (m *Manager) CacheStats() CacheStats { return m.cache.Stats() }
