package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var checkQueries = map[string]string{
	RelationOwner: `
		RETURN EXISTS { MATCH (:User {id: $user})-[:OWNER]->(:Doc {id: $object}) } AS allowed
	`,
	RelationViewer: `
		RETURN EXISTS { MATCH (:User {id: $user})-[:VIEWER]->(:Doc {id: $object}) }
		    OR EXISTS { MATCH (:User {id: $user})-[:MEMBER]->(:Group)-[:VIEWER]->(:Doc {id: $object}) } AS allowed
	`,
	RelationCanView: `
		RETURN EXISTS { MATCH (:User {id: $user})-[:OWNER|VIEWER]->(:Doc {id: $object}) }
		    OR EXISTS { MATCH (:User {id: $user})-[:MEMBER]->(:Group)-[:VIEWER]->(:Doc {id: $object}) } AS allowed
	`,
}

var listQueries = map[string]string{
	RelationOwner: `
		MATCH (:User {id: $user})-[:OWNER]->(d:Doc)
		RETURN DISTINCT d.id AS id ORDER BY id
	`,
	RelationViewer: `
		CALL {
			MATCH (:User {id: $user})-[:VIEWER]->(d:Doc) RETURN d
			UNION
			MATCH (:User {id: $user})-[:MEMBER]->(:Group)-[:VIEWER]->(d:Doc) RETURN d
		}
		RETURN DISTINCT d.id AS id ORDER BY id
	`,
	RelationCanView: `
		CALL {
			MATCH (:User {id: $user})-[:OWNER|VIEWER]->(d:Doc) RETURN d
			UNION
			MATCH (:User {id: $user})-[:MEMBER]->(:Group)-[:VIEWER]->(d:Doc) RETURN d
		}
		RETURN DISTINCT d.id AS id ORDER BY id
	`,
}

// Neo4jStore keeps tuples as graph edges.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jStore(driver neo4j.DriverWithContext) *Neo4jStore {
	return &Neo4jStore{driver: driver}
}

// EnsureConstraints creates the uniqueness constraints the tuple queries rely on.
func (s *Neo4jStore) EnsureConstraints(ctx context.Context) error {
	if s.driver == nil {
		return errors.New("neo4j driver is nil")
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, stmt := range []string{
		"CREATE CONSTRAINT authz_user_id IF NOT EXISTS FOR (u:User) REQUIRE u.id IS UNIQUE",
		"CREATE CONSTRAINT authz_group_id IF NOT EXISTS FOR (g:Group) REQUIRE g.id IS UNIQUE",
		"CREATE CONSTRAINT authz_doc_id IF NOT EXISTS FOR (d:Doc) REQUIRE d.id IS UNIQUE",
	} {
		result, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("create constraint: %w", err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("create constraint: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) Check(ctx context.Context, subject, object, relation string) (bool, error) {
	if s.driver == nil {
		return false, errors.New("neo4j driver is nil")
	}
	query, ok := checkQueries[relation]
	if !ok {
		return false, fmt.Errorf("check %s: %w", relation, ErrUnknownRelation)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, map[string]any{"user": subject, "object": object})
	if err != nil {
		return false, fmt.Errorf("run check query: %w", err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return false, fmt.Errorf("read check result: %w", err)
	}
	value, _ := record.Get("allowed")
	allowed, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected check result %T", value)
	}
	return allowed, nil
}

func (s *Neo4jStore) Write(ctx context.Context, tuples []Tuple) error {
	return s.apply(ctx, tuples, writeStatement)
}

func (s *Neo4jStore) Delete(ctx context.Context, tuples []Tuple) error {
	return s.apply(ctx, tuples, deleteStatement)
}

func (s *Neo4jStore) apply(ctx context.Context, tuples []Tuple, statement func(Tuple) (string, map[string]any)) error {
	if s.driver == nil {
		return errors.New("neo4j driver is nil")
	}
	for _, t := range tuples {
		if err := t.Validate(); err != nil {
			return err
		}
	}
	if len(tuples) == 0 {
		return nil
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, t := range tuples {
			query, params := statement(t)
			if _, err := tx.Run(ctx, query, params); err != nil {
				return nil, fmt.Errorf("apply tuple %s: %w", t, err)
			}
		}
		return nil, nil
	})
	return err
}

func writeStatement(t Tuple) (string, map[string]any) {
	switch {
	case t.Relation == RelationMember:
		return `
			MERGE (u:User {id: $user})
			MERGE (g:Group {id: $group})
			MERGE (u)-[:MEMBER]->(g)
		`, map[string]any{"user": t.User, "group": groupID(t.Object)}
	case isGroup(t.User):
		return `
			MERGE (g:Group {id: $group})
			MERGE (d:Doc {id: $object})
			MERGE (g)-[:VIEWER]->(d)
		`, map[string]any{"group": groupID(t.User), "object": t.Object}
	case t.Relation == RelationOwner:
		return `
			MERGE (u:User {id: $user})
			MERGE (d:Doc {id: $object})
			MERGE (u)-[:OWNER]->(d)
		`, map[string]any{"user": t.User, "object": t.Object}
	default:
		return `
			MERGE (u:User {id: $user})
			MERGE (d:Doc {id: $object})
			MERGE (u)-[:VIEWER]->(d)
		`, map[string]any{"user": t.User, "object": t.Object}
	}
}

func deleteStatement(t Tuple) (string, map[string]any) {
	switch {
	case t.Relation == RelationMember:
		return `
			MATCH (:User {id: $user})-[r:MEMBER]->(:Group {id: $group})
			DELETE r
		`, map[string]any{"user": t.User, "group": groupID(t.Object)}
	case isGroup(t.User):
		return `
			MATCH (:Group {id: $group})-[r:VIEWER]->(:Doc {id: $object})
			DELETE r
		`, map[string]any{"group": groupID(t.User), "object": t.Object}
	case t.Relation == RelationOwner:
		return `
			MATCH (:User {id: $user})-[r:OWNER]->(:Doc {id: $object})
			DELETE r
		`, map[string]any{"user": t.User, "object": t.Object}
	default:
		return `
			MATCH (:User {id: $user})-[r:VIEWER]->(:Doc {id: $object})
			DELETE r
		`, map[string]any{"user": t.User, "object": t.Object}
	}
}

// ListObjects returns the ids of every document on which subject holds relation.
func (s *Neo4jStore) ListObjects(ctx context.Context, subject, relation string) ([]string, error) {
	if s.driver == nil {
		return nil, errors.New("neo4j driver is nil")
	}
	query, ok := listQueries[relation]
	if !ok {
		return nil, fmt.Errorf("list objects %s: %w", relation, ErrUnknownRelation)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, map[string]any{"user": subject})
	if err != nil {
		return nil, fmt.Errorf("run list objects query: %w", err)
	}

	ids := make([]string, 0)
	for result.Next(ctx) {
		value, _ := result.Record().Get("id")
		if id, ok := value.(string); ok {
			ids = append(ids, id)
		}
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("list objects result error: %w", err)
	}
	return ids, nil
}

// DeleteObject removes a document node and every tuple that points at it.
func (s *Neo4jStore) DeleteObject(ctx context.Context, object string) error {
	if s.driver == nil {
		return errors.New("neo4j driver is nil")
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (d:Doc {id: $object}) DETACH DELETE d`, map[string]any{"object": object})
	if err != nil {
		return fmt.Errorf("delete document node: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("delete document node: %w", err)
	}
	return nil
}

// Purge removes every document node and the tuples attached to them. Users
// and groups are kept.
func (s *Neo4jStore) Purge(ctx context.Context) error {
	if s.driver == nil {
		return errors.New("neo4j driver is nil")
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, `MATCH (d:Doc) DETACH DELETE d`, nil)
	if err != nil {
		return fmt.Errorf("purge document nodes: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("purge document nodes: %w", err)
	}
	return nil
}

var _ Store = (*Neo4jStore)(nil)
