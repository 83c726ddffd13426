// Package authz answers relationship-based permission questions about
// documents. Relationship tuples live in Neo4j as edges between User, Group
// and Doc nodes.
package authz

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	RelationOwner   = "owner"
	RelationViewer  = "viewer"
	RelationMember  = "member"
	RelationCanView = "can_view"

	// GroupPrefix marks a group id, either as the object of a member tuple or
	// as the user of a viewer tuple.
	GroupPrefix = "group:"
)

var (
	ErrUnknownRelation = errors.New("unknown relation")
	ErrInvalidTuple    = errors.New("invalid tuple")
)

// Tuple states that User holds Relation on Object.
type Tuple struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

func (t Tuple) String() string {
	return t.User + "#" + t.Relation + "@" + t.Object
}

// Validate reports whether the tuple is one the store accepts.
func (t Tuple) Validate() error {
	if strings.TrimSpace(t.User) == "" || strings.TrimSpace(t.Object) == "" {
		return fmt.Errorf("%w %s: user and object are required", ErrInvalidTuple, t)
	}
	switch t.Relation {
	case RelationOwner, RelationViewer:
		if isGroup(t.Object) {
			return fmt.Errorf("%w %s: object must be a document", ErrInvalidTuple, t)
		}
		if isGroup(t.User) && t.Relation != RelationViewer {
			return fmt.Errorf("%w %s: groups can only be viewers", ErrInvalidTuple, t)
		}
	case RelationMember:
		if !isGroup(t.Object) || isGroup(t.User) {
			return fmt.Errorf("%w %s: member relates a user to a group", ErrInvalidTuple, t)
		}
	default:
		return fmt.Errorf("tuple %s: %w", t, ErrUnknownRelation)
	}
	return nil
}

func isGroup(id string) bool { return strings.HasPrefix(id, GroupPrefix) }

func groupID(id string) string { return strings.TrimPrefix(id, GroupPrefix) }

// Checker answers a single permission question.
type Checker interface {
	Check(ctx context.Context, subject, object, relation string) (bool, error)
}

// Store reads and writes relationship tuples.
type Store interface {
	Checker
	Write(ctx context.Context, tuples []Tuple) error
	Delete(ctx context.Context, tuples []Tuple) error
	ListObjects(ctx context.Context, subject, relation string) ([]string, error)
}
