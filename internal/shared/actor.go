package shared

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role enumerates the team roles the identity collaborator resolves.
// The governance core never looks roles up itself; callers supply them.
type Role string

const (
	RoleTreasurer          Role = "TREASURER"
	RoleAssistantTreasurer Role = "ASSISTANT_TREASURER"
	RolePresident          Role = "PRESIDENT"
	RoleBoardMember        Role = "BOARD_MEMBER"
	RoleParent             Role = "PARENT"
)

// ActorType distinguishes user-initiated from system-initiated mutations.
type ActorType string

const (
	ActorTypeUser   ActorType = "USER"
	ActorTypeSystem ActorType = "SYSTEM"
)

// Actor identifies who is performing a governance operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// ParseRole validates a caller-supplied role string.
func ParseRole(raw string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(raw))); r {
	case RoleTreasurer, RoleAssistantTreasurer, RolePresident, RoleBoardMember, RoleParent:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

type actorContextKey struct{}

// ContextWithActor stores the resolved actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
