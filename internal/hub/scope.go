package hub

import (
	"fmt"

	"github.com/allanbatista/mu-core-server/internal/directory"
)

// ScopeKind distinguishes the breadth of a pub/sub scope: one map instance, one entry point cluster, or an entire
// world.
type ScopeKind uint8

const (
	ScopeLocalMap ScopeKind = iota
	ScopeEntry
	ScopeWorld
)

// Scope identifies one pub/sub topic. Only the fields relevant to Kind are meaningful.
type Scope struct {
	Kind    ScopeKind
	WorldID uint16
	EntryID uint16
	Route   directory.RouteKey
}

// LocalMap scopes a message to exactly one map instance, for chat channel "local" and AOI-adjacent broadcast.
func LocalMap(route directory.RouteKey) Scope {
	return Scope{Kind: ScopeLocalMap, Route: route}
}

// Entry scopes a message to every map instance behind one entry point, for entry-wide system announcements.
func Entry(worldID, entryID uint16) Scope {
	return Scope{Kind: ScopeEntry, WorldID: worldID, EntryID: entryID}
}

// World scopes a message to an entire world, for chat channel "world" and world-wide broadcasts.
func World(worldID uint16) Scope {
	return Scope{Kind: ScopeWorld, WorldID: worldID}
}

// key returns the topic's lookup key, a "kind:ids" string.
func (s Scope) key() string {
	switch s.Kind {
	case ScopeLocalMap:
		return fmt.Sprintf("local:%d:%d:%d:%d", s.Route.WorldID, s.Route.EntryID, s.Route.MapID, s.Route.InstanceID)
	case ScopeEntry:
		return fmt.Sprintf("entry:%d:%d", s.WorldID, s.EntryID)
	case ScopeWorld:
		return fmt.Sprintf("world:%d", s.WorldID)
	default:
		return fmt.Sprintf("unknown:%d", s.Kind)
	}
}
