// Package graph indexes an enumerated subvolume set by UUID and exposes
// the parent/child/sibling/descendant/relative queries the strategy
// engine needs. For the small subvolume counts this tool expects
// (typically under 1000, per spec), adjacency is pre-computed once at
// construction rather than scanned per query.
package graph

import (
	"github.com/google/uuid"

	"github.com/deploymenttheory/btrfsclone/internal/subvolume"
)

// Graph is a mapping uuid -> Subvolume plus pre-computed child adjacency.
type Graph struct {
	byUUID       map[uuid.UUID]*subvolume.Subvolume
	childrenOf   map[uuid.UUID][]*subvolume.Subvolume
	orderedUUIDs []uuid.UUID // insertion order, for deterministic iteration
}

// New builds a Graph from an enumerated subvolume set.
func New(subvols []*subvolume.Subvolume) *Graph {
	g := &Graph{
		byUUID:     make(map[uuid.UUID]*subvolume.Subvolume, len(subvols)),
		childrenOf: make(map[uuid.UUID][]*subvolume.Subvolume, len(subvols)),
	}
	for _, s := range subvols {
		g.byUUID[s.UUID] = s
		g.orderedUUIDs = append(g.orderedUUIDs, s.UUID)
	}
	for _, s := range subvols {
		if s.HasParentUUID() {
			g.childrenOf[s.ParentUUID] = append(g.childrenOf[s.ParentUUID], s)
		}
	}
	return g
}

// All returns every subvolume in enumeration order.
func (g *Graph) All() []*subvolume.Subvolume {
	out := make([]*subvolume.Subvolume, 0, len(g.orderedUUIDs))
	for _, u := range g.orderedUUIDs {
		out = append(out, g.byUUID[u])
	}
	return out
}

// Get looks up a subvolume by UUID; ok is false if absent from the graph.
func (g *Graph) Get(u uuid.UUID) (*subvolume.Subvolume, bool) {
	s, ok := g.byUUID[u]
	return s, ok
}

// Parents walks ParentUUID upward while the referent is present in the
// graph, nearest first. It terminates when ParentUUID is absent or not
// present, so it is always finite even over a malformed lineage.
func (g *Graph) Parents(s *subvolume.Subvolume) []*subvolume.Subvolume {
	var out []*subvolume.Subvolume
	cur := s
	seen := map[uuid.UUID]bool{cur.UUID: true}
	for cur.HasParentUUID() {
		next, ok := g.byUUID[cur.ParentUUID]
		if !ok || seen[next.UUID] {
			break
		}
		out = append(out, next)
		seen[next.UUID] = true
		cur = next
	}
	return out
}

// Children returns every subvolume whose ParentUUID equals u, regardless
// of whether u itself is present in the graph -- an orphan root (a
// missing UUID) can still enumerate its children.
func (g *Graph) Children(u uuid.UUID) []*subvolume.Subvolume {
	return g.childrenOf[u]
}

// ChildrenOf is a convenience wrapper over Children for a present
// subvolume.
func (g *Graph) ChildrenOf(s *subvolume.Subvolume) []*subvolume.Subvolume {
	return g.Children(s.UUID)
}

// Descendants returns the transitive closure of Children.
func (g *Graph) Descendants(s *subvolume.Subvolume) []*subvolume.Subvolume {
	var out []*subvolume.Subvolume
	var walk func(uuid.UUID)
	visited := map[uuid.UUID]bool{}
	walk = func(u uuid.UUID) {
		for _, c := range g.Children(u) {
			if visited[c.UUID] {
				continue
			}
			visited[c.UUID] = true
			out = append(out, c)
			walk(c.UUID)
		}
	}
	walk(s.UUID)
	return out
}

// Siblings returns subvolumes sharing s's ParentUUID, excluding s.
func (g *Graph) Siblings(s *subvolume.Subvolume) []*subvolume.Subvolume {
	var out []*subvolume.Subvolume
	for _, c := range g.Children(s.ParentUUID) {
		if c.UUID != s.UUID {
			out = append(out, c)
		}
	}
	return out
}

// Roots returns subvolumes with no ParentUUID or whose ParentUUID is not
// present in the graph.
func (g *Graph) Roots() []*subvolume.Subvolume {
	var out []*subvolume.Subvolume
	for _, u := range g.orderedUUIDs {
		s := g.byUUID[u]
		if !s.HasParentUUID() {
			out = append(out, s)
			continue
		}
		if _, ok := g.byUUID[s.ParentUUID]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// Relatives returns the set used by the BRUTEFORCE strategy: take the
// oldest present ancestor A of s; if A itself has a ParentUUID, use that
// UUID as the root key, otherwise use A's own UUID. Yield A (if distinct
// from s) and all descendants of that root key, excluding s.
func (g *Graph) Relatives(s *subvolume.Subvolume) []*subvolume.Subvolume {
	ancestors := g.Parents(s)
	var oldest *subvolume.Subvolume
	if len(ancestors) > 0 {
		oldest = ancestors[len(ancestors)-1]
	}

	var rootKey uuid.UUID
	switch {
	case oldest == nil:
		rootKey = s.UUID
	case oldest.HasParentUUID():
		rootKey = oldest.ParentUUID
	default:
		rootKey = oldest.UUID
	}

	var out []*subvolume.Subvolume
	seen := map[uuid.UUID]bool{s.UUID: true}
	if oldest != nil && oldest.UUID != s.UUID && !seen[oldest.UUID] {
		out = append(out, oldest)
		seen[oldest.UUID] = true
	}
	for _, d := range g.descendantsOf(rootKey) {
		if !seen[d.UUID] {
			out = append(out, d)
			seen[d.UUID] = true
		}
	}
	return out
}

func (g *Graph) descendantsOf(root uuid.UUID) []*subvolume.Subvolume {
	var out []*subvolume.Subvolume
	visited := map[uuid.UUID]bool{}
	var walk func(uuid.UUID)
	walk = func(u uuid.UUID) {
		for _, c := range g.Children(u) {
			if visited[c.UUID] {
				continue
			}
			visited[c.UUID] = true
			out = append(out, c)
			walk(c.UUID)
		}
	}
	walk(root)
	return out
}
