package graph

import (
	"fmt"
	"slices"
	"sync"

	"github.com/Benny93/rowmerge/internal/record"
)

// RelationshipGraph is an arena of vertices connected by symmetric,
// type-bucketed edges.
//
// If A is a parent of B then B is in A's children bucket for B's type and A
// is in B's parents bucket for A's type. Empty buckets are never kept and no
// vertex is its own neighbour. A single RWMutex guards the whole arena, so
// every mutation, including a full relationship transfer, is observed
// atomically by readers.
type RelationshipGraph struct {
	mu       sync.RWMutex
	next     VertexID
	vertices map[VertexID]*vertex
	byType   map[string]map[VertexID]struct{}
}

// NewRelationshipGraph creates an empty graph.
func NewRelationshipGraph() *RelationshipGraph {
	return &RelationshipGraph{
		vertices: make(map[VertexID]*vertex),
		byType:   make(map[string]map[VertexID]struct{}),
	}
}

// Count returns the number of vertices.
func (g *RelationshipGraph) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.vertices)
}

// EdgeCount returns the number of parent/child edges.
func (g *RelationshipGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, v := range g.vertices {
		n += v.children.size()
	}
	return n
}

// Insert adds rec as a new vertex and links it under each given parent.
// Either every parent edge is created or, if a parent is unknown, nothing is.
func (g *RelationshipGraph) Insert(rec record.Record, parents ...VertexID) (VertexID, error) {
	if rec == nil {
		return 0, fmt.Errorf("insert: nil record")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, pid := range parents {
		if _, ok := g.vertices[pid]; !ok {
			return 0, fmt.Errorf("insert under parent %d: %w", pid, ErrVertexNotFound)
		}
	}

	g.next++
	v := newVertex(g.next, rec)
	g.vertices[v.id] = v
	if g.byType[v.rtype] == nil {
		g.byType[v.rtype] = make(map[VertexID]struct{})
	}
	g.byType[v.rtype][v.id] = struct{}{}

	for _, pid := range parents {
		g.link(g.vertices[pid], v)
	}
	return v.id, nil
}

// Record returns the record held by a vertex.
func (g *RelationshipGraph) Record(id VertexID) (record.Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vertices[id]
	if !ok {
		return nil, false
	}
	return v.rec, true
}

// Contains reports whether id is a live vertex.
func (g *RelationshipGraph) Contains(id VertexID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.vertices[id]
	return ok
}

// AddEdge links parent to child. Adding an existing edge is a no-op.
func (g *RelationshipGraph) AddEdge(parent, child VertexID) error {
	if parent == child {
		return fmt.Errorf("add edge %d: %w", parent, ErrSelfLoop)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	p, c, err := g.pair(parent, child)
	if err != nil {
		return fmt.Errorf("add edge: %w", err)
	}
	g.link(p, c)
	return nil
}

// RemoveEdge unlinks parent from child and reports whether the edge existed.
func (g *RelationshipGraph) RemoveEdge(parent, child VertexID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, c, err := g.pair(parent, child)
	if err != nil {
		return false, fmt.Errorf("remove edge: %w", err)
	}
	return g.unlink(p, c), nil
}

// ChildrenOf returns a snapshot of a vertex's children, restricted to one
// record type when rtype is given.
func (g *RelationshipGraph) ChildrenOf(id VertexID, rtype ...string) []VertexID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vertices[id]
	if !ok {
		return nil
	}
	return v.children.snapshot(first(rtype))
}

// ParentsOf returns a snapshot of a vertex's parents, restricted to one
// record type when rtype is given.
func (g *RelationshipGraph) ParentsOf(id VertexID, rtype ...string) []VertexID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vertices[id]
	if !ok {
		return nil
	}
	return v.parents.snapshot(first(rtype))
}

// ChildTypes returns the record types of a vertex's children, sorted.
func (g *RelationshipGraph) ChildTypes(id VertexID) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.vertices[id]
	if !ok {
		return nil
	}
	return sortedKeys(v.children)
}

// TransferRelationships folds source into target: every parent and child
// of source becomes a parent or child of target, then source is detached
// and removed from the graph. Edges target already had are counted as
// collapsed; an edge between source and target themselves is dropped.
func (g *RelationshipGraph) TransferRelationships(source, target VertexID) (TransferStats, error) {
	var stats TransferStats
	if source == target {
		return stats, fmt.Errorf("transfer %d onto itself: %w", source, ErrSelfLoop)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	src, tgt, err := g.pair(source, target)
	if err != nil {
		return stats, fmt.Errorf("transfer relationships: %w", err)
	}

	for ptype, bucket := range src.parents {
		for pid := range bucket {
			p := g.vertices[pid]
			p.children.remove(src.rtype, src.id)
			if pid == tgt.id {
				stats.Dropped++
				continue
			}
			if tgt.parents.add(ptype, pid) {
				stats.Moved++
			} else {
				stats.Collapsed++
			}
			p.children.add(tgt.rtype, tgt.id)
		}
	}

	for ctype, bucket := range src.children {
		for cid := range bucket {
			c := g.vertices[cid]
			c.parents.remove(src.rtype, src.id)
			if cid == tgt.id {
				stats.Dropped++
				continue
			}
			if tgt.children.add(ctype, cid) {
				stats.Moved++
			} else {
				stats.Collapsed++
			}
			c.parents.add(tgt.rtype, tgt.id)
		}
	}

	src.parents = make(edgeSet)
	src.children = make(edgeSet)
	g.drop(src)
	return stats, nil
}

// Remove detaches a vertex from all neighbours and deletes it.
func (g *RelationshipGraph) Remove(id VertexID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vertices[id]
	if !ok {
		return false
	}
	g.detach(v)
	g.drop(v)
	return true
}

// RemoveSubGraph removes root together with every descendant whose parents
// are all being removed as well. Children shared with vertices outside the
// sub-graph survive. It returns the number of vertices removed.
func (g *RelationshipGraph) RemoveSubGraph(root VertexID) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.vertices[root]; !ok {
		return 0
	}

	doomed := map[VertexID]bool{root: true}
	order := []VertexID{root}
	for changed := true; changed; {
		changed = false
		for _, id := range order {
			for _, cid := range g.vertices[id].children.snapshot("") {
				if doomed[cid] {
					continue
				}
				if g.allParentsIn(cid, doomed) {
					doomed[cid] = true
					order = append(order, cid)
					changed = true
				}
			}
		}
	}

	for _, id := range order {
		v := g.vertices[id]
		g.detach(v)
		g.drop(v)
	}
	return len(order)
}

// Reachable returns the vertices reachable from roots through child edges,
// depth first, each listed once. Unknown roots are skipped.
func (g *RelationshipGraph) Reachable(roots ...VertexID) []VertexID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[VertexID]bool)
	var out []VertexID
	var visit func(VertexID)
	visit = func(id VertexID) {
		if visited[id] {
			return
		}
		visited[id] = true
		out = append(out, id)
		for _, cid := range g.vertices[id].children.snapshot("") {
			visit(cid)
		}
	}
	for _, r := range roots {
		if _, ok := g.vertices[r]; ok {
			visit(r)
		}
	}
	return out
}

// VerticesOfType returns the vertices holding records of rtype, in
// insertion order.
func (g *RelationshipGraph) VerticesOfType(rtype string) []VertexID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]VertexID, 0, len(g.byType[rtype]))
	for id := range g.byType[rtype] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Types returns the record types present in the graph, sorted.
func (g *RelationshipGraph) Types() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.byType))
	for t := range g.byType {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Stats returns a summary of graph size.
func (g *RelationshipGraph) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := 0
	for _, v := range g.vertices {
		edges += v.children.size()
	}
	return map[string]int{
		"vertices": len(g.vertices),
		"edges":    edges,
		"types":    len(g.byType),
	}
}

// Validate checks the structural invariants and returns the first
// violation found.
func (g *RelationshipGraph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, v := range g.vertices {
		for ctype, bucket := range v.children {
			if len(bucket) == 0 {
				return fmt.Errorf("vertex %d: empty %s children bucket", v.id, ctype)
			}
			for cid := range bucket {
				c, ok := g.vertices[cid]
				switch {
				case cid == v.id:
					return fmt.Errorf("vertex %d: %w", v.id, ErrSelfLoop)
				case !ok:
					return fmt.Errorf("vertex %d: child %d: %w", v.id, cid, ErrVertexNotFound)
				case c.rtype != ctype:
					return fmt.Errorf("vertex %d: child %d of type %s filed under %s", v.id, cid, c.rtype, ctype)
				case !c.parents.has(v.rtype, v.id):
					return fmt.Errorf("vertex %d: child %d does not list it as parent", v.id, cid)
				}
			}
		}
		for ptype, bucket := range v.parents {
			if len(bucket) == 0 {
				return fmt.Errorf("vertex %d: empty %s parents bucket", v.id, ptype)
			}
			for pid := range bucket {
				p, ok := g.vertices[pid]
				if !ok {
					return fmt.Errorf("vertex %d: parent %d: %w", v.id, pid, ErrVertexNotFound)
				}
				if !p.children.has(v.rtype, v.id) {
					return fmt.Errorf("vertex %d: parent %d does not list it as child", v.id, pid)
				}
			}
		}
	}
	return nil
}

// pair looks up two vertices. Must be called with the lock held.
func (g *RelationshipGraph) pair(a, b VertexID) (*vertex, *vertex, error) {
	va, ok := g.vertices[a]
	if !ok {
		return nil, nil, fmt.Errorf("vertex %d: %w", a, ErrVertexNotFound)
	}
	vb, ok := g.vertices[b]
	if !ok {
		return nil, nil, fmt.Errorf("vertex %d: %w", b, ErrVertexNotFound)
	}
	return va, vb, nil
}

// link and unlink keep both sides of an edge in step. Must be called with
// the write lock held.
func (g *RelationshipGraph) link(p, c *vertex) {
	p.children.add(c.rtype, c.id)
	c.parents.add(p.rtype, p.id)
}

func (g *RelationshipGraph) unlink(p, c *vertex) bool {
	removed := p.children.remove(c.rtype, c.id)
	c.parents.remove(p.rtype, p.id)
	return removed
}

// detach removes every edge touching v. Must be called with the write lock held.
func (g *RelationshipGraph) detach(v *vertex) {
	for _, pid := range v.parents.snapshot("") {
		g.unlink(g.vertices[pid], v)
	}
	for _, cid := range v.children.snapshot("") {
		g.unlink(v, g.vertices[cid])
	}
}

// drop deletes a detached vertex from the arena.
func (g *RelationshipGraph) drop(v *vertex) {
	delete(g.vertices, v.id)
	if ids, ok := g.byType[v.rtype]; ok {
		delete(ids, v.id)
		if len(ids) == 0 {
			delete(g.byType, v.rtype)
		}
	}
}

func (g *RelationshipGraph) allParentsIn(id VertexID, set map[VertexID]bool) bool {
	for _, pid := range g.vertices[id].parents.snapshot("") {
		if !set[pid] {
			return false
		}
	}
	return true
}

func first(s []string) string {
	if len(s) > 0 {
		return s[0]
	}
	return ""
}

func sortedKeys(e edgeSet) []string {
	out := make([]string, 0, len(e))
	for k := range e {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
