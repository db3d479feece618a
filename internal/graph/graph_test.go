package graph

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/rowmerge/internal/record"
)

func newRow(t *testing.T, rtype string, key string) *record.Row {
	t.Helper()
	r, err := record.NewRow(rtype, "test", []string{"ID"}, []any{key}, "")
	require.NoError(t, err)
	return r
}

func mustInsert(t *testing.T, g *RelationshipGraph, rtype, key string, parents ...VertexID) VertexID {
	t.Helper()
	id, err := g.Insert(newRow(t, rtype, key), parents...)
	require.NoError(t, err)
	return id
}

func TestNewRelationshipGraph(t *testing.T) {
	t.Parallel()

	g := NewRelationshipGraph()

	assert.NotNil(t, g)
	assert.Equal(t, 0, g.Count())
	assert.Equal(t, 0, g.EdgeCount())
	assert.NoError(t, g.Validate())
}

func TestRelationshipGraph_Insert(t *testing.T) {
	t.Parallel()

	t.Run("Root", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		id := mustInsert(t, g, "ORIGIN", "1")

		rec, ok := g.Record(id)
		require.True(t, ok)
		assert.Equal(t, "ORIGIN", rec.RecordType())
		assert.Empty(t, g.ParentsOf(id))
		assert.Empty(t, g.ChildrenOf(id))
	})

	t.Run("WithParent", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		p := mustInsert(t, g, "ORIGIN", "1")
		c := mustInsert(t, g, "ASSOC", "1", p)

		assert.Equal(t, []VertexID{c}, g.ChildrenOf(p, "ASSOC"))
		assert.Equal(t, []VertexID{p}, g.ParentsOf(c, "ORIGIN"))
		assert.Equal(t, 1, g.EdgeCount())
		assert.NoError(t, g.Validate())
	})

	t.Run("UnknownParentLeavesGraphUntouched", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		p := mustInsert(t, g, "ORIGIN", "1")

		_, err := g.Insert(newRow(t, "ASSOC", "1"), p, VertexID(99))

		assert.ErrorIs(t, err, ErrVertexNotFound)
		assert.Equal(t, 1, g.Count())
		assert.Empty(t, g.ChildrenOf(p))
	})

	t.Run("NilRecord", func(t *testing.T) {
		t.Parallel()
		_, err := NewRelationshipGraph().Insert(nil)
		assert.Error(t, err)
	})
}

func TestRelationshipGraph_Edges(t *testing.T) {
	t.Parallel()

	t.Run("AddIsIdempotent", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		p := mustInsert(t, g, "ORIGIN", "1")
		c := mustInsert(t, g, "ASSOC", "1")

		require.NoError(t, g.AddEdge(p, c))
		require.NoError(t, g.AddEdge(p, c))

		assert.Equal(t, []VertexID{c}, g.ChildrenOf(p))
		assert.Equal(t, 1, g.EdgeCount())
	})

	t.Run("SelfLoop", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		p := mustInsert(t, g, "ORIGIN", "1")

		assert.ErrorIs(t, g.AddEdge(p, p), ErrSelfLoop)
	})

	t.Run("UnknownVertex", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		p := mustInsert(t, g, "ORIGIN", "1")

		assert.ErrorIs(t, g.AddEdge(p, 42), ErrVertexNotFound)
		_, err := g.RemoveEdge(42, p)
		assert.ErrorIs(t, err, ErrVertexNotFound)
	})

	t.Run("RemoveDropsEmptyBucket", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		p := mustInsert(t, g, "ORIGIN", "1")
		a := mustInsert(t, g, "ASSOC", "1", p)
		n := mustInsert(t, g, "NETMAG", "1", p)

		removed, err := g.RemoveEdge(p, a)
		require.NoError(t, err)
		assert.True(t, removed)

		assert.Equal(t, []string{"NETMAG"}, g.ChildTypes(p))
		assert.Empty(t, g.ParentsOf(a))
		assert.Equal(t, []VertexID{n}, g.ChildrenOf(p))
		assert.NoError(t, g.Validate())

		removed, err = g.RemoveEdge(p, a)
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestRelationshipGraph_SnapshotsAreCopies(t *testing.T) {
	t.Parallel()

	g := NewRelationshipGraph()
	p := mustInsert(t, g, "ORIGIN", "1")
	c := mustInsert(t, g, "ASSOC", "1", p)

	kids := g.ChildrenOf(p)
	kids[0] = 1000

	assert.Equal(t, []VertexID{c}, g.ChildrenOf(p))
}

func TestRelationshipGraph_ChildrenOfTyped(t *testing.T) {
	t.Parallel()

	g := NewRelationshipGraph()
	p := mustInsert(t, g, "ORIGIN", "1")
	a1 := mustInsert(t, g, "ASSOC", "1", p)
	n1 := mustInsert(t, g, "NETMAG", "1", p)
	a2 := mustInsert(t, g, "ASSOC", "2", p)

	assert.Equal(t, []VertexID{a1, n1, a2}, g.ChildrenOf(p))
	assert.Equal(t, []VertexID{a1, a2}, g.ChildrenOf(p, "ASSOC"))
	assert.Empty(t, g.ChildrenOf(p, "ARRIVAL"))
	assert.Nil(t, g.ChildrenOf(VertexID(77)))
}

func TestRelationshipGraph_TransferRelationships(t *testing.T) {
	t.Parallel()

	t.Run("UnionOfChildren", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		x := mustInsert(t, g, "ORIGIN", "x")
		y := mustInsert(t, g, "ORIGIN", "y")
		p := mustInsert(t, g, "T1", "p", x, y)
		q := mustInsert(t, g, "T1", "q", y)

		stats, err := g.TransferRelationships(y, x)
		require.NoError(t, err)

		assert.Equal(t, []VertexID{p, q}, g.ChildrenOf(x, "T1"))
		assert.Empty(t, g.ChildrenOf(y))
		assert.Empty(t, g.ParentsOf(y))
		assert.False(t, g.Contains(y))
		assert.Equal(t, []VertexID{x}, g.ParentsOf(p))
		assert.Equal(t, []VertexID{x}, g.ParentsOf(q))
		assert.Equal(t, TransferStats{Moved: 1, Collapsed: 1}, stats)
		assert.NoError(t, g.Validate())
	})

	t.Run("ParentsMoved", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		ev := mustInsert(t, g, "EVENT", "e")
		keep := mustInsert(t, g, "ORIGIN", "keep")
		lose := mustInsert(t, g, "ORIGIN", "lose", ev)

		_, err := g.TransferRelationships(lose, keep)
		require.NoError(t, err)

		assert.Equal(t, []VertexID{keep}, g.ChildrenOf(ev, "ORIGIN"))
		assert.Equal(t, []VertexID{ev}, g.ParentsOf(keep, "EVENT"))
		assert.NoError(t, g.Validate())
	})

	t.Run("EdgeBetweenPairDropped", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		a := mustInsert(t, g, "ORIGIN", "a")
		b := mustInsert(t, g, "ORIGIN", "b", a)

		stats, err := g.TransferRelationships(b, a)
		require.NoError(t, err)

		assert.Equal(t, 1, stats.Dropped)
		assert.Empty(t, g.ChildrenOf(a))
		assert.NoError(t, g.Validate())
	})

	t.Run("OntoItself", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		a := mustInsert(t, g, "ORIGIN", "a")

		_, err := g.TransferRelationships(a, a)
		assert.ErrorIs(t, err, ErrSelfLoop)
		assert.True(t, g.Contains(a))
	})

	t.Run("DetachedSource", func(t *testing.T) {
		t.Parallel()
		g := NewRelationshipGraph()
		a := mustInsert(t, g, "ORIGIN", "a")
		b := mustInsert(t, g, "ORIGIN", "b")
		require.True(t, g.Remove(b))

		_, err := g.TransferRelationships(b, a)
		assert.ErrorIs(t, err, ErrVertexNotFound)
	})
}

func TestRelationshipGraph_Remove(t *testing.T) {
	t.Parallel()

	g := NewRelationshipGraph()
	p := mustInsert(t, g, "ORIGIN", "1")
	c := mustInsert(t, g, "ASSOC", "1", p)

	assert.True(t, g.Remove(p))
	assert.False(t, g.Remove(p))

	assert.Empty(t, g.ParentsOf(c))
	assert.Equal(t, []string{"ASSOC"}, g.Types())
	assert.NoError(t, g.Validate())
}

func TestRelationshipGraph_RemoveSubGraph(t *testing.T) {
	t.Parallel()

	g := NewRelationshipGraph()
	root := mustInsert(t, g, "EVENT", "e")
	other := mustInsert(t, g, "EVENT", "f")
	o1 := mustInsert(t, g, "ORIGIN", "1", root)
	a1 := mustInsert(t, g, "ASSOC", "1", o1)
	shared := mustInsert(t, g, "ARRIVAL", "1", a1, other)

	removed := g.RemoveSubGraph(root)

	assert.Equal(t, 3, removed)
	assert.False(t, g.Contains(o1))
	assert.False(t, g.Contains(a1))
	assert.True(t, g.Contains(shared))
	assert.Equal(t, []VertexID{other}, g.ParentsOf(shared))
	assert.Equal(t, 0, g.RemoveSubGraph(root))
	assert.NoError(t, g.Validate())
}

func TestRelationshipGraph_Reachable(t *testing.T) {
	t.Parallel()

	g := NewRelationshipGraph()
	e := mustInsert(t, g, "EVENT", "e")
	o := mustInsert(t, g, "ORIGIN", "o", e)
	a := mustInsert(t, g, "ASSOC", "a", o)
	n := mustInsert(t, g, "NETMAG", "n", o)
	ar := mustInsert(t, g, "ARRIVAL", "ar", a, n)

	assert.Equal(t, []VertexID{e, o, a, ar, n}, g.Reachable(e))
	assert.Equal(t, []VertexID{n, ar}, g.Reachable(n, VertexID(500)))
}

func TestRelationshipGraph_VerticesOfType(t *testing.T) {
	t.Parallel()

	g := NewRelationshipGraph()
	o1 := mustInsert(t, g, "ORIGIN", "1")
	mustInsert(t, g, "ASSOC", "1", o1)
	o2 := mustInsert(t, g, "ORIGIN", "2")

	assert.Equal(t, []VertexID{o1, o2}, g.VerticesOfType("ORIGIN"))
	assert.Equal(t, []string{"ASSOC", "ORIGIN"}, g.Types())
	assert.Equal(t, map[string]int{"vertices": 3, "edges": 1, "types": 2}, g.Stats())
}

func TestRelationshipGraph_ConcurrentTransfers(t *testing.T) {
	t.Parallel()

	g := NewRelationshipGraph()
	winner := mustInsert(t, g, "ORIGIN", "winner")
	var losers []VertexID
	for i := 0; i < 50; i++ {
		l := mustInsert(t, g, "ORIGIN", fmt.Sprintf("l%d", i))
		mustInsert(t, g, "ASSOC", fmt.Sprintf("a%d", i), l, winner)
		losers = append(losers, l)
	}

	var wg sync.WaitGroup
	for _, l := range losers {
		wg.Add(1)
		go func(l VertexID) {
			defer wg.Done()
			_, err := g.TransferRelationships(l, winner)
			assert.NoError(t, err)
		}(l)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.ChildrenOf(winner, "ASSOC")
		}()
	}
	wg.Wait()

	assert.Len(t, g.ChildrenOf(winner, "ASSOC"), 50)
	assert.Equal(t, 51, g.Count())
	assert.NoError(t, g.Validate())
}
