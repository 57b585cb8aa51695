package txns

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

func pid(n uint64) common.PageIdentity {
	return common.PageIdentity{FileID: 1, PageID: common.PageID(n)}
}

func TestWaitForGraph_NoCycle(t *testing.T) {
	g := WaitForGraph{}
	g.AddEdge(1, 2, pid(1), PageLockExclusive)
	g.AddEdge(2, 3, pid(2), PageLockShared)
	g.AddEdge(1, 3, pid(3), PageLockExclusive)

	assert.False(t, g.HasCycleFrom(1))
	assert.False(t, g.HasCycleFrom(2))
	assert.False(t, g.HasCycleFrom(3))
}

func TestWaitForGraph_Cycles(t *testing.T) {
	t.Run("two transactions", func(t *testing.T) {
		g := WaitForGraph{}
		g.AddEdge(1, 2, pid(1), PageLockExclusive)
		g.AddEdge(2, 1, pid(2), PageLockExclusive)

		assert.True(t, g.HasCycleFrom(1))
		assert.True(t, g.HasCycleFrom(2))
	})

	t.Run("three transactions", func(t *testing.T) {
		g := WaitForGraph{}
		g.AddEdge(1, 2, pid(2), PageLockExclusive)
		g.AddEdge(2, 3, pid(3), PageLockExclusive)
		g.AddEdge(3, 1, pid(1), PageLockShared)

		assert.True(t, g.HasCycleFrom(3))
	})

	t.Run("cycle not through start", func(t *testing.T) {
		g := WaitForGraph{}
		g.AddEdge(1, 2, pid(1), PageLockExclusive)
		g.AddEdge(2, 3, pid(2), PageLockExclusive)
		g.AddEdge(3, 2, pid(3), PageLockExclusive)

		assert.False(t, g.HasCycleFrom(1))
		assert.True(t, g.HasCycleFrom(2))
	})

	t.Run("diamond", func(t *testing.T) {
		g := WaitForGraph{}
		g.AddEdge(1, 2, pid(1), PageLockExclusive)
		g.AddEdge(1, 3, pid(1), PageLockExclusive)
		g.AddEdge(2, 4, pid(2), PageLockExclusive)
		g.AddEdge(3, 4, pid(3), PageLockExclusive)

		assert.False(t, g.HasCycleFrom(1))
	})
}

func TestWaitForGraph_WaitsFor(t *testing.T) {
	g := WaitForGraph{}
	g.AddEdge(1, 2, pid(1), PageLockExclusive)
	g.AddEdge(1, 3, pid(1), PageLockExclusive)
	g.AddEdge(1, 2, pid(4), PageLockShared)

	assert.Equal(t, []common.TxnID{2, 3}, g.WaitsFor(1))
	assert.Empty(t, g.WaitsFor(2))
}

func TestWaitForGraph_Dump(t *testing.T) {
	g := WaitForGraph{}
	g.AddEdge(2, 1, pid(7), PageLockExclusive)

	dump := g.Dump()
	assert.Contains(t, dump, "digraph WaitForGraph {")
	assert.Contains(t, dump, "\"txn_2\" [label=\"Txn 2\"];")
	assert.Contains(
		t,
		dump,
		"\"txn_2\" -> \"txn_1\" [label=\"EXCLUSIVE (file=1, page=7)\", color=\"red\"];",
	)
}
