package txns

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/golang-collections/collections/queue"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

type edgeInfo struct {
	dst      common.TxnID
	pIdent   common.PageIdentity
	lockMode PageLockMode
}

// WaitForGraph has an edge T1 -> T2 when T1 waits for a page T2 holds in a
// conflicting mode.
type WaitForGraph map[common.TxnID][]edgeInfo

func (g WaitForGraph) AddEdge(
	waiter common.TxnID,
	holder common.TxnID,
	pIdent common.PageIdentity,
	lockMode PageLockMode,
) {
	g[waiter] = append(g[waiter], edgeInfo{
		dst:      holder,
		pIdent:   pIdent,
		lockMode: lockMode,
	})
}

// WaitsFor lists the transactions txnID waits for, without duplicates.
func (g WaitForGraph) WaitsFor(txnID common.TxnID) []common.TxnID {
	seen := map[common.TxnID]struct{}{}
	res := []common.TxnID{}
	for _, e := range g[txnID] {
		if _, ok := seen[e.dst]; ok {
			continue
		}
		seen[e.dst] = struct{}{}
		res = append(res, e.dst)
	}
	return res
}

// HasCycleFrom reports whether start can reach itself. Every node is
// expanded at most once, so the search is bounded by the graph size.
func (g WaitForGraph) HasCycleFrom(start common.TxnID) bool {
	visited := map[common.TxnID]struct{}{}

	q := queue.New()
	for _, e := range g[start] {
		q.Enqueue(e.dst)
	}

	for q.Len() > 0 {
		//nolint:forcetypeassert
		txnID := q.Dequeue().(common.TxnID)
		if txnID == start {
			return true
		}
		if _, ok := visited[txnID]; ok {
			continue
		}
		visited[txnID] = struct{}{}

		for _, e := range g[txnID] {
			q.Enqueue(e.dst)
		}
	}
	return false
}

var lockModeColor = map[PageLockMode]string{
	PageLockShared:    "blue",
	PageLockExclusive: "red",
}

// Dump renders the graph in graphviz format.
func (g WaitForGraph) Dump() string {
	var result strings.Builder

	result.WriteString("digraph WaitForGraph {\n")
	result.WriteString("\trankdir=LR;\n")
	result.WriteString("\tnode [shape=box];\n")

	txnIDs := slices.Sorted(maps.Keys(g))
	for _, txnID := range txnIDs {
		result.WriteString(
			fmt.Sprintf("\t\"txn_%d\" [label=\"Txn %d\"];\n", txnID, txnID),
		)
	}
	result.WriteString("\n")

	for _, txnID := range txnIDs {
		for _, edge := range g[txnID] {
			result.WriteString(
				fmt.Sprintf(
					"\t\"txn_%d\" -> \"txn_%d\" [label=\"%s %s\", color=\"%s\"];\n",
					txnID,
					edge.dst,
					edge.lockMode,
					edge.pIdent,
					lockModeColor[edge.lockMode],
				),
			)
		}
	}

	result.WriteString("}\n")
	return result.String()
}
