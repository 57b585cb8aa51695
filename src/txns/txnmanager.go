package txns

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

// TxnManager hands out transaction ids and tracks running transactions.
type TxnManager struct {
	lastID atomic.Uint64

	mu     sync.Mutex
	active map[common.TxnID]time.Time
}

func NewTxnManager() *TxnManager {
	return &TxnManager{
		active: map[common.TxnID]time.Time{},
	}
}

func (m *TxnManager) Begin() common.TxnID {
	txnID := common.TxnID(m.lastID.Add(1))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.active[txnID] = time.Now()
	return txnID
}

// End forgets txnID and returns how long it ran.
func (m *TxnManager) End(txnID common.TxnID) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	started, ok := m.active[txnID]
	if !ok {
		return 0, false
	}
	delete(m.active, txnID)
	return time.Since(started), true
}

func (m *TxnManager) IsActive(txnID common.TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.active[txnID]
	return ok
}

func (m *TxnManager) GetActiveTransactions() []common.TxnID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Sorted(maps.Keys(m.active))
}
