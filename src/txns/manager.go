package txns

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

var ErrDeadlock = fmt.Errorf("deadlock detected: %w", common.ErrTxnAborted)

// pageLock is the lock state of a single page. Waiters park on released,
// which is closed and replaced every time a holder lets go of the page.
type pageLock struct {
	mu       sync.Mutex
	readers  map[common.TxnID]struct{}
	writer   common.TxnID
	released chan struct{}
}

func newPageLock() *pageLock {
	return &pageLock{
		readers:  map[common.TxnID]struct{}{},
		writer:   common.NilTxnID,
		released: make(chan struct{}),
	}
}

func (l *pageLock) heldMode(txnID common.TxnID) (PageLockMode, bool) {
	if l.writer == txnID {
		return PageLockExclusive, true
	}
	if _, ok := l.readers[txnID]; ok {
		return PageLockShared, true
	}
	return PageLockMode{}, false
}

func (l *pageLock) grantable(txnID common.TxnID, mode PageLockMode) bool {
	if l.writer != common.NilTxnID && l.writer != txnID {
		return false
	}
	if mode == PageLockShared {
		return true
	}

	for reader := range l.readers {
		if reader != txnID {
			return false
		}
	}
	return true
}

// grant upgrades in place: a shared holder becomes the writer without ever
// dropping its hold on the page.
func (l *pageLock) grant(txnID common.TxnID, mode PageLockMode) {
	switch mode {
	case PageLockShared:
		l.readers[txnID] = struct{}{}
	case PageLockExclusive:
		delete(l.readers, txnID)
		l.writer = txnID
	}
}

func (l *pageLock) release(txnID common.TxnID) bool {
	if l.writer == txnID {
		l.writer = common.NilTxnID
	} else if _, ok := l.readers[txnID]; ok {
		delete(l.readers, txnID)
	} else {
		return false
	}

	close(l.released)
	l.released = make(chan struct{})
	return true
}

type waitRecord struct {
	pIdent   common.PageIdentity
	lockMode PageLockMode
}

// LockManager implements strict two-phase locking on pages with deadlock
// detection on a wait-for graph.
//
// Lock order: pageLock.mu, then lockedRecordsGuard. qsGuard is never held
// together with either of them.
type LockManager struct {
	qsGuard sync.Mutex
	qs      map[common.PageIdentity]*pageLock

	lockedRecordsGuard sync.Mutex
	lockedRecords      map[common.TxnID]map[common.PageIdentity]PageLockMode
	holders            map[common.PageIdentity]map[common.TxnID]PageLockMode
	waiting            map[common.TxnID]waitRecord

	logger src.Logger
}

func NewLockManager() *LockManager {
	return &LockManager{
		qs:            map[common.PageIdentity]*pageLock{},
		lockedRecords: map[common.TxnID]map[common.PageIdentity]PageLockMode{},
		holders:       map[common.PageIdentity]map[common.TxnID]PageLockMode{},
		waiting:       map[common.TxnID]waitRecord{},
		logger:        zap.NewNop().Sugar(),
	}
}

func (m *LockManager) SetLogger(logger src.Logger) {
	m.logger = logger
}

func (m *LockManager) pageLock(pIdent common.PageIdentity) *pageLock {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	l, ok := m.qs[pIdent]
	if !ok {
		l = newPageLock()
		m.qs[pIdent] = l
	}
	return l
}

func (m *LockManager) existingPageLock(pIdent common.PageIdentity) (*pageLock, bool) {
	m.qsGuard.Lock()
	defer m.qsGuard.Unlock()

	l, ok := m.qs[pIdent]
	return l, ok
}

// Lock blocks until txnID holds pIdent in at least the requested mode.
//
// If waiting would close a cycle in the wait-for graph, Lock returns
// ErrDeadlock without waiting. Locks already held by txnID are kept; the
// caller is expected to abort the transaction. Cancelling ctx while waiting
// also yields an error wrapping common.ErrTxnAborted.
func (m *LockManager) Lock(
	ctx context.Context,
	txnID common.TxnID,
	pIdent common.PageIdentity,
	mode PageLockMode,
) error {
	assert.Assert(txnID != common.NilTxnID, "nil transaction can't acquire locks")

	l := m.pageLock(pIdent)
	for {
		l.mu.Lock()
		if held, ok := l.heldMode(txnID); ok && mode.WeakerOrEqual(held) {
			l.mu.Unlock()
			return nil
		}

		if l.grantable(txnID, mode) {
			l.grant(txnID, mode)

			m.lockedRecordsGuard.Lock()
			m.recordHoldAssumeLocked(txnID, pIdent, mode)
			delete(m.waiting, txnID)
			m.lockedRecordsGuard.Unlock()

			l.mu.Unlock()
			return nil
		}

		m.lockedRecordsGuard.Lock()
		m.waiting[txnID] = waitRecord{pIdent: pIdent, lockMode: mode}
		graph := m.buildGraphAssumeLocked()
		if graph.HasCycleFrom(txnID) {
			delete(m.waiting, txnID)
			m.lockedRecordsGuard.Unlock()
			l.mu.Unlock()

			req := NewTxnLockRequest(txnID, pIdent, mode)
			m.logger.Infow("deadlock detected", "txn_id", txnID, "request", req.String())
			m.logger.Debugw("wait-for graph", "dump", graph.Dump())
			return fmt.Errorf("%w: %s", ErrDeadlock, req)
		}
		m.lockedRecordsGuard.Unlock()

		released := l.released
		l.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			m.lockedRecordsGuard.Lock()
			delete(m.waiting, txnID)
			m.lockedRecordsGuard.Unlock()
			return fmt.Errorf("%w: %w", common.ErrTxnAborted, ctx.Err())
		}
	}
}

func (m *LockManager) recordHoldAssumeLocked(
	txnID common.TxnID,
	pIdent common.PageIdentity,
	mode PageLockMode,
) {
	records, ok := m.lockedRecords[txnID]
	if !ok {
		records = map[common.PageIdentity]PageLockMode{}
		m.lockedRecords[txnID] = records
	}
	if held, ok := records[pIdent]; ok {
		mode = held.Combine(mode)
	}
	records[pIdent] = mode

	holders, ok := m.holders[pIdent]
	if !ok {
		holders = map[common.TxnID]PageLockMode{}
		m.holders[pIdent] = holders
	}
	holders[txnID] = mode
}

func (m *LockManager) forgetHoldAssumeLocked(txnID common.TxnID, pIdent common.PageIdentity) {
	if records, ok := m.lockedRecords[txnID]; ok {
		delete(records, pIdent)
		if len(records) == 0 {
			delete(m.lockedRecords, txnID)
		}
	}

	if holders, ok := m.holders[pIdent]; ok {
		delete(holders, txnID)
		if len(holders) == 0 {
			delete(m.holders, pIdent)
		}
	}
}

func (m *LockManager) buildGraphAssumeLocked() WaitForGraph {
	graph := WaitForGraph{}
	for waiter, w := range m.waiting {
		for holder, held := range m.holders[w.pIdent] {
			if holder == waiter || w.lockMode.Compatible(held) {
				continue
			}
			graph.AddEdge(waiter, holder, w.pIdent, w.lockMode)
		}
	}
	return graph
}

// Unlock releases whatever lock txnID holds on pIdent. It is a no-op when
// there is none.
func (m *LockManager) Unlock(txnID common.TxnID, pIdent common.PageIdentity) {
	l, ok := m.existingPageLock(pIdent)
	if !ok {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.release(txnID) {
		return
	}

	m.lockedRecordsGuard.Lock()
	m.forgetHoldAssumeLocked(txnID, pIdent)
	m.lockedRecordsGuard.Unlock()
}

// UnlockAll releases every lock of txnID and drops its waiting record.
func (m *LockManager) UnlockAll(txnID common.TxnID) {
	m.lockedRecordsGuard.Lock()
	pages := slices.Collect(maps.Keys(m.lockedRecords[txnID]))
	delete(m.waiting, txnID)
	m.lockedRecordsGuard.Unlock()

	for _, pIdent := range pages {
		m.Unlock(txnID, pIdent)
	}
}

func (m *LockManager) HeldMode(
	txnID common.TxnID,
	pIdent common.PageIdentity,
) (PageLockMode, bool) {
	m.lockedRecordsGuard.Lock()
	defer m.lockedRecordsGuard.Unlock()

	mode, ok := m.lockedRecords[txnID][pIdent]
	return mode, ok
}

func (m *LockManager) Holds(txnID common.TxnID, pIdent common.PageIdentity) bool {
	_, ok := m.HeldMode(txnID, pIdent)
	return ok
}

func (m *LockManager) LockedPages(txnID common.TxnID) []common.PageIdentity {
	m.lockedRecordsGuard.Lock()
	defer m.lockedRecordsGuard.Unlock()

	return slices.Collect(maps.Keys(m.lockedRecords[txnID]))
}

// WaitForGraph returns a snapshot of the current wait-for graph.
func (m *LockManager) WaitForGraph() WaitForGraph {
	m.lockedRecordsGuard.Lock()
	defer m.lockedRecordsGuard.Unlock()

	return m.buildGraphAssumeLocked()
}

func (m *LockManager) IsWaiting(txnID common.TxnID) bool {
	m.lockedRecordsGuard.Lock()
	defer m.lockedRecordsGuard.Unlock()

	_, ok := m.waiting[txnID]
	return ok
}

func (m *LockManager) AreAllQueuesEmpty() bool {
	m.lockedRecordsGuard.Lock()
	defer m.lockedRecordsGuard.Unlock()

	return len(m.lockedRecords) == 0 && len(m.holders) == 0 && len(m.waiting) == 0
}
