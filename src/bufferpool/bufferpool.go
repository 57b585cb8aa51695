package bufferpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/heap"
	"github.com/Blackdeer1524/HeapDB/src/storage/page"
	"github.com/Blackdeer1524/HeapDB/src/txns"
)

// DefaultPoolSize is the number of pages cached when nothing else is configured.
const DefaultPoolSize = 50

const flushConcurrency = 4

var (
	ErrNoSpaceLeft   = errors.New("no space left in the buffer pool")
	ErrPageNotCached = errors.New("page is not in the buffer pool")
	ErrPageHeld      = errors.New("page is dirtied by an active transaction")
	ErrPagePinned    = errors.New("page is pinned")
)

// FileRegistry resolves a table to its heap file.
type FileRegistry interface {
	GetFile(fileID common.FileID) (*heap.File, error)
}

// frame is a cache slot. pinCount, heldBy, evicting and flushers are guarded
// by Manager.mu; pg, err and unflushedCommit by frame.mu, which serializes
// load, flush, eviction and discard of the page.
//
// A page is modified only while pinned, so a frame is flushed only when
// unpinned, and no one pins it while flushers is non-zero.
type frame struct {
	mu              sync.Mutex
	pg              *page.HeapPage
	err             error
	unflushedCommit bool

	pinCount uint64
	heldBy   common.TxnID
	evicting bool
	flushers int
}

// Manager is a fixed size page cache in front of the heap files.
//
// Eviction is no-steal: a page dirtied by a running transaction stays cached
// until that transaction completes. Commit forces the transaction's dirty
// pages to disk unless the pool was created with WithForce(false); abort
// reverts them to their last committed image.
//
// Manager.mu is never held while waiting for the mutex of a frame that is
// already in the page table.
type Manager struct {
	poolSize uint64
	force    bool

	mu        sync.Mutex
	pageTable map[common.PageIdentity]*frame
	replacer  Replacer

	touchedGuard sync.Mutex
	touched      map[common.TxnID]mapset.Set[common.PageIdentity]

	files  FileRegistry
	locker *txns.LockManager
	logger src.Logger
}

var _ heap.PageAccessor = &Manager{}

type Option func(*Manager)

// WithForce selects whether commit writes the transaction's pages to disk.
func WithForce(force bool) Option {
	return func(m *Manager) {
		m.force = force
	}
}

func WithLogger(logger src.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func New(
	poolSize uint64,
	replacer Replacer,
	files FileRegistry,
	locker *txns.LockManager,
	opts ...Option,
) *Manager {
	assert.Assert(poolSize > 0, "pool size must be greater than zero")

	m := &Manager{
		poolSize:  poolSize,
		force:     true,
		pageTable: map[common.PageIdentity]*frame{},
		replacer:  replacer,
		touched:   map[common.TxnID]mapset.Set[common.PageIdentity]{},
		files:     files,
		locker:    locker,
		logger:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) SetLogger(logger src.Logger) {
	m.logger = logger
}

// GetPage locks pIdent for txnID in the requested mode and returns the cached
// page, loading it from disk on a miss. The page is pinned and must be
// released with Unpin. The lock is held until the transaction completes.
//
// If the lock request ends in an error wrapping common.ErrTxnAborted (a
// deadlock or a cancelled ctx), the transaction is rolled back and all of its
// locks are released before GetPage returns.
func (m *Manager) GetPage(
	ctx context.Context,
	txnID common.TxnID,
	pIdent common.PageIdentity,
	mode txns.PageLockMode,
) (*page.HeapPage, error) {
	if err := m.locker.Lock(ctx, txnID, pIdent, mode); err != nil {
		if errors.Is(err, common.ErrTxnAborted) {
			m.logger.Infow("aborting transaction", "txn_id", txnID, "reason", err)
			return nil, errors.Join(err, m.TransactionComplete(txnID, false))
		}
		return nil, err
	}

	m.touch(txnID, pIdent)
	return m.fetch(pIdent)
}

func (m *Manager) touch(txnID common.TxnID, pIdent common.PageIdentity) {
	m.touchedGuard.Lock()
	pages, ok := m.touched[txnID]
	if !ok {
		pages = mapset.NewSet[common.PageIdentity]()
		m.touched[txnID] = pages
	}
	m.touchedGuard.Unlock()

	pages.Add(pIdent)
}

func (m *Manager) takeTouched(txnID common.TxnID) []common.PageIdentity {
	m.touchedGuard.Lock()
	defer m.touchedGuard.Unlock()

	pages, ok := m.touched[txnID]
	if !ok {
		return nil
	}
	delete(m.touched, txnID)
	return pages.ToSlice()
}

// TouchedPages returns the pages txnID accessed so far.
func (m *Manager) TouchedPages(txnID common.TxnID) []common.PageIdentity {
	m.touchedGuard.Lock()
	defer m.touchedGuard.Unlock()

	pages, ok := m.touched[txnID]
	if !ok {
		return nil
	}
	return pages.ToSlice()
}

func (m *Manager) refreshAssumeLocked(pIdent common.PageIdentity, f *frame) {
	if f.pinCount == 0 && f.heldBy == common.NilTxnID && !f.evicting && f.flushers == 0 {
		m.replacer.Unpin(pIdent)
	} else {
		m.replacer.Pin(pIdent)
	}
}

func (m *Manager) fetch(pIdent common.PageIdentity) (*page.HeapPage, error) {
	for {
		m.mu.Lock()
		if f, ok := m.pageTable[pIdent]; ok {
			if f.evicting || f.flushers > 0 {
				m.mu.Unlock()
				waitFrame(f)
				continue
			}

			f.pinCount++
			m.refreshAssumeLocked(pIdent, f)
			m.mu.Unlock()

			f.mu.Lock()
			pg, err := f.pg, f.err
			f.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return pg, nil
		}

		if uint64(len(m.pageTable)) < m.poolSize {
			f := &frame{pinCount: 1}
			f.mu.Lock()
			m.pageTable[pIdent] = f
			m.mu.Unlock()

			return m.load(pIdent, f)
		}

		victim, err := m.replacer.ChooseVictim()
		if err != nil {
			if errors.Is(err, ErrNoVictimAvailable) {
				if f, ok := m.pendingFrameAssumeLocked(); ok {
					m.mu.Unlock()
					waitFrame(f)
					continue
				}
			}
			m.mu.Unlock()

			if errors.Is(err, ErrNoVictimAvailable) {
				return nil, fmt.Errorf(
					"%w: all %d pages are pinned or held by running transactions",
					ErrNoSpaceLeft,
					m.poolSize,
				)
			}
			return nil, err
		}

		vf, ok := m.pageTable[victim]
		assert.Assert(ok, "victim page %s not found", victim)
		assert.Assert(vf.pinCount == 0, "victim page %s is pinned", victim)
		assert.Assert(
			vf.heldBy == common.NilTxnID,
			"victim page %s is held by txn %d",
			victim,
			vf.heldBy,
		)
		vf.evicting = true
		m.mu.Unlock()

		if err := m.evict(victim, vf); err != nil {
			return nil, err
		}
	}
}

// waitFrame blocks until the eviction or flush running on f is over.
func waitFrame(f *frame) {
	f.mu.Lock()
	//nolint:staticcheck
	f.mu.Unlock()
	runtime.Gosched()
}

// pendingFrameAssumeLocked returns a frame that leaves the pool or becomes
// evictable once its running eviction or flush is over.
func (m *Manager) pendingFrameAssumeLocked() (*frame, bool) {
	for _, f := range m.pageTable {
		if f.evicting {
			return f, true
		}
		if f.flushers > 0 && f.pinCount == 0 && f.heldBy == common.NilTxnID {
			return f, true
		}
	}
	return nil, false
}

// load reads the page of a freshly published frame whose mutex is held.
func (m *Manager) load(pIdent common.PageIdentity, f *frame) (*page.HeapPage, error) {
	defer f.mu.Unlock()

	pg, err := m.readPage(pIdent)
	if err != nil {
		f.err = fmt.Errorf("failed to load page %s: %w", pIdent, err)

		m.mu.Lock()
		if m.pageTable[pIdent] == f {
			delete(m.pageTable, pIdent)
		}
		m.replacer.Pin(pIdent)
		m.mu.Unlock()

		return nil, f.err
	}

	f.pg = pg
	return pg, nil
}

func (m *Manager) readPage(pIdent common.PageIdentity) (*page.HeapPage, error) {
	file, err := m.files.GetFile(pIdent.FileID)
	if err != nil {
		return nil, err
	}
	return file.ReadPage(pIdent.PageID)
}

// evict flushes the victim if needed and drops it. When the flush fails the
// page stays cached and becomes evictable again.
func (m *Manager) evict(victim common.PageIdentity, vf *frame) error {
	vf.mu.Lock()
	dirty := vf.pg != nil && vf.pg.IsDirty()

	var err error
	if dirty {
		err = m.flushFrameAssumeLocked(vf)
	}
	vf.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		vf.evicting = false
		m.refreshAssumeLocked(victim, vf)

		m.logger.Errorw("failed to evict page", "page", victim, "error", err)
		return fmt.Errorf("%w: flush of victim %s failed: %w", ErrNoSpaceLeft, victim, err)
	}

	if m.pageTable[victim] == vf {
		delete(m.pageTable, victim)
	}
	m.logger.Debugw("evicted page", "page", victim, "dirty", dirty)
	return nil
}

// flushFrameAssumeLocked writes the page and makes the written image the
// before-image.
func (m *Manager) flushFrameAssumeLocked(f *frame) error {
	pg := f.pg
	file, err := m.files.GetFile(pg.ID().FileID)
	if err != nil {
		return err
	}

	if err := file.WritePage(pg); err != nil {
		return fmt.Errorf("failed to flush page %s: %w", pg.ID(), err)
	}

	pg.MarkDirty(false, common.NilTxnID)
	pg.SetBeforeImage()
	f.unflushedCommit = false

	m.logger.Debugw("flushed page", "page", pg.ID())
	return nil
}

// Unpin releases a pin taken by GetPage.
func (m *Manager) Unpin(pIdent common.PageIdentity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.pageTable[pIdent]
	assert.Assert(ok, "couldn't unpin page %s: page not found", pIdent)
	assert.Assert(f.pinCount > 0, "invalid pin count for page %s: %d", pIdent, f.pinCount)

	f.pinCount--
	m.refreshAssumeLocked(pIdent, f)
}

// MarkDirty flags a pinned page as modified by txnID. Pages dirtied by a
// transaction are not evicted until it completes. NilTxnID marks a change
// that belongs to no transaction; such pages are flushed on eviction.
func (m *Manager) MarkDirty(txnID common.TxnID, pg *page.HeapPage) {
	pg.MarkDirty(true, txnID)

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.pageTable[pg.ID()]
	assert.Assert(ok, "couldn't mark page %s dirty: page not found", pg.ID())

	if txnID != common.NilTxnID {
		assert.Assert(
			f.heldBy == common.NilTxnID || f.heldBy == txnID,
			"page %s is dirtied by txn %d and txn %d at once",
			pg.ID(),
			f.heldBy,
			txnID,
		)
		f.heldBy = txnID
	}
	m.refreshAssumeLocked(pg.ID(), f)
}

// InsertTuple inserts fields into the table and returns the new record id.
func (m *Manager) InsertTuple(
	ctx context.Context,
	txnID common.TxnID,
	fileID common.FileID,
	fields []storage.Field,
) (common.RecordID, error) {
	file, err := m.files.GetFile(fileID)
	if err != nil {
		return common.RecordID{}, err
	}

	rid, _, err := file.InsertTuple(ctx, m, txnID, fields)
	return rid, err
}

// DeleteTuple removes t, located by its record id, from its table. The slot
// must still hold a tuple equal to t.
func (m *Manager) DeleteTuple(ctx context.Context, txnID common.TxnID, t storage.Tuple) error {
	file, err := m.files.GetFile(t.RecordID.FileID)
	if err != nil {
		return err
	}

	_, err = file.DeleteTuple(ctx, m, txnID, t)
	return err
}

// TransactionComplete commits or aborts txnID: pages it dirtied are forced
// to disk (commit) or reverted to their last committed image (abort), then
// all of its locks are released. Calling it for a finished transaction is a
// no-op.
func (m *Manager) TransactionComplete(txnID common.TxnID, commit bool) error {
	var err error
	for _, pIdent := range m.takeTouched(txnID) {
		err = errors.Join(err, m.completePage(txnID, pIdent, commit))
	}
	m.locker.UnlockAll(txnID)

	if err != nil {
		m.logger.Errorw("transaction completed with errors", "txn_id", txnID, "commit", commit, "error", err)
	} else {
		m.logger.Debugw("transaction completed", "txn_id", txnID, "commit", commit)
	}
	return err
}

func (m *Manager) completePage(txnID common.TxnID, pIdent common.PageIdentity, commit bool) error {
	m.mu.Lock()
	f, ok := m.pageTable[pIdent]
	if !ok || f.heldBy != txnID {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// held pages are neither evicted nor dropped, so f stays valid
	f.mu.Lock()
	var err error
	switch {
	case !commit:
		f.pg.RestoreBeforeImage()
		if f.unflushedCommit {
			f.pg.MarkDirty(true, common.NilTxnID)
		}
	case m.force:
		err = m.flushFrameAssumeLocked(f)
		if err != nil {
			// committed in memory only, eviction retries the write
			f.pg.SetBeforeImage()
			f.pg.MarkDirty(true, common.NilTxnID)
			f.unflushedCommit = true
		}
	default:
		f.pg.SetBeforeImage()
		f.pg.MarkDirty(true, common.NilTxnID)
		f.unflushedCommit = true
	}
	f.mu.Unlock()

	m.mu.Lock()
	f.heldBy = common.NilTxnID
	m.refreshAssumeLocked(pIdent, f)
	m.mu.Unlock()

	return err
}

// FlushPage writes a cached page to disk. Pages dirtied by a running
// transaction are refused with ErrPageHeld, pinned pages with ErrPagePinned:
// their pin holder may be changing them.
func (m *Manager) FlushPage(pIdent common.PageIdentity) error {
	f, err := m.flushableFrame(pIdent)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() {
		m.mu.Lock()
		f.flushers--
		m.refreshAssumeLocked(pIdent, f)
		m.mu.Unlock()
	}()

	if f.pg == nil || !f.pg.IsDirty() {
		return nil
	}
	return m.flushFrameAssumeLocked(f)
}

// flushableFrame registers a flusher on the frame of pIdent. New pins of the
// page wait until the flusher is gone.
func (m *Manager) flushableFrame(pIdent common.PageIdentity) (*frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.pageTable[pIdent]
	if !ok || f.evicting {
		return nil, fmt.Errorf("%w: %s", ErrPageNotCached, pIdent)
	}
	if f.heldBy != common.NilTxnID {
		return nil, fmt.Errorf("%w: %s by txn %d", ErrPageHeld, pIdent, f.heldBy)
	}
	if f.pinCount > 0 {
		return nil, fmt.Errorf("%w: %s has %d pins", ErrPagePinned, pIdent, f.pinCount)
	}

	f.flushers++
	m.refreshAssumeLocked(pIdent, f)
	return f, nil
}

// FlushAllPages writes every dirty page that no running transaction holds.
// Pages of running transactions and pinned pages are skipped.
func (m *Manager) FlushAllPages(ctx context.Context) error {
	m.mu.Lock()
	pages := make([]common.PageIdentity, 0, len(m.pageTable))
	for pIdent, f := range m.pageTable {
		if f.heldBy != common.NilTxnID {
			m.logger.Debugw("skipping held page", "page", pIdent, "txn_id", f.heldBy)
			continue
		}
		pages = append(pages, pIdent)
	}
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(flushConcurrency)
	for _, pIdent := range pages {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			err := m.FlushPage(pIdent)
			if errors.Is(err, ErrPageNotCached) ||
				errors.Is(err, ErrPageHeld) ||
				errors.Is(err, ErrPagePinned) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// DiscardPage replaces the cached content of pIdent with the on-disk image,
// dropping every in-memory change.
func (m *Manager) DiscardPage(pIdent common.PageIdentity) error {
	m.mu.Lock()
	f, ok := m.pageTable[pIdent]
	if !ok || f.evicting {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pg == nil {
		return nil
	}

	file, err := m.files.GetFile(pIdent.FileID)
	if err != nil {
		return err
	}
	fresh, err := file.ReadPage(pIdent.PageID)
	if err != nil {
		return fmt.Errorf("failed to discard page %s: %w", pIdent, err)
	}
	if err := f.pg.ResetTo(fresh.GetData()); err != nil {
		return err
	}
	f.unflushedCommit = false

	m.mu.Lock()
	f.heldBy = common.NilTxnID
	m.refreshAssumeLocked(pIdent, f)
	m.mu.Unlock()

	m.logger.Debugw("discarded page", "page", pIdent)
	return nil
}

func (m *Manager) HoldsLock(txnID common.TxnID, pIdent common.PageIdentity) bool {
	return m.locker.Holds(txnID, pIdent)
}

// ReleasePage drops txnID's lock on pIdent before the transaction ends.
// This breaks two-phase locking and is meant for pages the transaction
// only inspected; pages it dirtied can't be released.
func (m *Manager) ReleasePage(txnID common.TxnID, pIdent common.PageIdentity) error {
	m.mu.Lock()
	f, ok := m.pageTable[pIdent]
	held := ok && f.heldBy == txnID
	m.mu.Unlock()

	if held {
		return fmt.Errorf("%w: %s by txn %d", ErrPageHeld, pIdent, txnID)
	}

	m.locker.Unlock(txnID, pIdent)

	m.touchedGuard.Lock()
	if pages, ok := m.touched[txnID]; ok {
		pages.Remove(pIdent)
	}
	m.touchedGuard.Unlock()
	return nil
}

// Size returns the number of cached pages.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pageTable)
}

func (m *Manager) IsCached(pIdent common.PageIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.pageTable[pIdent]
	return ok
}

// EnsureAllPagesUnpinned reports pages that are still pinned or held, and a
// replacer that disagrees with the page table.
func (m *Manager) EnsureAllPagesUnpinned() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pinned := map[common.PageIdentity]uint64{}
	held := map[common.PageIdentity]common.TxnID{}
	for pIdent, f := range m.pageTable {
		if f.pinCount != 0 {
			pinned[pIdent] = f.pinCount
		}
		if f.heldBy != common.NilTxnID {
			held[pIdent] = f.heldBy
		}
	}

	var err error
	if len(pinned) > 0 {
		err = fmt.Errorf("not all pages were properly unpinned: %+v", pinned)
	}
	if len(held) > 0 {
		err = errors.Join(err, fmt.Errorf("pages are still held by transactions: %+v", held))
	}
	if size := m.replacer.GetSize(); size != uint64(len(m.pageTable)) {
		err = errors.Join(err, fmt.Errorf(
			"replacer tracks %d pages, page table has %d unpinned pages",
			size,
			len(m.pageTable),
		))
	}
	return err
}
