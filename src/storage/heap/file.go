package heap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/disk"
	"github.com/Blackdeer1524/HeapDB/src/storage/page"
	"github.com/Blackdeer1524/HeapDB/src/txns"
)

// PageAccessor is the page access path of a buffer pool. Pages returned by
// GetPage are pinned and must be released with Unpin; the lock acquired for
// them is held until the transaction completes.
type PageAccessor interface {
	GetPage(
		ctx context.Context,
		txnID common.TxnID,
		pIdent common.PageIdentity,
		mode txns.PageLockMode,
	) (*page.HeapPage, error)
	Unpin(pIdent common.PageIdentity)
	MarkDirty(txnID common.TxnID, pg *page.HeapPage)
}

// File is an unordered collection of tuples stored in fixed size pages.
type File struct {
	id     common.FileID
	schema storage.Schema
	disk   *disk.Manager

	logger src.Logger
}

func NewFile(id common.FileID, schema storage.Schema, diskManager *disk.Manager) *File {
	return &File{
		id:     id,
		schema: schema,
		disk:   diskManager,
		logger: zap.NewNop().Sugar(),
	}
}

func (f *File) SetLogger(logger src.Logger) {
	f.logger = logger
}

func (f *File) ID() common.FileID {
	return f.id
}

func (f *File) Schema() storage.Schema {
	return f.schema
}

func (f *File) pageIdent(pageID common.PageID) common.PageIdentity {
	return common.PageIdentity{FileID: f.id, PageID: pageID}
}

// ReadPage loads a page straight from disk, bypassing any cache.
func (f *File) ReadPage(pageID common.PageID) (*page.HeapPage, error) {
	pIdent := f.pageIdent(pageID)

	data, err := f.disk.ReadPage(pIdent)
	if err != nil {
		return nil, err
	}
	return page.NewHeapPage(pIdent, f.schema, data)
}

// WritePage overwrites the on-disk image of pg.
func (f *File) WritePage(pg *page.HeapPage) error {
	assert.Assert(
		pg.ID().FileID == f.id,
		"page %s does not belong to file %d",
		pg.ID(),
		f.id,
	)

	return f.disk.WritePage(pg.ID(), pg.GetData())
}

func (f *File) NumPages() (uint64, error) {
	return f.disk.NumPages(f.id)
}

// InsertTuple stores fields into the first page with a free slot, growing the
// file by one page when every page is full. The returned page is dirty.
func (f *File) InsertTuple(
	ctx context.Context,
	pool PageAccessor,
	txnID common.TxnID,
	fields []storage.Field,
) (common.RecordID, []*page.HeapPage, error) {
	if err := f.schema.Validate(fields); err != nil {
		return common.RecordID{}, nil, err
	}

	numPages, err := f.NumPages()
	if err != nil {
		return common.RecordID{}, nil, err
	}

	for pageID := range common.PageID(numPages) {
		rid, pg, err := f.tryInsert(ctx, pool, txnID, f.pageIdent(pageID), fields)
		if err != nil {
			return common.RecordID{}, nil, err
		}
		if pg != nil {
			return rid, []*page.HeapPage{pg}, nil
		}
	}

	for {
		pageID, err := f.disk.AppendPage(f.id)
		if err != nil {
			return common.RecordID{}, nil, fmt.Errorf("failed to grow file %d: %w", f.id, err)
		}
		f.logger.Debugw("heap file grew", "file_id", f.id, "page_id", pageID, "txn_id", txnID)

		// a concurrent inserter may fill the fresh page before we lock it
		rid, pg, err := f.tryInsert(ctx, pool, txnID, f.pageIdent(pageID), fields)
		if err != nil {
			return common.RecordID{}, nil, err
		}
		if pg != nil {
			return rid, []*page.HeapPage{pg}, nil
		}
	}
}

// tryInsert returns a nil page when pIdent has no free slot.
func (f *File) tryInsert(
	ctx context.Context,
	pool PageAccessor,
	txnID common.TxnID,
	pIdent common.PageIdentity,
	fields []storage.Field,
) (common.RecordID, *page.HeapPage, error) {
	pg, err := pool.GetPage(ctx, txnID, pIdent, txns.PageLockExclusive)
	if err != nil {
		return common.RecordID{}, nil, err
	}
	defer pool.Unpin(pIdent)

	if pg.NumEmptySlots() == 0 {
		return common.RecordID{}, nil, nil
	}

	rid, err := pg.InsertTuple(fields)
	if err != nil {
		return common.RecordID{}, nil, err
	}
	pool.MarkDirty(txnID, pg)
	return rid, pg, nil
}

// DeleteTuple frees the slot of t. A slot that is empty or holds a tuple
// other than t is reported as storage.ErrTupleNotFound before anything is
// modified.
func (f *File) DeleteTuple(
	ctx context.Context,
	pool PageAccessor,
	txnID common.TxnID,
	t storage.Tuple,
) (*page.HeapPage, error) {
	rid := t.RecordID
	if rid.FileID != f.id {
		return nil, fmt.Errorf("%w: %s, file %d", storage.ErrTableMismatch, rid, f.id)
	}

	numPages, err := f.NumPages()
	if err != nil {
		return nil, err
	}
	if uint64(rid.PageID) >= numPages {
		return nil, fmt.Errorf("%w: %s", storage.ErrTupleNotFound, rid)
	}

	pIdent := rid.PageIdentity()
	pg, err := pool.GetPage(ctx, txnID, pIdent, txns.PageLockExclusive)
	if err != nil {
		return nil, err
	}
	defer pool.Unpin(pIdent)

	stored, ok := pg.Tuple(int(rid.SlotNum))
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrTupleNotFound, rid)
	}
	if !stored.Equal(t) {
		return nil, fmt.Errorf("%w: %s holds %s, not %s", storage.ErrTupleNotFound, rid, stored, t)
	}

	if err := pg.DeleteTuple(rid); err != nil {
		if errors.Is(err, page.ErrSlotEmpty) {
			return nil, fmt.Errorf("%w: %s", storage.ErrTupleNotFound, rid)
		}
		return nil, err
	}
	pool.MarkDirty(txnID, pg)
	return pg, nil
}

// Iterator returns a scan over every tuple of the file. The scan must be
// opened before use.
func (f *File) Iterator(pool PageAccessor, txnID common.TxnID) *Iterator {
	return &Iterator{
		file:  f,
		pool:  pool,
		txnID: txnID,
	}
}
