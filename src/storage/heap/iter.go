package heap

import (
	"context"
	"errors"
	"iter"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/txns"
)

var (
	ErrIteratorClosed = errors.New("iterator is not open")
	ErrNoMoreTuples   = errors.New("no more tuples")
)

// Iterator scans a heap file page by page in page order. Every page is read
// through the page access path with a shared lock; valid tuples of a page are
// buffered when the page is fetched.
type Iterator struct {
	file  *File
	pool  PageAccessor
	txnID common.TxnID

	open     bool
	numPages uint64
	nextPage common.PageID
	buffered []storage.Tuple
	pos      int
}

// Open starts the scan from page zero. The page count is captured here.
func (it *Iterator) Open() error {
	numPages, err := it.file.NumPages()
	if err != nil {
		return err
	}

	it.open = true
	it.numPages = numPages
	it.nextPage = 0
	it.buffered = nil
	it.pos = 0
	return nil
}

func (it *Iterator) HasNext(ctx context.Context) (bool, error) {
	if !it.open {
		return false, ErrIteratorClosed
	}

	for it.pos >= len(it.buffered) {
		if uint64(it.nextPage) >= it.numPages {
			return false, nil
		}

		pIdent := it.file.pageIdent(it.nextPage)
		pg, err := it.pool.GetPage(ctx, it.txnID, pIdent, txns.PageLockShared)
		if err != nil {
			return false, err
		}
		it.buffered = pg.Tuples()
		it.pool.Unpin(pIdent)

		it.pos = 0
		it.nextPage++
	}
	return true, nil
}

func (it *Iterator) Next(ctx context.Context) (storage.Tuple, error) {
	ok, err := it.HasNext(ctx)
	if err != nil {
		return storage.Tuple{}, err
	}
	if !ok {
		return storage.Tuple{}, ErrNoMoreTuples
	}

	t := it.buffered[it.pos]
	it.pos++
	return t, nil
}

// Rewind closes the scan and reopens it from page zero.
func (it *Iterator) Rewind() error {
	it.Close()
	return it.Open()
}

func (it *Iterator) Close() {
	it.open = false
	it.buffered = nil
	it.pos = 0
}

// All opens the iterator and yields every tuple. Iteration stops after the
// first error is yielded.
func (it *Iterator) All(ctx context.Context) iter.Seq2[storage.Tuple, error] {
	return func(yield func(storage.Tuple, error) bool) {
		if err := it.Open(); err != nil {
			yield(storage.Tuple{}, err)
			return
		}
		defer it.Close()

		for {
			ok, err := it.HasNext(ctx)
			if err != nil {
				yield(storage.Tuple{}, err)
				return
			}
			if !ok {
				return
			}

			t, err := it.Next(ctx)
			if !yield(t, err) || err != nil {
				return
			}
		}
	}
}
