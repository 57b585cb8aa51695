package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/HeapDB/src"
	"github.com/Blackdeer1524/HeapDB/src/bufferpool"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/catalog"
	"github.com/Blackdeer1524/HeapDB/src/storage/disk"
	"github.com/Blackdeer1524/HeapDB/src/storage/heap"
	"github.com/Blackdeer1524/HeapDB/src/txns"
)

var ErrUnknownEvictionPolicy = errors.New("unknown eviction policy")

// Database wires the storage core together: catalog, disk manager, lock
// manager and buffer pool.
type Database struct {
	cfg Config

	disk       *disk.Manager
	catalog    *catalog.Catalog
	locker     *txns.LockManager
	txnManager *txns.TxnManager
	pool       *bufferpool.Manager

	logger src.Logger
}

func newReplacer(policy string, poolSize uint64) (bufferpool.Replacer, error) {
	switch policy {
	case EvictionLRU, "":
		return bufferpool.NewLRUReplacer(poolSize), nil
	case EvictionClock:
		return bufferpool.NewClockReplacer(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvictionPolicy, policy)
	}
}

func Open(cfg Config, fs afero.Fs, logger src.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.BufferPoolSize == 0 {
		return nil, errors.New("buffer pool size must be positive")
	}
	if cfg.PageSize <= 0 {
		return nil, fmt.Errorf("invalid page size %d", cfg.PageSize)
	}

	replacer, err := newReplacer(cfg.EvictionPolicy, cfg.BufferPoolSize)
	if err != nil {
		return nil, err
	}

	diskManager := disk.New(fs, cfg.PageSize)
	diskManager.SetLogger(logger)

	cat, err := catalog.New(cfg.DataDir, fs, diskManager, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	locker := txns.NewLockManager()
	locker.SetLogger(logger)

	pool := bufferpool.New(
		cfg.BufferPoolSize,
		replacer,
		cat,
		locker,
		bufferpool.WithForce(cfg.ForceOnCommit),
		bufferpool.WithLogger(logger),
	)

	logger.Infow(
		"database opened",
		"data_dir", cat.BasePath(),
		"pool_size", cfg.BufferPoolSize,
		"page_size", cfg.PageSize,
		"eviction", cfg.EvictionPolicy,
		"force", cfg.ForceOnCommit,
	)

	return &Database{
		cfg:        cfg,
		disk:       diskManager,
		catalog:    cat,
		locker:     locker,
		txnManager: txns.NewTxnManager(),
		pool:       pool,
		logger:     logger,
	}, nil
}

func (db *Database) Pool() *bufferpool.Manager {
	return db.pool
}

func (db *Database) Catalog() *catalog.Catalog {
	return db.catalog
}

func (db *Database) Begin() common.TxnID {
	txnID := db.txnManager.Begin()
	db.logger.Debugw("transaction started", "txn_id", txnID)
	return txnID
}

func (db *Database) Commit(txnID common.TxnID) error {
	return db.complete(txnID, true)
}

// Abort rolls txnID back. Aborting a transaction that has already been
// aborted by a deadlock is a no-op.
func (db *Database) Abort(txnID common.TxnID) error {
	return db.complete(txnID, false)
}

func (db *Database) complete(txnID common.TxnID, commit bool) error {
	err := db.pool.TransactionComplete(txnID, commit)

	if elapsed, ok := db.txnManager.End(txnID); ok {
		db.logger.Infow("transaction finished", "txn_id", txnID, "commit", commit, "elapsed", elapsed)
	}
	return err
}

// Run executes fn inside a new transaction. The transaction is committed if
// fn succeeds and aborted otherwise.
func (db *Database) Run(ctx context.Context, fn func(ctx context.Context, txnID common.TxnID) error) error {
	txnID := db.Begin()

	if err := fn(ctx, txnID); err != nil {
		return errors.Join(err, db.Abort(txnID))
	}
	return db.Commit(txnID)
}

func (db *Database) CreateTable(name string, schema storage.Schema) (catalog.Table, error) {
	return db.catalog.CreateTable(name, schema)
}

func (db *Database) Table(name string) (catalog.Table, error) {
	return db.catalog.TableByName(name)
}

func (db *Database) Tables() []catalog.Table {
	return db.catalog.Tables()
}

func (db *Database) lockContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.cfg.LockWaitTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.cfg.LockWaitTimeout)
}

func (db *Database) Insert(
	ctx context.Context,
	txnID common.TxnID,
	table string,
	fields []storage.Field,
) (common.RecordID, error) {
	t, err := db.catalog.TableByName(table)
	if err != nil {
		return common.RecordID{}, err
	}

	ctx, cancel := db.lockContext(ctx)
	defer cancel()

	return db.pool.InsertTuple(ctx, txnID, t.ID, fields)
}

func (db *Database) Delete(ctx context.Context, txnID common.TxnID, tuple storage.Tuple) error {
	ctx, cancel := db.lockContext(ctx)
	defer cancel()

	return db.pool.DeleteTuple(ctx, txnID, tuple)
}

// Iterator returns an unopened scan over table.
func (db *Database) Iterator(txnID common.TxnID, table string) (*heap.Iterator, error) {
	t, err := db.catalog.TableByName(table)
	if err != nil {
		return nil, err
	}

	file, err := db.catalog.GetFile(t.ID)
	if err != nil {
		return nil, err
	}
	return file.Iterator(db.pool, txnID), nil
}

// Scan collects every tuple of table.
func (db *Database) Scan(ctx context.Context, txnID common.TxnID, table string) ([]storage.Tuple, error) {
	it, err := db.Iterator(txnID, table)
	if err != nil {
		return nil, err
	}

	ctx, cancel := db.lockContext(ctx)
	defer cancel()

	tuples := []storage.Tuple{}
	for t, err := range it.All(ctx) {
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, t)
	}
	return tuples, nil
}

// DeleteMatching removes every tuple of table whose fields equal fields and
// returns how many were removed.
func (db *Database) DeleteMatching(
	ctx context.Context,
	txnID common.TxnID,
	table string,
	fields []storage.Field,
) (int, error) {
	tuples, err := db.Scan(ctx, txnID, table)
	if err != nil {
		return 0, err
	}

	probe := storage.NewTuple(common.RecordID{}, fields...)
	deleted := 0
	for _, t := range tuples {
		if !t.Equal(probe) {
			continue
		}
		if err := db.Delete(ctx, txnID, t); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Close flushes every page not held by a running transaction and persists
// the catalog.
func (db *Database) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, CloseTimeout)
	defer cancel()

	start := time.Now()
	err := errors.Join(db.pool.FlushAllPages(ctx), db.catalog.Save())
	if err != nil {
		db.logger.Errorw("failed to close database", "error", err)
		return err
	}

	db.logger.Infow("database closed", "elapsed", time.Since(start))
	return nil
}
