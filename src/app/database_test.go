package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/catalog"
)

var usersSchema = storage.Schema{
	{Name: "id", Type: storage.ColumnTypeInt},
	{Name: "name", Type: storage.ColumnTypeString},
}

func testConfig() Config {
	return Config{
		Environment:    EnvDev,
		DataDir:        "/db",
		BufferPoolSize: 8,
		PageSize:       512,
		EvictionPolicy: EvictionLRU,
		ForceOnCommit:  true,
	}
}

func openTestDB(t *testing.T, fs afero.Fs, cfg Config) *Database {
	t.Helper()

	db, err := Open(cfg, fs, nil)
	require.NoError(t, err)
	return db
}

func user(id int32, name string) []storage.Field {
	return []storage.Field{storage.IntField(id), storage.StringField(name)}
}

func scanStrings(t *testing.T, db *Database, txnID common.TxnID, table string) []string {
	t.Helper()

	tuples, err := db.Scan(context.Background(), txnID, table)
	require.NoError(t, err)

	rows := make([]string, 0, len(tuples))
	for _, tuple := range tuples {
		rows = append(rows, tuple.String())
	}
	return rows
}

func TestDatabase_AbortedDeleteKeepsRow(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), testConfig())
	ctx := context.Background()

	_, err := db.CreateTable("users", usersSchema)
	require.NoError(t, err)

	t1 := db.Begin()
	_, err = db.Insert(ctx, t1, "users", user(1, "a"))
	require.NoError(t, err)
	require.NoError(t, db.Commit(t1))

	t2 := db.Begin()
	tuples, err := db.Scan(ctx, t2, "users")
	require.NoError(t, err)
	require.Len(t, tuples, 1)
	assert.Equal(t, "(1, a)", tuples[0].String())

	require.NoError(t, db.Delete(ctx, t2, tuples[0]))
	assert.Empty(t, scanStrings(t, db, t2, "users"), "own delete must be visible")
	require.NoError(t, db.Abort(t2))

	t3 := db.Begin()
	assert.Equal(t, []string{"(1, a)"}, scanStrings(t, db, t3, "users"))
	require.NoError(t, db.Commit(t3))

	require.NoError(t, db.Pool().EnsureAllPagesUnpinned())
}

func TestDatabase_Run(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), testConfig())
	ctx := context.Background()

	_, err := db.CreateTable("users", usersSchema)
	require.NoError(t, err)

	errBoom := errors.New("boom")
	err = db.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
		if _, err := db.Insert(ctx, txnID, "users", user(1, "lost")); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	err = db.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
		_, err := db.Insert(ctx, txnID, "users", user(2, "kept"))
		return err
	})
	require.NoError(t, err)

	err = db.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
		assert.Equal(t, []string{"(2, kept)"}, scanStrings(t, db, txnID, "users"))
		return nil
	})
	require.NoError(t, err)
}

func TestDatabase_Errors(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), testConfig())
	ctx := context.Background()

	_, err := db.CreateTable("users", usersSchema)
	require.NoError(t, err)

	txnID := db.Begin()
	defer func() { require.NoError(t, db.Abort(txnID)) }()

	_, err = db.Insert(ctx, txnID, "missing", user(1, "a"))
	require.ErrorIs(t, err, catalog.ErrTableNotFound)

	_, err = db.Insert(ctx, txnID, "users", []storage.Field{storage.IntField(1)})
	require.ErrorIs(t, err, storage.ErrSchemaMismatch)

	_, err = db.Scan(ctx, txnID, "missing")
	require.ErrorIs(t, err, catalog.ErrTableNotFound)

	table, err := db.Table("users")
	require.NoError(t, err)
	ghost := storage.NewTuple(
		common.RecordID{FileID: table.ID, PageID: 0, SlotNum: 0},
		user(1, "a")...,
	)
	err = db.Delete(ctx, txnID, ghost)
	require.ErrorIs(t, err, storage.ErrTupleNotFound)
	require.ErrorIs(t, err, common.ErrTxnAborted)
}

func TestDatabase_DeleteMatching(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), testConfig())
	ctx := context.Background()

	_, err := db.CreateTable("users", usersSchema)
	require.NoError(t, err)

	require.NoError(t, db.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
		for _, row := range [][]storage.Field{user(1, "a"), user(2, "b"), user(1, "a")} {
			if _, err := db.Insert(ctx, txnID, "users", row); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
		deleted, err := db.DeleteMatching(ctx, txnID, "users", user(1, "a"))
		assert.Equal(t, 2, deleted)
		return err
	}))

	txnID := db.Begin()
	assert.Equal(t, []string{"(2, b)"}, scanStrings(t, db, txnID, "users"))
	require.NoError(t, db.Commit(txnID))
}

func TestDatabase_Reopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	ctx := context.Background()

	for _, policy := range []string{EvictionLRU, EvictionClock} {
		t.Run(policy, func(t *testing.T) {
			cfg := testConfig()
			cfg.EvictionPolicy = policy
			cfg.ForceOnCommit = false
			cfg.DataDir = "/db/" + policy

			db := openTestDB(t, fs, cfg)
			_, err := db.CreateTable("users", usersSchema)
			require.NoError(t, err)

			// three rows per 512 byte page, so the pool has to evict
			require.NoError(t, db.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
				for i := range int32(6) {
					if _, err := db.Insert(ctx, txnID, "users", user(i, "x")); err != nil {
						return err
					}
				}
				return nil
			}))
			for i := range int32(30) {
				require.NoError(t, db.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
					_, err := db.Insert(ctx, txnID, "users", user(100+i, "y"))
					return err
				}))
			}
			require.NoError(t, db.Close(ctx))

			reopened := openTestDB(t, fs, cfg)
			txnID := reopened.Begin()
			tuples, err := reopened.Scan(ctx, txnID, "users")
			require.NoError(t, err)
			assert.Len(t, tuples, 36)
			require.NoError(t, reopened.Commit(txnID))
		})
	}
}

func TestDatabase_LockWaitTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.LockWaitTimeout = 20 * time.Millisecond

	db := openTestDB(t, afero.NewMemMapFs(), cfg)
	ctx := context.Background()

	_, err := db.CreateTable("users", usersSchema)
	require.NoError(t, err)

	writer := db.Begin()
	_, err = db.Insert(ctx, writer, "users", user(1, "a"))
	require.NoError(t, err)

	reader := db.Begin()
	_, err = db.Scan(ctx, reader, "users")
	require.ErrorIs(t, err, common.ErrTxnAborted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, db.Abort(reader))

	require.NoError(t, db.Commit(writer))
	require.NoError(t, db.Pool().EnsureAllPagesUnpinned())
}

func TestDatabase_ConcurrentInserts(t *testing.T) {
	const (
		workers = 8
		txnsNum = 64
	)

	db := openTestDB(t, afero.NewMemMapFs(), testConfig())
	ctx := context.Background()

	_, err := db.CreateTable("users", usersSchema)
	require.NoError(t, err)

	workerPool, err := ants.NewPool(workers)
	require.NoError(t, err)
	defer workerPool.Release()

	var (
		committed atomic.Int32
		wg        sync.WaitGroup
	)
	for i := range int32(txnsNum) {
		wg.Add(1)
		task := func() {
			defer wg.Done()

			for {
				err := db.Run(ctx, func(ctx context.Context, txnID common.TxnID) error {
					_, err := db.Insert(ctx, txnID, "users", user(i, "c"))
					return err
				})
				if errors.Is(err, common.ErrTxnAborted) {
					continue
				}
				if assert.NoError(t, err) {
					committed.Add(1)
				}
				return
			}
		}
		require.NoError(t, workerPool.Submit(task))
	}
	wg.Wait()

	assert.Equal(t, int32(txnsNum), committed.Load())

	txnID := db.Begin()
	tuples, err := db.Scan(ctx, txnID, "users")
	require.NoError(t, err)
	assert.Len(t, tuples, txnsNum)
	require.NoError(t, db.Commit(txnID))
	require.NoError(t, db.Pool().EnsureAllPagesUnpinned())
}

func TestOpen_UnknownEvictionPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.EvictionPolicy = "mru"

	_, err := Open(cfg, afero.NewMemMapFs(), nil)
	require.ErrorIs(t, err, ErrUnknownEvictionPolicy)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("BUFFERPOOL_SIZE", "7")
	t.Setenv("EVICTION_POLICY", EvictionClock)
	t.Setenv("FORCE_ON_COMMIT", "false")
	t.Setenv("LOCK_WAIT_TIMEOUT", "250ms")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, uint64(7), cfg.BufferPoolSize)
	assert.Equal(t, EvictionClock, cfg.EvictionPolicy)
	assert.False(t, cfg.ForceOnCommit)
	assert.Equal(t, 250*time.Millisecond, cfg.LockWaitTimeout)
	assert.Equal(t, 4096, cfg.PageSize)
	assert.Equal(t, "./data", cfg.DataDir)
}
