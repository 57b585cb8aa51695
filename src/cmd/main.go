package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/HeapDB/src/app"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
	"github.com/Blackdeer1524/HeapDB/src/storage"
)

type flags struct {
	dataDir  string
	poolSize uint64
	pageSize int
	eviction string
	noForce  bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, entry := newRootCmd()
	err := root.ExecuteContext(ctx)
	if closeErr := entry.Close(); closeErr != nil {
		fmt.Fprintln(os.Stderr, "failed to close database:", closeErr)
		err = errors.Join(err, closeErr)
	}
	if err != nil {
		stop()
		os.Exit(1) //nolint:gocritic
	}
}

func newRootCmd() (*cobra.Command, *app.Entrypoint) {
	var (
		f     flags
		entry app.Entrypoint
	)

	root := &cobra.Command{
		Use:          "heapdb",
		Short:        "Page-based heap storage with a buffer pool and two-phase locking",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("data-dir") {
				cfg.DataDir = f.dataDir
			}
			if cmd.Flags().Changed("pool-size") {
				cfg.BufferPoolSize = f.poolSize
			}
			if cmd.Flags().Changed("page-size") {
				cfg.PageSize = f.pageSize
			}
			if cmd.Flags().Changed("eviction") {
				cfg.EvictionPolicy = f.eviction
			}
			if f.noForce {
				cfg.ForceOnCommit = false
			}

			entry.Env = cfg
			return entry.Init(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.dataDir, "data-dir", "./data", "directory with the catalog and heap files")
	pf.Uint64Var(&f.poolSize, "pool-size", 50, "number of pages cached by the buffer pool")
	pf.IntVar(&f.pageSize, "page-size", 4096, "page size in bytes")
	pf.StringVar(&f.eviction, "eviction", app.EvictionLRU, "eviction policy: lru or clock")
	pf.BoolVar(&f.noForce, "no-force", false, "do not write pages to disk on commit")

	root.AddCommand(
		newCreateTableCmd(&entry),
		newInsertCmd(&entry),
		newScanCmd(&entry),
		newDeleteCmd(&entry),
		newTablesCmd(&entry),
		newBenchCmd(&entry),
	)
	return root, &entry
}

func newCreateTableCmd(entry *app.Entrypoint) *cobra.Command {
	return &cobra.Command{
		Use:     "create-table NAME SCHEMA",
		Short:   "Create an empty table",
		Example: "heapdb create-table users id:int,name:string",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := storage.ParseSchema(args[1])
			if err != nil {
				return err
			}

			table, err := entry.DB.CreateTable(args[0], schema)
			if err != nil {
				return err
			}
			cmd.Printf("created table %s (id=%d) at %s\n", table.Name, table.ID, table.Path)
			return nil
		},
	}
}

func parseRow(entry *app.Entrypoint, table string, values []string) ([]storage.Field, error) {
	t, err := entry.DB.Table(table)
	if err != nil {
		return nil, err
	}
	return t.Schema.ParseFields(values)
}

func newInsertCmd(entry *app.Entrypoint) *cobra.Command {
	return &cobra.Command{
		Use:     "insert TABLE VALUE...",
		Short:   "Insert one row in its own transaction",
		Example: "heapdb insert users 1 alice",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseRow(entry, args[0], args[1:])
			if err != nil {
				return err
			}

			var rid common.RecordID
			err = entry.DB.Run(cmd.Context(), func(ctx context.Context, txnID common.TxnID) error {
				rid, err = entry.DB.Insert(ctx, txnID, args[0], fields)
				return err
			})
			if err != nil {
				return err
			}
			cmd.Printf("inserted %s\n", rid)
			return nil
		},
	}
}

func newScanCmd(entry *app.Entrypoint) *cobra.Command {
	return &cobra.Command{
		Use:   "scan TABLE",
		Short: "Print every row of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return entry.DB.Run(cmd.Context(), func(ctx context.Context, txnID common.TxnID) error {
				tuples, err := entry.DB.Scan(ctx, txnID, args[0])
				if err != nil {
					return err
				}

				for _, t := range tuples {
					cmd.Printf("%s\t%s\n", t.RecordID, t)
				}
				cmd.Printf("%d rows\n", len(tuples))
				return nil
			})
		},
	}
}

func newDeleteCmd(entry *app.Entrypoint) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TABLE VALUE...",
		Short: "Delete every row equal to the given values",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseRow(entry, args[0], args[1:])
			if err != nil {
				return err
			}

			var deleted int
			err = entry.DB.Run(cmd.Context(), func(ctx context.Context, txnID common.TxnID) error {
				deleted, err = entry.DB.DeleteMatching(ctx, txnID, args[0], fields)
				return err
			})
			if err != nil {
				return err
			}
			cmd.Printf("deleted %d rows\n", deleted)
			return nil
		},
	}
}

func newTablesCmd(entry *app.Entrypoint) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tID\tPAGES\tSCHEMA\tPATH")

			for _, t := range entry.DB.Tables() {
				file, err := entry.DB.Catalog().GetFile(t.ID)
				if err != nil {
					return err
				}
				numPages, err := file.NumPages()
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", t.Name, t.ID, numPages, t.Schema, t.Path)
			}
			return w.Flush()
		},
	}
}

func randomRow(schema storage.Schema) []storage.Field {
	fields := make([]storage.Field, len(schema))
	for i, col := range schema {
		switch col.Type {
		case storage.ColumnTypeInt:
			fields[i] = storage.IntField(rand.Int32())
		default:
			fields[i] = storage.StringField(uuid.NewString())
		}
	}
	return fields
}

func newBenchCmd(entry *app.Entrypoint) *cobra.Command {
	var (
		workers   int
		txnsCount int
		scanRatio float64
	)

	cmd := &cobra.Command{
		Use:   "bench TABLE",
		Short: "Run concurrent insert and scan transactions against a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := entry.DB.Table(args[0])
			if err != nil {
				return err
			}

			workerPool, err := ants.NewPool(workers)
			if err != nil {
				return err
			}
			defer workerPool.Release()

			var (
				committed atomic.Uint64
				aborted   atomic.Uint64
				failed    atomic.Uint64
				errsMu    sync.Mutex
				errs      []error
				wg        sync.WaitGroup
			)

			task := func() {
				defer wg.Done()

				err := entry.DB.Run(cmd.Context(), func(ctx context.Context, txnID common.TxnID) error {
					if rand.Float64() < scanRatio {
						_, err := entry.DB.Scan(ctx, txnID, table.Name)
						return err
					}
					_, err := entry.DB.Insert(ctx, txnID, table.Name, randomRow(table.Schema))
					return err
				})

				switch {
				case err == nil:
					committed.Add(1)
				case errors.Is(err, common.ErrTxnAborted):
					aborted.Add(1)
				default:
					failed.Add(1)
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
				}
			}

			start := time.Now()
			for range txnsCount {
				wg.Add(1)
				if err := workerPool.Submit(task); err != nil {
					wg.Done()
					return err
				}
			}
			wg.Wait()
			elapsed := time.Since(start)

			cmd.Printf(
				"%d transactions in %s: %d committed, %d aborted, %d failed\n",
				txnsCount,
				elapsed.Round(time.Millisecond),
				committed.Load(),
				aborted.Load(),
				failed.Load(),
			)
			if len(errs) > 0 {
				msgs := make([]string, 0, min(len(errs), 5))
				for _, err := range errs[:min(len(errs), 5)] {
					msgs = append(msgs, err.Error())
				}
				entry.Logger().Warnw("bench failures", "sample", strings.Join(msgs, "; "))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&workers, "workers", 8, "number of concurrent workers")
	cmd.Flags().IntVar(&txnsCount, "txns", 1000, "number of transactions")
	cmd.Flags().Float64Var(&scanRatio, "scan-ratio", 0.2, "share of scan transactions")
	return cmd
}
