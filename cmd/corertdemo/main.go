// Command corertdemo wires up a Runtime and walks through the
// memoize-query-commit-requery cycle: construct, drive, report.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/brooklang/coreruntime"
	"github.com/brooklang/coreruntime/internal/logging"
	"github.com/brooklang/coreruntime/internal/memo"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
	"github.com/brooklang/coreruntime/internal/txn"
)

func main() {
	verbose := flag.Bool("v", false, "verbose logging")
	workers := flag.Int("workers", 4, "parallelTabulate worker count")
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	rt, err := corert.New(corert.DefaultParams(), &corert.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	price := rt.NewCell(objmodel.FromInt64(100))

	id := &objmodel.IObj{}
	total := rt.Memoize(id, func(ctx *memo.Context) (objmodel.MemoValue, error) {
		v, err := price.ReadFor(ctx, rt.LockManager())
		if err != nil {
			return objmodel.MemoValue{}, err
		}
		return objmodel.FromInt64(v.Int64 + 1), nil
	})

	firstTxn := revision.TxnId(1)
	v1, err := total.Evaluate(firstTxn, rt.LockManager())
	if err != nil {
		logger.Error("initial evaluate failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("total at txn %d: %d\n", firstTxn, v1.Int64)

	newTxn := rt.Commit(txn.Assignment{Cell: price, Value: objmodel.FromInt64(200)})
	logger.Info("committed new price", "txn", newTxn)

	v2, err := total.Evaluate(newTxn, rt.LockManager())
	if err != nil {
		logger.Error("post-commit evaluate failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("total at txn %d: %d\n", newTxn, v2.Int64)

	results, err := rt.ParallelTabulate(context.Background(), *workers, func(_ context.Context, i int) (objmodel.MemoValue, error) {
		return objmodel.FromInt64(int64(i) * int64(i)), nil
	})
	if err != nil {
		logger.Error("parallelTabulate failed", "error", err)
		os.Exit(1)
	}
	fmt.Printf("parallelTabulate(%d): %v\n", *workers, formatResults(results))

	snap := rt.Metrics().Snapshot()
	fmt.Printf("metrics: allocOps=%d memoHits=%d memoMisses=%d tasksRun=%d\n",
		snap.AllocOps, snap.MemoHits, snap.MemoMisses, snap.TasksRun)
}

func formatResults(results []objmodel.MemoValue) []int64 {
	out := make([]int64, len(results))
	for i, v := range results {
		out[i] = v.Int64
	}
	return out
}
