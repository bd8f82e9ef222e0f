// Package corert is the public facade wiring every internal runtime-core
// subsystem (arena, obstack, interner, memoization graph, lock manager,
// transaction, process scheduler, metrics) into one `Runtime` value: a
// `Params` struct with a `DefaultParams` constructor, an `Options`
// struct carrying an optional logger/observer, one top-level
// constructor, and accessor methods on the returned value.
package corert

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/brooklang/coreruntime/internal/arena"
	"github.com/brooklang/coreruntime/internal/constants"
	"github.com/brooklang/coreruntime/internal/intern"
	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/logging"
	"github.com/brooklang/coreruntime/internal/memo"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/obstack"
	"github.com/brooklang/coreruntime/internal/process"
	"github.com/brooklang/coreruntime/internal/revision"
	"github.com/brooklang/coreruntime/internal/rterr"
	"github.com/brooklang/coreruntime/internal/txn"
	"github.com/brooklang/coreruntime/runtimemetrics"
)

// Params configures a Runtime's resource sizing, re-exporting
// internal/constants' tunables for this package's public API.
type Params struct {
	// ArenaBytes is the size of the single contiguous address-space
	// reservation every obstack's chunks and large objects are carved
	// from. Zero selects a generous default.
	ArenaBytes int

	// GraphCapacity bounds the memoization graph's LRU ring.
	// Zero selects constants.DefaultLRUCapacity.
	GraphCapacity int

	// BuildHash identifies the compiled program a memo-cache snapshot
	// was built against; a reload should refuse a snapshot
	// whose BuildHash doesn't match.
	BuildHash uint64
}

// DefaultParams returns sensible defaults: a 64 MiB arena (4096 chunks)
// and the package-default LRU capacity.
func DefaultParams() Params {
	return Params{
		ArenaBytes:    4096 * constants.ChunkSize,
		GraphCapacity: constants.DefaultLRUCapacity,
	}
}

// Options carries optional collaborators a Runtime should use instead
// of its own defaults.
type Options struct {
	// Logger receives obstack/collector/interner/scheduler diagnostics.
	// Defaults to logging.Default() if nil.
	Logger *logging.Logger

	// Observer receives metrics observations. Defaults to a
	// MetricsObserver wrapping a fresh runtimemetrics.Metrics if nil.
	Observer runtimemetrics.Observer

	// Metrics, if set, is the Metrics instance Observer (when left nil)
	// should be built around; otherwise a fresh one is created. Exposed
	// separately so callers can read it back via Runtime.Metrics even
	// when they didn't supply a custom Observer.
	Metrics *runtimemetrics.Metrics
}

// Runtime wires together one arena, one shared interner, one
// memoization graph, one global transactor, and the root process every
// other process in this runtime instance is (transitively) a child of.
type Runtime struct {
	params Params

	arena    *arena.Arena
	log      *logging.Logger
	metrics  *runtimemetrics.Metrics
	observer runtimemetrics.Observer

	interner *intern.Interner
	graph    *memo.Graph
	lm       *lockmgr.LockManager
	txn      *txn.Transactor

	rootObs  *obstack.Obstack
	root     *process.Process

	vtMu sync.Mutex
	vt   *memo.VTableRegistry
}

// New builds a Runtime. The returned Runtime owns params.ArenaBytes of
// reserved address space (released by Close) and one root Process
// every ParallelTabulate worker is joined back into.
func New(params Params, options *Options) (*Runtime, error) {
	if params.ArenaBytes <= 0 {
		params.ArenaBytes = DefaultParams().ArenaBytes
	}
	if options == nil {
		options = &Options{}
	}

	ar, err := arena.NewSized(params.ArenaBytes)
	if err != nil {
		return nil, rterr.Wrap("corert.New", rterr.CodeOutOfMemory, err)
	}

	log := options.Logger
	if log == nil {
		log = logging.Default()
	}

	metrics := options.Metrics
	if metrics == nil {
		metrics = runtimemetrics.New()
	}
	observer := options.Observer
	if observer == nil {
		observer = runtimemetrics.NewMetricsObserver(metrics)
	}

	rootObs := obstack.New(ar)
	rootObs.SetLogger(log.WithSubsystem("obstack"))
	rootObs.SetObserver(observer)
	graph := memo.NewGraph(params.GraphCapacity)
	graph.SetObserver(observer)
	root := process.New(nil, rootObs)
	root.SetObserver(observer)
	rt := &Runtime{
		params:   params,
		arena:    ar,
		log:      log,
		metrics:  metrics,
		observer: observer,
		interner: intern.New(),
		graph:    graph,
		lm:       lockmgr.New(),
		rootObs:  rootObs,
		root:     root,
		vt:       memo.NewVTableRegistry(),
	}
	rt.txn = txn.New(rt.graph, rt.lm)
	rootObs.SetInterner(rt.interner)
	rootObs.SetLockManager(rt.lm)

	log.Info("corert: runtime initialized", "arenaBytes", params.ArenaBytes)
	return rt, nil
}

// Close releases the Runtime's reserved address space. The Runtime must
// not be used afterward.
func (rt *Runtime) Close() error {
	return rt.arena.Close()
}

// RootObstack returns the obstack backing the runtime's root process,
// for callers that want to allocate outside of any memoized call.
func (rt *Runtime) RootObstack() *obstack.Obstack { return rt.rootObs }

// RootProcess returns the runtime's root process.
func (rt *Runtime) RootProcess() *process.Process { return rt.root }

// Metrics returns the Runtime's metrics instance.
func (rt *Runtime) Metrics() *runtimemetrics.Metrics { return rt.metrics }

// Intern canonicalizes obj into the runtime's shared intern table,
// routed through the root obstack so the resulting reference is tracked
// in its iobj-ref map.
func (rt *Runtime) Intern(obj *objmodel.RObj) (*objmodel.IObj, error) {
	before := obj.Interned != nil
	out, err := rt.rootObs.Intern(obj)
	rt.observer.ObserveIntern(before, false)
	return out, err
}

// NewCell creates a mutable input cell holding
// initial from TxnId 1 onward.
func (rt *Runtime) NewCell(initial objmodel.MemoValue) *memo.Cell {
	return memo.NewCell(initial)
}

// Memoize returns the Invocation identified by id, creating it with
// entry as its body on first use.
func (rt *Runtime) Memoize(id *objmodel.IObj, entry memo.EntryFunc) *memo.Invocation {
	return rt.graph.GetOrCreate(id, entry)
}

// NewestVisible and OldestVisible expose the global transaction
// watermarks.
func (rt *Runtime) NewestVisible() revision.TxnId { return rt.txn.NewestVisible() }
func (rt *Runtime) OldestVisible() revision.TxnId { return rt.txn.OldestVisible() }

// Commit applies assignments as one batched transaction and
// returns the new TxnId.
func (rt *Runtime) Commit(assignments ...txn.Assignment) revision.TxnId {
	return rt.txn.Commit(assignments)
}

// beginTaskForTest and endTaskForTest expose the Transactor's in-flight
// bracket to this package's own tests, which need to
// hold OldestVisible back from advancing across a commit without
// spinning up a real worker process.
func (rt *Runtime) beginTaskForTest() { rt.txn.BeginTask() }
func (rt *Runtime) endTaskForTest()   { rt.txn.EndTask() }

// LockManager returns the runtime's shared lock manager. Most callers
// should instead use the convenience methods above; this is for code
// driving an Invocation directly.
func (rt *Runtime) LockManager() *lockmgr.LockManager { return rt.lm }

// SaveMemoCache writes the memoization graph's current state to w in
// the memo-cache file format, stamped with the Runtime's
// BuildHash so a later load can reject a cache built by a different
// program.
func (rt *Runtime) SaveMemoCache(w io.Writer) error {
	rt.vtMu.Lock()
	defer rt.vtMu.Unlock()
	return memo.BuildSnapshot(rt.graph, rt.vt, rt.params.BuildHash).Encode(w)
}

// LoadMemoCache decodes a memo-cache file and returns the snapshot. A
// malformed file or a BuildHash mismatch rejects the whole cache and
// execution proceeds with an empty one; callers warm the graph from the
// returned snapshot themselves, since rebinding snapshot records to
// live entry functions is compiler-provided.
func (rt *Runtime) LoadMemoCache(r io.Reader) (*memo.Snapshot, error) {
	snap, err := memo.DecodeSnapshot(r)
	if err != nil {
		return nil, err
	}
	if snap.BuildHash != rt.params.BuildHash {
		return nil, rterr.New("corert.LoadMemoCache", rterr.CodeDeserialization, "build hash mismatch")
	}
	return snap, nil
}

// NewWorkerProcess creates a child process of parent (the root process
// if parent is nil), backed by a fresh obstack carved from the same
// arena. Callers are expected to JoinChild it back into its
// parent once done.
func (rt *Runtime) NewWorkerProcess(parent *process.Process) *process.Process {
	if parent == nil {
		parent = rt.root
	}
	obs := obstack.New(rt.arena)
	obs.SetLogger(rt.log.WithSubsystem("obstack"))
	obs.SetObserver(rt.observer)
	obs.SetInterner(rt.interner)
	obs.SetLockManager(rt.lm)
	wp := process.New(parent, obs)
	wp.SetObserver(rt.observer)
	return wp
}

// ParallelTabulate runs fn once per index in [0, count), each on its
// own goroutine. It creates one worker process and obstack per index
// and joins them all back into the runtime's root process once every
// fn has finished; fn itself receives only the context and its index,
// not that worker process or obstack. It returns
// the ordered results. If more than one worker's fn returns an error,
// the lowest-index error wins and is returned alone, so a deterministic
// failure is reported no matter which worker finished first.
func (rt *Runtime) ParallelTabulate(ctx context.Context, count int, fn func(ctx context.Context, i int) (objmodel.MemoValue, error)) ([]objmodel.MemoValue, error) {
	results := make([]objmodel.MemoValue, count)

	var errMu sync.Mutex
	errIdx := -1
	var firstErr error

	g, gctx := errgroup.WithContext(ctx)
	workers := make([]*process.Process, count)
	for i := 0; i < count; i++ {
		i := i
		workers[i] = rt.NewWorkerProcess(rt.root)
		g.Go(func() error {
			v, err := fn(gctx, i)
			if err != nil {
				errMu.Lock()
				if errIdx == -1 || i < errIdx {
					errIdx = i
					firstErr = err
				}
				errMu.Unlock()
				return err
			}
			results[i] = v
			return nil
		})
	}
	_ = g.Wait() // errgroup's own error is discarded; we pick the lowest index ourselves

	for _, w := range workers {
		rt.root.JoinChild(w)
	}

	if firstErr != nil {
		return nil, fmt.Errorf("corert.ParallelTabulate: worker %d: %w", errIdx, firstErr)
	}
	return results, nil
}

// NumThreads reports the degree of parallelism ParallelTabulate
// targets.
func NumThreads() int {
	return numThreads()
}
