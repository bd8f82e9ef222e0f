package memo

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brooklang/coreruntime/internal/lockmgr"
	"github.com/brooklang/coreruntime/internal/objmodel"
	"github.com/brooklang/coreruntime/internal/revision"
)

// defaultGraphCapacity bounds the LRU membership of invocations with no
// finite-end tail revision; invocations scheduled for cleanup live
// outside this cache entirely until trimmed back to a purely-live
// state.
const defaultGraphCapacity = 4096

// Observer receives hit/miss notifications for the invocations this
// graph tracks (optional); satisfied structurally by
// runtimemetrics.Observer, which this package does not import directly
// to avoid a leaf-to-root dependency.
type Observer interface {
	ObserveMemo(hit bool)
}

// Graph is the memoization cache: a registry of invocations keyed by
// their interned argument tuple, an LRU eviction ring for invocations
// with nothing left to clean up, and per-TxnId cleanup buckets for
// invocations whose tail revision still has a finite end.
type Graph struct {
	mu       sync.Mutex
	registry map[*objmodel.IObj]*Invocation
	lru      *lru.Cache[*objmodel.IObj, *Invocation]
	cleanup  map[revision.TxnId][]*Invocation

	obs Observer
}

// SetObserver installs obs to receive ObserveMemo notifications for
// every invocation this graph owns. Passing nil disables observation.
func (g *Graph) SetObserver(obs Observer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.obs = obs
}

// NewGraph creates an empty Graph with room for capacity LRU-resident
// invocations (0 uses defaultGraphCapacity).
func NewGraph(capacity int) *Graph {
	if capacity <= 0 {
		capacity = defaultGraphCapacity
	}
	cache, err := lru.New[*objmodel.IObj, *Invocation](capacity)
	if err != nil {
		// Only possible cause is a non-positive size, which can't happen
		// given the guard above.
		panic(err)
	}
	return &Graph{
		registry: make(map[*objmodel.IObj]*Invocation),
		lru:      cache,
		cleanup:  make(map[revision.TxnId][]*Invocation),
	}
}

// GetOrCreate returns the invocation registered for id, creating one
// with entry if none exists yet, and moves it to the LRU head.
func (g *Graph) GetOrCreate(id *objmodel.IObj, entry EntryFunc) *Invocation {
	g.mu.Lock()
	inv, ok := g.registry[id]
	if !ok {
		inv = NewInvocation(id, entry)
		inv.Graph = g
		g.registry[id] = inv
	}
	g.mu.Unlock()
	g.MoveToLruHead(inv, id)
	return inv
}

// MoveToLruHead is a no-op for an invocation currently in the cleanup
// list, a recency bump for one already LRU-resident, and a fresh
// insertion otherwise.
func (g *Graph) MoveToLruHead(inv *Invocation, id *objmodel.IObj) {
	inv.mu.Lock()
	state := inv.listState
	inv.mu.Unlock()

	if state == ListCleanup {
		return
	}

	g.mu.Lock()
	g.lru.Add(id, inv)
	g.mu.Unlock()

	inv.mu.Lock()
	inv.listState = ListLRU
	inv.mu.Unlock()
}

// RegisterCleanup moves inv out of the LRU ring (if present) and into
// the cleanup bucket for txnID, the TxnId at which its tail revision's
// end falls.
func (g *Graph) RegisterCleanup(inv *Invocation, id *objmodel.IObj, txnID revision.TxnId) {
	g.mu.Lock()
	g.lru.Remove(id)
	g.cleanup[txnID] = append(g.cleanup[txnID], inv)
	g.mu.Unlock()

	inv.mu.Lock()
	inv.listState = ListCleanup
	inv.mu.Unlock()
}

// RunCleanup drains the cleanup bucket for txnID: each invocation's
// tail revisions with end <= oldestVisible are trimmed; an invocation
// whose new tail still has a finite end > oldestVisible is
// re-registered for cleanup at that end, otherwise it moves back to
// the LRU ring.
func (g *Graph) RunCleanup(txnID, oldestVisible revision.TxnId, lm *lockmgr.LockManager) {
	g.mu.Lock()
	pending := g.cleanup[txnID]
	delete(g.cleanup, txnID)
	g.mu.Unlock()

	for _, inv := range pending {
		inv := inv
		nextEnd, hasFiniteTail := inv.trimTail(oldestVisible)
		if hasFiniteTail {
			g.RegisterCleanup(inv, inv.ID, nextEnd)
			continue
		}
		inv.mu.Lock()
		inv.listState = ListNone
		inv.mu.Unlock()
		g.MoveToLruHead(inv, inv.ID)
	}
}

// SweepCleanup drains every cleanup bucket keyed at or below
// oldestVisible. internal/txn calls this once a commit has advanced
// oldestVisible, since advancing
// the watermark can make buckets for several past commits eligible at
// once, not just the one the commit itself just produced.
func (g *Graph) SweepCleanup(oldestVisible revision.TxnId, lm *lockmgr.LockManager) {
	g.mu.Lock()
	var due []revision.TxnId
	for txnID := range g.cleanup {
		if txnID <= oldestVisible {
			due = append(due, txnID)
		}
	}
	g.mu.Unlock()

	for _, txnID := range due {
		g.RunCleanup(txnID, oldestVisible, lm)
	}
}
