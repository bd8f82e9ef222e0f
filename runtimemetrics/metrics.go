// Package runtimemetrics tracks operational statistics for the runtime
// core: obstack allocation/collection activity, intern table hit/miss
// and cycle-collapse counts, memoization cache hits/misses/
// invalidations, and scheduler task throughput.
//
// Grounded on the same pattern a hot-path write side typically uses: an
// atomic-counter Metrics struct (no lock, no allocation on Record*), an
// Observer/NoOpObserver indirection so callers that don't care about
// metrics pay nothing, and a Snapshot()-for-reporting split. Generalized
// from I/O op counters to the five subsystems this runtime core actually
// has, and extended with a prometheus.Collector adapter that reads these
// atomics on Collect() rather than duplicating them as separate
// prometheus counters.
package runtimemetrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the hot-path write side: plain atomics, safe for
// concurrent use from every obstack/interner/memo/scheduler call site,
// with no lock and no allocation on any Record* call.
type Metrics struct {
	// Obstack / collector activity.
	AllocOps      atomic.Uint64
	AllocBytes    atomic.Uint64
	LargeAllocOps atomic.Uint64
	PinnedAllocOps atomic.Uint64
	CollectOps    atomic.Uint64
	CollectFreedBytes atomic.Uint64
	CollectSurvivorBytes atomic.Uint64
	FreezeOps     atomic.Uint64

	// Interner activity.
	InternHits    atomic.Uint64
	InternMisses  atomic.Uint64
	InternCycles  atomic.Uint64
	InternFinalized atomic.Uint64

	// Memoization graph activity.
	MemoHits         atomic.Uint64
	MemoMisses       atomic.Uint64
	MemoRefreshes    atomic.Uint64
	MemoRecomputes   atomic.Uint64
	MemoInvalidations atomic.Uint64
	MemoLRUEvictions atomic.Uint64

	// Scheduler activity.
	TasksPosted  atomic.Uint64
	TasksRun     atomic.Uint64
	ProcessJoins atomic.Uint64

	StartTime atomic.Int64
}

// New creates an empty Metrics instance with StartTime set to now.
func New() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordAlloc records a single obstack allocation of n bytes, bumping
// the appropriate large/pinned sub-counter as well when applicable.
func (m *Metrics) RecordAlloc(n uint64, large, pinned bool) {
	m.AllocOps.Add(1)
	m.AllocBytes.Add(n)
	if large {
		m.LargeAllocOps.Add(1)
	}
	if pinned {
		m.PinnedAllocOps.Add(1)
	}
}

// RecordCollect records one completed collection pass.
func (m *Metrics) RecordCollect(freedBytes, survivorBytes uint64) {
	m.CollectOps.Add(1)
	m.CollectFreedBytes.Add(freedBytes)
	m.CollectSurvivorBytes.Add(survivorBytes)
}

// RecordFreeze records one Obstack.Freeze call.
func (m *Metrics) RecordFreeze() { m.FreezeOps.Add(1) }

// RecordIntern records one Interner.Intern call's outcome: hit (object
// already canonical), or miss (a fresh clone was inserted). cycle is
// true when the miss also triggered an SCC collapse.
func (m *Metrics) RecordIntern(hit, cycle bool) {
	if hit {
		m.InternHits.Add(1)
		return
	}
	m.InternMisses.Add(1)
	if cycle {
		m.InternCycles.Add(1)
	}
}

// RecordFinalize records one interned object (or cycle) reaching
// refcount zero and being finalized.
func (m *Metrics) RecordFinalize() { m.InternFinalized.Add(1) }

// RecordMemo records one asyncEvaluate outcome against an invocation:
// hit (a usable cached revision was found), or miss (a placeholder was
// inserted and the body ran).
func (m *Metrics) RecordMemo(hit bool) {
	if hit {
		m.MemoHits.Add(1)
	} else {
		m.MemoMisses.Add(1)
	}
}

// RecordRefresh records a Refresher.Run attempt's outcome: refreshed
// (the revision's end extended without recomputation), or recomputed
// (the refresh failed and the body re-ran).
func (m *Metrics) RecordRefresh(refreshed bool) {
	if refreshed {
		m.MemoRefreshes.Add(1)
	} else {
		m.MemoRecomputes.Add(1)
	}
}

// RecordInvalidation records one revision's End transitioning from
// kNever to finite and propagating to its subscribers.
func (m *Metrics) RecordInvalidation() { m.MemoInvalidations.Add(1) }

// RecordLRUEviction records one invocation evicted from the LRU ring.
func (m *Metrics) RecordLRUEviction() { m.MemoLRUEvictions.Add(1) }

// RecordTaskPosted and RecordTaskRun track scheduler throughput.
func (m *Metrics) RecordTaskPosted() { m.TasksPosted.Add(1) }
func (m *Metrics) RecordTaskRun()    { m.TasksRun.Add(1) }

// RecordProcessJoin records one joinChild completing.
func (m *Metrics) RecordProcessJoin() { m.ProcessJoins.Add(1) }

// Snapshot is a point-in-time, plain-value copy of Metrics suitable for
// logging or JSON encoding.
type Snapshot struct {
	AllocOps, AllocBytes, LargeAllocOps, PinnedAllocOps uint64
	CollectOps, CollectFreedBytes, CollectSurvivorBytes uint64
	FreezeOps                                           uint64
	InternHits, InternMisses, InternCycles, InternFinalized uint64
	MemoHits, MemoMisses, MemoRefreshes, MemoRecomputes uint64
	MemoInvalidations, MemoLRUEvictions                 uint64
	TasksPosted, TasksRun, ProcessJoins                 uint64
	UptimeNs                                            uint64
}

// Snapshot reads every counter into a plain-value struct.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		AllocOps:             m.AllocOps.Load(),
		AllocBytes:           m.AllocBytes.Load(),
		LargeAllocOps:        m.LargeAllocOps.Load(),
		PinnedAllocOps:       m.PinnedAllocOps.Load(),
		CollectOps:           m.CollectOps.Load(),
		CollectFreedBytes:    m.CollectFreedBytes.Load(),
		CollectSurvivorBytes: m.CollectSurvivorBytes.Load(),
		FreezeOps:            m.FreezeOps.Load(),
		InternHits:           m.InternHits.Load(),
		InternMisses:         m.InternMisses.Load(),
		InternCycles:         m.InternCycles.Load(),
		InternFinalized:      m.InternFinalized.Load(),
		MemoHits:             m.MemoHits.Load(),
		MemoMisses:           m.MemoMisses.Load(),
		MemoRefreshes:        m.MemoRefreshes.Load(),
		MemoRecomputes:       m.MemoRecomputes.Load(),
		MemoInvalidations:    m.MemoInvalidations.Load(),
		MemoLRUEvictions:     m.MemoLRUEvictions.Load(),
		TasksPosted:          m.TasksPosted.Load(),
		TasksRun:             m.TasksRun.Load(),
		ProcessJoins:         m.ProcessJoins.Load(),
		UptimeNs:             uint64(time.Now().UnixNano() - m.StartTime.Load()),
	}
}

// Observer lets callers that don't want the default Metrics wiring
// plug in their own collection (or none at all), matching the
// usual Observer/NoOpObserver split.
type Observer interface {
	ObserveAlloc(bytes uint64, large, pinned bool)
	ObserveCollect(freedBytes, survivorBytes uint64)
	ObserveIntern(hit, cycle bool)
	ObserveMemo(hit bool)
	ObserveTaskPosted()
	ObserveTaskRun()
	ObserveProcessJoin()
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAlloc(uint64, bool, bool)     {}
func (NoOpObserver) ObserveCollect(uint64, uint64)       {}
func (NoOpObserver) ObserveIntern(bool, bool)            {}
func (NoOpObserver) ObserveMemo(bool)                    {}
func (NoOpObserver) ObserveTaskPosted()                  {}
func (NoOpObserver) ObserveTaskRun()                     {}
func (NoOpObserver) ObserveProcessJoin()                 {}

// MetricsObserver implements Observer by recording into an underlying
// Metrics instance.
type MetricsObserver struct {
	M *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{M: m} }

func (o *MetricsObserver) ObserveAlloc(bytes uint64, large, pinned bool) {
	o.M.RecordAlloc(bytes, large, pinned)
}
func (o *MetricsObserver) ObserveCollect(freedBytes, survivorBytes uint64) {
	o.M.RecordCollect(freedBytes, survivorBytes)
}
func (o *MetricsObserver) ObserveIntern(hit, cycle bool) { o.M.RecordIntern(hit, cycle) }
func (o *MetricsObserver) ObserveMemo(hit bool)          { o.M.RecordMemo(hit) }
func (o *MetricsObserver) ObserveTaskPosted()            { o.M.RecordTaskPosted() }
func (o *MetricsObserver) ObserveTaskRun()                { o.M.RecordTaskRun() }
func (o *MetricsObserver) ObserveProcessJoin()           { o.M.RecordProcessJoin() }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)

// Collector adapts a *Metrics to prometheus.Collector, reading the
// atomics on every Collect() rather than keeping a second, duplicate
// set of prometheus counters in sync on every hot-path write — the same
// two-layer shape the retrieval pack uses everywhere a hand-rolled
// atomic Metrics struct coexists with Prometheus export.
type Collector struct {
	m *Metrics

	allocOps      *prometheus.Desc
	allocBytes    *prometheus.Desc
	collectOps    *prometheus.Desc
	internHits    *prometheus.Desc
	internMisses  *prometheus.Desc
	internCycles  *prometheus.Desc
	memoHits      *prometheus.Desc
	memoMisses    *prometheus.Desc
	memoRefreshes *prometheus.Desc
	memoInvalidations *prometheus.Desc
	tasksPosted   *prometheus.Desc
	tasksRun      *prometheus.Desc
}

// NewCollector builds a prometheus.Collector exporting m's counters
// under the coreruntime_ namespace.
func NewCollector(m *Metrics) *Collector {
	ns := "coreruntime"
	return &Collector{
		m: m,
		allocOps:      prometheus.NewDesc(ns+"_obstack_alloc_ops_total", "Total obstack allocations.", nil, nil),
		allocBytes:    prometheus.NewDesc(ns+"_obstack_alloc_bytes_total", "Total bytes allocated from an obstack.", nil, nil),
		collectOps:    prometheus.NewDesc(ns+"_obstack_collect_ops_total", "Total completed obstack collections.", nil, nil),
		internHits:    prometheus.NewDesc(ns+"_intern_hits_total", "Total intern table hits.", nil, nil),
		internMisses:  prometheus.NewDesc(ns+"_intern_misses_total", "Total intern table misses.", nil, nil),
		internCycles:  prometheus.NewDesc(ns+"_intern_cycle_collapses_total", "Total interned cyclic SCC collapses.", nil, nil),
		memoHits:      prometheus.NewDesc(ns+"_memo_hits_total", "Total memoization cache hits.", nil, nil),
		memoMisses:    prometheus.NewDesc(ns+"_memo_misses_total", "Total memoization cache misses.", nil, nil),
		memoRefreshes: prometheus.NewDesc(ns+"_memo_refreshes_total", "Total successful opportunistic refreshes.", nil, nil),
		memoInvalidations: prometheus.NewDesc(ns+"_memo_invalidations_total", "Total revision invalidations propagated.", nil, nil),
		tasksPosted:   prometheus.NewDesc(ns+"_scheduler_tasks_posted_total", "Total tasks posted to a process.", nil, nil),
		tasksRun:      prometheus.NewDesc(ns+"_scheduler_tasks_run_total", "Total tasks run by a process.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocOps
	ch <- c.allocBytes
	ch <- c.collectOps
	ch <- c.internHits
	ch <- c.internMisses
	ch <- c.internCycles
	ch <- c.memoHits
	ch <- c.memoMisses
	ch <- c.memoRefreshes
	ch <- c.memoInvalidations
	ch <- c.tasksPosted
	ch <- c.tasksRun
}

// Collect implements prometheus.Collector, reading the live atomics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.allocOps, prometheus.CounterValue, float64(snap.AllocOps))
	ch <- prometheus.MustNewConstMetric(c.allocBytes, prometheus.CounterValue, float64(snap.AllocBytes))
	ch <- prometheus.MustNewConstMetric(c.collectOps, prometheus.CounterValue, float64(snap.CollectOps))
	ch <- prometheus.MustNewConstMetric(c.internHits, prometheus.CounterValue, float64(snap.InternHits))
	ch <- prometheus.MustNewConstMetric(c.internMisses, prometheus.CounterValue, float64(snap.InternMisses))
	ch <- prometheus.MustNewConstMetric(c.internCycles, prometheus.CounterValue, float64(snap.InternCycles))
	ch <- prometheus.MustNewConstMetric(c.memoHits, prometheus.CounterValue, float64(snap.MemoHits))
	ch <- prometheus.MustNewConstMetric(c.memoMisses, prometheus.CounterValue, float64(snap.MemoMisses))
	ch <- prometheus.MustNewConstMetric(c.memoRefreshes, prometheus.CounterValue, float64(snap.MemoRefreshes))
	ch <- prometheus.MustNewConstMetric(c.memoInvalidations, prometheus.CounterValue, float64(snap.MemoInvalidations))
	ch <- prometheus.MustNewConstMetric(c.tasksPosted, prometheus.CounterValue, float64(snap.TasksPosted))
	ch <- prometheus.MustNewConstMetric(c.tasksRun, prometheus.CounterValue, float64(snap.TasksRun))
}

var _ prometheus.Collector = (*Collector)(nil)
