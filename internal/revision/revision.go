// Package revision implements the memoization graph's per-invocation
// cache entries: TxnId lifespan algebra, traces (down-edges to the
// inputs a computation read), subscriptions (up-edges to dependents),
// and invalidation propagation.
//
// A manually-managed-memory rendition of this graph would pack
// Trace/SubscriptionSet into inline single-edge words, heap edge
// arrays, and a tree of dummy revisions beyond a fixed fan-out, all to
// avoid an allocation for the overwhelmingly common case of zero or
// one edge, with edge direction packed into the low bits of an aligned
// pointer. Go gives a slice header for free and a GC that doesn't
// reward pointer alignment tricks, so Trace and Subs are plain
// `[]*Revision` here; the layout tricks are not needed to preserve the
// graph's observable behavior.
package revision

import (
	"sync"
	"sync/atomic"

	"github.com/brooklang/coreruntime/internal/objmodel"
)

// TxnId is the 48-bit monotonic transaction counter revisions are
// indexed by.
type TxnId uint64

const (
	// ZeroTxnID is reserved for permanently-active values (a Cell's
	// very first revision begins at 1, not 0; 0 never ends).
	ZeroTxnID TxnId = 0
	// NeverTxnID means "no known end": still valid as of newestVisible.
	NeverTxnID TxnId = (1 << 48) - 1
)

// Revision is one `[Begin, End)` cache entry for an invocation.
type Revision struct {
	mu sync.Mutex

	Begin TxnId
	End   TxnId
	Value objmodel.MemoValue

	// Trace holds the input revisions this value's computation read,
	// in first-seen order. Inactive[i] is true once Trace[i].End has
	// gone finite and this revision hasn't yet refreshed past it.
	Trace    []*Revision
	Inactive []bool

	// Subs holds the revisions that read this one (the reverse of
	// Trace: s is in r.Subs iff r is in s.Trace).
	Subs []*Revision

	Refcount   atomic.Int32
	CanRefresh bool

	// Prev/Next link this revision into its invocation's revision
	// list, newest-first.
	Prev, Next *Revision

	// Owner is the *memo.Invocation this revision belongs to, typed as
	// any to avoid an import cycle (memo imports revision, not the
	// reverse). asyncRefresh uses it to recursively refresh an inactive
	// input that belongs to a different invocation.
	Owner any
}

// NewPlaceholder builds a placeholder revision: begin is the querying
// transaction, end initially mirrors whatever the previous head's begin
// was (or NeverTxnID if there was no previous head), and the value is
// left as objmodel.ValUndef until replaced.
func NewPlaceholder(begin, end TxnId) *Revision {
	return &Revision{Begin: begin, End: end, CanRefresh: true}
}

// NewValue builds a completed revision covering [begin, end).
func NewValue(begin, end TxnId, value objmodel.MemoValue, trace []*Revision) *Revision {
	r := &Revision{Begin: begin, End: end, Value: value, Trace: trace, Inactive: make([]bool, len(trace))}
	return r
}

// Covers reports whether txn falls within [Begin, End).
func (r *Revision) Covers(txn TxnId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.coversLocked(txn)
}

func (r *Revision) coversLocked(txn TxnId) bool {
	return txn >= r.Begin && (r.End == NeverTxnID || txn < r.End)
}

// Lock/Unlock expose the revision's own spinlock-equivalent mutex.
// Every call site in this package and in internal/memo takes this lock
// before touching Begin/End/Trace/Subs/Value, honoring the lock order
// (invocation first, then its revisions in list order).
func (r *Revision) Lock()   { r.mu.Lock() }
func (r *Revision) Unlock() { r.mu.Unlock() }

// Subscribe links a new up-edge from subscriber into r's subscription
// set, and atomically adjusts subscriber's trace entry for r: marked
// inactive iff r's end is already finite, and subscriber's own end is
// pulled down to min(subscriber.end, r.end) so it never outlives an
// input it already knows has an end.
func Subscribe(subscriber *Revision, traceIdx int, producer *Revision) {
	producer.mu.Lock()
	producer.Subs = append(producer.Subs, subscriber)
	producerEnd := producer.End
	producer.mu.Unlock()

	subscriber.mu.Lock()
	defer subscriber.mu.Unlock()
	if producerEnd != NeverTxnID {
		subscriber.Inactive[traceIdx] = true
		if producerEnd < subscriber.End {
			subscriber.End = producerEnd
		}
	}
}

// InvalidationSink receives deferred invalidation work; internal/lockmgr
// implements it so invalidation only actually runs once the posting
// thread holds zero locks.
type InvalidationSink interface {
	QueueInvalidation(fn func())
}

// Invalidate transitions r.End from NeverTxnID to newEnd and queues
// propagation to every subscriber. Called by a transaction commit (see
// internal/txn) when a cell's head revision is superseded.
func (r *Revision) Invalidate(newEnd TxnId, sink InvalidationSink) {
	r.mu.Lock()
	if r.End != NeverTxnID {
		r.mu.Unlock()
		return
	}
	r.End = newEnd
	subs := append([]*Revision(nil), r.Subs...)
	r.mu.Unlock()

	for _, s := range subs {
		s := s
		sink.QueueInvalidation(func() { propagate(s, r, newEnd, sink) })
	}
}

// propagate marks s's trace slot for producer inactive, clamps s's own
// end down to producer's new end, and recurses into s's own
// subscribers if s's end actually shrank.
func propagate(s *Revision, producer *Revision, producerEnd TxnId, sink InvalidationSink) {
	s.mu.Lock()
	idx := -1
	for i, t := range s.Trace {
		if t == producer {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.Inactive[idx] = true
	shrank := producerEnd < s.End
	if shrank {
		s.End = producerEnd
	}
	var subs []*Revision
	if shrank {
		subs = append([]*Revision(nil), s.Subs...)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub := sub
		sink.QueueInvalidation(func() { propagate(sub, s, producerEnd, sink) })
	}
}
