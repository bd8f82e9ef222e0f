// Package process implements the memo-process task scheduler:
// ownership states for a process's task list, posting, running,
// context switching, and joining a child process's obstack back into
// its parent.
//
// A classic lock-free rendition packs the four ownership sentinels
// (owned, orphaned, sleeping, dead) into the smallest pointer values
// and CASes a raw task pointer into the list head. Storing an
// arbitrary small integer in a
// field Go's GC treats as a real pointer is unsafe in exactly the way
// internal/objmodel's package doc explains for RObj's reference slots:
// the collector cannot be told "this particular non-nil pointer isn't
// a real address, don't scan it." This package keeps the same four
// observable states and the same posting/running contract, but
// represents them as an explicit enum guarded by a mutex, with the
// task list as a plain slice whose tail plays the list head's role:
// Post pushes there and the owner pops there, so execution stays LIFO
// with respect to posting time, exactly as a CAS-pushed singly linked
// stack behaves. This is the same TLS-to-explicit-value and
// lock-free-to-mutex trade internal/obstack and internal/lockmgr
// already document for this codebase.
package process

import (
	"sync"

	"github.com/brooklang/coreruntime/internal/fence"
	"github.com/brooklang/coreruntime/internal/obstack"
	"github.com/brooklang/coreruntime/internal/rterr"
)

// State is one of the four ownership states a process's task list can
// be in.
type State int

const (
	StateOwned State = iota
	StateOrphaned
	StateSleeping
	StateDead
)

func (s State) String() string {
	switch s {
	case StateOwned:
		return "owned"
	case StateOrphaned:
		return "orphaned"
	case StateSleeping:
		return "sleeping"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Task is one unit of posted work.
type Task func()

// Observer receives scheduler throughput notifications (optional);
// satisfied structurally by runtimemetrics.Observer, which this package
// does not import directly to avoid a leaf-to-root dependency.
type Observer interface {
	ObserveTaskPosted()
	ObserveTaskRun()
	ObserveProcessJoin()
}

// Process is a schedulable unit of work: a LIFO task stack, an
// ownership state, an optional parent to escalate an orphaned wakeup
// to, and the obstack it owns while some worker is running it.
type Process struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State
	tasks []Task
	obs   Observer

	Parent  *Process
	Obstack *obstack.Obstack
}

// New creates a process in the orphaned state: no owner yet, the next
// posted task makes someone responsible for running it.
func New(parent *Process, obs *obstack.Obstack) *Process {
	p := &Process{state: StateOrphaned, Parent: parent, Obstack: obs}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetObserver installs obs to receive this process's task/join
// notifications. Passing nil disables observation.
func (p *Process) SetObserver(obs Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.obs = obs
}

func (p *Process) observeTaskPosted() {
	if p.obs != nil {
		p.obs.ObserveTaskPosted()
	}
}

func (p *Process) observeTaskRun() {
	if p.obs != nil {
		p.obs.ObserveTaskRun()
	}
}

func (p *Process) observeProcessJoin() {
	if p.obs != nil {
		p.obs.ObserveProcessJoin()
	}
}

// Post pushes task onto the head of the task stack, so it runs before
// anything posted earlier that hasn't started yet. If the
// process was orphaned, a one-shot arbiter is scheduled on the parent
// to guarantee the process runs exactly once even if many posters
// observed the orphaned state concurrently. If it was sleeping, the
// baton is signaled. Posting to a dead process fails.
func (p *Process) Post(task Task) error {
	p.mu.Lock()
	switch p.state {
	case StateDead:
		p.mu.Unlock()
		return rterr.New("process.Post", rterr.CodeProcessDead, "process is dead")
	case StateOrphaned:
		p.state = StateOwned
		p.tasks = append(p.tasks, task)
		p.mu.Unlock()
		p.observeTaskPosted()
		fence.Store()
		if p.Parent != nil {
			// Best-effort: if the parent is itself dead, the arbiter is
			// simply never run and this process stays owned-but-idle
			// until some other caller posts to it directly.
			_ = p.Parent.Post(func() { p.RunReadyTasks() })
		}
		return nil
	case StateSleeping:
		p.state = StateOwned
		p.tasks = append(p.tasks, task)
		p.cond.Signal()
		p.mu.Unlock()
		p.observeTaskPosted()
		return nil
	default: // StateOwned
		p.tasks = append(p.tasks, task)
		p.mu.Unlock()
		p.observeTaskPosted()
		return nil
	}
}

// popLocked pops the most recently posted task. The task list is a
// stack: Post pushes at the head and the owner pops from the head, so
// execution order is LIFO with respect to posting time. The slice's
// tail plays the role of the linked list's head.
func (p *Process) popLocked() (Task, bool) {
	if len(p.tasks) == 0 {
		return nil, false
	}
	last := len(p.tasks) - 1
	t := p.tasks[last]
	p.tasks = p.tasks[:last]
	return t, true
}

// RunReadyTasks pops and runs tasks, newest first, until the queue is
// empty.
func (p *Process) RunReadyTasks() {
	for {
		p.mu.Lock()
		t, ok := p.popLocked()
		p.mu.Unlock()
		if !ok {
			return
		}
		t()
		p.observeTaskRun()
	}
}

// RunReadyTasksThenDisown runs every ready task, then repeatedly tries
// to transition owned to orphaned; any task posted concurrently during
// that attempt is processed instead of silently left for later.
func (p *Process) RunReadyTasksThenDisown() {
	for {
		p.RunReadyTasks()
		p.mu.Lock()
		if len(p.tasks) > 0 {
			p.mu.Unlock()
			continue
		}
		p.state = StateOrphaned
		p.mu.Unlock()
		return
	}
}

// RunExactlyOneTaskSleepingIfNecessary pops and runs a single task,
// blocking on the baton condition variable if none is ready.
func (p *Process) RunExactlyOneTaskSleepingIfNecessary() {
	p.mu.Lock()
	for len(p.tasks) == 0 {
		p.state = StateSleeping
		p.cond.Wait()
	}
	t, _ := p.popLocked()
	p.mu.Unlock()
	t()
	p.observeTaskRun()
}

// DrainEverythingSleepingIfNecessary loops RunExactlyOneTaskSleepingIfNecessary
// until the task queue is empty and the owned obstack has no remaining
// handles.
func (p *Process) DrainEverythingSleepingIfNecessary() {
	for {
		p.mu.Lock()
		empty := len(p.tasks) == 0
		p.mu.Unlock()
		noHandles := p.Obstack == nil || p.Obstack.HandleCount() == 0
		if empty && noHandles {
			return
		}
		p.RunExactlyOneTaskSleepingIfNecessary()
	}
}

// Runner stands in for one worker thread's notion of "the current
// process". A TLS rendition would keep the active process's obstack in
// thread-local storage so hot allocation paths skip an indirection;
// here each worker goroutine owns a Runner instead, and ContextSwitchTo
// is the swap a TLS slot would get.
type Runner struct {
	active *Process
}

// ContextSwitchTo makes p the runner's active process and returns the
// process that was active before, so callers can switch back after a
// nested computation.
func (r *Runner) ContextSwitchTo(p *Process) (prev *Process) {
	prev = r.active
	r.active = p
	return prev
}

// Active returns the runner's current process (nil before the first
// switch).
func (r *Runner) Active() *Process { return r.active }

// ActiveObstack returns the active process's obstack, the read hot
// allocation paths perform on every allocation.
func (r *Runner) ActiveObstack() *obstack.Obstack {
	if r.active == nil {
		return nil
	}
	return r.active.Obstack
}

// State reports the process's current ownership state, for tests and
// diagnostics.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// JoinChild merges child into p:
// child's obstack contents (chunks, large objects, handles) are stolen
// into p's obstack, child is marked dead so no further task can be
// posted to it, and any tasks child still had queued at the moment of
// the join are pushed onto the head of p's own stack, preserving their
// relative order, so they run on p before anything p already had
// queued. It is the caller's responsibility to ensure no other
// goroutine is still actively running child's task loop.
func (p *Process) JoinChild(child *Process) {
	child.mu.Lock()
	pending := child.tasks
	child.tasks = nil
	child.state = StateDead
	child.mu.Unlock()

	if p.Obstack != nil && child.Obstack != nil {
		p.Obstack.StealFrom(child.Obstack)
	}

	if len(pending) == 0 {
		p.observeProcessJoin()
		return
	}
	p.mu.Lock()
	// The slice tail is the stack head, so appending puts the child's
	// tasks on top of p's stack in their existing relative order.
	p.tasks = append(p.tasks, pending...)
	if p.state == StateSleeping {
		p.state = StateOwned
		p.cond.Signal()
	} else if p.state == StateOrphaned {
		p.state = StateOwned
	}
	p.mu.Unlock()
	p.observeProcessJoin()
}
