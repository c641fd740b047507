package flatdb

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/brl-bcm/flatdb/internal/flatdblog"
	"github.com/brl-bcm/flatdb/internal/flatdbmetrics"
)

// StaleToken lets a caller invalidate a queued task without mutating it in
// place. Rescheduling replaces a task entirely: the old task checks this
// flag right before it runs and, if stale, does nothing. This is simpler
// and cheaper than updating a task's priority inside the queue.
type StaleToken struct {
	stale int32
}

// MarkStale flags the token so the task holding it becomes a no-op.
func (t *StaleToken) MarkStale() { atomic.StoreInt32(&t.stale, 1) }

// IsStale reports whether MarkStale has been called.
func (t *StaleToken) IsStale() bool { return atomic.LoadInt32(&t.stale) == 1 }

type scheduledTask struct {
	priority int
	token    *StaleToken
	run      func()
}

// taskManager is a bounded-concurrency worker pool with priority-ordered
// dispatch: up to capacity tasks run concurrently, and a goroutine that
// finishes its own work keeps draining the highest-priority queued task
// rather than exiting, so bursts above capacity coalesce onto the already
// running goroutines instead of spawning new ones per queued task.
type taskManager struct {
	mu        sync.Mutex
	queue     map[int][]*scheduledTask
	capacity  int
	executing int

	name    string
	metrics *flatdbmetrics.Metrics
	log     *flatdblog.Logger
}

func newTaskManager(name string, capacity int, m *flatdbmetrics.Metrics, lg *flatdblog.Logger) *taskManager {
	return &taskManager{
		queue:    make(map[int][]*scheduledTask),
		capacity: capacity,
		name:     name,
		metrics:  m,
		log:      lg,
	}
}

// addTask schedules run at the given priority (higher runs sooner). It
// returns a StaleToken the caller can use to cancel the effect of run if a
// fresher task supersedes it before it executes.
func (tm *taskManager) addTask(priority int, run func()) *StaleToken {
	token := &StaleToken{}
	st := &scheduledTask{priority: priority, token: token, run: run}

	tm.mu.Lock()
	if tm.executing >= tm.capacity {
		tm.queue[priority] = append(tm.queue[priority], st)
		tm.reportLocked()
		tm.mu.Unlock()
		return token
	}
	tm.executing++
	tm.reportLocked()
	tm.mu.Unlock()

	go tm.drain(st)
	return token
}

// drain runs st, then repeatedly pops and runs the highest-priority queued
// task until the queue is empty, then releases its capacity slot.
func (tm *taskManager) drain(first *scheduledTask) {
	current := first
	for current != nil {
		runTask(current)
		current = tm.popHighestPriority()
	}
	tm.mu.Lock()
	tm.executing--
	tm.reportLocked()
	tm.mu.Unlock()
}

func runTask(t *scheduledTask) {
	if t.token.IsStale() {
		return
	}
	t.run()
}

func (tm *taskManager) popHighestPriority() *scheduledTask {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if len(tm.queue) == 0 {
		return nil
	}
	priorities := make([]int, 0, len(tm.queue))
	for p := range tm.queue {
		priorities = append(priorities, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))
	top := priorities[0]
	list := tm.queue[top]
	st := list[0]
	if len(list) == 1 {
		delete(tm.queue, top)
	} else {
		tm.queue[top] = list[1:]
	}
	tm.reportLocked()
	return st
}

func (tm *taskManager) reportLocked() {
	if tm.metrics == nil {
		return
	}
	depth := 0
	for _, l := range tm.queue {
		depth += len(l)
	}
	tm.metrics.SetTaskStats(tm.name, depth, tm.executing)
}

// queueDepth reports the number of tasks waiting to run, for diagnostics.
func (tm *taskManager) queueDepth() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	depth := 0
	for _, l := range tm.queue {
		depth += len(l)
	}
	return depth
}

// inFlight reports the number of currently executing drain goroutines.
func (tm *taskManager) inFlight() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.executing
}
