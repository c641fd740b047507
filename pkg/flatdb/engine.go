package flatdb

import (
	"sync"
	"time"

	"github.com/brl-bcm/flatdb/internal/flatdblog"
	"github.com/brl-bcm/flatdb/internal/flatdbmetrics"
)

// Engine is the top-level storage handle: an ordered, multi-map key-value
// store backed by a single file, with reads and writes dispatched onto
// bounded CPU/IO worker pools and committed through shadow-paged index
// writes.
type Engine struct {
	opts Options
	sch  *scheduler

	metrics *flatdbmetrics.Metrics
	log     *flatdblog.Logger

	newlyCreated bool

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the engine described by opts.
func Open(opts Options) (*Engine, error) {
	opts.setDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	lg := flatdblog.GetGlobalLogger()
	m := flatdbmetrics.NewMetrics()

	sch, newlyCreated, err := openScheduler(&opts, m, lg)
	if err != nil {
		return nil, err
	}

	lg.LogOpen(opts.Path, newlyCreated)

	return &Engine{
		opts:         opts,
		sch:          sch,
		metrics:      m,
		log:          lg,
		newlyCreated: newlyCreated,
	}, nil
}

// IsNewlyCreated reports whether Open created a fresh, empty store.
func (e *Engine) IsNewlyCreated() bool { return e.newlyCreated }

// LargestKey returns the largest key held by any non-empty data node, or 0
// for an empty store. It reads the scheduler's draft index, whose entries
// change only when a commit replaces them, so records staged by a
// WritePoints call still in progress are not included.
func (e *Engine) LargestKey() uint64 { return e.sch.getTheLargestKey() }

// RecordCount returns the number of records in the committed store.
func (e *Engine) RecordCount() uint64 { return e.sch.getRecordsCount() }

// ReadRange reads records with firstKey <= key <= lastKey in ascending
// order, calling visitor once per covering data node. priorityHint, if
// nonzero, overrides the size-based default priority.
func (e *Engine) ReadRange(firstKey, lastKey uint64, visitor RangeVisitor, priorityHint int) error {
	if firstKey > lastKey {
		return newErr(KindInvalidArgument, "firstKey must not exceed lastKey", nil)
	}
	proc := &rangeProcedure{firstKey: firstKey, lastKey: lastKey, visitor: visitor}
	priority := priorityHint
	if priority == 0 {
		priority = calcPriority(1000) // unknown span, treat as a scan
	}
	return e.runIO(priority, func() error {
		idx, dn := e.sch.snapshotCommitted()
		return proc.run(idx, dn, e.opts.CreateRecord, e.opts.KeySize)
	})
}

// ReadPoints reads the records for the given keys, calling visitor with
// whichever were found.
func (e *Engine) ReadPoints(keys []uint64, visitor PointReadVisitor, priorityHint int) error {
	proc := &pointReadProcedure{keys: keys, visitor: visitor}
	priority := priorityHint
	if priority == 0 {
		priority = calcPriority(len(keys))
	}
	return e.runIO(priority, func() error {
		idx, dn := e.sch.snapshotCommitted()
		return proc.run(idx, dn, e.opts.CreateRecord, e.opts.KeySize)
	})
}

// WritePoints updates the records for the given keys via visitor, then
// runs the commit on the calling goroutine, so the change is durable and
// visible to new readers when it returns nil.
func (e *Engine) WritePoints(keys []uint64, visitor PointUpdateVisitor, priorityHint int) error {
	if e.opts.ReadOnly {
		return newErr(KindReadOnly, "engine opened read-only", nil)
	}
	proc := &pointUpdateProcedure{keys: keys, visitor: visitor}
	priority := priorityHint
	if priority == 0 {
		priority = calcPriority(len(keys))
	}
	if err := e.runCPU(priority, func() error {
		idx, dn := e.sch.snapshotDraft()
		return proc.run(idx, dn, e.opts.CreateRecord, e.opts.KeySize)
	}); err != nil {
		return err
	}
	return e.sch.reorganizeAndSynchronize()
}

// runIO dispatches fn on the IO task manager and blocks until it finishes,
// matching how a Procedure in this design waits on its own completion
// signal rather than the caller polling.
func (e *Engine) runIO(priority int, fn func() error) error {
	return runAndWait(e.sch.ioTasks, priority, fn)
}

func (e *Engine) runCPU(priority int, fn func() error) error {
	return runAndWait(e.sch.cpuTasks, priority, fn)
}

func runAndWait(tm *taskManager, priority int, fn func() error) error {
	done := make(chan error, 1)
	tm.addTask(priority, func() {
		done <- fn()
	})
	return <-done
}

// Close waits for outstanding work to drain and releases the backing file.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		for e.sch.cpuTasks.inFlight() > 0 || e.sch.ioTasks.inFlight() > 0 {
			time.Sleep(time.Millisecond)
		}
		e.closeErr = e.sch.close()
	})
	return e.closeErr
}

// Metrics exposes the engine's Prometheus collectors for a diagnostics
// binary to serve.
func (e *Engine) Metrics() *flatdbmetrics.Metrics { return e.metrics }
