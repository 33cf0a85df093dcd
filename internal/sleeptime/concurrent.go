package sleeptime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/llm"
	"github.com/sleeptime/nexus/internal/memory"
	"github.com/sleeptime/nexus/internal/tools"
)

// ConcurrentScheduler is the Scheduler variant that may run more than one
// process(task) at a time: a plain buffered channel of size
// MaxConcurrentTasks acts as the semaphore bounding how many run together.
// The pause gate and idle backoff are unchanged from Scheduler - only
// dispatch width differs.
type ConcurrentScheduler struct {
	*Scheduler

	maxConcurrent int
	sem           chan struct{}
	tasksWG       sync.WaitGroup
	activeTasks   int32
}

// NewConcurrentScheduler builds a ConcurrentScheduler. maxConcurrentTasks
// must be at least 1; a value of 1 degrades to strictly sequential
// processing, same as Scheduler.
func NewConcurrentScheduler(cfg Config, maxConcurrentTasks int, store *memory.Store, gateway llm.Gateway, registry *tools.Registry, opts ...Option) (*ConcurrentScheduler, error) {
	if maxConcurrentTasks < 1 {
		return nil, nexuserrors.New(nexuserrors.Configuration, "sleeptime.NewConcurrentScheduler", errRequired("a positive max_concurrent_tasks"))
	}
	base, err := NewScheduler(cfg, store, gateway, registry, opts...)
	if err != nil {
		return nil, err
	}
	return &ConcurrentScheduler{
		Scheduler:     base,
		maxConcurrent: maxConcurrentTasks,
		sem:           make(chan struct{}, maxConcurrentTasks),
	}, nil
}

// Start launches the concurrent main loop and the shared event loop.
func (cs *ConcurrentScheduler) Start() {
	cs.wg.Add(2)
	go cs.runConcurrentMainLoop()
	go cs.runEventLoop()
}

// Stop signals shutdown, drains the queue, waits for the main/event loops,
// and then waits (up to the same deadline) for any process(task) calls
// already in flight to finish.
func (cs *ConcurrentScheduler) Stop(timeout time.Duration) {
	cs.Scheduler.Stop(timeout)

	done := make(chan struct{})
	go func() {
		cs.tasksWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		cs.logger.Warn("concurrent sleep-time scheduler: in-flight tasks did not finish within the deadline")
	}
}

// ConcurrentStatus reports ActiveTasks in addition to the fields
// Scheduler.Status returns. Status itself is left to promote unshadowed
// from the embedded Scheduler, so a ConcurrentScheduler still satisfies
// any interface expecting a plain Status() Status method.
type ConcurrentStatus struct {
	Status
	ActiveTasks int `json:"active_tasks"`
}

func (cs *ConcurrentScheduler) ExtendedStatus() ConcurrentStatus {
	return ConcurrentStatus{
		Status:      cs.Scheduler.Status(),
		ActiveTasks: int(atomic.LoadInt32(&cs.activeTasks)),
	}
}

// runConcurrentMainLoop mirrors Scheduler.runMainLoop's state machine, but
// dispatches each popped task into its own goroutine instead of running it
// inline, claiming a semaphore slot first so no more than maxConcurrent
// run together.
func (cs *ConcurrentScheduler) runConcurrentMainLoop() {
	defer cs.wg.Done()
	for {
		select {
		case <-cs.shutdown:
			return
		default:
		}

		if cs.shouldPause() {
			cs.setState(StatePaused)
			cs.sleepOrShutdown(2 * time.Second)
			continue
		}

		task, ok := cs.popTask()
		if !ok {
			cs.setState(StateIdle)
			cs.sleepOrShutdown(cs.nextSleepInterval())
			continue
		}

		cs.emptyStreak = 0
		cs.setState(StateProcessing)

		select {
		case cs.sem <- struct{}{}:
		case <-cs.shutdown:
			return
		}

		cs.tasksWG.Add(1)
		atomic.AddInt32(&cs.activeTasks, 1)
		go cs.runTask(task)
	}
}

func (cs *ConcurrentScheduler) runTask(task Task) {
	defer cs.tasksWG.Done()
	defer func() { <-cs.sem }()
	defer atomic.AddInt32(&cs.activeTasks, -1)
	defer func() {
		if r := recover(); r != nil {
			cs.logger.Error("sleep-time task panicked", "task_id", task.ID, "panic", r)
		}
	}()

	if err := cs.process(context.Background(), task); err != nil {
		cs.logger.Warn("sleep-time task failed", "task_id", task.ID, "error", err)
		recordTaskOutcome("error")
		return
	}
	recordTaskOutcome("success")
}
