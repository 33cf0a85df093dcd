// Package sleeptime implements the background memory-curation agent: a
// state machine that pauses while the foreground chat loop is active, pops
// queued tasks and runs a bounded tool-calling reasoning loop over them
// against the shared memory store, and backs off its idle poll when the
// queue is empty.
package sleeptime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sleeptime/nexus/internal/backoff"
	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/llm"
	"github.com/sleeptime/nexus/internal/memory"
	"github.com/sleeptime/nexus/internal/tools"
)

// State is one of the scheduler's operational states.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StatePaused     State = "paused"
	StateShutdown   State = "shutdown"
)

// Task is one unit of curation work: a text or digested-conversation
// payload submitted by the foreground loop or an operator trigger.
type Task struct {
	ID        string
	Data      string
	CreatedAt time.Time
}

// eventKind discriminates the scheduler's internal event queue.
type eventKind string

const (
	eventForegroundStart eventKind = "foreground_start"
	eventForegroundEnd   eventKind = "foreground_end"
)

type event struct {
	kind      eventKind
	timestamp time.Time
}

// Status is the scheduler status snapshot served by /sleep_agent/status.
type Status struct {
	State                  State     `json:"state"`
	QueueSize              int       `json:"queue_size"`
	ForegroundActive       bool      `json:"foreground_active"`
	LastForegroundActivity time.Time `json:"last_foreground_activity"`
}

// Scheduler runs a single-task-at-a-time background curation loop.
type Scheduler struct {
	logger           *slog.Logger
	memory           *memory.Store
	gateway          llm.Gateway
	registry         *tools.Registry
	systemPrompt     string
	maxContextTokens int

	minSleepInterval    time.Duration
	maxSleepInterval    time.Duration
	pauseDelayAfterMain time.Duration

	mu                     sync.Mutex
	state                  State
	foregroundActive       bool
	lastForegroundActivity time.Time
	taskQueue              []Task
	eventQueue             []event
	emptyStreak            int

	wakeTask  chan struct{}
	wakeEvent chan struct{}
	shutdown  chan struct{}
	wg        sync.WaitGroup

	now func() time.Time
}

// Option configures a Scheduler at construction, the way the teacher's
// cron.Scheduler is built from functional options.
type Option func(*Scheduler)

// WithLogger overrides the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Config bundles the parameters that shape a Scheduler's timing and the
// secondary reasoning loop process runs.
type Config struct {
	MinSleepInterval    time.Duration
	MaxSleepInterval    time.Duration
	PauseDelayAfterMain time.Duration
	SystemPrompt        string
	MaxContextTokens    int
}

// NewScheduler builds a Scheduler. gateway is the secondary LLM gateway
// process uses; registry must already carry vector_search, vector_memory_edit,
// core_memory_edit, and finish_edits (see RegisterMemoryTools).
func NewScheduler(cfg Config, store *memory.Store, gateway llm.Gateway, registry *tools.Registry, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, nexuserrors.New(nexuserrors.Configuration, "sleeptime.NewScheduler", errRequired("memory store"))
	}
	if gateway == nil {
		return nil, nexuserrors.New(nexuserrors.Configuration, "sleeptime.NewScheduler", errRequired("llm gateway"))
	}
	if registry == nil {
		return nil, nexuserrors.New(nexuserrors.Configuration, "sleeptime.NewScheduler", errRequired("tool registry"))
	}
	if cfg.MinSleepInterval <= 0 || cfg.MaxSleepInterval < cfg.MinSleepInterval {
		return nil, nexuserrors.New(nexuserrors.Configuration, "sleeptime.NewScheduler", errRequired("a valid sleep interval range"))
	}

	s := &Scheduler{
		logger:              slog.Default().With("component", "sleeptime"),
		memory:              store,
		gateway:             gateway,
		registry:            registry,
		systemPrompt:        cfg.SystemPrompt,
		maxContextTokens:    cfg.MaxContextTokens,
		minSleepInterval:    cfg.MinSleepInterval,
		maxSleepInterval:    cfg.MaxSleepInterval,
		pauseDelayAfterMain: cfg.PauseDelayAfterMain,
		state:               StateIdle,
		wakeTask:            make(chan struct{}, 1),
		wakeEvent:           make(chan struct{}, 1),
		shutdown:            make(chan struct{}),
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func errRequired(what string) error {
	return &requiredError{what: what}
}

type requiredError struct{ what string }

func (e *requiredError) Error() string { return e.what + " is required" }

// Start launches the main loop and event loop as daemonic goroutines.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.runMainLoop()
	go s.runEventLoop()
}

// Stop signals shutdown, drains the queues without executing pending
// tasks, and waits up to timeout for both loops to exit.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	s.state = StateShutdown
	s.taskQueue = nil
	s.eventQueue = nil
	s.mu.Unlock()

	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("sleep-time scheduler did not stop within the deadline")
	}
}

// NotifyForegroundStart records that the foreground chat loop has begun a
// turn, satisfying chatloop.Scheduler.
func (s *Scheduler) NotifyForegroundStart() {
	s.pushEvent(event{kind: eventForegroundStart, timestamp: s.now()})
}

// NotifyForegroundEnd records that the foreground chat loop finished a
// turn, satisfying chatloop.Scheduler.
func (s *Scheduler) NotifyForegroundEnd() {
	s.pushEvent(event{kind: eventForegroundEnd, timestamp: s.now()})
}

// SetGateway swaps the secondary gateway process uses on its next
// iteration, for the /set_sleep_model endpoint.
func (s *Scheduler) SetGateway(gateway llm.Gateway) {
	s.mu.Lock()
	s.gateway = gateway
	s.mu.Unlock()
}

// currentGateway returns the gateway process should query, taking the
// SetGateway lock so a concurrent model swap can never race a query.
func (s *Scheduler) currentGateway() llm.Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gateway
}

func (s *Scheduler) pushEvent(e event) {
	s.mu.Lock()
	s.eventQueue = append(s.eventQueue, e)
	s.mu.Unlock()
	select {
	case s.wakeEvent <- struct{}{}:
	default:
	}
}

// Submit enqueues a curation task over payload, satisfying
// chatloop.Scheduler.
func (s *Scheduler) Submit(payload string) {
	s.mu.Lock()
	s.taskQueue = append(s.taskQueue, Task{ID: uuid.NewString(), Data: payload, CreatedAt: s.now()})
	depth := len(s.taskQueue)
	s.mu.Unlock()
	recordQueueDepth(depth)

	select {
	case s.wakeTask <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the scheduler's current state, for the
// /sleep_agent/status and /health endpoints.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:                  s.state,
		QueueSize:              len(s.taskQueue),
		ForegroundActive:       s.foregroundActive,
		LastForegroundActivity: s.lastForegroundActivity,
	}
}

func (s *Scheduler) shouldPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.foregroundActive {
		return true
	}
	if s.lastForegroundActivity.IsZero() {
		return false
	}
	return s.now().Sub(s.lastForegroundActivity) < s.pauseDelayAfterMain
}

func (s *Scheduler) popTask() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.taskQueue) == 0 {
		return Task{}, false
	}
	task := s.taskQueue[0]
	s.taskQueue = s.taskQueue[1:]
	return task, true
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	recordState(state)
}

func (s *Scheduler) runMainLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if s.shouldPause() {
			s.setState(StatePaused)
			s.sleepOrShutdown(2 * time.Second)
			continue
		}

		if task, ok := s.popTask(); ok {
			s.setState(StateProcessing)
			s.emptyStreak = 0
			func() {
				defer func() {
					if r := recover(); r != nil {
						s.logger.Error("sleep-time task panicked", "task_id", task.ID, "panic", r)
					}
				}()
				if err := s.process(context.Background(), task); err != nil {
					s.logger.Warn("sleep-time task failed", "task_id", task.ID, "error", err)
					recordTaskOutcome("error")
				} else {
					recordTaskOutcome("success")
				}
			}()
			s.setState(StateIdle)
			continue
		}

		s.setState(StateIdle)
		s.sleepOrShutdown(s.nextSleepInterval())
	}
}

// nextSleepInterval and emptyStreak are only ever touched from the single
// main-loop goroutine, so no lock guards them.
func (s *Scheduler) nextSleepInterval() time.Duration {
	s.emptyStreak++
	attempt := s.emptyStreak

	policy := backoff.BackoffPolicy{
		InitialMs: float64(s.minSleepInterval.Milliseconds()),
		MaxMs:     float64(s.maxSleepInterval.Milliseconds()),
		Factor:    1.5,
		Jitter:    0,
	}
	return backoff.ComputeBackoff(policy, attempt)
}

func (s *Scheduler) sleepOrShutdown(d time.Duration) {
	select {
	case <-s.shutdown:
	case <-time.After(d):
	case <-s.wakeTask:
	}
}

func (s *Scheduler) runEventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case <-s.wakeEvent:
			s.drainEvents()
		case <-time.After(time.Second):
		}
	}
}

func (s *Scheduler) drainEvents() {
	for {
		s.mu.Lock()
		if len(s.eventQueue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.eventQueue[0]
		s.eventQueue = s.eventQueue[1:]
		s.mu.Unlock()

		switch e.kind {
		case eventForegroundStart:
			s.mu.Lock()
			s.foregroundActive = true
			s.lastForegroundActivity = e.timestamp
			s.mu.Unlock()
		case eventForegroundEnd:
			s.mu.Lock()
			s.foregroundActive = false
			s.lastForegroundActivity = e.timestamp
			s.mu.Unlock()
		}
	}
}
