// Package schedule implements the pool-based FIFO scheduler: a fixed
// set of worker threads, each running a cooperative dispatch loop that
// alternates between the shared task queue and an idle fiber.
package schedule

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/lzz233/coroutine-lib/fiber"
	"github.com/lzz233/coroutine-lib/internal/rtlog"
)

// AnyThread is the PinnedThread value meaning "no preference".
const AnyThread = -1

// Task is exactly one of {a fiber to resume, a callback to wrap and
// run}, optionally pinned to a specific worker thread id.
type Task struct {
	Fiber        *fiber.Fiber
	Callback     func()
	PinnedThread int
}

func (t Task) empty() bool { return t.Fiber == nil && t.Callback == nil }

// Idler is implemented by specializations (package ioreactor) that
// need their own idle-fiber body instead of the base scheduler's
// busy-wait. WithTickle lets a specialization override the no-op base
// wake mechanism with something that can interrupt a blocked poller.
type Idler interface {
	Idle()
}

// Option configures a Scheduler at construction time.
type Option interface {
	apply(*options)
}

type options struct {
	idle   Idler
	tickle func()
	logger rtlog.Logger
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

// WithIdler overrides the scheduler's idle-fiber body.
func WithIdler(i Idler) Option {
	return optionFunc(func(o *options) { o.idle = i })
}

// WithTickle overrides the scheduler's wake mechanism, a no-op by
// default (the base scheduler has nothing worth interrupting; the
// reactor overrides this to write to its wake pipe).
func WithTickle(tickle func()) Option {
	return optionFunc(func(o *options) { o.tickle = tickle })
}

// WithLogger overrides the scheduler's structured logger; the default
// is rtlog.Default().
func WithLogger(l rtlog.Logger) Option {
	return optionFunc(func(o *options) { o.logger = l })
}

func resolveOptions(opts []Option) *options {
	o := &options{tickle: func() {}, logger: rtlog.Default()}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.apply(o)
	}
	return o
}

// workerID is a monotonically-assigned identity for each worker
// goroutine, standing in for the OS thread id the source runtime pins
// tasks to; Go does not expose a stable OS thread id to library code,
// so the scheduler mints its own and threads it through worker setup.
type workerID int

// Scheduler is a pool of worker goroutines sharing one FIFO task
// queue, each running a cooperative fiber dispatch loop.
type Scheduler struct {
	name string

	mu    sync.Mutex
	tasks []Task

	threadCount int
	useCaller   bool

	activeThreads atomic.Int64
	idleThreads   atomic.Int64

	stopping atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	schedulerFiber *fiber.Fiber
	rootWorker     workerID
	nextWorkerID   atomic.Int64

	opts *options

	// startSem is the synchronous parent/child handoff for each
	// spawned worker: the parent (Start) Acquires once per worker and
	// the worker Releases once its main fiber/thread identity is
	// installed, mirroring the source runtime's Thread constructor
	// blocking on a semaphore until the new thread finishes setup.
	startSem *semaphore.Weighted
}

// New constructs a Scheduler with threads total worker goroutines. If
// useCaller is true, the constructing goroutine is itself adopted as
// one of those workers (one dedicated scheduler fiber is created for
// it, whose entry is the dispatch loop), so Start only spawns
// threads-1 additional goroutines.
func New(threads int, useCaller bool, name string, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:        name,
		threadCount: threads,
		useCaller:   useCaller,
		rootWorker:  -1,
		opts:        resolveOptions(opts),
		startSem:    semaphore.NewWeighted(1),
	}
	if useCaller {
		if s.threadCount > 0 {
			s.threadCount--
		}
		fiber.Current() // install this goroutine's main fiber
		wid := workerID(s.nextWorkerID.Add(1))
		s.rootWorker = wid
		s.schedulerFiber = fiber.New(func() { s.run(wid) }, false)
		fiber.SetSchedulerFiber(s.schedulerFiber)
	}
	return s
}

// Name returns the scheduler's debug name.
func (s *Scheduler) Name() string { return s.name }

// Schedule pushes task onto the shared FIFO queue. If the queue was
// empty before insertion, it invokes Tickle once the lock is released.
func (s *Scheduler) Schedule(task Task, pinnedThread int) {
	if task.empty() {
		return
	}
	task.PinnedThread = pinnedThread

	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	if needTickle {
		s.Tickle()
	}
}

// Tickle wakes an idling worker. The base implementation is a no-op,
// exactly like the source runtime's base Scheduler::tickle; reactor
// specializations override it via WithTickle.
func (s *Scheduler) Tickle() {
	s.opts.tickle()
}

// Start spawns the scheduler's additional worker goroutines (beyond
// the adopted caller, if any), blocking until each has finished
// installing its own fiber identity.
func (s *Scheduler) Start() {
	if s.stopping.Load() {
		return
	}
	for i := 0; i < s.threadCount; i++ {
		wid := workerID(s.nextWorkerID.Add(1))
		_ = s.startSem.Acquire(context.Background(), 1)
		s.wg.Add(1)
		go func(wid workerID) {
			defer s.wg.Done()
			s.run(wid)
		}(wid)
	}
	if s.threadCount > 0 {
		// Wait for the last spawned worker's Release as well.
		_ = s.startSem.Acquire(context.Background(), 1)
		s.startSem.Release(1)
	}
}

// Stop requests shutdown: sets the stopping flag, tickles every
// worker (plus the scheduler fiber, if this Scheduler adopted its
// constructing goroutine) so each observes the flag, re-pins every
// still-queued task to AnyThread, then waits for every worker to exit.
//
// Pre: if this Scheduler was constructed with useCaller, Stop must be
// called from the adopting goroutine; otherwise it must not be.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)

		for i := 0; i < s.threadCount; i++ {
			s.Tickle()
		}
		if s.schedulerFiber != nil {
			s.Tickle()
		}

		s.drainPinnedTasks()

		if s.schedulerFiber != nil && s.schedulerFiber.State() == fiber.READY {
			_ = s.schedulerFiber.Resume()
		}

		s.wg.Wait()
	})
}

// drainPinnedTasks re-pins every queued task to AnyThread, whatever
// worker it was pinned to, so Stop does not strand work behind a
// worker that exits first. It does not check which workers are still
// running. The source runtime leaves this policy undefined; this
// rewrite resolves it this way (see DESIGN.md).
func (s *Scheduler) drainPinnedTasks() {
	s.mu.Lock()
	for i := range s.tasks {
		s.tasks[i].PinnedThread = AnyThread
	}
	s.mu.Unlock()
}

// Stopping reports whether the scheduler is ready to fully shut down:
// the stopping flag is set, the task queue is empty, and no worker is
// mid-task. Specializations (ioreactor) tighten this further.
func (s *Scheduler) Stopping() bool {
	if !s.stopping.Load() {
		return false
	}
	s.mu.Lock()
	empty := len(s.tasks) == 0
	s.mu.Unlock()
	return empty && s.activeThreads.Load() == 0
}

func (s *Scheduler) hasIdleThreads() bool { return s.idleThreads.Load() > 0 }

// HasIdleThreads reports whether any worker is currently parked in its
// idle fiber. Specializations (ioreactor) use this to skip waking the
// pool when nothing is waiting to be woken.
func (s *Scheduler) HasIdleThreads() bool { return s.hasIdleThreads() }

// take removes and returns the first task in the queue whose pin is
// AnyThread or equal to wid, scanning in order to honor pinning. If
// any skipped task was pinned elsewhere, or tasks remain queued after
// the one taken, tickleOthers reports that some other worker should be
// tickled.
func (s *Scheduler) take(wid workerID) (task Task, ok bool, tickleOthers bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.tasks {
		t := s.tasks[i]
		if t.PinnedThread != AnyThread && t.PinnedThread != int(wid) {
			tickleOthers = true
			continue
		}
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
		s.activeThreads.Add(1)
		return t, true, tickleOthers || i < len(s.tasks)
	}
	return Task{}, false, tickleOthers
}

// run is the per-worker dispatch loop.
func (s *Scheduler) run(wid workerID) {
	if wid != s.rootWorker {
		fiber.Current() // install this worker's main fiber
		s.startSem.Release(1)
	}

	idleBody := s.idleFiberBody()
	idleFiber := fiber.New(idleBody, true)

	for {
		task, ok, tickleOthers := s.take(wid)
		if tickleOthers {
			s.Tickle()
		}

		if ok {
			s.runTask(task)
			s.activeThreads.Add(-1)
			continue
		}

		if idleFiber.State() == fiber.TERM {
			return
		}
		s.idleThreads.Add(1)
		_ = idleFiber.Resume()
		s.idleThreads.Add(-1)
	}
}

func (s *Scheduler) idleFiberBody() func() {
	if s.opts.idle != nil {
		return s.opts.idle.Idle
	}
	return s.defaultIdle
}

// defaultIdle is the base scheduler's idle-fiber body: it just spins,
// yielding back to the dispatch loop, until stopping is observed.
// Reactor specializations replace this with a poller wait.
func (s *Scheduler) defaultIdle() {
	for {
		if s.Stopping() {
			return
		}
		_ = fiber.Current().Yield()
	}
}

func (s *Scheduler) runTask(task Task) {
	if task.Fiber != nil {
		if task.Fiber.State() != fiber.TERM {
			_ = task.Fiber.Resume()
		}
		return
	}
	cb := fiber.New(task.Callback, true)
	_ = cb.Resume()
}
