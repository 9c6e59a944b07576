// Package fiber implements a stackful-coroutine-flavoured cooperative
// task, built on a goroutine and a pair of rendezvous channels rather
// than a real stack switch: Go gives library code no portable way to
// swap the stack pointer of an arbitrary OS thread, so Resume/Yield
// hand off control between the calling goroutine and the fiber's own
// goroutine instead of between two machine contexts on the same one.
// The goroutine plays the role the source runtime's stack memory
// plays: it is allocated once and reused across Reset calls, parked
// on a channel receive whenever the fiber is not RUNNING.
//
// The three thread-local slots the source runtime keeps per OS thread
// (current fiber, main fiber, scheduler fiber) are emulated per logical
// worker via threadLocal, looked up by goroutine id through
// internal/gid. Because a fiber's body runs on a different real
// goroutine than the worker that resumed it, the owning threadLocal is
// registered under both goroutine ids for the duration of one
// resume/yield cycle, so a read from either side observes the same
// slots.
package fiber

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lzz233/coroutine-lib/internal/gid"
)

// State is the lifecycle stage of a Fiber.
type State int32

const (
	READY State = iota
	RUNNING
	TERM
)

func (s State) String() string {
	switch s {
	case READY:
		return "READY"
	case RUNNING:
		return "RUNNING"
	case TERM:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// DefaultStackSize mirrors the source runtime's default fiber stack
// size. Go fibers don't allocate a stack themselves (the goroutine
// runtime grows its own on demand), but the constant is kept for API
// parity with callers sizing related buffers.
const DefaultStackSize = 128 * 1024

var (
	// ErrNotReady is returned by Resume when the fiber is not READY.
	ErrNotReady = errors.New("fiber: resume requires READY state")
	// ErrNotRunning is returned by Yield when the fiber is neither
	// RUNNING nor TERM.
	ErrNotRunning = errors.New("fiber: yield requires RUNNING or TERM state")
	// ErrResetNotTerm is returned by Reset when the fiber is not TERM.
	ErrResetNotTerm = errors.New("fiber: reset requires TERM state")
)

var fiberSeq atomic.Uint64

// threadLocal is the emulated per-OS-thread state block: current
// fiber, main fiber, and scheduler fiber. One instance exists per
// logical worker (the goroutine that first calls Current on that
// worker), and is shared, by pointer, across every real goroutine
// that is, at any instant, "the worker" — the worker goroutine itself
// while idling, and whichever fiber goroutine it has resumed.
type threadLocal struct {
	mu        sync.Mutex
	current   *Fiber
	main      *Fiber
	scheduler *Fiber
}

var (
	localsMu sync.RWMutex
	locals   = map[uint64]*threadLocal{}
)

func localFor(g uint64) *threadLocal {
	localsMu.RLock()
	tl, ok := locals[g]
	localsMu.RUnlock()
	if ok {
		return tl
	}
	localsMu.Lock()
	defer localsMu.Unlock()
	if tl, ok = locals[g]; ok {
		return tl
	}
	tl = &threadLocal{}
	locals[g] = tl
	return tl
}

// bind makes tl visible under goroutine id g, in addition to whatever
// ids it is already bound under.
func bind(tl *threadLocal, g uint64) {
	localsMu.Lock()
	locals[g] = tl
	localsMu.Unlock()
}

// unbind removes the association installed by bind for g, provided it
// still points at tl (a later bind for the same id wins over an
// earlier unbind).
func unbind(tl *threadLocal, g uint64) {
	localsMu.Lock()
	if locals[g] == tl {
		delete(locals, g)
	}
	localsMu.Unlock()
}

// Fiber is a stackful-coroutine-flavoured unit of cooperative work.
type Fiber struct {
	id      uint64
	state   atomic.Int32
	entry   func()
	inSched bool

	// resumeCh wakes the fiber's goroutine to run (or re-run, after a
	// Reset) its entry; yieldCh wakes whoever called Resume. Both are
	// unbuffered: a send only completes once the other side is ready,
	// which is exactly the synchronous handoff a real stack switch
	// gives for free.
	resumeCh chan struct{}
	yieldCh  chan struct{}

	goroutineID atomic.Uint64
	started     atomic.Bool

	owningMu    sync.Mutex
	owningLocal *threadLocal
}

// Current returns the fiber running on the calling goroutine's logical
// worker, lazily installing a main fiber if none exists yet.
func Current() *Fiber {
	g := gid.Current()
	tl := localFor(g)
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if tl.current != nil {
		return tl.current
	}
	main := &Fiber{id: fiberSeq.Add(1)}
	main.state.Store(int32(RUNNING))
	main.goroutineID.Store(g)
	tl.current = main
	tl.main = main
	tl.scheduler = main
	return main
}

// New creates a READY fiber whose body is entry. runInScheduler
// selects the switch target on Yield: true switches back to the
// logical worker's scheduler fiber, false to its main fiber.
func New(entry func(), runInScheduler bool) *Fiber {
	f := &Fiber{
		id:       fiberSeq.Add(1),
		entry:    entry,
		inSched:  runInScheduler,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
	}
	f.state.Store(int32(READY))
	return f
}

// ID returns the fiber's identity.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle stage.
func (f *Fiber) State() State { return State(f.state.Load()) }

// SetSchedulerFiber installs f as the scheduler fiber for the calling
// goroutine's logical worker.
func SetSchedulerFiber(f *Fiber) {
	tl := localFor(gid.Current())
	tl.mu.Lock()
	tl.scheduler = f
	tl.mu.Unlock()
}

// Resume transitions f from READY to RUNNING and blocks the caller
// until f next yields or terminates. Pre: f.State() == READY.
func (f *Fiber) Resume() error {
	if !f.state.CompareAndSwap(int32(READY), int32(RUNNING)) {
		return ErrNotReady
	}

	tl := localFor(gid.Current())

	f.owningMu.Lock()
	f.owningLocal = tl
	f.owningMu.Unlock()

	tl.mu.Lock()
	tl.current = f
	tl.mu.Unlock()

	// Once the fiber's goroutine id is known (every resume after its
	// first), rebind it to this resumer's threadLocal before waking
	// it: the receiver of resumeCh on this call may be Yield, deep
	// inside entry's own goroutine, which has no other opportunity to
	// learn which worker just resumed it.
	if g := f.goroutineID.Load(); g != 0 {
		bind(tl, g)
	}

	if f.started.CompareAndSwap(false, true) {
		go f.loop()
	}

	f.resumeCh <- struct{}{}
	<-f.yieldCh

	tl.mu.Lock()
	tl.current = tl.switchTargetLocked(f.inSched)
	tl.mu.Unlock()

	return nil
}

func (tl *threadLocal) switchTargetLocked(inSched bool) *Fiber {
	if inSched && tl.scheduler != nil {
		return tl.scheduler
	}
	return tl.main
}

// loop is the fiber's persistent goroutine body, standing in for the
// reusable stack in the source runtime: it waits for a resume, runs
// whatever entry is currently installed, yields terminally, then waits
// for the next resume (which only arrives after Reset).
func (f *Fiber) loop() {
	g := gid.Current()
	f.goroutineID.Store(g)

	for {
		<-f.resumeCh

		f.owningMu.Lock()
		tl := f.owningLocal
		f.owningMu.Unlock()
		// Resume binds g for every call after the first; this covers
		// only the very first resume, where Resume could not yet know
		// g.
		bind(tl, g)

		func() {
			defer func() {
				recovered := recover()
				f.entry = nil
				f.state.Store(int32(TERM))
				unbind(tl, g)
				f.yieldCh <- struct{}{}
				if recovered != nil {
					panic(recovered)
				}
			}()
			f.entry()
		}()
	}
}

// Yield transitions f from RUNNING to READY (or leaves it TERM) and
// blocks the fiber's goroutine until the next Resume. Pre: f.State()
// is RUNNING or TERM.
func (f *Fiber) Yield() error {
	cur := State(f.state.Load())
	if cur != RUNNING && cur != TERM {
		return ErrNotRunning
	}
	if cur != TERM {
		f.state.Store(int32(READY))
	}

	f.owningMu.Lock()
	tl := f.owningLocal
	f.owningMu.Unlock()
	if tl != nil {
		tl.mu.Lock()
		tl.current = tl.switchTargetLocked(f.inSched)
		tl.mu.Unlock()
	}

	f.yieldCh <- struct{}{}
	if cur == TERM {
		return nil
	}
	<-f.resumeCh
	return nil
}

// Reset re-arms a TERM fiber with a new entry, returning it to READY
// and reusing its goroutine, which is parked in loop waiting on
// resumeCh exactly where the previous run left it. Pre: f.State() ==
// TERM.
func (f *Fiber) Reset(entry func()) error {
	if State(f.state.Load()) != TERM {
		return ErrResetNotTerm
	}
	f.entry = entry
	f.state.Store(int32(READY))
	return nil
}
