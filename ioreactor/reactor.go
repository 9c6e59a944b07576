package ioreactor

import (
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/lzz233/coroutine-lib/fiber"
	"github.com/lzz233/coroutine-lib/internal/rtlog"
	"github.com/lzz233/coroutine-lib/schedule"
	"github.com/lzz233/coroutine-lib/timer"
)

// maxIdleWaitMS bounds how long the idle fiber blocks in a single poll,
// so a newly-armed timer with no front-insertion notification pending
// is still discovered promptly, grounded on the teacher's MAX_TIMEOUT.
const maxIdleWaitMS = 5000

// ErrEventAlreadyRegistered is returned by AddEvent when the requested
// event is already registered on fd.
var ErrEventAlreadyRegistered = errors.New("ioreactor: event already registered")

// EventContext is the scheduler/fiber-or-callback triple a Reactor
// fires when the event it is attached to becomes ready.
type EventContext struct {
	scheduler *schedule.Scheduler
	fiber     *fiber.Fiber
	cb        func()
}

func (ec *EventContext) reset() {
	ec.scheduler = nil
	ec.fiber = nil
	ec.cb = nil
}

// FdContext is the reactor-owned per-fd continuation slot, independent
// of fdtable.Context: it tracks which events are currently registered
// and what to resume when each fires.
type FdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   EventContext
	write  EventContext
}

func (c *FdContext) eventContext(event Event) *EventContext {
	switch event {
	case EventRead:
		return &c.read
	case EventWrite:
		return &c.write
	default:
		panic("ioreactor: event must be exactly EventRead or EventWrite")
	}
}

// Reactor specializes schedule.Scheduler with an edge-triggered
// readiness poller and an embedded timer.Manager: its idle fiber polls
// for I/O readiness and expired timers instead of spinning.
type Reactor struct {
	*schedule.Scheduler
	timers *timer.Manager

	poller      Poller
	wakeReadFD  int
	wakeWriteFD int

	fdMu       sync.RWMutex
	fdContexts []*FdContext

	pendingEventCount atomic.Int64

	logger rtlog.Logger
}

// New constructs a Reactor with threads worker goroutines in total (the
// constructing goroutine counts as one of them if useCaller, exactly
// as in schedule.New), ready to have events and
// timers registered on it. The returned Reactor is not yet running
// workers; call Start.
func New(threads int, useCaller bool, name string, opts ...Option) (*Reactor, error) {
	o := resolveOptions(opts)

	r := &Reactor{fdContexts: make([]*FdContext, 32), logger: o.logger}
	r.timers = timer.NewManager(r.onTimerInsertedAtFront)

	poller, err := newPoller()
	if err != nil {
		return nil, err
	}
	r.poller = poller

	readFD, writeFD, err := createWakeFD()
	if err != nil {
		_ = poller.Close()
		return nil, err
	}
	r.wakeReadFD, r.wakeWriteFD = readFD, writeFD

	if err := r.poller.RegisterFD(r.wakeReadFD, EventRead); err != nil {
		_ = poller.Close()
		return nil, err
	}

	r.Scheduler = schedule.New(threads, useCaller, name,
		schedule.WithIdler(r),
		schedule.WithTickle(r.tickle),
		schedule.WithLogger(o.logger),
	)
	return r, nil
}

func (r *Reactor) getFdContext(fd int) *FdContext {
	r.fdMu.RLock()
	defer r.fdMu.RUnlock()
	if fd < 0 || fd >= len(r.fdContexts) {
		return nil
	}
	return r.fdContexts[fd]
}

func (r *Reactor) getOrCreateFdContext(fd int) *FdContext {
	r.fdMu.RLock()
	if fd < len(r.fdContexts) && r.fdContexts[fd] != nil {
		c := r.fdContexts[fd]
		r.fdMu.RUnlock()
		return c
	}
	r.fdMu.RUnlock()

	r.fdMu.Lock()
	defer r.fdMu.Unlock()
	if fd >= len(r.fdContexts) {
		grown := make([]*FdContext, max(fd+1, len(r.fdContexts)*3/2))
		copy(grown, r.fdContexts)
		r.fdContexts = grown
	}
	if r.fdContexts[fd] == nil {
		r.fdContexts[fd] = &FdContext{fd: fd}
	}
	return r.fdContexts[fd]
}

// AddEvent registers a single event on fd. If cb is nil, the currently
// running fiber is captured as the continuation to resume when the
// event fires; otherwise cb is scheduled as a plain callback task.
func (r *Reactor) AddEvent(fd int, event Event, cb func()) error {
	fdCtx := r.getOrCreateFdContext(fd)
	fdCtx.mu.Lock()
	defer fdCtx.mu.Unlock()

	if fdCtx.events&event != 0 {
		return ErrEventAlreadyRegistered
	}

	var err error
	if fdCtx.events == EventNone {
		err = r.poller.RegisterFD(fd, event)
	} else {
		err = r.poller.ModifyFD(fd, fdCtx.events|event)
	}
	if err != nil {
		return err
	}

	r.pendingEventCount.Add(1)
	fdCtx.events |= event

	ec := fdCtx.eventContext(event)
	ec.scheduler = r.Scheduler
	if cb != nil {
		ec.cb = cb
	} else {
		ec.fiber = fiber.Current()
	}
	return nil
}

// DelEvent unregisters event from fd without firing its continuation.
// It reports whether the event had been registered.
func (r *Reactor) DelEvent(fd int, event Event) bool {
	fdCtx := r.getFdContext(fd)
	if fdCtx == nil {
		return false
	}
	fdCtx.mu.Lock()
	defer fdCtx.mu.Unlock()

	if fdCtx.events&event == 0 {
		return false
	}
	newEvents := fdCtx.events &^ event
	if err := r.applyPollerState(fd, newEvents); err != nil {
		return false
	}

	r.pendingEventCount.Add(-1)
	fdCtx.events = newEvents
	fdCtx.eventContext(event).reset()
	return true
}

// CancelEvent unregisters event from fd and immediately schedules its
// continuation, exactly as if the event had fired.
func (r *Reactor) CancelEvent(fd int, event Event) bool {
	fdCtx := r.getFdContext(fd)
	if fdCtx == nil {
		return false
	}
	fdCtx.mu.Lock()
	defer fdCtx.mu.Unlock()

	if fdCtx.events&event == 0 {
		return false
	}
	newEvents := fdCtx.events &^ event
	if err := r.applyPollerState(fd, newEvents); err != nil {
		return false
	}
	r.pendingEventCount.Add(-1)
	fdCtx.events = newEvents
	r.triggerEventLocked(fdCtx, event)
	return true
}

// CancelAll unregisters and fires every event currently registered on
// fd, used when a hooked close() tears down a fiber's pending I/O.
func (r *Reactor) CancelAll(fd int) bool {
	fdCtx := r.getFdContext(fd)
	if fdCtx == nil {
		return false
	}
	fdCtx.mu.Lock()
	defer fdCtx.mu.Unlock()

	if fdCtx.events == EventNone {
		return false
	}
	if err := r.applyPollerState(fd, EventNone); err != nil {
		return false
	}
	events := fdCtx.events
	fdCtx.events = EventNone
	if events&EventRead != 0 {
		r.pendingEventCount.Add(-1)
		r.triggerEventLocked(fdCtx, EventRead)
	}
	if events&EventWrite != 0 {
		r.pendingEventCount.Add(-1)
		r.triggerEventLocked(fdCtx, EventWrite)
	}
	return true
}

func (r *Reactor) applyPollerState(fd int, newEvents Event) error {
	if newEvents == EventNone {
		return r.poller.UnregisterFD(fd)
	}
	return r.poller.ModifyFD(fd, newEvents)
}

// triggerEventLocked schedules event's continuation and resets its
// slot. Callers must hold fdCtx.mu and have already cleared event from
// fdCtx.events and decremented pendingEventCount as appropriate.
func (r *Reactor) triggerEventLocked(fdCtx *FdContext, event Event) {
	ec := fdCtx.eventContext(event)
	task := schedule.Task{Callback: ec.cb, Fiber: ec.fiber}
	sched := ec.scheduler
	ec.reset()
	if sched != nil {
		sched.Schedule(task, schedule.AnyThread)
	}
}

// tickle wakes a parked worker by writing to the wake fd, skipped
// entirely when no worker is idling, mirroring the teacher's
// hasIdleThreads short-circuit.
func (r *Reactor) tickle() {
	if !r.Scheduler.HasIdleThreads() {
		return
	}
	if err := writeWakeFD(r.wakeWriteFD); err != nil {
		r.logger.Log(rtlog.Entry{Level: rtlog.LevelWarn, Category: rtlog.CategoryReactor, Message: "tickle write failed", Err: err})
	}
}

func (r *Reactor) onTimerInsertedAtFront() {
	r.Scheduler.Tickle()
}

// Stopping tightens the base Scheduler's readiness-to-stop check with
// this Reactor's own pending events and armed timers.
func (r *Reactor) Stopping() bool {
	return r.Scheduler.Stopping() && r.pendingEventCount.Load() == 0 && !r.timers.HasTimer()
}

// AddTimer arms a one-shot or recurring timer on this Reactor's clock.
func (r *Reactor) AddTimer(periodMS uint64, cb func(), recurring bool) *timer.Timer {
	return r.timers.AddTimer(periodMS, cb, recurring)
}

// Timers exposes the Reactor's timer.Manager so callers (package hook)
// can arm condition timers tied to their own witness objects.
func (r *Reactor) Timers() *timer.Manager {
	return r.timers
}

// Idle is the Reactor's idle-fiber body, installed via
// schedule.WithIdler: it blocks in the poller bounded by the nearest
// timer deadline, drains expired timers and ready events into the
// scheduler's task queue, then yields back to the dispatch loop.
func (r *Reactor) Idle() {
	var ready []ReadyEvent
	for {
		if r.Stopping() {
			return
		}

		timeoutMS := maxIdleWaitMS
		if next := r.timers.NextTimeoutMS(); next < uint64(maxIdleWaitMS) {
			timeoutMS = int(next)
		}

		var err error
		ready, err = r.poller.Wait(timeoutMS, ready[:0])
		if err != nil {
			r.logger.Log(rtlog.Entry{Level: rtlog.LevelWarn, Category: rtlog.CategoryReactor, Message: "poll failed", Err: err})
			_ = fiber.Current().Yield()
			continue
		}

		for _, cb := range r.timers.CollectExpired(nil) {
			r.Scheduler.Schedule(schedule.Task{Callback: cb}, schedule.AnyThread)
		}

		for _, re := range ready {
			if re.FD == r.wakeReadFD {
				drainWakeFD(r.wakeReadFD)
				continue
			}
			r.handleReady(re)
		}

		_ = fiber.Current().Yield()
	}
}

func (r *Reactor) handleReady(re ReadyEvent) {
	fdCtx := r.getFdContext(re.FD)
	if fdCtx == nil {
		return
	}
	fdCtx.mu.Lock()
	defer fdCtx.mu.Unlock()

	real := re.Events & fdCtx.events
	if real == EventNone {
		return
	}

	left := fdCtx.events &^ real
	if err := r.applyPollerState(re.FD, left); err != nil {
		r.logger.Log(rtlog.Entry{Level: rtlog.LevelWarn, Category: rtlog.CategoryReactor, Message: "repoll failed", FD: re.FD, Err: err})
		return
	}
	fdCtx.events = left

	if real&EventRead != 0 {
		r.pendingEventCount.Add(-1)
		r.triggerEventLocked(fdCtx, EventRead)
	}
	if real&EventWrite != 0 {
		r.pendingEventCount.Add(-1)
		r.triggerEventLocked(fdCtx, EventWrite)
	}
}

// Stop requests shutdown of the underlying scheduler, then releases the
// poller and wake fd once every worker has drained.
func (r *Reactor) Stop() {
	r.Scheduler.Stop()
	_ = r.poller.Close()
	if r.wakeWriteFD != r.wakeReadFD {
		_ = unix.Close(r.wakeWriteFD)
	}
	_ = unix.Close(r.wakeReadFD)
}
