// Package hook is the explicit, opt-in equivalent of the source
// runtime's libc interception: callers that want a blocking syscall to
// suspend the calling fiber instead of blocking its OS thread call the
// functions in this package instead of the raw unix.* syscall. There is
// no dlsym(RTLD_NEXT, ...) in Go — hooking here means "the function you
// call," not "the function the linker resolves for you."
package hook

import (
	"sync"
	"sync/atomic"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/lzz233/coroutine-lib/fdtable"
	"github.com/lzz233/coroutine-lib/fiber"
	"github.com/lzz233/coroutine-lib/internal/gid"
	"github.com/lzz233/coroutine-lib/ioreactor"
	"github.com/lzz233/coroutine-lib/timer"
)

var (
	enabledMu sync.RWMutex
	enabled   = map[uint64]bool{}
)

// SetEnable turns hooking on or off for the calling goroutine, the
// equivalent of the source runtime's thread-local t_hook_enable.
func SetEnable(v bool) {
	g := gid.Current()
	enabledMu.Lock()
	if v {
		enabled[g] = true
	} else {
		delete(enabled, g)
	}
	enabledMu.Unlock()
}

// IsEnabled reports whether the calling goroutine has hooking enabled.
func IsEnabled() bool {
	g := gid.Current()
	enabledMu.RLock()
	v := enabled[g]
	enabledMu.RUnlock()
	return v
}

// DefaultConnectTimeout is the sentinel used by Connect for "no
// timeout", matching the source runtime's s_connect_timeout default.
const DefaultConnectTimeout = fdtable.NoTimeout

// cancelState is the per-call cancellation token a condition timer
// checks before acting, grounded on the source runtime's timer_info: a
// strong reference lives only on doIO's stack (the timer callback
// reaches it through the weak witness), so a timer that fires after
// doIO has returned and the state has been collected no-ops.
type cancelState struct {
	cancelled atomic.Int32
}

// doIO is the common retry/suspend control flow shared by every hooked
// blocking I/O call, transcribed from the source runtime's do_io
// template: run op once; retry immediately on EINTR; on EAGAIN,
// register fd for event (arming a timeout condition timer first if one
// is configured) and yield the calling fiber, resuming either because
// the event fired or the timer cancelled it out from under us.
func doIO(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, event ioreactor.Event, kind fdtable.TimeoutKind, op func() (int, error)) (int, error) {
	if !IsEnabled() {
		return op()
	}

	ctx := fm.Get(fd, false)
	if ctx == nil {
		return op()
	}
	if ctx.IsClosed() {
		return -1, unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return op()
	}

	timeoutMS := ctx.Timeout(kind)
	state := &cancelState{}
	witness := weak.Make(state)

	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN {
			return n, err
		}

		var tm *timer.Timer
		if timeoutMS != fdtable.NoTimeout {
			tm = timer.AddConditionTimer(r.Timers(), timeoutMS, func() {
				s := witness.Value()
				if s == nil || !s.cancelled.CompareAndSwap(0, int32(unix.ETIMEDOUT)) {
					return
				}
				r.CancelEvent(fd, event)
			}, witness, false)
		}

		if err := r.AddEvent(fd, event, nil); err != nil {
			if tm != nil {
				tm.Cancel()
			}
			return -1, err
		}

		_ = fiber.Current().Yield()

		if tm != nil {
			tm.Cancel()
		}
		if c := state.cancelled.Load(); c != 0 {
			return -1, unix.Errno(c)
		}
	}
}
