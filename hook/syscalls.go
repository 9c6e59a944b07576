package hook

import (
	"time"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/lzz233/coroutine-lib/fdtable"
	"github.com/lzz233/coroutine-lib/fiber"
	"github.com/lzz233/coroutine-lib/ioreactor"
	"github.com/lzz233/coroutine-lib/schedule"
	"github.com/lzz233/coroutine-lib/timer"
)

// Sleep suspends the calling fiber for the given duration instead of
// blocking its worker thread, grounded on the source runtime's hooked
// sleep()/usleep()/nanosleep(): a timer reschedules the fiber and the
// fiber yields until it fires.
func Sleep(r *ioreactor.Reactor, d time.Duration) {
	if !IsEnabled() {
		time.Sleep(d)
		return
	}
	f := fiber.Current()
	r.AddTimer(uint64(d.Milliseconds()), func() {
		r.Schedule(schedule.Task{Fiber: f}, schedule.AnyThread)
	}, false)
	_ = f.Yield()
}

// Socket creates a socket and, if hooking is enabled for the calling
// goroutine, adopts it into fm so later hooked calls recognize it.
func Socket(fm *fdtable.Manager, domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	if IsEnabled() {
		fm.Get(fd, true)
	}
	return fd, nil
}

// ConnectWithTimeout performs a non-blocking connect, suspending the
// calling fiber until the connection completes or timeoutMS elapses,
// grounded directly on the source runtime's connect_with_timeout.
func ConnectWithTimeout(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, sa unix.Sockaddr, timeoutMS uint64) error {
	if !IsEnabled() {
		return unix.Connect(fd, sa)
	}

	ctx := fm.Get(fd, false)
	if ctx == nil || ctx.IsClosed() {
		return unix.EBADF
	}
	if !ctx.IsSocket() || ctx.UserNonblock() {
		return unix.Connect(fd, sa)
	}

	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	state := &cancelState{}
	witness := weak.Make(state)

	var tm *timer.Timer
	if timeoutMS != fdtable.NoTimeout {
		tm = timer.AddConditionTimer(r.Timers(), timeoutMS, func() {
			s := witness.Value()
			if s == nil || !s.cancelled.CompareAndSwap(0, int32(unix.ETIMEDOUT)) {
				return
			}
			r.CancelEvent(fd, ioreactor.EventWrite)
		}, witness, false)
	}

	if err := r.AddEvent(fd, ioreactor.EventWrite, nil); err != nil {
		if tm != nil {
			tm.Cancel()
		}
		return err
	}
	_ = fiber.Current().Yield()
	if tm != nil {
		tm.Cancel()
	}
	if c := state.cancelled.Load(); c != 0 {
		return unix.Errno(c)
	}

	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

// Connect is ConnectWithTimeout with the package's default (no)
// timeout, matching the source runtime's plain connect() entry point.
func Connect(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, sa unix.Sockaddr) error {
	return ConnectWithTimeout(r, fm, fd, sa, DefaultConnectTimeout)
}

// Accept suspends the calling fiber until a connection is ready,
// adopting the accepted fd into fm on success.
func Accept(r *ioreactor.Reactor, fm *fdtable.Manager, sockfd int) (int, unix.Sockaddr, error) {
	var sa unix.Sockaddr
	fd, err := doIO(r, fm, sockfd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		nfd, rsa, e := unix.Accept(sockfd)
		if e == nil {
			sa = rsa
		}
		return nfd, e
	})
	if err == nil && IsEnabled() {
		fm.Get(fd, true)
	}
	return fd, sa, err
}

// Read reads from fd, suspending the calling fiber if it would block.
func Read(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, buf []byte) (int, error) {
	return doIO(r, fm, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		return unix.Read(fd, buf)
	})
}

// Readv is the vectored form of Read.
func Readv(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, iovs [][]byte) (int, error) {
	return doIO(r, fm, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		return unix.Readv(fd, iovs)
	})
}

// Recv reads from a socket, suspending the calling fiber if it would
// block.
func Recv(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, buf []byte, flags int) (int, error) {
	return doIO(r, fm, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, buf, flags)
		return n, err
	})
}

// RecvFrom is Recv that also reports the sender's address.
func RecvFrom(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, buf []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(r, fm, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		nn, fromAddr, e := unix.Recvfrom(fd, buf, flags)
		from = fromAddr
		return nn, e
	})
	return n, from, err
}

// RecvMsg is the recvmsg(2) form of Recv, carrying ancillary data.
func RecvMsg(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, p, oob []byte, flags int) (n, oobn, recvflags int, from unix.Sockaddr, err error) {
	nn, err := doIO(r, fm, fd, ioreactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		rn, roobn, rflags, rfrom, e := unix.Recvmsg(fd, p, oob, flags)
		n, oobn, recvflags, from = rn, roobn, rflags, rfrom
		return rn, e
	})
	return nn, oobn, recvflags, from, err
}

// Write writes to fd, suspending the calling fiber if it would block.
func Write(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, buf []byte) (int, error) {
	return doIO(r, fm, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return unix.Write(fd, buf)
	})
}

// Writev is the vectored form of Write.
func Writev(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, iovs [][]byte) (int, error) {
	return doIO(r, fm, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return unix.Writev(fd, iovs)
	})
}

// Send writes to a socket, suspending the calling fiber if it would
// block.
func Send(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, buf []byte, flags int) (int, error) {
	return doIO(r, fm, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		if err := unix.Sendto(fd, buf, flags, nil); err != nil {
			return 0, err
		}
		return len(buf), nil
	})
}

// SendTo is Send with an explicit destination address.
func SendTo(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, buf []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(r, fm, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		if err := unix.Sendto(fd, buf, flags, to); err != nil {
			return 0, err
		}
		return len(buf), nil
	})
}

// SendMsg is the sendmsg(2) form of Send, carrying ancillary data.
func SendMsg(r *ioreactor.Reactor, fm *fdtable.Manager, fd int, p, oob []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(r, fm, fd, ioreactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return unix.SendmsgN(fd, p, oob, to, flags)
	})
}

// Close cancels any pending event registered on fd (resuming whatever
// fiber or callback was waiting with an error), drops fd's bookkeeping
// from fm, and closes the underlying descriptor.
func Close(r *ioreactor.Reactor, fm *fdtable.Manager, fd int) error {
	if IsEnabled() {
		if fm.Get(fd, false) != nil {
			r.CancelAll(fd)
			fm.Del(fd)
		}
	}
	return unix.Close(fd)
}

// FcntlSetFL applies F_SETFL, recording the user's O_NONBLOCK intent
// on fd separately from the system-level non-blocking mode the runtime
// forces onto every hooked socket.
func FcntlSetFL(fm *fdtable.Manager, fd int, arg int) (int, error) {
	ctx := fm.Get(fd, false)
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
	}
	ctx.SetUserNonblock(arg&unix.O_NONBLOCK != 0)
	if ctx.SysNonblock() {
		arg |= unix.O_NONBLOCK
	} else {
		arg &^= unix.O_NONBLOCK
	}
	return unix.FcntlInt(uintptr(fd), unix.F_SETFL, arg)
}

// FcntlGetFL applies F_GETFL, presenting the user's own O_NONBLOCK
// intent rather than the system-forced non-blocking mode.
func FcntlGetFL(fm *fdtable.Manager, fd int) (int, error) {
	arg, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return arg, err
	}
	ctx := fm.Get(fd, false)
	if ctx == nil || ctx.IsClosed() || !ctx.IsSocket() {
		return arg, nil
	}
	if ctx.UserNonblock() {
		return arg | unix.O_NONBLOCK, nil
	}
	return arg &^ unix.O_NONBLOCK, nil
}

// IoctlSetNonblock applies the FIONBIO ioctl, recording the user's
// intent the same way FcntlSetFL does.
func IoctlSetNonblock(fm *fdtable.Manager, fd int, nonblock bool) error {
	ctx := fm.Get(fd, false)
	if ctx != nil && !ctx.IsClosed() && ctx.IsSocket() {
		ctx.SetUserNonblock(nonblock)
	}
	return unix.IoctlSetInt(fd, unix.FIONBIO, boolToInt(nonblock))
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Getsockopt is a pass-through: the source runtime's hook intercepts
// only setsockopt, never getsockopt.
func Getsockopt(fd, level, optname int) (int, error) {
	return unix.GetsockoptInt(fd, level, optname)
}

// SetsockoptTimeout intercepts SO_RCVTIMEO/SO_SNDTIMEO and records the
// millisecond timeout on fd's Context in addition to applying it at
// the kernel level, so doIO's condition timers see it.
func SetsockoptTimeout(fm *fdtable.Manager, fd, optname int, tv unix.Timeval) error {
	if optname == unix.SO_RCVTIMEO || optname == unix.SO_SNDTIMEO {
		if ctx := fm.Get(fd, false); ctx != nil {
			kind := fdtable.RecvTimeout
			if optname == unix.SO_SNDTIMEO {
				kind = fdtable.SendTimeout
			}
			ctx.SetTimeout(kind, uint64(tv.Sec)*1000+uint64(tv.Usec)/1000)
		}
	}
	return unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, optname, &tv)
}
