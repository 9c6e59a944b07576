// Package fdtable is the process-wide registry of per-fd metadata:
// socket-ness, blocking-mode bookkeeping, and read/write timeouts. It
// is consulted by package hook before every hooked syscall, and is
// independent of the reactor's own per-fd continuation slots (package
// ioreactor extends a Context with those separately).
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// TimeoutKind distinguishes receive and send timeouts, mirroring
// SO_RCVTIMEO/SO_SNDTIMEO.
type TimeoutKind int

const (
	RecvTimeout TimeoutKind = iota
	SendTimeout
)

// NoTimeout is the "no timeout configured" sentinel, matching the
// source runtime's -1-as-uint64 convention.
const NoTimeout = ^uint64(0)

const initialCapacity = 64

// Context is per-fd metadata the hook layer consults on every call.
type Context struct {
	mu sync.Mutex

	fd            int
	isInit        bool
	isSocket      bool
	isClosed      bool
	sysNonblock   bool
	userNonblock  bool
	recvTimeoutMS uint64
	sendTimeoutMS uint64
}

// IsSocket reports whether the fd was a socket when adopted.
func (c *Context) IsSocket() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSocket
}

// IsClosed reports whether Manager.Del has been called for this fd.
func (c *Context) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isClosed
}

// SysNonblock reports whether the runtime has put the underlying fd
// into non-blocking mode.
func (c *Context) SysNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sysNonblock
}

// UserNonblock reports the user's own O_NONBLOCK/FIONBIO intent,
// independent of the system-level non-blocking mode the runtime forces
// onto hooked sockets.
func (c *Context) UserNonblock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userNonblock
}

// SetUserNonblock records the user's O_NONBLOCK/FIONBIO intent.
func (c *Context) SetUserNonblock(v bool) {
	c.mu.Lock()
	c.userNonblock = v
	c.mu.Unlock()
}

// SetTimeout records the millisecond timeout for kind.
func (c *Context) SetTimeout(kind TimeoutKind, ms uint64) {
	c.mu.Lock()
	if kind == RecvTimeout {
		c.recvTimeoutMS = ms
	} else {
		c.sendTimeoutMS = ms
	}
	c.mu.Unlock()
}

// Timeout returns the millisecond timeout for kind, or NoTimeout.
func (c *Context) Timeout(kind TimeoutKind) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == RecvTimeout {
		return c.recvTimeoutMS
	}
	return c.sendTimeoutMS
}

// FD returns the underlying file descriptor number.
func (c *Context) FD() int { return c.fd }

func newContext(fd int) *Context {
	c := &Context{fd: fd, recvTimeoutMS: NoTimeout, sendTimeoutMS: NoTimeout}
	c.init()
	return c
}

// init inspects the fd (stat, socket-ness) and, for sockets, forces
// system non-blocking mode, exactly as the source runtime's FdCtx
// constructor does on first adoption.
func (c *Context) init() {
	if c.isInit {
		return
	}
	var stat unix.Stat_t
	if err := unix.Fstat(c.fd, &stat); err != nil {
		c.isInit = false
		c.isSocket = false
		return
	}
	c.isInit = true
	c.isSocket = stat.Mode&unix.S_IFMT == unix.S_IFSOCK
	if c.isSocket {
		flags, err := unix.FcntlInt(uintptr(c.fd), unix.F_GETFL, 0)
		if err == nil && flags&unix.O_NONBLOCK == 0 {
			_, _ = unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, flags|unix.O_NONBLOCK)
		}
		c.sysNonblock = true
	} else {
		c.sysNonblock = false
	}
}

// Manager is the process-wide, sparse-array registry of Contexts,
// indexed by fd number and grown on demand.
type Manager struct {
	mu    sync.RWMutex
	slots []*Context
}

// NewManager returns a Manager with the source runtime's default
// initial capacity of 64 slots.
func NewManager() *Manager {
	return &Manager{slots: make([]*Context, initialCapacity)}
}

// Get returns the Context for fd. If fd has no Context yet and
// autoCreate is false, it returns nil. If autoCreate is true, a
// Context is adopted (growing the slot array if necessary).
func (m *Manager) Get(fd int, autoCreate bool) *Context {
	if fd < 0 {
		return nil
	}

	m.mu.RLock()
	if fd < len(m.slots) {
		ctx := m.slots[fd]
		if ctx != nil || !autoCreate {
			m.mu.RUnlock()
			return ctx
		}
	} else if !autoCreate {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if fd < len(m.slots) {
		if m.slots[fd] != nil {
			return m.slots[fd]
		}
	} else {
		newCap := max(fd+1, len(m.slots)*3/2)
		grown := make([]*Context, newCap)
		copy(grown, m.slots)
		m.slots = grown
	}

	ctx := newContext(fd)
	m.slots[fd] = ctx
	return ctx
}

// Del drops the Context for fd, marking it closed first so any
// concurrent holder of the *Context observes the closure.
func (m *Manager) Del(fd int) {
	if fd < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd >= len(m.slots) {
		return
	}
	if ctx := m.slots[fd]; ctx != nil {
		ctx.mu.Lock()
		ctx.isClosed = true
		ctx.mu.Unlock()
	}
	m.slots[fd] = nil
}
