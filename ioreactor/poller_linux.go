//go:build linux

package ioreactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux Poller, grounded directly on the teacher's
// FastPoller (epoll_create1/epoll_ctl/epoll_wait over a dynamically
// grown per-fd slice), adapted to report raw readiness instead of
// invoking a stored callback inline.
type epollPoller struct {
	epfd     int
	mu       sync.RWMutex
	watched  []Event // index: fd, zero means unregistered
	eventBuf [maxPollEvents]unix.EpollEvent
	closed   atomic.Bool
}

func newPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd, watched: make([]Event, 64)}, nil
}

func (p *epollPoller) growLocked(fd int) {
	if fd < len(p.watched) {
		return
	}
	grown := make([]Event, max(fd+1, len(p.watched)*3/2))
	copy(grown, p.watched)
	p.watched = grown
}

func (p *epollPoller) RegisterFD(fd int, events Event) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	p.growLocked(fd)
	if p.watched[fd] != EventNone {
		p.mu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.watched[fd] = events
	p.mu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.mu.Lock()
		p.watched[fd] = EventNone
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *epollPoller) ModifyFD(fd int, events Event) error {
	if fd < 0 || fd >= len(p.watched) {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	if p.watched[fd] == EventNone {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	p.watched[fd] = events
	p.mu.Unlock()

	if events == EventNone {
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) UnregisterFD(fd int) error {
	if fd < 0 || fd >= len(p.watched) {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	if p.watched[fd] == EventNone {
		p.mu.Unlock()
		return ErrFDNotRegistered
	}
	p.watched[fd] = EventNone
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wait(timeoutMS int, dst []ReadyEvent) ([]ReadyEvent, error) {
	if p.closed.Load() {
		return dst, ErrPollerClosed
	}
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		dst = append(dst, ReadyEvent{
			FD:     int(p.eventBuf[i].Fd),
			Events: epollToEvents(p.eventBuf[i].Events),
		})
	}
	return dst, nil
}

func (p *epollPoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func eventsToEpoll(events Event) uint32 {
	var e uint32 = unix.EPOLLET
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(epollEvents uint32) Event {
	var events Event
	if epollEvents&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		events |= EventRead | EventWrite
	}
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	return events
}
