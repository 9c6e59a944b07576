//go:build darwin

package ioreactor

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the Darwin Poller, grounded on the teacher's
// fastPoller for kqueue (Kqueue/Kevent registration with EV_ADD/
// EV_DELETE per read/write filter), adapted the same way as the Linux
// poller: it reports raw readiness rather than invoking a callback.
type kqueuePoller struct {
	kq       int
	mu       sync.RWMutex
	watched  []Event
	eventBuf [maxPollEvents]unix.Kevent_t
	closed   atomic.Bool
}

func newPoller() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{kq: kq, watched: make([]Event, 64)}, nil
}

func (p *kqueuePoller) growLocked(fd int) {
	if fd < len(p.watched) {
		return
	}
	grown := make([]Event, max(fd+1, len(p.watched)*3/2))
	copy(grown, p.watched)
	p.watched = grown
}

func eventsToKevents(fd int, events Event, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	return kevents
}

func (p *kqueuePoller) RegisterFD(fd int, events Event) error {
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
	kevents := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	var err error
	if len(kevents) > 0 {
		_, err = unix.Kevent(p.kq, kevents, nil, nil)
	}
	if err != nil {
		p.watched[fd] = EventNone
	}
	p.mu.Unlock()
	return err
}

func (p *kqueuePoller) ModifyFD(fd int, events Event) error {
	if fd < 0 || fd >= len(p.watched) {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.watched[fd]
	if old == EventNone {
		return ErrFDNotRegistered
	}
	p.watched[fd] = events

	if removed := old &^ events; removed != EventNone {
		if kevents := eventsToKevents(fd, removed, unix.EV_DELETE); len(kevents) > 0 {
			_, _ = unix.Kevent(p.kq, kevents, nil, nil)
		}
	}
	if added := events &^ old; added != EventNone {
		if kevents := eventsToKevents(fd, added, unix.EV_ADD|unix.EV_ENABLE); len(kevents) > 0 {
			if _, err := unix.Kevent(p.kq, kevents, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *kqueuePoller) UnregisterFD(fd int) error {
	if fd < 0 || fd >= len(p.watched) {
		return ErrFDOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.watched[fd]
	if old == EventNone {
		return ErrFDNotRegistered
	}
	p.watched[fd] = EventNone
	if kevents := eventsToKevents(fd, old, unix.EV_DELETE); len(kevents) > 0 {
		_, _ = unix.Kevent(p.kq, kevents, nil, nil)
	}
	return nil
}

func (p *kqueuePoller) Wait(timeoutMS int, dst []ReadyEvent) ([]ReadyEvent, error) {
	if p.closed.Load() {
		return dst, ErrPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMS >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMS) * int64(1e6))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		kev := p.eventBuf[i]
		var ev Event
		switch kev.Filter {
		case unix.EVFILT_READ:
			ev = EventRead
		case unix.EVFILT_WRITE:
			ev = EventWrite
		}
		if kev.Flags&(unix.EV_ERROR|unix.EV_EOF) != 0 {
			ev = EventRead | EventWrite
		}
		dst = append(dst, ReadyEvent{FD: int(kev.Ident), Events: ev})
	}
	return dst, nil
}

func (p *kqueuePoller) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return unix.Close(p.kq)
}
