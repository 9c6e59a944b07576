package ioreactor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestReactor(t *testing.T, threads int, useCaller bool) *Reactor {
	t.Helper()
	r, err := New(threads, useCaller, t.Name())
	require.NoError(t, err)
	return r
}

func TestAddEventFiresOnReadiness(t *testing.T) {
	r := newTestReactor(t, 2, false)
	r.Start()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	done := make(chan struct{})
	require.NoError(t, r.AddEvent(fds[0], EventRead, func() {
		var buf [8]byte
		_, _ = unix.Read(fds[0], buf[:])
		close(done)
	}))

	_, err := unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read event never fired")
	}
	r.Stop()
}

func TestAddEventDuplicateIsRejected(t *testing.T) {
	r := newTestReactor(t, 1, false)
	r.Start()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, r.AddEvent(fds[0], EventRead, func() {}))
	assert.ErrorIs(t, r.AddEvent(fds[0], EventRead, func() {}), ErrEventAlreadyRegistered)

	// Stop waits for pending events, so drop the registration first.
	r.DelEvent(fds[0], EventRead)
	r.Stop()
}

func TestDelEventPreventsFiring(t *testing.T) {
	r := newTestReactor(t, 1, false)
	r.Start()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var fired atomic.Bool
	require.NoError(t, r.AddEvent(fds[0], EventRead, func() { fired.Store(true) }))
	assert.True(t, r.DelEvent(fds[0], EventRead))

	_, err := unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	assert.False(t, fired.Load())
	r.Stop()
}

func TestCancelEventFiresImmediately(t *testing.T) {
	r := newTestReactor(t, 1, false)
	r.Start()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	done := make(chan struct{})
	require.NoError(t, r.AddEvent(fds[0], EventRead, func() { close(done) }))
	assert.True(t, r.CancelEvent(fds[0], EventRead))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled event's continuation never ran")
	}
	r.Stop()
}

func TestCancelAllFiresEveryRegisteredEvent(t *testing.T) {
	r := newTestReactor(t, 1, false)
	r.Start()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var readFired, writeFired atomic.Bool
	require.NoError(t, r.AddEvent(fds[0], EventRead, func() { readFired.Store(true) }))
	require.NoError(t, r.AddEvent(fds[1], EventWrite, func() { writeFired.Store(true) }))

	assert.True(t, r.CancelAll(fds[0]))
	assert.True(t, r.CancelAll(fds[1]))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, readFired.Load())
	assert.True(t, writeFired.Load())
	r.Stop()
}

func TestTimerFiresThroughReactorIdleLoop(t *testing.T) {
	r := newTestReactor(t, 1, false)
	r.Start()

	done := make(chan struct{})
	r.AddTimer(10, func() { close(done) }, false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired through the idle loop")
	}
	r.Stop()
}

func TestStoppingWaitsForPendingEvents(t *testing.T) {
	r := newTestReactor(t, 1, false)

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, r.AddEvent(fds[0], EventRead, func() {}))
	assert.False(t, r.Stopping())

	r.CancelAll(fds[0])
	assert.True(t, r.pendingEventCount.Load() == 0)
}
