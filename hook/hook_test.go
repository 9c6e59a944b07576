package hook

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/lzz233/coroutine-lib/fdtable"
	"github.com/lzz233/coroutine-lib/fiber"
	"github.com/lzz233/coroutine-lib/ioreactor"
	"github.com/lzz233/coroutine-lib/schedule"
)

func spawn(r *ioreactor.Reactor, entry func()) {
	f := fiber.New(entry, true)
	r.Schedule(schedule.Task{Fiber: f}, schedule.AnyThread)
}

func newTestReactor(t *testing.T) *ioreactor.Reactor {
	t.Helper()
	r, err := ioreactor.New(2, false, t.Name())
	require.NoError(t, err)
	r.Start()
	t.Cleanup(r.Stop)
	return r
}

func TestIsEnabledIsPerGoroutine(t *testing.T) {
	assert.False(t, IsEnabled())
	SetEnable(true)
	assert.True(t, IsEnabled())
	SetEnable(false)
	assert.False(t, IsEnabled())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.False(t, IsEnabled())
	}()
	wg.Wait()
}

func TestReadBlocksUntilDataArrivesWhenHooked(t *testing.T) {
	r := newTestReactor(t)
	fm := fdtable.NewManager()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	done := make(chan struct{})
	spawn(r, func() {
		SetEnable(true)
		defer SetEnable(false)

		buf := make([]byte, 8)
		n, err := Read(r, fm, fds[0], buf)
		assert.NoError(t, err)
		assert.Equal(t, "hi", string(buf[:n]))
		close(done)
	})

	time.Sleep(20 * time.Millisecond)
	_, err := unix.Write(fds[1], []byte("hi"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hooked Read never woke up")
	}
}

func TestReadTimesOutWhenConfigured(t *testing.T) {
	r := newTestReactor(t)
	fm := fdtable.NewManager()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ctx := fm.Get(fds[0], true)
	ctx.SetTimeout(fdtable.RecvTimeout, 30)

	done := make(chan struct{})
	spawn(r, func() {
		SetEnable(true)
		defer SetEnable(false)

		buf := make([]byte, 8)
		_, err := Read(r, fm, fds[0], buf)
		assert.ErrorIs(t, err, unix.ETIMEDOUT)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hooked Read never timed out")
	}
}

func TestCloseCancelsPendingEvent(t *testing.T) {
	r := newTestReactor(t)
	fm := fdtable.NewManager()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	fm.Get(fds[0], true)

	done := make(chan struct{})
	spawn(r, func() {
		SetEnable(true)
		defer SetEnable(false)

		buf := make([]byte, 8)
		_, err := Read(r, fm, fds[0], buf)
		assert.Error(t, err)
		close(done)
	})

	time.Sleep(20 * time.Millisecond)
	SetEnable(true)
	require.NoError(t, Close(r, fm, fds[0]))
	SetEnable(false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close never woke the reading fiber")
	}
}

func TestSleepWithHookingDisabledUsesRealSleep(t *testing.T) {
	start := time.Now()
	Sleep(nil, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestFcntlSetFLRecordsUserIntentSeparatelyFromSysNonblock(t *testing.T) {
	fm := fdtable.NewManager()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	ctx := fm.Get(fd, true)
	require.True(t, ctx.IsSocket())
	require.True(t, ctx.SysNonblock())

	_, err = FcntlSetFL(fm, fd, 0)
	require.NoError(t, err)
	assert.False(t, ctx.UserNonblock())

	flags, err := FcntlGetFL(fm, fd)
	require.NoError(t, err)
	assert.Equal(t, 0, flags&unix.O_NONBLOCK)

	raw, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotEqual(t, 0, raw&unix.O_NONBLOCK)
}
