// Command fiberdemo is a small runnable exercise of the fiber runtime:
// it brings up a Reactor, spawns a handful of fibers that do blocking
// I/O and sleeps through the hooked syscall surface, and shuts down
// once they've all finished.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sys/unix"

	"github.com/lzz233/coroutine-lib/fdtable"
	"github.com/lzz233/coroutine-lib/fiber"
	"github.com/lzz233/coroutine-lib/hook"
	"github.com/lzz233/coroutine-lib/internal/rtlog"
	"github.com/lzz233/coroutine-lib/ioreactor"
	"github.com/lzz233/coroutine-lib/schedule"
)

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "fiberdemo: maxprocs.Set: %v\n", err)
	}

	logger := rtlog.NewZerologAdapter(zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger())

	threads := runtime.GOMAXPROCS(0)
	r, err := ioreactor.New(threads, true, "fiberdemo", ioreactor.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "fiberdemo: %v\n", err)
		os.Exit(1)
	}
	r.Start()

	fm := fdtable.NewManager()

	done := make(chan struct{}, 2)
	spawnPipeEcho(r, fm, done)
	spawnSleeper(r, done)

	for i := 0; i < 2; i++ {
		<-done
	}
	r.Stop()
}

// spawnPipeEcho runs a fiber that calls hook.Read on a pipe until a
// helper goroutine writes to the other end. The pipe is not registered
// in fm (and is not a socket), so hook.Read goes straight to the raw
// read, which blocks the fiber's worker until the data arrives.
func spawnPipeEcho(r *ioreactor.Reactor, fm *fdtable.Manager, done chan<- struct{}) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		fmt.Fprintf(os.Stderr, "fiberdemo: pipe: %v\n", err)
		done <- struct{}{}
		return
	}

	f := fiber.New(func() {
		defer unix.Close(fds[0])
		hook.SetEnable(true)
		defer hook.SetEnable(false)

		buf := make([]byte, 64)
		n, err := hook.Read(r, fm, fds[0], buf)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fiberdemo: hooked read: %v\n", err)
		} else {
			fmt.Printf("fiberdemo: read %q\n", buf[:n])
		}
		done <- struct{}{}
	}, true)
	r.Schedule(schedule.Task{Fiber: f}, schedule.AnyThread)

	go func() {
		time.Sleep(50 * time.Millisecond)
		defer unix.Close(fds[1])
		_, _ = unix.Write(fds[1], []byte("hello from fiberdemo"))
	}()
}

// spawnSleeper runs a fiber that suspends on a hooked Sleep instead of
// blocking its worker thread.
func spawnSleeper(r *ioreactor.Reactor, done chan<- struct{}) {
	f := fiber.New(func() {
		hook.SetEnable(true)
		defer hook.SetEnable(false)

		start := time.Now()
		hook.Sleep(r, 30*time.Millisecond)
		fmt.Printf("fiberdemo: slept for %s\n", time.Since(start).Round(time.Millisecond))
		done <- struct{}{}
	}, true)
	r.Schedule(schedule.Task{Fiber: f}, schedule.AnyThread)
}
