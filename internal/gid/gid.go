// Package gid identifies the calling goroutine, standing in for the
// per-OS-thread identity the runtime's thread-local slots are keyed by.
package gid

import "runtime"

// Current returns the id of the calling goroutine, parsed out of the
// "goroutine N [...]" header runtime.Stack prints for the current
// goroutine. It is not a public Go API, but it is stable across
// releases and cheap enough to call on every resume/yield.
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
