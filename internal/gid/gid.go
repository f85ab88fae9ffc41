// Package gid resolves the numeric id of the calling goroutine.
//
// It exists so packages that need a thread-local-like slot (the current
// Fiber, the current Scheduler) can key a map by "who is calling" without
// relying on goroutine stack-walking at every call site.
package gid

import "runtime"

// Current returns the id of the calling goroutine, parsed from the runtime
// stack trace header ("goroutine N [running]:").
func Current() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	i := len("goroutine ")
	for ; i < n; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
