package fsync

import (
	"time"

	"github.com/Mythra/Span/fiber"
	"github.com/Mythra/Span/scheduler"
	"github.com/Mythra/Span/timer"
)

// Sleep blocks the calling goroutine's OS thread for us microseconds.
// Grounded on span::sleep(uint64): this is a plain, non-fiber-aware sleep.
func Sleep(us int64) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}

// SleepFiber suspends the calling fiber for us microseconds, rescheduling
// it on its current scheduler via tm once that duration elapses, rather
// than blocking the underlying goroutine. Grounded on
// span::sleep(TimerManager*, uint64).
func SleepFiber(tm *timer.Manager, us int64) {
	s := scheduler.Current()
	if s == nil {
		panic("fsync: SleepFiber requires a scheduler driving the current fiber")
	}
	f := fiber.GetThis()
	tm.Register(us, func() { s.Schedule(f, 0) }, false)
	_ = fiber.Yield()
}
