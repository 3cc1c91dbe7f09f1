package platform

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// WaitResult is the outcome of a timed semaphore wait.
type WaitResult int

const (
	WaitOK WaitResult = iota
	WaitTimeout
	WaitInterrupted
)

// Semaphore is a counting semaphore whose count lives in a single 32-bit
// word inside a named shared-memory region (internal/transport allocates
// one word each for client_ready and server_ready). Both
// sides address the same word because they mmap the same named region;
// there is no separate OS-level semaphore object to create or join beyond
// that.
//
// sem_timedwait is implemented with the Linux futex syscall, which
// natively supports a relative timeout and is woken directly by the
// signaling side's FUTEX_WAKE. That keeps the wait interruptible for
// watchdog polling without the alarm-timer fallback platforms lacking a
// native timed wait need.
type Semaphore struct {
	name string
	word *uint32
}

// NewSemaphore binds a Semaphore to a word inside a mapped shared region.
// addr must be 4-byte aligned; internal/transport's region layout
// guarantees this by construction.
func NewSemaphore(name string, addr unsafe.Pointer) *Semaphore {
	return &Semaphore{name: name, word: (*uint32)(addr)}
}

// Signal increments the count and wakes one waiter, mirroring sem_signal.
func (s *Semaphore) Signal() {
	atomic.AddUint32(s.word, 1)
	_, _ = unix.Futex(s.word, unix.FUTEX_WAKE, 1, nil, nil, 0)
}

// Wait blocks until the count is positive, then decrements it, with no
// liveness polling; the transport channels use TimedWait instead.
func (s *Semaphore) Wait() {
	for {
		if s.tryAcquire() {
			return
		}
		_, _ = unix.Futex(s.word, unix.FUTEX_WAIT, 0, nil, nil, 0)
	}
}

// TimedWait blocks until the count is positive (returning WaitOK, having
// decremented it), until timeout elapses (WaitTimeout), or until the futex
// wait is interrupted by a signal (WaitInterrupted); callers loop on
// WaitTimeout to re-poll process liveness.
func (s *Semaphore) TimedWait(timeout time.Duration) WaitResult {
	if s.tryAcquire() {
		return WaitOK
	}

	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	_, err := unix.Futex(s.word, unix.FUTEX_WAIT, 0, &ts, nil, 0)

	switch {
	case err == nil:
		if s.tryAcquire() {
			return WaitOK
		}
		// Spurious wake with no count available: treat like a timeout tick
		// so the caller re-polls liveness rather than spinning.
		return WaitTimeout
	case err == unix.ETIMEDOUT:
		return WaitTimeout
	case err == unix.EINTR:
		return WaitInterrupted
	case err == unix.EAGAIN:
		// The word changed between our tryAcquire and the futex call.
		if s.tryAcquire() {
			return WaitOK
		}
		return WaitTimeout
	default:
		return WaitTimeout
	}
}

func (s *Semaphore) tryAcquire() bool {
	for {
		cur := atomic.LoadUint32(s.word)
		if cur == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(s.word, cur, cur-1) {
			return true
		}
	}
}

// Name returns the semaphore's diagnostic name (e.g. "<key>_client").
func (s *Semaphore) Name() string { return s.name }

// Reset sets the count back to zero. Used only at region-creation time,
// before either side depends on the semaphore's value.
func (s *Semaphore) Reset() {
	atomic.StoreUint32(s.word, 0)
}
