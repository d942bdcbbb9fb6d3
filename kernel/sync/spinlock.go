// Package sync provides the busy-wait locks that guard the kernel's
// allocator state. There is no scheduler to yield to, so waiting tasks spin.
package sync

import (
	"kitsuneos/kernel/cpu"
	"sync/atomic"
)

// spinAttemptsBeforeRetry is the number of dirty reads performed by a
// waiting task before it retries the exchange.
const spinAttemptsBeforeRetry = 64

var (
	// The interrupt masking hooks used by IRQSpinlock. They remain nil
	// (masking disabled) until EnableIRQMasking is called so that code
	// running on the host never executes privileged instructions.
	interruptsEnabledFn func() bool
	disableInterruptsFn func()
	enableInterruptsFn  func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, spinAttemptsBeforeRetry)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

func acquireSpinlock(state *uint32, attemptsBeforeRetry uint32) {
	for {
		if atomic.SwapUint32(state, 1) == 0 {
			return
		}

		// Spin on plain loads so the cache line is not bounced around
		// by the exchange while the lock is held.
		for attempt := attemptsBeforeRetry; attempt > 0; attempt-- {
			if atomic.LoadUint32(state) == 0 {
				break
			}
		}
	}
}

// IRQSpinlock is a Spinlock that keeps interrupts disabled while it is held.
// An interrupt handler that (directly or transitively) needs the same lock
// can therefore never fire while the lock holder is inside its critical
// section and spin forever on a lock that will not be released.
//
// The interrupt state observed by Acquire is restored by Release, which makes
// IRQSpinlock safe to use both with interrupts enabled and disabled.
type IRQSpinlock struct {
	lock Spinlock

	// restoreInterrupts is set if interrupts were enabled when the lock
	// was acquired.
	restoreInterrupts bool
}

// Acquire disables interrupts and blocks until the lock can be acquired.
func (l *IRQSpinlock) Acquire() {
	var wasEnabled bool
	if interruptsEnabledFn != nil {
		wasEnabled = interruptsEnabledFn()
		disableInterruptsFn()
	}

	l.lock.Acquire()
	l.restoreInterrupts = wasEnabled
}

// Release relinquishes the lock and re-enables interrupts if they were
// enabled when the lock was acquired.
func (l *IRQSpinlock) Release() {
	restore := l.restoreInterrupts
	l.restoreInterrupts = false
	l.lock.Release()

	if restore && enableInterruptsFn != nil {
		enableInterruptsFn()
	}
}

// EnableIRQMasking switches all IRQSpinlock instances to mask interrupts
// while held. It must be called before interrupts are enabled for the first
// time.
func EnableIRQMasking() {
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn = cpu.EnableInterrupts
}
