// Package sync provides the locking primitives used by the memory manager and
// the scheduler.
package sync

import (
	"sync/atomic"

	"github.com/marwinkloefer/bs-handin/kernel/cpu"
)

// spinAttemptsBeforeYield is the number of failed acquisition attempts after
// which Acquire invokes yieldFn (if set).
const spinAttemptsBeforeYield = 64

var (
	// yieldFn is invoked while busy-waiting. The kernel runs on a single
	// core so contention can only come from an interrupted holder; tests
	// set this to runtime.Gosched.
	yieldFn func()

	// Interrupt masking hooks used by IRQSpinlock. Tests in other packages
	// replace them through SetInterruptControl.
	disableInterruptsFn = cpu.DisableInterruptsNested
	restoreInterruptsFn = cpu.RestoreInterrupts
)

// SetInterruptControl overrides the functions that IRQSpinlock uses to mask
// and restore interrupts. Passing nil for either argument restores the cpu
// package default.
func SetInterruptControl(disable func() bool, restore func(bool)) {
	if disable == nil {
		disable = cpu.DisableInterruptsNested
	}
	if restore == nil {
		restore = cpu.RestoreInterrupts
	}

	disableInterruptsFn, restoreInterruptsFn = disable, restore
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); !atomic.CompareAndSwapUint32(&l.state, 0, 1); attempt++ {
		if attempt%spinAttemptsBeforeYield == 0 && yieldFn != nil {
			yieldFn()
		}
	}
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

// IsHeld returns true if the lock is currently held by some task.
func (l *Spinlock) IsHeld() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// IRQSpinlock is a Spinlock that masks interrupts for as long as it is held.
// Code running inside an interrupt handler must only ever call TryToAcquire
// on an IRQSpinlock; blocking would deadlock against the interrupted holder.
type IRQSpinlock struct {
	lock       Spinlock
	irqEnabled bool
}

// Acquire masks interrupts and then acquires the lock. The previous
// interrupt state is restored by Release.
func (l *IRQSpinlock) Acquire() {
	wasEnabled := disableInterruptsFn()
	l.lock.Acquire()
	l.irqEnabled = wasEnabled
}

// TryToAcquire masks interrupts and attempts to acquire the lock. If the lock
// is held by someone else the interrupt state is restored and false is
// returned.
func (l *IRQSpinlock) TryToAcquire() bool {
	wasEnabled := disableInterruptsFn()
	if !l.lock.TryToAcquire() {
		restoreInterruptsFn(wasEnabled)
		return false
	}

	l.irqEnabled = wasEnabled
	return true
}

// Release releases the lock and restores the interrupt state that was active
// when the lock was acquired.
func (l *IRQSpinlock) Release() {
	wasEnabled := l.irqEnabled
	l.irqEnabled = false
	l.lock.Release()
	restoreInterruptsFn(wasEnabled)
}

// ReleaseKeepMasked releases the lock but leaves interrupts masked. It returns
// the interrupt state that Release would have restored so the caller can
// restore it later, typically after a context switch.
func (l *IRQSpinlock) ReleaseKeepMasked() bool {
	wasEnabled := l.irqEnabled
	l.irqEnabled = false
	l.lock.Release()
	return wasEnabled
}

// IsHeld returns true if the lock is currently held by some task.
func (l *IRQSpinlock) IsHeld() bool {
	return l.lock.IsHeld()
}
