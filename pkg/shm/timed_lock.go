/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"runtime"
	"sync/atomic"
	"time"
)

// TimedLock is the acquire/release protocol over a LockHandle with bounded
// waiting. Goroutines sharing one TimedLock are serialized in-process before
// they contend on the OS lock, so the held state belongs to exactly one of
// them at a time.
type TimedLock struct {
	h        LockHandle
	strategy WaitStrategy
	gate     chan struct{}
	held     atomic.Bool
	metrics  *Metrics
}

// NewTimedLock wraps h. The lock starts out available from this handle's
// point of view.
func NewTimedLock(h LockHandle, strategy WaitStrategy) *TimedLock {
	return &TimedLock{
		h:        h,
		strategy: strategy,
		gate:     make(chan struct{}, 1),
	}
}

func (l *TimedLock) Name() string { return l.h.Name() }

func (l *TimedLock) Strategy() WaitStrategy { return l.strategy }

// Held reports whether this TimedLock currently holds the lock.
func (l *TimedLock) Held() bool { return l.held.Load() }

// TryAcquire takes the lock within timeout. A timeout <= 0 waits forever.
// It returns false when the timeout elapses, never sooner. Faults of the
// underlying primitive are reported as *LockError.
func (l *TimedLock) TryAcquire(timeout time.Duration) (bool, error) {
	return l.acquire(timeout, l.strategy)
}

func (l *TimedLock) acquireBlocking(timeout time.Duration) (bool, error) {
	return l.acquire(timeout, WaitBlocking)
}

func (l *TimedLock) acquire(timeout time.Duration, strategy WaitStrategy) (bool, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	forever := timeout <= 0

	if !l.enter(forever, deadline) {
		l.metrics.lockTimeout(strategy)
		return false, nil
	}

	var (
		ok  bool
		err error
	)
	switch {
	case forever:
		err = l.h.Acquire()
		ok = err == nil
	case strategy == WaitBusyPoll:
		ok, err = l.busyPoll(deadline)
	default:
		ok, err = l.block(deadline)
	}
	if err != nil || !ok {
		l.exit()
		if err != nil {
			return false, &LockError{Op: "acquire", Name: l.h.Name(), Err: err}
		}
		l.metrics.lockTimeout(strategy)
		return false, nil
	}
	l.held.Store(true)
	l.metrics.lockWait(strategy, time.Since(start))
	return true, nil
}

// TryAcquireNow makes a single attempt without waiting.
func (l *TimedLock) TryAcquireNow() (bool, error) {
	select {
	case l.gate <- struct{}{}:
	default:
		return false, nil
	}
	ok, err := l.h.TryAcquireNow()
	if err != nil || !ok {
		l.exit()
		if err != nil {
			return false, &LockError{Op: "acquire", Name: l.h.Name(), Err: err}
		}
		return false, nil
	}
	l.held.Store(true)
	return true, nil
}

// Release makes the lock available again. Releasing a lock this TimedLock
// does not hold is a *LockError wrapping ErrLockNotHeld.
func (l *TimedLock) Release() error {
	if !l.held.CompareAndSwap(true, false) {
		return &LockError{Op: "release", Name: l.h.Name(), Err: ErrLockNotHeld}
	}
	defer l.exit()
	if err := l.h.Release(); err != nil {
		return &LockError{Op: "release", Name: l.h.Name(), Err: err}
	}
	return nil
}

func (l *TimedLock) busyPoll(deadline time.Time) (bool, error) {
	for {
		ok, err := l.h.TryAcquireNow()
		if err != nil || ok {
			return ok, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		runtime.Gosched()
	}
}

func (l *TimedLock) block(deadline time.Time) (bool, error) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		ok, err := l.h.AcquireWithin(remaining)
		if err != nil || ok {
			return ok, err
		}
	}
}

// enter takes the in-process gate, giving up at deadline unless forever.
func (l *TimedLock) enter(forever bool, deadline time.Time) bool {
	select {
	case l.gate <- struct{}{}:
		return true
	default:
	}
	if forever {
		l.gate <- struct{}{}
		return true
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case l.gate <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (l *TimedLock) exit() {
	<-l.gate
}

// destroy removes the lock object. A held lock is dropped with it.
func (l *TimedLock) destroy() error {
	if l.held.CompareAndSwap(true, false) {
		defer l.exit()
	}
	if err := l.h.Destroy(); err != nil {
		return &LockError{Op: "destroy", Name: l.h.Name(), Err: err}
	}
	return nil
}

func (l *TimedLock) close() error {
	if err := l.h.Close(); err != nil {
		return &LockError{Op: "close", Name: l.h.Name(), Err: err}
	}
	return nil
}
