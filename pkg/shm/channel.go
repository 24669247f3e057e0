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
	"sync"
	"time"
)

const (
	opOpen   = "open"
	opClose  = "close"
	opWrite  = "write"
	opRead   = "read"
	opUpdate = "update"
	opLock   = "lock"
)

// Channel is a process's handle on a named shared segment and its paired
// lock. Every read and write copies the whole segment while holding the lock,
// so no partial write is ever visible to another process.
//
// A Channel is safe for concurrent use by multiple goroutines.
type Channel struct {
	cfg     Config
	seg     Segment
	lock    *TimedLock
	metrics *Metrics
	tel     *telemetry
	log     *logger

	mu     sync.RWMutex
	closed bool
}

// Open attaches to the channel called name, creating it with size bytes when
// it does not exist yet. An existing channel keeps the size chosen by its
// creator; use Size to learn it.
func Open(name string, size int, opts ...Option) (*Channel, error) {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Size = size
	for _, opt := range opts {
		opt(&cfg)
	}
	return OpenWithConfig(cfg)
}

// OpenWithConfig is Open driven by a Config.
func OpenWithConfig(cfg Config) (ch *Channel, err error) {
	tel := newTelemetry(cfg.Name, cfg.Meter, cfg.Tracer)
	span := tel.start(opOpen, cfg.Name)
	defer func() { endSpan(span, err) }()

	if err := VerifyConfig(cfg); err != nil {
		return nil, &ResourceError{Op: opOpen, Name: cfg.Name, Key: DeriveKeyString(cfg.Name), Err: err}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewSysVRegistry(cfg.Perm, cfg.OpenRetry)
	}
	log := newLogger(cfg.Name, cfg.Logger)

	seg, h, err := attach(cfg, reg, log)
	if err != nil {
		cfg.Metrics.operation(opOpen, resultError)
		log.errorf("open failed: %v", err)
		return nil, err
	}
	lock := NewTimedLock(h, cfg.WaitStrategy)
	lock.metrics = cfg.Metrics

	ch = &Channel{
		cfg:     cfg,
		seg:     seg,
		lock:    lock,
		metrics: cfg.Metrics,
		tel:     tel,
		log:     log,
	}
	ch.metrics.opened(seg.Created())
	ch.metrics.operation(opOpen, resultOK)
	log.debugf("opened key=%s size=%d created=%t lock=%s", seg.Key(), seg.Size(), seg.Created(), h.Name())
	return ch, nil
}

func (c *Channel) Name() string { return c.cfg.Name }

func (c *Channel) LockName() string { return c.lock.Name() }

func (c *Channel) Key() Key { return c.seg.Key() }

// Size returns the fixed payload size of the segment.
func (c *Channel) Size() int { return c.seg.Size() }

// Created reports whether this Channel created the segment.
func (c *Channel) Created() bool { return c.seg.Created() }

// Stat reads the OS bookkeeping of the segment.
func (c *Channel) Stat() (SegmentStat, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return SegmentStat{}, ErrClosed
	}
	return c.seg.Stat()
}

// TryWrite copies payload into the segment under the lock. payload must be
// exactly Size bytes. It returns false, leaving the segment untouched, if the
// lock is not acquired within timeout. A timeout <= 0 waits forever.
func (c *Channel) TryWrite(payload []byte, timeout time.Duration) (bool, error) {
	return c.transfer(opWrite, len(payload), timeout, func(view []byte) {
		copy(view, payload)
	})
}

// TryRead copies the segment into out under the lock. out must be exactly
// Size bytes and is left unmodified on timeout.
func (c *Channel) TryRead(out []byte, timeout time.Duration) (bool, error) {
	return c.transfer(opRead, len(out), timeout, func(view []byte) {
		copy(out, view)
	})
}

// TryWriteMs is TryWrite with a timeout in milliseconds; 0 waits forever.
func (c *Channel) TryWriteMs(payload []byte, timeoutMs int) (bool, error) {
	return c.TryWrite(payload, time.Duration(timeoutMs)*time.Millisecond)
}

// TryReadMs is TryRead with a timeout in milliseconds; 0 waits forever.
func (c *Channel) TryReadMs(out []byte, timeoutMs int) (bool, error) {
	return c.TryRead(out, time.Duration(timeoutMs)*time.Millisecond)
}

func (c *Channel) transfer(op string, n int, timeout time.Duration, fn func([]byte)) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, ErrClosed
	}
	if n != c.seg.Size() {
		c.record(op, resultError)
		return false, &SizeMismatchError{Want: c.seg.Size(), Got: n}
	}
	return c.locked(op, timeout, fn)
}

// Update runs fn on the segment bytes while holding the lock. The lock is
// released even if fn panics. fn must not keep the slice.
func (c *Channel) Update(timeout time.Duration, fn func(view []byte)) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, ErrClosed
	}
	return c.locked(opUpdate, timeout, fn)
}

func (c *Channel) locked(op string, timeout time.Duration, fn func([]byte)) (ok bool, err error) {
	ok, err = c.lock.TryAcquire(timeout)
	if err != nil {
		c.record(op, resultError)
		return false, err
	}
	if !ok {
		c.record(op, resultTimeout)
		c.log.tracef("%s timed out after %s", op, timeout)
		return false, nil
	}
	defer func() {
		if rerr := c.lock.Release(); rerr != nil && err == nil {
			ok, err = false, rerr
		}
		if err != nil {
			c.record(op, resultError)
		} else {
			c.record(op, resultOK)
		}
	}()
	fn(c.seg.Bytes())
	return true, nil
}

// Lock acquires the channel lock for in-place access through View. Every
// successful Lock must be paired with Unlock.
func (c *Channel) Lock(timeout time.Duration) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false, ErrClosed
	}
	ok, err := c.lock.TryAcquire(timeout)
	switch {
	case err != nil:
		c.record(opLock, resultError)
	case !ok:
		c.record(opLock, resultTimeout)
	default:
		c.record(opLock, resultOK)
	}
	return ok, err
}

// Unlock releases a lock taken with Lock.
func (c *Channel) Unlock() error {
	return c.lock.Release()
}

// View returns the segment bytes. Only touch them between Lock and Unlock.
// View returns nil once the channel is closed.
func (c *Channel) View() []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	return c.seg.Bytes()
}

// Close detaches from the segment. When no process remains attached it also
// removes the segment and the lock, so the next Open starts from a fresh
// zeroed segment. Close waits for in-flight operations of this Channel and is
// safe to call more than once.
func (c *Channel) Close() (err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	span := c.tel.start(opClose, c.cfg.Name)
	defer func() { endSpan(span, err) }()

	cleaned, err := release(c.seg, c.lock, c.cfg.CloseTimeout, c.log)
	c.metrics.closed(cleaned)
	if err != nil {
		c.metrics.operation(opClose, resultError)
		c.log.warnf("close: %v", err)
		return err
	}
	c.metrics.operation(opClose, resultOK)
	return nil
}

func (c *Channel) record(op, result string) {
	c.metrics.operation(op, result)
	c.tel.record(op, result)
}
