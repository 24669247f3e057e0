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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// Key is the IPC key a channel name maps to.
type Key = internalshm.Key

// SegmentStat is a point-in-time view of a segment's OS bookkeeping.
type SegmentStat = internalshm.SegmentStat

// DeriveKey maps a name to its IPC key. Every process derives the same key for
// the same bytes, including non-Go peers hashing names with CRC-32/MPEG-2.
func DeriveKey(name []byte) Key {
	return internalshm.DeriveKey(name)
}

// DeriveKeyString is DeriveKey for string names.
func DeriveKeyString(name string) Key {
	return internalshm.DeriveKeyString(name)
}

// Segment is one process's attachment to a named fixed-size byte buffer.
// Bytes implies no locking; hold the paired lock while touching it.
type Segment interface {
	Name() string
	Key() Key
	Bytes() []byte
	Size() int
	// Created reports whether this attachment created the segment.
	Created() bool
	// Detach drops this process's attachment. Detaching twice is a no-op.
	Detach() error
	// Attached returns the system-wide attach count.
	Attached() (int, error)
	// Remove marks the segment for destruction once nobody is attached.
	// Removing an already removed segment succeeds.
	Remove() error
	Removed() (bool, error)
	Stat() (SegmentStat, error)
}

// LockHandle is a process's reference to a named binary lock.
type LockHandle interface {
	Name() string
	Key() Key
	TryAcquireNow() (bool, error)
	// AcquireWithin blocks for at most d. It returns false when d elapses.
	AcquireWithin(d time.Duration) (bool, error)
	Acquire() error
	Release() error
	// Close drops the reference without touching the lock object.
	Close() error
	// Destroy removes the lock object from the system. Only the last-detacher
	// cleanup calls it.
	Destroy() error
}

// Registry creates and opens the named OS objects behind channels. Opening is
// idempotent: concurrent callers resolve to one creator and attach to its
// result.
type Registry interface {
	OpenSegment(name string, size int) (Segment, error)
	OpenLock(name string) (LockHandle, error)
	StatSegment(name string) (SegmentStat, error)
	RemoveSegment(name string) error
	RemoveLock(name string) error
}

// DefaultRegistry returns the System V registry with default permissions.
func DefaultRegistry() Registry {
	return NewSysVRegistry(defaultPerm, defaultOpenRetry)
}

var (
	errStaleSegment = errors.New("segment removed during attach")
	errAttachBusy   = errors.New("lock still held when attach timeout elapsed")
)

func openBackOff(maxElapsed time.Duration) backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxInterval(50*time.Millisecond),
		backoff.WithMaxElapsedTime(maxElapsed),
	)
}

// attach opens the segment and lock of cfg and takes the lock once to make
// sure neither was destroyed by a concurrent last detacher. Attachments to a
// removed segment are dropped and retried, so the caller always ends up on a
// live segment.
func attach(cfg Config, reg Registry, log *logger) (Segment, LockHandle, error) {
	lockName := cfg.lockName()
	type attachment struct {
		seg  Segment
		lock LockHandle
	}
	op := func() (attachment, error) {
		seg, err := reg.OpenSegment(cfg.Name, cfg.Size)
		if err != nil {
			return attachment{}, backoff.Permanent(err)
		}
		lock, err := reg.OpenLock(lockName)
		if err != nil {
			_ = seg.Detach()
			return attachment{}, backoff.Permanent(err)
		}
		drop := func() {
			_ = seg.Detach()
			_ = lock.Close()
		}

		ok, err := acquireWithin(lock, cfg.AttachTimeout)
		if errors.Is(err, ErrLockRemoved) {
			log.debugf("lock %s removed while attaching, retrying", lockName)
			drop()
			return attachment{}, err
		}
		if err != nil {
			drop()
			return attachment{}, backoff.Permanent(&LockError{Op: "attach", Name: lockName, Err: err})
		}
		if !ok {
			drop()
			return attachment{}, backoff.Permanent(&ResourceError{Op: "attach", Name: cfg.Name, Key: seg.Key(), Err: errAttachBusy})
		}

		removed, err := seg.Removed()
		if err == nil && removed {
			log.debugf("segment %s marked removed while attaching, retrying", cfg.Name)
			_ = lock.Release()
			drop()
			return attachment{}, errStaleSegment
		}
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
		if err != nil {
			drop()
			return attachment{}, backoff.Permanent(&ResourceError{Op: "attach", Name: cfg.Name, Key: seg.Key(), Err: err})
		}
		return attachment{seg: seg, lock: lock}, nil
	}

	a, err := backoff.RetryWithData(op, openBackOff(cfg.OpenRetry))
	if errors.Is(err, errStaleSegment) || errors.Is(err, ErrLockRemoved) {
		return nil, nil, &ResourceError{Op: "attach", Name: cfg.Name, Key: DeriveKeyString(cfg.Name), Err: err}
	}
	if err != nil {
		return nil, nil, err
	}
	return a.seg, a.lock, nil
}

func acquireWithin(h LockHandle, d time.Duration) (bool, error) {
	if d <= 0 {
		if err := h.Acquire(); err != nil {
			return false, err
		}
		return true, nil
	}
	return h.AcquireWithin(d)
}

// release detaches seg and, when that leaves the segment with no attachments
// anywhere, removes it and destroys the lock. The check runs under the lock
// so only one of several concurrent detachers destroys. It reports whether
// this call removed the objects.
func release(seg Segment, tl *TimedLock, timeout time.Duration, log *logger) (bool, error) {
	locked := tl.Held()
	if !locked {
		ok, err := tl.acquireBlocking(timeout)
		switch {
		case err != nil && errors.Is(err, ErrLockRemoved):
			log.debugf("lock %s already destroyed", tl.Name())
		case err != nil:
			log.warnf("lock %s faulted during close: %v", tl.Name(), err)
		case !ok:
			log.warnf("lock %s not acquired within %s, detaching without it", tl.Name(), timeout)
		}
		locked = ok
	}

	var errs []error
	if err := seg.Detach(); err != nil {
		errs = append(errs, fmt.Errorf("detach: %w", err))
	}
	n, err := seg.Attached()
	if err != nil {
		errs = append(errs, fmt.Errorf("attach count: %w", err))
	}

	cleaned := false
	if err == nil && n == 0 {
		if err := seg.Remove(); err != nil {
			errs = append(errs, fmt.Errorf("remove segment: %w", err))
		}
		if err := tl.destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy lock: %w", err))
		}
		cleaned = true
		log.infof("last detacher removed segment %s and lock %s", seg.Name(), tl.Name())
	} else if locked {
		if err := tl.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := tl.close(); err != nil {
		errs = append(errs, err)
	}
	return cleaned, errors.Join(errs...)
}
