//go:build linux && (amd64 || arm64 || riscv64)

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

	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// SysVRegistry opens System V shared memory segments and semaphores keyed by
// DeriveKey of the object name.
type SysVRegistry struct {
	perm  Perm
	retry time.Duration
}

// NewSysVRegistry returns a registry creating objects with perm and retrying
// create-or-attach races for up to retry.
func NewSysVRegistry(perm Perm, retry time.Duration) *SysVRegistry {
	if retry <= 0 {
		retry = defaultOpenRetry
	}
	return &SysVRegistry{perm: perm & 0o777, retry: retry}
}

func (r *SysVRegistry) OpenSegment(name string, size int) (Segment, error) {
	key := DeriveKeyString(name)
	if size < 0 {
		return nil, &ResourceError{Op: "open segment", Name: name, Key: key, Err: ErrInvalidConfig}
	}
	s, err := internalshm.OpenOrCreateSegment(key, size, uint32(r.perm), openBackOff(r.retry))
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			err = fmt.Errorf("%w: %w", ErrNotExist, err)
		}
		return nil, &ResourceError{Op: "open segment", Name: name, Key: key, Err: err}
	}
	if s.Created {
		internalLogger.debugf("created segment %s key=%s id=%d size=%d", name, key, s.ID, s.Size())
	}
	return &sysvSegment{name: name, s: s}, nil
}

func (r *SysVRegistry) OpenLock(name string) (LockHandle, error) {
	key := DeriveKeyString(name)
	sem, err := internalshm.OpenOrCreateSemaphore(key, uint32(r.perm), openBackOff(r.retry))
	if err != nil {
		return nil, &ResourceError{Op: "open lock", Name: name, Key: key, Err: err}
	}
	return &sysvLock{name: name, sem: sem}, nil
}

func (r *SysVRegistry) StatSegment(name string) (SegmentStat, error) {
	key := DeriveKeyString(name)
	st, err := internalshm.StatSegmentKey(key)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			err = fmt.Errorf("%w: %w", ErrNotExist, err)
		}
		return SegmentStat{}, &ResourceError{Op: "stat segment", Name: name, Key: key, Err: err}
	}
	return st, nil
}

func (r *SysVRegistry) RemoveSegment(name string) error {
	key := DeriveKeyString(name)
	if err := internalshm.RemoveSegmentKey(key); err != nil {
		return &ResourceError{Op: "remove segment", Name: name, Key: key, Err: err}
	}
	return nil
}

func (r *SysVRegistry) RemoveLock(name string) error {
	key := DeriveKeyString(name)
	if err := internalshm.RemoveSemaphoreKey(key); err != nil {
		return &ResourceError{Op: "remove lock", Name: name, Key: key, Err: err}
	}
	return nil
}

type sysvSegment struct {
	name string
	s    *internalshm.Segment
}

func (g *sysvSegment) Name() string  { return g.name }
func (g *sysvSegment) Key() Key      { return g.s.Key }
func (g *sysvSegment) Bytes() []byte { return g.s.Bytes() }
func (g *sysvSegment) Size() int     { return g.s.Size() }
func (g *sysvSegment) Created() bool { return g.s.Created }
func (g *sysvSegment) Detach() error { return g.s.Detach() }
func (g *sysvSegment) Remove() error { return g.s.Remove() }

func (g *sysvSegment) Attached() (int, error) {
	st, err := g.s.Stat()
	return st.Attached, err
}

func (g *sysvSegment) Removed() (bool, error) {
	st, err := g.s.Stat()
	return st.Removed, err
}

func (g *sysvSegment) Stat() (SegmentStat, error) { return g.s.Stat() }

type sysvLock struct {
	name string
	sem  *internalshm.Semaphore
}

func (k *sysvLock) Name() string { return k.name }
func (k *sysvLock) Key() Key     { return k.sem.Key }

func (k *sysvLock) TryAcquireNow() (bool, error) {
	ok, err := k.sem.TryAcquire()
	return ok, lockErr(err)
}

func (k *sysvLock) AcquireWithin(d time.Duration) (bool, error) {
	ok, err := k.sem.AcquireTimeout(d)
	return ok, lockErr(err)
}

func (k *sysvLock) Acquire() error { return lockErr(k.sem.Acquire()) }
func (k *sysvLock) Release() error { return lockErr(k.sem.Release()) }

// Close is a no-op: a semaphore id carries no per-process state.
func (k *sysvLock) Close() error { return nil }

func (k *sysvLock) Destroy() error { return k.sem.Remove() }

func lockErr(err error) error {
	if errors.Is(err, internalshm.ErrRemoved) {
		return ErrLockRemoved
	}
	return err
}
