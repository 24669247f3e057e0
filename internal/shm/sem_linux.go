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
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// semctl commands and semop flags missing from x/sys/unix.
const (
	semGetVal = 12
	semSetVal = 16
	semUndo   = 0x1000
)

type sembuf struct {
	num uint16
	op  int16
	flg int16
}

// semidDS covers struct semid64_ds up to sem_otime; the tail is padding large
// enough for every supported architecture's layout.
type semidDS struct {
	Perm  unix.SysvIpcPerm
	Otime int64
	_     [6]uint64
}

// Semaphore is a System V semaphore set holding a single binary semaphore.
// Value 1 means available, 0 means held.
type Semaphore struct {
	Key     Key
	ID      int
	Created bool
}

// OpenOrCreateSemaphore opens the semaphore registered under key or creates
// it in the available state. Exactly one of several concurrent creators wins
// the exclusive create; the others open its result. Openers wait under b until
// the creator has published the initial value.
func OpenOrCreateSemaphore(key Key, perm uint32, b backoff.BackOff) (*Semaphore, error) {
	if key.IPC() == unix.IPC_PRIVATE {
		return nil, ErrPrivateKey
	}
	op := func() (*Semaphore, error) {
		id, err := semget(key, 1, 0)
		if err == nil {
			ready, err := initialized(id)
			if err != nil {
				if isGone(err) {
					return nil, errRaced
				}
				return nil, backoff.Permanent(fmt.Errorf("semctl IPC_STAT: %w", err))
			}
			if !ready {
				return nil, ErrNotReady
			}
			return &Semaphore{Key: key, ID: id}, nil
		}
		if !errors.Is(err, unix.ENOENT) {
			return nil, backoff.Permanent(fmt.Errorf("semget: %w", err))
		}
		id, err = semget(key, 1, unix.IPC_CREAT|unix.IPC_EXCL|int(perm&0o777))
		if errors.Is(err, unix.EEXIST) {
			return nil, errRaced
		}
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("semget: %w", err))
		}
		// a semop rather than SETVAL so sem_otime tells openers we are done;
		// no SEM_UNDO, the initial value must outlive this process
		if err := semop(id, 1, 0, nil); err != nil {
			_ = semctl(id, unix.IPC_RMID, 0)
			return nil, backoff.Permanent(fmt.Errorf("semop init: %w", err))
		}
		return &Semaphore{Key: key, ID: id, Created: true}, nil
	}
	sem, err := backoff.RetryWithData(op, b)
	if errors.Is(err, errRaced) || errors.Is(err, ErrNotReady) {
		return nil, fmt.Errorf("semaphore %s: %w", key, err)
	}
	return sem, err
}

// TryAcquire makes one non-blocking attempt to take the semaphore.
func (s *Semaphore) TryAcquire() (bool, error) {
	for {
		err := semop(s.ID, -1, unix.IPC_NOWAIT|semUndo, nil)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		case errors.Is(err, unix.EINTR):
			continue
		case isGone(err):
			return false, ErrRemoved
		default:
			return false, fmt.Errorf("semop: %w", err)
		}
	}
}

// AcquireTimeout blocks in the kernel for at most d waiting for the
// semaphore. It returns false when d elapses.
func (s *Semaphore) AcquireTimeout(d time.Duration) (bool, error) {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		ts := unix.NsecToTimespec(remaining.Nanoseconds())
		err := semop(s.ID, -1, semUndo, &ts)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, unix.EAGAIN):
			return false, nil
		case errors.Is(err, unix.EINTR):
			continue
		case isGone(err):
			return false, ErrRemoved
		default:
			return false, fmt.Errorf("semtimedop: %w", err)
		}
	}
}

// Acquire blocks until the semaphore is taken.
func (s *Semaphore) Acquire() error {
	for {
		err := semop(s.ID, -1, semUndo, nil)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case isGone(err):
			return ErrRemoved
		default:
			return fmt.Errorf("semop: %w", err)
		}
	}
}

// Release gives the semaphore back.
func (s *Semaphore) Release() error {
	if err := semop(s.ID, 1, semUndo, nil); err != nil {
		if isGone(err) {
			return ErrRemoved
		}
		return fmt.Errorf("semop: %w", err)
	}
	return nil
}

// Value returns the current semaphore value.
func (s *Semaphore) Value() (int, error) {
	v, errno := semValue(s.ID)
	if errno != 0 {
		if isGone(errno) {
			return 0, ErrRemoved
		}
		return 0, fmt.Errorf("semctl GETVAL: %w", errno)
	}
	return v, nil
}

// Remove deletes the semaphore from the system, waking every waiter with
// ErrRemoved. Removing an already removed semaphore succeeds.
func (s *Semaphore) Remove() error {
	if err := semctl(s.ID, unix.IPC_RMID, 0); err != nil && !isGone(err) {
		return fmt.Errorf("semctl IPC_RMID: %w", err)
	}
	return nil
}

// RemoveSemaphoreKey deletes the semaphore registered under key.
func RemoveSemaphoreKey(key Key) error {
	id, err := semget(key, 0, 0)
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("semget: %w", err)
	}
	return (&Semaphore{Key: key, ID: id}).Remove()
}

// initialized reports whether the creator has published the initial value.
// Creators that set it with SETVAL leave sem_otime at zero, so an available
// semaphore that was never operated on counts as initialized too.
func initialized(id int) (bool, error) {
	var ds semidDS
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(id), 0, unix.IPC_STAT, uintptr(unsafe.Pointer(&ds)), 0, 0)
	if errno != 0 {
		return false, errno
	}
	if ds.Otime != 0 {
		return true, nil
	}
	v, errno2 := semValue(id)
	if errno2 != 0 {
		return false, errno2
	}
	return v == 1, nil
}

func semValue(id int) (int, unix.Errno) {
	r, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(id), 0, semGetVal, 0, 0, 0)
	return int(r), errno
}

func semget(key Key, nsems, flag int) (int, error) {
	id, _, errno := unix.Syscall(unix.SYS_SEMGET, uintptr(key.IPC()), uintptr(nsems), uintptr(flag))
	if errno != 0 {
		return -1, errno
	}
	return int(id), nil
}

func semctl(id, cmd int, arg uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_SEMCTL, uintptr(id), 0, uintptr(cmd), arg, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func semop(id int, op int16, flg int, ts *unix.Timespec) error {
	buf := sembuf{num: 0, op: op, flg: int16(flg)}
	var errno unix.Errno
	if ts == nil {
		_, _, errno = unix.Syscall(unix.SYS_SEMOP, uintptr(id), uintptr(unsafe.Pointer(&buf)), 1)
	} else {
		_, _, errno = unix.Syscall6(unix.SYS_SEMTIMEDOP, uintptr(id), uintptr(unsafe.Pointer(&buf)), 1, uintptr(unsafe.Pointer(ts)), 0, 0)
	}
	if errno != 0 {
		return errno
	}
	return nil
}
