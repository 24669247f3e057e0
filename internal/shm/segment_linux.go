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

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// shmDest is the SHM_DEST mode bit: the segment is marked for destruction and
// will be freed once its last attacher detaches.
const shmDest = 0o1000

// Segment is an attached System V shared memory segment.
type Segment struct {
	Key     Key
	ID      int
	Created bool
	data    []byte
	size    int
}

// OpenOrCreateSegment attaches to the segment registered under key, creating
// it with size bytes when it does not exist. An existing segment keeps its own
// size. A size of 0 never creates: a missing segment fails with ENOENT.
// Creation races with other processes are retried under b.
func OpenOrCreateSegment(key Key, size int, perm uint32, b backoff.BackOff) (*Segment, error) {
	if key.IPC() == unix.IPC_PRIVATE {
		return nil, ErrPrivateKey
	}
	op := func() (*Segment, error) {
		created := false
		id, err := unix.SysvShmGet(key.IPC(), 0, 0)
		if errors.Is(err, unix.ENOENT) && size == 0 {
			return nil, backoff.Permanent(fmt.Errorf("shmget: %w", err))
		}
		if errors.Is(err, unix.ENOENT) {
			id, err = unix.SysvShmGet(key.IPC(), size, unix.IPC_CREAT|unix.IPC_EXCL|int(perm&0o777))
			if errors.Is(err, unix.EEXIST) {
				return nil, errRaced
			}
			created = err == nil
		}
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("shmget: %w", err))
		}
		data, err := unix.SysvShmAttach(id, 0, 0)
		if err != nil {
			if created {
				_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
			}
			if isGone(err) {
				return nil, errRaced
			}
			return nil, backoff.Permanent(fmt.Errorf("shmat: %w", err))
		}
		// the kernel hands out zero-filled pages for a fresh segment
		return &Segment{
			Key:     key,
			ID:      id,
			Created: created,
			data:    data,
			size:    len(data),
		}, nil
	}
	seg, err := backoff.RetryWithData(op, b)
	if errors.Is(err, errRaced) {
		return nil, fmt.Errorf("segment %s: %w", key, err)
	}
	return seg, err
}

// Bytes returns the attached view. It is nil after Detach.
func (s *Segment) Bytes() []byte {
	return s.data
}

// Size returns the segment size fixed by its creator.
func (s *Segment) Size() int {
	return s.size
}

// Detach unmaps the segment from this process. Detaching twice is a no-op.
func (s *Segment) Detach() error {
	if s.data == nil {
		return nil
	}
	if err := unix.SysvShmDetach(s.data); err != nil {
		return fmt.Errorf("shmdt: %w", err)
	}
	s.data = nil
	return nil
}

// Stat reads the kernel's view of the segment.
func (s *Segment) Stat() (SegmentStat, error) {
	return statSegment(s.ID)
}

// Remove marks the segment for destruction. The kernel frees it once the
// attach count drops to zero. Removing an already removed segment succeeds.
func (s *Segment) Remove() error {
	return removeSegment(s.ID)
}

// StatSegmentKey reads the segment registered under key without attaching.
func StatSegmentKey(key Key) (SegmentStat, error) {
	id, err := unix.SysvShmGet(key.IPC(), 0, 0)
	if err != nil {
		return SegmentStat{}, fmt.Errorf("shmget: %w", err)
	}
	return statSegment(id)
}

// RemoveSegmentKey marks the segment registered under key for destruction.
func RemoveSegmentKey(key Key) error {
	id, err := unix.SysvShmGet(key.IPC(), 0, 0)
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("shmget: %w", err)
	}
	return removeSegment(id)
}

func statSegment(id int) (SegmentStat, error) {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc); err != nil {
		if isGone(err) {
			return SegmentStat{ID: id, Removed: true}, nil
		}
		return SegmentStat{}, fmt.Errorf("shmctl IPC_STAT: %w", err)
	}
	return SegmentStat{
		Key:        Key(uint32(desc.Perm.Key)),
		ID:         id,
		Size:       int(desc.Segsz),
		Attached:   int(desc.Nattch),
		CreatorPID: desc.Cpid,
		LastPID:    desc.Lpid,
		Mode:       desc.Perm.Mode & 0o777,
		Removed:    desc.Perm.Mode&shmDest != 0,
		Changed:    time.Unix(desc.Ctime, 0),
	}, nil
}

func removeSegment(id int) error {
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil && !isGone(err) {
		return fmt.Errorf("shmctl IPC_RMID: %w", err)
	}
	return nil
}

// isGone reports errors the kernel returns for an id that no longer names a
// live object.
func isGone(err error) bool {
	return errors.Is(err, unix.EIDRM) || errors.Is(err, unix.EINVAL)
}
