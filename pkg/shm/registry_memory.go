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
	"os"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// MemoryRegistry keeps segments and locks in process memory. It follows the
// same create-or-attach and attach-count rules as the System V registry, so
// several Channels opened on one MemoryRegistry behave like separate
// processes sharing a host.
type MemoryRegistry struct {
	segments cmap.ConcurrentMap[string, *memSegment]
	locks    cmap.ConcurrentMap[string, *memLock]
	ids      atomic.Int64
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		segments: cmap.New[*memSegment](),
		locks:    cmap.New[*memLock](),
	}
}

type memSegment struct {
	name    string
	key     Key
	id      int
	data    []byte
	changed time.Time

	mu       sync.Mutex
	attached int
	removed  bool
}

// OpenSegment attaches to name, creating a zeroed segment of size bytes when
// none is live. A size of 0 only attaches.
func (r *MemoryRegistry) OpenSegment(name string, size int) (Segment, error) {
	key := DeriveKeyString(name)
	if size < 0 {
		return nil, &ResourceError{Op: "open segment", Name: name, Key: key, Err: ErrInvalidConfig}
	}
	if size == 0 {
		return r.attachSegment(name)
	}
	created := false
	seg := r.segments.Upsert(name, nil, func(exist bool, cur *memSegment, _ *memSegment) *memSegment {
		if !exist {
			created = true
			cur = &memSegment{
				name:    name,
				key:     key,
				id:      int(r.ids.Add(1)),
				data:    make([]byte, size),
				changed: time.Now(),
			}
		}
		cur.mu.Lock()
		cur.attached++
		cur.mu.Unlock()
		return cur
	})
	return &memSegmentHandle{reg: r, seg: seg, created: created, data: seg.data}, nil
}

// attachSegment attaches to a live segment without creating one. A segment
// removed right after the lookup is reported as removed to the caller.
func (r *MemoryRegistry) attachSegment(name string) (Segment, error) {
	seg, ok := r.segments.Get(name)
	if !ok {
		return nil, &ResourceError{Op: "open segment", Name: name, Key: DeriveKeyString(name), Err: ErrNotExist}
	}
	seg.mu.Lock()
	seg.attached++
	seg.mu.Unlock()
	return &memSegmentHandle{reg: r, seg: seg, data: seg.data}, nil
}

// OpenLock opens name, creating it in the available state when none is live.
func (r *MemoryRegistry) OpenLock(name string) (LockHandle, error) {
	l := r.locks.Upsert(name, nil, func(exist bool, cur *memLock, _ *memLock) *memLock {
		if exist {
			return cur
		}
		return newMemLock(r, name)
	})
	return &memLockHandle{l: l}, nil
}

func (r *MemoryRegistry) StatSegment(name string) (SegmentStat, error) {
	seg, ok := r.segments.Get(name)
	if !ok {
		return SegmentStat{}, &ResourceError{Op: "stat segment", Name: name, Key: DeriveKeyString(name), Err: ErrNotExist}
	}
	return seg.stat(), nil
}

func (r *MemoryRegistry) RemoveSegment(name string) error {
	if seg, ok := r.segments.Get(name); ok {
		r.removeSegment(seg)
	}
	return nil
}

func (r *MemoryRegistry) RemoveLock(name string) error {
	if l, ok := r.locks.Get(name); ok {
		l.destroy()
	}
	return nil
}

// Names lists the live segment names.
func (r *MemoryRegistry) Names() []string {
	return r.segments.Keys()
}

func (r *MemoryRegistry) removeSegment(seg *memSegment) {
	seg.mu.Lock()
	seg.removed = true
	seg.changed = time.Now()
	seg.mu.Unlock()
	r.segments.RemoveCb(seg.name, func(_ string, v *memSegment, exists bool) bool {
		return exists && v == seg
	})
}

func (s *memSegment) stat() SegmentStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := int32(os.Getpid())
	return SegmentStat{
		Key:        s.key,
		ID:         s.id,
		Size:       len(s.data),
		Attached:   s.attached,
		CreatorPID: pid,
		LastPID:    pid,
		Mode:       uint32(defaultPerm),
		Removed:    s.removed,
		Changed:    s.changed,
	}
}

type memSegmentHandle struct {
	reg     *MemoryRegistry
	seg     *memSegment
	created bool

	mu   sync.Mutex
	data []byte
}

func (h *memSegmentHandle) Name() string  { return h.seg.name }
func (h *memSegmentHandle) Key() Key      { return h.seg.key }
func (h *memSegmentHandle) Size() int     { return len(h.seg.data) }
func (h *memSegmentHandle) Created() bool { return h.created }

func (h *memSegmentHandle) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data
}

func (h *memSegmentHandle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.data == nil {
		return nil
	}
	h.data = nil
	h.seg.mu.Lock()
	h.seg.attached--
	h.seg.changed = time.Now()
	h.seg.mu.Unlock()
	return nil
}

func (h *memSegmentHandle) Attached() (int, error) {
	return h.seg.stat().Attached, nil
}

func (h *memSegmentHandle) Remove() error {
	h.reg.removeSegment(h.seg)
	return nil
}

func (h *memSegmentHandle) Removed() (bool, error) {
	return h.seg.stat().Removed, nil
}

func (h *memSegmentHandle) Stat() (SegmentStat, error) {
	return h.seg.stat(), nil
}

type memLock struct {
	reg     *MemoryRegistry
	name    string
	key     Key
	token   chan struct{}
	removed chan struct{}
	once    sync.Once
}

func newMemLock(r *MemoryRegistry, name string) *memLock {
	l := &memLock{
		reg:     r,
		name:    name,
		key:     DeriveKeyString(name),
		token:   make(chan struct{}, 1),
		removed: make(chan struct{}),
	}
	l.token <- struct{}{}
	return l
}

func (l *memLock) gone() bool {
	select {
	case <-l.removed:
		return true
	default:
		return false
	}
}

func (l *memLock) destroy() {
	l.once.Do(func() {
		close(l.removed)
		l.reg.locks.RemoveCb(l.name, func(_ string, v *memLock, exists bool) bool {
			return exists && v == l
		})
	})
}

type memLockHandle struct {
	l *memLock
}

func (h *memLockHandle) Name() string { return h.l.name }
func (h *memLockHandle) Key() Key     { return h.l.key }

func (h *memLockHandle) TryAcquireNow() (bool, error) {
	if h.l.gone() {
		return false, ErrLockRemoved
	}
	select {
	case <-h.l.token:
		return true, nil
	default:
		return false, nil
	}
}

func (h *memLockHandle) AcquireWithin(d time.Duration) (bool, error) {
	if h.l.gone() {
		return false, ErrLockRemoved
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.l.token:
		return true, nil
	case <-h.l.removed:
		return false, ErrLockRemoved
	case <-t.C:
		return false, nil
	}
}

func (h *memLockHandle) Acquire() error {
	if h.l.gone() {
		return ErrLockRemoved
	}
	select {
	case <-h.l.token:
		return nil
	case <-h.l.removed:
		return ErrLockRemoved
	}
}

func (h *memLockHandle) Release() error {
	if h.l.gone() {
		return ErrLockRemoved
	}
	select {
	case h.l.token <- struct{}{}:
		return nil
	default:
		return ErrLockNotHeld
	}
}

func (h *memLockHandle) Close() error { return nil }

func (h *memLockHandle) Destroy() error {
	h.l.destroy()
	return nil
}
