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
)

var (
	// ErrResource is matched by every *ResourceError.
	ErrResource = errors.New("shm: resource error")
	// ErrLock is matched by every *LockError.
	ErrLock = errors.New("shm: lock error")
	// ErrSizeMismatch is matched by every *SizeMismatchError.
	ErrSizeMismatch = errors.New("shm: payload size mismatch")
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("shm: channel closed")
	// ErrLockNotHeld is returned when releasing a lock this handle does not hold.
	ErrLockNotHeld = errors.New("shm: lock not held")
	// ErrLockRemoved is returned when the lock object was destroyed while in use.
	ErrLockRemoved = errors.New("shm: lock removed")
	// ErrNotExist is returned when inspecting a channel that has no segment.
	ErrNotExist = errors.New("shm: channel does not exist")
	// ErrUnsupportedPlatform is returned by the System V registry on platforms
	// without System V IPC.
	ErrUnsupportedPlatform = errors.New("shm: System V IPC not supported on this platform")
	// ErrInvalidConfig is returned by VerifyConfig.
	ErrInvalidConfig = errors.New("shm: invalid config")
)

// ResourceError reports a failure to create, attach, inspect or remove the
// OS objects behind a channel.
type ResourceError struct {
	Op   string
	Name string
	Key  Key
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("shm: %s %q (key %s): %v", e.Op, e.Name, e.Key, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

func (e *ResourceError) Is(target error) bool { return target == ErrResource }

// LockError reports a genuine fault of the lock primitive. A timeout is never
// a LockError.
type LockError struct {
	Op   string
	Name string
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("shm: lock %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

func (e *LockError) Is(target error) bool { return target == ErrLock }

// SizeMismatchError reports a payload whose length differs from the
// segment's fixed size.
type SizeMismatchError struct {
	Want int
	Got  int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("shm: payload is %d bytes, segment holds %d", e.Got, e.Want)
}

func (e *SizeMismatchError) Is(target error) bool { return target == ErrSizeMismatch }
