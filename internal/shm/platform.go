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

// Package shm contains the platform-specific System V IPC primitives behind
// named channels: shared memory segments and binary semaphores keyed by a
// value derived from the channel name.
//
// Function implementations are provided in platform-specific files
// (segment_linux.go, sem_linux.go). On other platforms only key derivation and
// the shared types are available.
package shm

import (
	"errors"
	"time"
)

// DefaultPerm is the permission mode used for newly created objects.
const DefaultPerm = 0o660

var (
	// ErrRemoved is returned when the IPC object was removed from the system
	// while this process was using or waiting on it.
	ErrRemoved = errors.New("ipc object removed")

	// ErrNotReady is returned when a semaphore exists but its creator has not
	// finished initializing it.
	ErrNotReady = errors.New("ipc object not initialized")

	// ErrPrivateKey is returned when a name hashes to IPC_PRIVATE, which cannot
	// be shared between processes.
	ErrPrivateKey = errors.New("derived key collides with IPC_PRIVATE")

	errRaced = errors.New("create-or-attach raced with another process")
)

// SegmentStat is a point-in-time view of a segment's kernel bookkeeping.
type SegmentStat struct {
	Key        Key
	ID         int
	Size       int
	Attached   int
	CreatorPID int32
	LastPID    int32
	Mode       uint32
	Removed    bool
	Changed    time.Time
}
