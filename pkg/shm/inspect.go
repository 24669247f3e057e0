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

	"github.com/shirou/gopsutil/v3/process"
)

// Inspection describes a channel's segment as seen from outside, without
// attaching to it.
type Inspection struct {
	SegmentStat
	Name         string
	LockName     string
	CreatorAlive bool
	LastAlive    bool
}

// Orphaned reports a segment nobody is attached to that was never removed,
// which happens when every holder exited without closing.
func (i Inspection) Orphaned() bool {
	return i.Attached == 0 && !i.Removed
}

// Inspect reads the OS bookkeeping of the named channel through reg, which
// defaults to the System V registry.
func Inspect(name string, reg Registry) (Inspection, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	st, err := reg.StatSegment(name)
	if err != nil {
		return Inspection{}, err
	}
	in := Inspection{
		SegmentStat: st,
		Name:        name,
		LockName:    DefaultLockName(name),
	}
	in.CreatorAlive = pidAlive(st.CreatorPID)
	in.LastAlive = pidAlive(st.LastPID)
	return in, nil
}

// Remove forcibly removes the segment and lock of a channel. Attached
// processes keep their mapping until they detach. Use it to recover orphaned
// channels; an empty lockName means DefaultLockName(name).
func Remove(name, lockName string, reg Registry) error {
	if reg == nil {
		reg = DefaultRegistry()
	}
	if lockName == "" {
		lockName = DefaultLockName(name)
	}
	internalLogger.infof("force removing segment %s and lock %s", name, lockName)
	return errors.Join(reg.RemoveSegment(name), reg.RemoveLock(lockName))
}

func pidAlive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(pid)
	return err == nil && ok
}
