//go:build !(linux && (amd64 || arm64 || riscv64))

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

import "time"

// SysVRegistry fails every call with ErrUnsupportedPlatform on this platform.
// Use NewMemoryRegistry for in-process channels.
type SysVRegistry struct{}

func NewSysVRegistry(Perm, time.Duration) *SysVRegistry {
	return &SysVRegistry{}
}

func unsupported(op, name string) error {
	return &ResourceError{Op: op, Name: name, Key: DeriveKeyString(name), Err: ErrUnsupportedPlatform}
}

func (*SysVRegistry) OpenSegment(name string, _ int) (Segment, error) {
	return nil, unsupported("open segment", name)
}

func (*SysVRegistry) OpenLock(name string) (LockHandle, error) {
	return nil, unsupported("open lock", name)
}

func (*SysVRegistry) StatSegment(name string) (SegmentStat, error) {
	return SegmentStat{}, unsupported("stat segment", name)
}

func (*SysVRegistry) RemoveSegment(name string) error {
	return unsupported("remove segment", name)
}

func (*SysVRegistry) RemoveLock(name string) error {
	return unsupported("remove lock", name)
}
