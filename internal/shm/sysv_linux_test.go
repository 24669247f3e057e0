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
	"os"
	"os/exec"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

const (
	childModeEnv = "SHMCHAN_SYSV_CHILD"
	childKeyEnv  = "SHMCHAN_SYSV_CHILD_KEY"
)

type SysVTestSuite struct {
	suite.Suite
	key Key
}

func testBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
	)
}

func (s *SysVTestSuite) SetupTest() {
	s.key = DeriveKeyString("sysv-test-" + uuid.NewString())
	seg, err := OpenOrCreateSegment(s.key, 64, DefaultPerm, testBackOff())
	if err != nil {
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			s.T().Skipf("System V IPC unavailable: %v", err)
		}
		s.Require().NoError(err)
	}
	s.Require().NoError(seg.Remove())
	s.Require().NoError(seg.Detach())
}

func (s *SysVTestSuite) TearDownTest() {
	_ = RemoveSegmentKey(s.key)
	_ = RemoveSemaphoreKey(s.key)
}

func (s *SysVTestSuite) TestSegmentCreateThenAttach() {
	first, err := OpenOrCreateSegment(s.key, 32, DefaultPerm, testBackOff())
	s.Require().NoError(err)
	s.Require().True(first.Created)
	s.Require().Equal(32, first.Size())
	s.Require().Equal(make([]byte, 32), first.Bytes())

	second, err := OpenOrCreateSegment(s.key, 4096, DefaultPerm, testBackOff())
	s.Require().NoError(err)
	s.Require().False(second.Created)
	s.Require().Equal(32, second.Size(), "existing size governs")

	copy(first.Bytes(), "hello")
	s.Require().Equal([]byte("hello"), second.Bytes()[:5])

	st, err := first.Stat()
	s.Require().NoError(err)
	s.Require().Equal(2, st.Attached)
	s.Require().Equal(s.key, st.Key)
	s.Require().False(st.Removed)

	s.Require().NoError(second.Detach())
	s.Require().NoError(second.Detach())
	st, err = first.Stat()
	s.Require().NoError(err)
	s.Require().Equal(1, st.Attached)

	s.Require().NoError(first.Remove())
	st, err = first.Stat()
	s.Require().NoError(err)
	s.Require().True(st.Removed)
	s.Require().NoError(first.Detach())
	s.Require().NoError(first.Remove())
}

func (s *SysVTestSuite) TestSegmentRemovedKeyIsReusable() {
	seg, err := OpenOrCreateSegment(s.key, 16, DefaultPerm, testBackOff())
	s.Require().NoError(err)
	copy(seg.Bytes(), "stale")
	s.Require().NoError(seg.Remove())

	fresh, err := OpenOrCreateSegment(s.key, 16, DefaultPerm, testBackOff())
	s.Require().NoError(err)
	s.Require().True(fresh.Created)
	s.Require().Equal(make([]byte, 16), fresh.Bytes())

	s.Require().NoError(seg.Detach())
	s.Require().NoError(fresh.Remove())
	s.Require().NoError(fresh.Detach())
}

func (s *SysVTestSuite) TestConcurrentCreateHasOneCreator() {
	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		segs    []*Segment
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seg, err := OpenOrCreateSegment(s.key, 128, DefaultPerm, testBackOff())
			s.Require().NoError(err)
			mu.Lock()
			defer mu.Unlock()
			if seg.Created {
				created++
			}
			segs = append(segs, seg)
		}()
	}
	wg.Wait()
	s.Require().Equal(1, created)
	for _, seg := range segs {
		s.Require().Equal(segs[0].ID, seg.ID)
		s.Require().NoError(seg.Detach())
	}
	s.Require().NoError(RemoveSegmentKey(s.key))
}

func (s *SysVTestSuite) TestSemaphoreLifecycle() {
	sem, err := OpenOrCreateSemaphore(s.key, DefaultPerm, testBackOff())
	s.Require().NoError(err)
	s.Require().True(sem.Created)

	v, err := sem.Value()
	s.Require().NoError(err)
	s.Require().Equal(1, v)

	other, err := OpenOrCreateSemaphore(s.key, DefaultPerm, testBackOff())
	s.Require().NoError(err)
	s.Require().False(other.Created)
	s.Require().Equal(sem.ID, other.ID)

	ok, err := sem.TryAcquire()
	s.Require().NoError(err)
	s.Require().True(ok)

	ok, err = other.TryAcquire()
	s.Require().NoError(err)
	s.Require().False(ok)

	start := time.Now()
	ok, err = other.AcquireTimeout(30 * time.Millisecond)
	s.Require().NoError(err)
	s.Require().False(ok)
	s.Require().GreaterOrEqual(time.Since(start), 30*time.Millisecond)

	s.Require().NoError(sem.Release())
	ok, err = other.AcquireTimeout(30 * time.Millisecond)
	s.Require().NoError(err)
	s.Require().True(ok)

	done := make(chan error, 1)
	go func() { done <- sem.Acquire() }()
	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(other.Remove())
	s.Require().ErrorIs(<-done, ErrRemoved)

	s.Require().NoError(sem.Remove())
	_, err = sem.TryAcquire()
	s.Require().ErrorIs(err, ErrRemoved)
}

func (s *SysVTestSuite) TestSemUndoReturnsLockOfExitedHolder() {
	sem, err := OpenOrCreateSemaphore(s.key, DefaultPerm, testBackOff())
	s.Require().NoError(err)

	cmd := exec.Command(os.Args[0], "-test.run=^TestSysVChildProcess$")
	cmd.Env = append(os.Environ(),
		childModeEnv+"=hold-and-exit",
		childKeyEnv+"="+strconv.FormatUint(uint64(s.key), 10),
	)
	out, err := cmd.CombinedOutput()
	s.Require().NoError(err, "child: %s", out)

	// the child exited holding the semaphore; the kernel undid its semop
	v, err := sem.Value()
	s.Require().NoError(err)
	s.Require().Equal(1, v)
	ok, err := sem.AcquireTimeout(time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NoError(sem.Release())
	s.Require().NoError(sem.Remove())
}

func (s *SysVTestSuite) TestOpenSemaphoreInitializedWithSetVal() {
	id, err := semget(s.key, 1, unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	s.Require().NoError(err)
	s.Require().NoError(semctl(id, semSetVal, 1))

	sem, err := OpenOrCreateSemaphore(s.key, DefaultPerm, testBackOff())
	s.Require().NoError(err)
	s.Require().False(sem.Created)
	s.Require().Equal(id, sem.ID)

	ok, err := sem.TryAcquire()
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NoError(sem.Release())
	s.Require().NoError(sem.Remove())
}

func (s *SysVTestSuite) TestOpenSemaphoreWaitsForCreator() {
	id, err := semget(s.key, 1, unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	s.Require().NoError(err)
	defer func() { _ = semctl(id, unix.IPC_RMID, 0) }()

	short := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Millisecond),
		backoff.WithMaxElapsedTime(50*time.Millisecond),
	)
	_, err = OpenOrCreateSemaphore(s.key, DefaultPerm, short)
	s.Require().ErrorIs(err, ErrNotReady)
}

// TestSysVChildProcess runs only when re-executed by a test of the suite.
func TestSysVChildProcess(t *testing.T) {
	if os.Getenv(childModeEnv) != "hold-and-exit" {
		return
	}
	k, err := strconv.ParseUint(os.Getenv(childKeyEnv), 10, 32)
	if err != nil {
		os.Exit(2)
	}
	sem, err := OpenOrCreateSemaphore(Key(k), DefaultPerm, testBackOff())
	if err != nil {
		os.Exit(3)
	}
	if ok, err := sem.TryAcquire(); err != nil || !ok {
		os.Exit(4)
	}
	if v, err := sem.Value(); err != nil || v != 0 {
		os.Exit(5)
	}
	os.Exit(0)
}

func TestSysVTestSuite(t *testing.T) {
	suite.Run(t, new(SysVTestSuite))
}
