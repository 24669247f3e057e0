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

package watch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmchan/pkg/shm"
)

type faultySource struct {
	err error
}

func (f *faultySource) Name() string { return "faulty" }
func (f *faultySource) Size() int    { return 1 }
func (f *faultySource) TryRead([]byte, time.Duration) (bool, error) {
	return false, f.err
}

type WatchTestSuite struct {
	suite.Suite
	ch *shm.Channel
}

func (s *WatchTestSuite) SetupTest() {
	ch, err := shm.Open("watch-"+uuid.NewString(), 4, shm.WithRegistry(shm.NewMemoryRegistry()))
	s.Require().NoError(err)
	s.ch = ch
}

func (s *WatchTestSuite) TearDownTest() {
	s.Require().NoError(s.ch.Close())
}

func (s *WatchTestSuite) write(b ...byte) {
	ok, err := s.ch.TryWrite(b, time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)
}

func (s *WatchTestSuite) TestCycle() {
	c := NewCycle(40 * time.Millisecond)
	start := time.Now()
	s.Require().NoError(c.Wait(context.Background()))
	s.Require().GreaterOrEqual(time.Since(start), 40*time.Millisecond)

	// an overrun cycle does not sleep
	c = NewCycle(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	s.Require().Zero(c.Remaining())
	start = time.Now()
	s.Require().NoError(c.Wait(context.Background()))
	s.Require().Less(time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c = NewCycle(time.Hour)
	s.Require().ErrorIs(c.Wait(ctx), context.Canceled)
}

func (s *WatchTestSuite) TestSubscribersSeeChanges() {
	cfg := DefaultConfig()
	cfg.Period = 5 * time.Millisecond
	w, err := New(s.ch, cfg)
	s.Require().NoError(err)

	var (
		mu   sync.Mutex
		seen [][]byte
	)
	changed := make(chan struct{}, 16)
	w.Subscribe(func(snap Snapshot) {
		mu.Lock()
		seen = append(seen, snap.Data)
		mu.Unlock()
		changed <- struct{}{}
	})

	errc := make(chan error, 1)
	go func() { errc <- w.Run(context.Background()) }()

	waitChange := func() {
		select {
		case <-changed:
		case <-time.After(2 * time.Second):
			s.FailNow("no change delivered")
		}
	}
	waitChange()
	s.write(1, 2, 3, 4)
	waitChange()

	s.Require().NoError(w.Close())
	s.Require().NoError(<-errc)

	mu.Lock()
	defer mu.Unlock()
	s.Require().Equal([]byte{0, 0, 0, 0}, seen[0])
	s.Require().Equal([]byte{1, 2, 3, 4}, seen[1])
	st := w.Stats()
	s.Require().GreaterOrEqual(st.Reads, uint64(2))
	s.Require().Equal(uint64(2), st.Changes)
}

func (s *WatchTestSuite) TestPollAndOverflow() {
	cfg := DefaultConfig()
	cfg.Period = time.Millisecond
	cfg.Capacity = 2
	w, err := New(s.ch, cfg)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	s.Require().Eventually(func() bool { return w.Stats().Dropped > 0 }, 2*time.Second, time.Millisecond)
	cancel()
	s.Require().ErrorIs(<-errc, context.Canceled)

	first, err := w.Poll(time.Second)
	s.Require().NoError(err)
	second, err := w.Poll(time.Second)
	s.Require().NoError(err)
	s.Require().Less(first.Seq, second.Seq)
	s.Require().Greater(first.Seq, uint64(1), "oldest snapshots were dropped")

	_, err = w.Poll(10 * time.Millisecond)
	s.Require().ErrorIs(err, ErrTimeout)

	s.Require().NoError(w.Close())
	_, err = w.Poll(10 * time.Millisecond)
	s.Require().ErrorIs(err, ErrClosed)
	s.Require().NoError(w.Close())
}

func (s *WatchTestSuite) TestMissesWhileLocked() {
	cfg := DefaultConfig()
	cfg.Period = 2 * time.Millisecond
	cfg.ReadTimeout = time.Millisecond
	w, err := New(s.ch, cfg)
	s.Require().NoError(err)
	defer w.Close()

	ok, err := s.ch.Lock(time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	s.Require().Eventually(func() bool { return w.Stats().Misses >= 3 }, 2*time.Second, time.Millisecond)
	s.Require().Zero(w.Stats().Reads)
	cancel()
	<-errc
	s.Require().NoError(s.ch.Unlock())
}

func (s *WatchTestSuite) TestZeroReadTimeoutWaitsForLock() {
	cfg := DefaultConfig()
	cfg.Period = 2 * time.Millisecond
	cfg.ReadTimeout = 0
	w, err := New(s.ch, cfg)
	s.Require().NoError(err)
	defer w.Close()

	ok, err := s.ch.Lock(time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	s.Require().Zero(w.Stats().Reads)

	s.Require().NoError(s.ch.Unlock())
	s.Require().Eventually(func() bool { return w.Stats().Reads >= 1 }, 2*time.Second, time.Millisecond)
	s.Require().Zero(w.Stats().Misses)
	cancel()
	<-errc
}

func (s *WatchTestSuite) TestReadFaultStopsRun() {
	boom := errors.New("boom")
	w, err := New(&faultySource{err: boom}, DefaultConfig())
	s.Require().NoError(err)
	defer w.Close()
	s.Require().ErrorIs(w.Run(context.Background()), boom)
}

func (s *WatchTestSuite) TestInvalidConfig() {
	_, err := New(s.ch, Config{})
	s.Require().Error(err)
}

func TestWatchTestSuite(t *testing.T) {
	suite.Run(t, new(WatchTestSuite))
}
