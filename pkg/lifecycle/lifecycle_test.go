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

package lifecycle

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmchan/pkg/shm"
)

type LifecycleTestSuite struct {
	suite.Suite
	reg *shm.MemoryRegistry
	m   *Manager
}

func (s *LifecycleTestSuite) SetupTest() {
	s.reg = shm.NewMemoryRegistry()
	s.m = NewManager(nil, shm.WithRegistry(s.reg))
}

func (s *LifecycleTestSuite) TearDownTest() {
	s.Require().NoError(s.m.CloseAll())
}

func (s *LifecycleTestSuite) TestOpenIsIdempotent() {
	name := "lc-" + uuid.NewString()
	a, err := s.m.Open(name, 8)
	s.Require().NoError(err)
	b, err := s.m.Open(name, 8)
	s.Require().NoError(err)
	s.Require().Same(a, b)

	got, ok := s.m.Get(name)
	s.Require().True(ok)
	s.Require().Same(a, got)

	state, err := s.m.State(name)
	s.Require().NoError(err)
	s.Require().Equal(StateOpen, state)
}

func (s *LifecycleTestSuite) TestCloseAndReopen() {
	name := "lc-" + uuid.NewString()
	ch, err := s.m.Open(name, 8)
	s.Require().NoError(err)
	ok, err := ch.TryWrite([]byte("persists"), time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Require().NoError(s.m.Close(name))
	s.Require().NoError(s.m.Close(name))
	state, err := s.m.State(name)
	s.Require().NoError(err)
	s.Require().Equal(StateClosed, state)
	_, ok = s.m.Get(name)
	s.Require().False(ok)

	// sole holder closed: reopen starts from a fresh segment
	ch, err = s.m.Reopen(name)
	s.Require().NoError(err)
	s.Require().True(ch.Created())
	out := make([]byte, 8)
	_, err = ch.TryRead(out, time.Second)
	s.Require().NoError(err)
	s.Require().Equal(make([]byte, 8), out)

	infos := s.m.List()
	s.Require().Len(infos, 1)
	s.Require().Equal(2, infos[0].Opened)
	s.Require().Equal(8, infos[0].Size)
}

func (s *LifecycleTestSuite) TestUnknownChannel() {
	_, err := s.m.State("missing")
	s.Require().ErrorIs(err, ErrUnknownChannel)
	s.Require().ErrorIs(s.m.Close("missing"), ErrUnknownChannel)
	_, err = s.m.Reopen("missing")
	s.Require().ErrorIs(err, ErrUnknownChannel)
}

func (s *LifecycleTestSuite) TestOpenFailure() {
	_, err := s.m.Open("lc-"+uuid.NewString(), 0)
	s.Require().ErrorIs(err, shm.ErrResource)
	s.Require().ErrorIs(err, shm.ErrNotExist)
	s.Require().Empty(s.m.List())
}

func (s *LifecycleTestSuite) TestCloseAll() {
	names := []string{"lc-" + uuid.NewString(), "lc-" + uuid.NewString()}
	for _, n := range names {
		_, err := s.m.Open(n, 4)
		s.Require().NoError(err)
	}
	s.Require().NoError(s.m.CloseAll())
	for _, n := range names {
		state, err := s.m.State(n)
		s.Require().NoError(err)
		s.Require().Equal(StateClosed, state)
		_, err = s.reg.StatSegment(n)
		s.Require().ErrorIs(err, shm.ErrNotExist)
	}
}

func (s *LifecycleTestSuite) TestOpenWithKeepsOptionsAcrossReopen() {
	name := "lc-" + uuid.NewString()
	ch, err := s.m.OpenWith(name, 4, shm.WithLockName(name+"-lock"))
	s.Require().NoError(err)
	s.Require().Equal(name+"-lock", ch.LockName())

	ch, err = s.m.Reopen(name)
	s.Require().NoError(err)
	s.Require().Equal(name+"-lock", ch.LockName())
}

func TestLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(LifecycleTestSuite))
}
