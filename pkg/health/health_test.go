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

package health

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmchan/pkg/shm"
)

type HealthTestSuite struct {
	suite.Suite
	reg *shm.MemoryRegistry
	ch  *shm.Channel
}

func (s *HealthTestSuite) SetupTest() {
	s.reg = shm.NewMemoryRegistry()
	ch, err := shm.Open("health-"+uuid.NewString(), 8, shm.WithRegistry(s.reg))
	s.Require().NoError(err)
	s.ch = ch
}

func (s *HealthTestSuite) TearDownTest() {
	s.Require().NoError(s.ch.Close())
}

func (s *HealthTestSuite) status(h http.Handler, path string) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code
}

func (s *HealthTestSuite) TestLockCheck() {
	check := LockCheck(s.ch, 20*time.Millisecond)
	s.Require().NoError(check())

	holder, err := shm.Open(s.ch.Name(), 8, shm.WithRegistry(s.reg))
	s.Require().NoError(err)
	defer holder.Close()
	ok, err := holder.Lock(time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().Error(check())
	s.Require().NoError(holder.Unlock())
	s.Require().NoError(check())
}

func (s *HealthTestSuite) TestSegmentCheck() {
	check := SegmentCheck(s.ch)
	s.Require().NoError(check())
	s.Require().NoError(s.reg.RemoveSegment(s.ch.Name()))
	s.Require().Error(check())
}

func (s *HealthTestSuite) TestMonitorEndpoints() {
	promReg := prometheus.NewRegistry()
	m := NewMonitor(promReg, 20*time.Millisecond)
	m.Watch(s.ch)
	h := m.Handler()

	s.Require().Equal(http.StatusOK, s.status(h, "/live"))
	s.Require().Equal(http.StatusOK, s.status(h, "/ready"))

	n, err := testutil.GatherAndCount(promReg, "shmchan_healthcheck_status")
	s.Require().NoError(err)
	s.Require().Equal(2, n)

	s.Require().NoError(s.reg.RemoveSegment(s.ch.Name()))
	s.Require().Equal(http.StatusServiceUnavailable, s.status(h, "/ready"))
	s.Require().Equal(http.StatusOK, s.status(h, "/live"))
}

func (s *HealthTestSuite) TestMonitorWithoutMetrics() {
	m := NewMonitor(nil, 20*time.Millisecond)
	m.Watch(s.ch)
	s.Require().NoError(s.ch.Close())
	s.Require().Equal(http.StatusServiceUnavailable, s.status(m.Handler(), "/live"))
}

func TestHealthTestSuite(t *testing.T) {
	suite.Run(t, new(HealthTestSuite))
}
