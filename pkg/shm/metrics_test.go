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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"
)

type MetricsTestSuite struct {
	suite.Suite
	promReg *prometheus.Registry
	metrics *Metrics
	reg     *MemoryRegistry
}

func (s *MetricsTestSuite) SetupTest() {
	s.promReg = prometheus.NewRegistry()
	s.metrics = NewMetrics(s.promReg)
	s.reg = NewMemoryRegistry()
}

func (s *MetricsTestSuite) TestChannelOperations() {
	name := "metrics-" + uuid.NewString()
	a, err := Open(name, 4, WithRegistry(s.reg), WithMetrics(s.metrics))
	s.Require().NoError(err)
	b, err := Open(name, 4, WithRegistry(s.reg), WithMetrics(s.metrics))
	s.Require().NoError(err)

	s.Require().Equal(2.0, testutil.ToFloat64(s.metrics.Opens))
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.SegmentsCreated))
	s.Require().Equal(2.0, testutil.ToFloat64(s.metrics.Attached))

	ok, err := a.TryWrite([]byte{1, 2, 3, 4}, time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)
	_, err = a.TryWrite([]byte{1}, time.Second)
	s.Require().Error(err)

	ok, err = a.Lock(time.Second)
	s.Require().NoError(err)
	s.Require().True(ok)
	ok, err = b.TryRead(make([]byte, 4), 10*time.Millisecond)
	s.Require().NoError(err)
	s.Require().False(ok)
	s.Require().NoError(a.Unlock())

	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues(opWrite, resultOK)))
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues(opWrite, resultError)))
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.Operations.WithLabelValues(opRead, resultTimeout)))
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.LockTimeouts.WithLabelValues("blocking")))

	var m dto.Metric
	h := s.metrics.LockWait.WithLabelValues("blocking").(prometheus.Histogram)
	s.Require().NoError(h.Write(&m))
	s.Require().Equal(uint64(2), m.GetHistogram().GetSampleCount())

	s.Require().NoError(a.Close())
	s.Require().NoError(b.Close())
	s.Require().Equal(2.0, testutil.ToFloat64(s.metrics.Closes))
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.Cleanups))
	s.Require().Equal(0.0, testutil.ToFloat64(s.metrics.Attached))

	n, err := testutil.GatherAndCount(s.promReg, "shmchan_opens_total", "shmchan_cleanups_total")
	s.Require().NoError(err)
	s.Require().Equal(2, n)
}

func (s *MetricsTestSuite) TestNilMetrics() {
	var m *Metrics
	s.Require().NotPanics(func() {
		m.operation(opRead, resultOK)
		m.lockWait(WaitBusyPoll, time.Millisecond)
		m.lockTimeout(WaitBusyPoll)
		m.opened(true)
		m.closed(true)
	})
}

func TestMetricsTestSuite(t *testing.T) {
	suite.Run(t, new(MetricsTestSuite))
}
