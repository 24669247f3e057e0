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

// Package health exposes liveness and readiness checks for shared-memory
// channels.
package health

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmchan/pkg/shm"
)

// LockCheck passes when the channel lock can be taken within timeout. A
// failing LockCheck means some holder keeps the lock for too long or died
// holding it without SEM_UNDO protection.
func LockCheck(ch *shm.Channel, timeout time.Duration) healthcheck.Check {
	return func() error {
		ok, err := ch.Lock(timeout)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("lock %s not acquired within %s", ch.LockName(), timeout)
		}
		return ch.Unlock()
	}
}

// SegmentCheck passes while the channel is open and its segment is not
// marked for removal.
func SegmentCheck(ch *shm.Channel) healthcheck.Check {
	return func() error {
		st, err := ch.Stat()
		if err != nil {
			return err
		}
		if st.Removed {
			return fmt.Errorf("segment %s (key %s) was removed", ch.Name(), st.Key)
		}
		return nil
	}
}

// Monitor collects checks for a set of channels behind one HTTP handler
// serving /live and /ready.
type Monitor struct {
	handler healthcheck.Handler
	timeout time.Duration
}

// NewMonitor returns a monitor whose lock checks wait up to lockTimeout. A
// non-nil reg also exports check results as Prometheus gauges.
func NewMonitor(reg prometheus.Registerer, lockTimeout time.Duration) *Monitor {
	var h healthcheck.Handler
	if reg != nil {
		h = healthcheck.NewMetricsHandler(reg, "shmchan")
	} else {
		h = healthcheck.NewHandler()
	}
	return &Monitor{handler: h, timeout: lockTimeout}
}

// Watch adds the lock check of ch to liveness and its segment check to
// readiness.
func (m *Monitor) Watch(ch *shm.Channel) {
	m.handler.AddLivenessCheck(ch.Name()+"-lock", healthcheck.Timeout(LockCheck(ch, m.timeout), 2*m.timeout+time.Second))
	m.handler.AddReadinessCheck(ch.Name()+"-segment", SegmentCheck(ch))
}

func (m *Monitor) Handler() healthcheck.Handler {
	return m.handler
}
