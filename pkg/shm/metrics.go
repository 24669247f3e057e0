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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK      = "ok"
	resultTimeout = "timeout"
	resultError   = "error"
)

// Metrics holds the Prometheus collectors of channels. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Channel operations
	Operations *prometheus.CounterVec

	// Lock metrics
	LockWait     *prometheus.HistogramVec
	LockTimeouts *prometheus.CounterVec

	// Lifecycle metrics
	Opens           prometheus.Counter
	SegmentsCreated prometheus.Counter
	Closes          prometheus.Counter
	Cleanups        prometheus.Counter
	Attached        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmchan_operations_total",
				Help: "Channel operations by kind and result",
			},
			[]string{"op", "result"},
		),
		LockWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shmchan_lock_wait_seconds",
				Help:    "Time spent acquiring the channel lock",
				Buckets: []float64{.00001, .0001, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"strategy"},
		),
		LockTimeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmchan_lock_timeouts_total",
				Help: "Lock acquisitions that gave up at their deadline",
			},
			[]string{"strategy"},
		),
		Opens: f.NewCounter(
			prometheus.CounterOpts{
				Name: "shmchan_opens_total",
				Help: "Channels opened",
			},
		),
		SegmentsCreated: f.NewCounter(
			prometheus.CounterOpts{
				Name: "shmchan_segments_created_total",
				Help: "Opens that created the segment",
			},
		),
		Closes: f.NewCounter(
			prometheus.CounterOpts{
				Name: "shmchan_closes_total",
				Help: "Channels closed",
			},
		),
		Cleanups: f.NewCounter(
			prometheus.CounterOpts{
				Name: "shmchan_cleanups_total",
				Help: "Closes that removed the segment and lock as last detacher",
			},
		),
		Attached: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "shmchan_channels_attached",
				Help: "Channels currently open in this process",
			},
		),
	}
}

func (m *Metrics) operation(op, result string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) lockWait(strategy WaitStrategy, d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.WithLabelValues(strategy.String()).Observe(d.Seconds())
}

func (m *Metrics) lockTimeout(strategy WaitStrategy) {
	if m == nil {
		return
	}
	m.LockTimeouts.WithLabelValues(strategy.String()).Inc()
}

func (m *Metrics) opened(created bool) {
	if m == nil {
		return
	}
	m.Opens.Inc()
	if created {
		m.SegmentsCreated.Inc()
	}
	m.Attached.Inc()
}

func (m *Metrics) closed(cleaned bool) {
	if m == nil {
		return
	}
	m.Closes.Inc()
	if cleaned {
		m.Cleanups.Inc()
	}
	m.Attached.Dec()
}
