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
	"time"
)

// Cycle paces a loop to a fixed period: work that finishes early sleeps the
// rest of the period, work that overruns starts the next cycle immediately.
type Cycle struct {
	interval time.Duration
	base     time.Time
}

// NewCycle starts a cycle of interval at the current time.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{interval: interval, base: time.Now()}
}

// Restart begins a new cycle now.
func (c *Cycle) Restart() {
	c.base = time.Now()
}

// Elapsed is the time since the cycle began.
func (c *Cycle) Elapsed() time.Duration {
	return time.Since(c.base)
}

// Remaining is the part of the interval not yet used, or zero.
func (c *Cycle) Remaining() time.Duration {
	r := c.interval - c.Elapsed()
	if r < 0 {
		return 0
	}
	return r
}

// Wait sleeps out the remainder of the cycle and starts the next one. It
// returns ctx.Err() if ctx ends first.
func (c *Cycle) Wait(ctx context.Context) error {
	defer c.Restart()
	r := c.Remaining()
	if r == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
