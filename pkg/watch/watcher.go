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

// Package watch polls a shared-memory channel on a fixed period and fans the
// snapshots out to subscribers.
package watch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Poll and Run after Close.
	ErrClosed = errors.New("watch: watcher closed")
	// ErrTimeout is returned by Poll when no snapshot arrives in time.
	ErrTimeout = errors.New("watch: poll timed out")
)

// Source is what a Watcher reads. *shm.Channel implements it.
type Source interface {
	Name() string
	Size() int
	TryRead(out []byte, timeout time.Duration) (bool, error)
}

// Snapshot is one successful read of the source. Data must not be modified.
type Snapshot struct {
	Seq     uint64
	Time    time.Time
	Data    []byte
	Changed bool
}

// Handler receives snapshots whose bytes differ from the previous read.
type Handler func(Snapshot)

// Config tunes a Watcher.
type Config struct {
	// Period is the read cycle.
	Period time.Duration
	// ReadTimeout bounds each read's lock wait. A value <= 0 waits for the
	// lock however long it is held, like shm.WaitForever.
	ReadTimeout time.Duration
	// Capacity is the number of snapshots kept for Poll; the oldest is
	// dropped when full. Rounded up to a power of two.
	Capacity uint64
	// Workers bounds concurrent handler calls.
	Workers int
	Logger  *zap.Logger
}

// DefaultConfig mirrors a 500ms poll with a 30ms lock wait.
func DefaultConfig() Config {
	return Config{
		Period:      500 * time.Millisecond,
		ReadTimeout: 30 * time.Millisecond,
		Capacity:    64,
		Workers:     4,
	}
}

// Stats counts reads since the watcher started.
type Stats struct {
	Reads   uint64
	Misses  uint64
	Changes uint64
	Dropped uint64
}

// Watcher reads a Source every period.
type Watcher struct {
	src  Source
	cfg  Config
	log  *zap.Logger
	ring *queue.RingBuffer
	pool *ants.Pool

	mu       sync.RWMutex
	handlers []Handler
	last     []byte

	seq     atomic.Uint64
	reads   atomic.Uint64
	misses  atomic.Uint64
	changes atomic.Uint64
	dropped atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// New returns a watcher over src. Call Run to start reading.
func New(src Source, cfg Config) (*Watcher, error) {
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("watch: period must be positive")
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("channel", src.Name()))
	pool, err := ants.NewPool(cfg.Workers, ants.WithPanicHandler(func(p interface{}) {
		log.Error("snapshot handler panicked", zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("watch: worker pool: %w", err)
	}
	return &Watcher{
		src:  src,
		cfg:  cfg,
		log:  log,
		ring: queue.NewRingBuffer(cfg.Capacity),
		pool: pool,
		done: make(chan struct{}),
	}, nil
}

// Subscribe registers h for changed snapshots.
func (w *Watcher) Subscribe(h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Run reads the source every period until ctx ends or the watcher is
// closed. A read fault of the source stops Run with that error.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	buf := make([]byte, w.src.Size())
	cycle := NewCycle(w.cfg.Period)
	for {
		select {
		case <-w.done:
			return nil
		default:
		}
		if err := w.tick(buf); err != nil {
			return err
		}
		if err := cycle.Wait(ctx); err != nil {
			select {
			case <-w.done:
				return nil
			default:
				return err
			}
		}
	}
}

func (w *Watcher) tick(buf []byte) error {
	ok, err := w.src.TryRead(buf, w.cfg.ReadTimeout)
	if err != nil {
		w.log.Error("read failed", zap.Error(err))
		return err
	}
	if !ok {
		w.misses.Add(1)
		w.log.Debug("read timed out", zap.Duration("timeout", w.cfg.ReadTimeout))
		return nil
	}
	w.reads.Add(1)

	w.mu.Lock()
	changed := w.last == nil || !bytes.Equal(buf, w.last)
	snap := Snapshot{
		Seq:     w.seq.Add(1),
		Time:    time.Now(),
		Data:    bytes.Clone(buf),
		Changed: changed,
	}
	if changed {
		w.last = snap.Data
	}
	handlers := w.handlers
	w.mu.Unlock()

	w.push(snap)
	if !changed {
		return nil
	}
	w.changes.Add(1)
	for _, h := range handlers {
		if err := w.pool.Submit(func() { h(snap) }); err != nil {
			w.log.Warn("dispatch failed", zap.Uint64("seq", snap.Seq), zap.Error(err))
		}
	}
	return nil
}

func (w *Watcher) push(snap Snapshot) {
	for {
		ok, err := w.ring.Offer(snap)
		if err != nil || ok {
			return
		}
		// full: drop the oldest snapshot
		if _, err := w.ring.Poll(time.Nanosecond); err == nil {
			w.dropped.Add(1)
		}
	}
}

// Poll returns the oldest buffered snapshot, waiting up to timeout. A
// timeout <= 0 waits until a snapshot arrives or the watcher closes.
func (w *Watcher) Poll(timeout time.Duration) (Snapshot, error) {
	item, err := w.ring.Poll(timeout)
	switch {
	case errors.Is(err, queue.ErrDisposed):
		return Snapshot{}, ErrClosed
	case errors.Is(err, queue.ErrTimeout):
		return Snapshot{}, ErrTimeout
	case err != nil:
		return Snapshot{}, err
	}
	return item.(Snapshot), nil
}

// Len is the number of buffered snapshots.
func (w *Watcher) Len() int {
	return int(w.ring.Len())
}

func (w *Watcher) Stats() Stats {
	return Stats{
		Reads:   w.reads.Load(),
		Misses:  w.misses.Load(),
		Changes: w.changes.Load(),
		Dropped: w.dropped.Load(),
	}
}

// Close stops Run after its current cycle, wakes pollers with ErrClosed and
// waits for running handlers. It does not close the source.
func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.ring.Dispose()
		if err := w.pool.ReleaseTimeout(5 * time.Second); err != nil {
			w.log.Warn("handlers still running after close", zap.Error(err))
		}
	})
	return nil
}
