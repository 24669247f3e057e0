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

// Package lifecycle keeps track of the shared-memory channels a process has
// open, so they can be reopened and closed together on shutdown.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"github.com/srediag/shmchan/pkg/shm"
)

// State of a managed channel.
type State string

const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// ErrUnknownChannel is returned for names the manager never opened.
var ErrUnknownChannel = errors.New("lifecycle: unknown channel")

// LifecycleManager defines the interface for channel lifecycle management.
type LifecycleManager interface {
	// Open opens a channel or returns the already open one.
	Open(name string, size int) (*shm.Channel, error)
	// Close closes a channel, leaving it known to the manager.
	Close(name string) error
	// Reopen closes and opens a channel again with its original size.
	Reopen(name string) (*shm.Channel, error)
	// State returns the current state of a channel.
	State(name string) (State, error)
}

// Info describes a managed channel.
type Info struct {
	Name   string
	Size   int
	State  State
	Since  time.Time
	Opened int
}

type entry struct {
	ch   *shm.Channel
	opts []shm.Option
	info Info
}

// Manager is a LifecycleManager over shm.Open.
type Manager struct {
	opts     []shm.Option
	log      *zap.Logger
	mu       sync.Mutex
	channels cmap.ConcurrentMap[string, *entry]
}

var _ LifecycleManager = (*Manager)(nil)

// NewManager returns a manager opening every channel with opts.
func NewManager(log *zap.Logger, opts ...shm.Option) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		opts:     opts,
		log:      log,
		channels: cmap.New[*entry](),
	}
}

func (m *Manager) Open(name string, size int) (*shm.Channel, error) {
	return m.OpenWith(name, size)
}

// OpenWith is Open with options applied after the manager's own. Reopen
// reuses them.
func (m *Manager) OpenWith(name string, size int, opts ...shm.Option) (*shm.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.channels.Get(name); ok && e.info.State == StateOpen {
		return e.ch, nil
	}
	return m.open(name, size, opts)
}

func (m *Manager) open(name string, size int, extra []shm.Option) (*shm.Channel, error) {
	opts := append(append([]shm.Option(nil), m.opts...), extra...)
	ch, err := shm.Open(name, size, opts...)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: open %q: %w", name, err)
	}
	opened := 1
	if prev, ok := m.channels.Get(name); ok {
		opened = prev.info.Opened + 1
	}
	m.channels.Set(name, &entry{
		ch:   ch,
		opts: extra,
		info: Info{
			Name:   name,
			Size:   ch.Size(),
			State:  StateOpen,
			Since:  time.Now(),
			Opened: opened,
		},
	})
	m.log.Info("channel opened", zap.String("channel", name), zap.Int("size", ch.Size()), zap.Bool("created", ch.Created()))
	return ch, nil
}

// Get returns the open channel called name.
func (m *Manager) Get(name string) (*shm.Channel, bool) {
	e, ok := m.channels.Get(name)
	if !ok || e.info.State != StateOpen {
		return nil, false
	}
	return e.ch, true
}

func (m *Manager) Close(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.close(name)
}

func (m *Manager) close(name string) error {
	e, ok := m.channels.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	if e.info.State == StateClosed {
		return nil
	}
	err := e.ch.Close()
	info := e.info
	info.State = StateClosed
	info.Since = time.Now()
	m.channels.Set(name, &entry{opts: e.opts, info: info})
	m.log.Info("channel closed", zap.String("channel", name), zap.Error(err))
	return err
}

func (m *Manager) Reopen(name string) (*shm.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.channels.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	if err := m.close(name); err != nil {
		m.log.Warn("close before reopen failed", zap.String("channel", name), zap.Error(err))
	}
	return m.open(name, e.info.Size, e.opts)
}

func (m *Manager) State(name string) (State, error) {
	e, ok := m.channels.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownChannel, name)
	}
	return e.info.State, nil
}

// List returns every channel the manager knows about.
func (m *Manager) List() []Info {
	out := make([]Info, 0, m.channels.Count())
	for _, e := range m.channels.Items() {
		out = append(out, e.info)
	}
	return out
}

// CloseAll closes every open channel and joins their errors.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, name := range m.channels.Keys() {
		if err := m.close(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
