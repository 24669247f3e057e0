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

// Package transport adapts shared-memory channels to a send/receive
// transport interface.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srediag/shmchan/pkg/shm"
)

// Transport defines the interface for all communication transports.
type Transport interface {
	// Start the transport (e.g., listen, connect, etc.)
	Start() error
	// Stop the transport and clean up resources.
	Stop() error
	// Send data over the transport.
	Send(data []byte) error
	// Receive data from the transport.
	Receive() ([]byte, error)
}

var (
	ErrNotStarted = errors.New("transport: not started")
	ErrTimeout    = errors.New("transport: lock wait timed out")
	// ErrNoData is returned by Receive when nothing was sent since the
	// previous Receive.
	ErrNoData   = errors.New("transport: no new data")
	ErrTooLarge = errors.New("transport: message exceeds capacity")
)

// header is a uint32 sequence number and a uint32 length, little-endian.
const header = 8

// Config of a ShmTransport.
type Config struct {
	Name           string
	Capacity       int
	SendTimeout    time.Duration
	ReceiveTimeout time.Duration
	Options        []shm.Option
}

// ShmTransport carries the latest message through a channel. A Send
// overwrites the previous message whether or not it was received; there is
// no queue.
type ShmTransport struct {
	cfg Config

	mu      sync.Mutex
	ch      *shm.Channel
	lastSeq uint32
}

var _ Transport = (*ShmTransport)(nil)

func NewShmTransport(cfg Config) *ShmTransport {
	return &ShmTransport{cfg: cfg}
}

// Start opens the channel. Starting twice is a no-op.
func (t *ShmTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		return nil
	}
	if t.cfg.Capacity <= 0 {
		return fmt.Errorf("transport: capacity must be positive")
	}
	ch, err := shm.Open(t.cfg.Name, t.cfg.Capacity+header, t.cfg.Options...)
	if err != nil {
		return err
	}
	if ch.Size() != t.cfg.Capacity+header {
		_ = ch.Close()
		return &shm.SizeMismatchError{Want: t.cfg.Capacity + header, Got: ch.Size()}
	}
	t.ch = ch
	return nil
}

func (t *ShmTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return nil
	}
	err := t.ch.Close()
	t.ch = nil
	return err
}

func (t *ShmTransport) channel() (*shm.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		return nil, ErrNotStarted
	}
	return t.ch, nil
}

func (t *ShmTransport) Send(data []byte) error {
	if len(data) > t.cfg.Capacity {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), t.cfg.Capacity)
	}
	ch, err := t.channel()
	if err != nil {
		return err
	}
	ok, err := ch.Update(t.cfg.SendTimeout, func(view []byte) {
		seq := binary.LittleEndian.Uint32(view) + 1
		if seq == 0 {
			seq = 1
		}
		binary.LittleEndian.PutUint32(view, seq)
		binary.LittleEndian.PutUint32(view[4:], uint32(len(data)))
		n := copy(view[header:], data)
		clear(view[header+n:])
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrTimeout
	}
	return nil
}

func (t *ShmTransport) Receive() ([]byte, error) {
	ch, err := t.channel()
	if err != nil {
		return nil, err
	}
	var (
		seq uint32
		out []byte
	)
	ok, err := ch.Update(t.cfg.ReceiveTimeout, func(view []byte) {
		seq = binary.LittleEndian.Uint32(view)
		n := int(binary.LittleEndian.Uint32(view[4:]))
		if n > len(view)-header {
			n = len(view) - header
		}
		out = append([]byte(nil), view[header:header+n]...)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if seq == 0 || seq == t.lastSeq {
		return nil, ErrNoData
	}
	t.lastSeq = seq
	return out, nil
}
