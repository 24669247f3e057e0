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

	"github.com/valyala/bytebufferpool"
)

// Typed is a Channel carrying values of T through a Codec. Values are
// encoded outside the lock; only the byte copy happens while holding it.
type Typed[T any] struct {
	ch    *Channel
	codec Codec[T]
}

// NewTyped binds codec to ch. The codec frame must match the channel size.
func NewTyped[T any](ch *Channel, codec Codec[T]) (*Typed[T], error) {
	if codec.Size() != ch.Size() {
		return nil, &SizeMismatchError{Want: ch.Size(), Got: codec.Size()}
	}
	return &Typed[T]{ch: ch, codec: codec}, nil
}

// OpenTyped opens name sized for codec and binds them. If the channel
// already exists with another size, it is closed again and a
// *SizeMismatchError is returned.
func OpenTyped[T any](name string, codec Codec[T], opts ...Option) (*Typed[T], error) {
	ch, err := Open(name, codec.Size(), opts...)
	if err != nil {
		return nil, err
	}
	t, err := NewTyped(ch, codec)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return t, nil
}

func (t *Typed[T]) Channel() *Channel { return t.ch }

// TryWrite encodes v and writes it within timeout.
func (t *Typed[T]) TryWrite(v T, timeout time.Duration) (bool, error) {
	buf := scratch(t.codec.Size())
	defer bytebufferpool.Put(buf)
	if err := t.codec.Encode(buf.B, v); err != nil {
		return false, err
	}
	return t.ch.TryWrite(buf.B, timeout)
}

// TryRead reads and decodes a value within timeout. On timeout it returns
// the zero T and false.
func (t *Typed[T]) TryRead(timeout time.Duration) (T, bool, error) {
	var zero T
	buf := scratch(t.codec.Size())
	defer bytebufferpool.Put(buf)
	ok, err := t.ch.TryRead(buf.B, timeout)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := t.codec.Decode(buf.B)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

func (t *Typed[T]) Close() error { return t.ch.Close() }

func scratch(n int) *bytebufferpool.ByteBuffer {
	buf := bytebufferpool.Get()
	if cap(buf.B) < n {
		buf.B = make([]byte, n)
	} else {
		buf.B = buf.B[:n]
	}
	return buf
}
