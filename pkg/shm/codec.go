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
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/valyala/bytebufferpool"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts values of T to and from a fixed-size byte frame.
type Codec[T any] interface {
	// Size is the frame length. It must equal the channel size.
	Size() int
	// Encode writes v into dst, which is exactly Size bytes.
	Encode(dst []byte, v T) error
	// Decode reads a value from src, which is exactly Size bytes.
	Decode(src []byte) (T, error)
}

// BinaryCodec lays T out with encoding/binary: fixed-size fields, no
// padding, in the configured byte order. T must have a fixed size, such as a
// struct of numeric fields and arrays.
type BinaryCodec[T any] struct {
	order binary.ByteOrder
	size  int
}

// NewBinaryCodec returns a codec for T. A nil order means little-endian.
func NewBinaryCodec[T any](order binary.ByteOrder) (*BinaryCodec[T], error) {
	if order == nil {
		order = binary.LittleEndian
	}
	var zero T
	n := binary.Size(zero)
	if n <= 0 {
		return nil, fmt.Errorf("%w: %T has no fixed binary size", ErrInvalidConfig, zero)
	}
	return &BinaryCodec[T]{order: order, size: n}, nil
}

func (c *BinaryCodec[T]) Size() int { return c.size }

func (c *BinaryCodec[T]) Encode(dst []byte, v T) error {
	if len(dst) != c.size {
		return &SizeMismatchError{Want: c.size, Got: len(dst)}
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := binary.Write(buf, c.order, v); err != nil {
		return err
	}
	if buf.Len() != c.size {
		return &SizeMismatchError{Want: c.size, Got: buf.Len()}
	}
	copy(dst, buf.B)
	return nil
}

func (c *BinaryCodec[T]) Decode(src []byte) (T, error) {
	var v T
	if len(src) != c.size {
		return v, &SizeMismatchError{Want: c.size, Got: len(src)}
	}
	if err := binary.Read(bytes.NewReader(src), c.order, &v); err != nil {
		return v, err
	}
	return v, nil
}

const frameHeader = 4

// MsgpackCodec stores a msgpack-encoded T in a fixed frame: a little-endian
// uint32 body length, the body, then zero padding. An all-zero frame decodes
// to the zero T, so a freshly created channel reads as the zero value.
type MsgpackCodec[T any] struct {
	size int
}

// NewMsgpackCodec returns a codec with a frame of size bytes, of which
// size-4 are available to the encoded value.
func NewMsgpackCodec[T any](size int) (*MsgpackCodec[T], error) {
	if size <= frameHeader {
		return nil, fmt.Errorf("%w: msgpack frame of %d bytes leaves no room for a body", ErrInvalidConfig, size)
	}
	return &MsgpackCodec[T]{size: size}, nil
}

func (c *MsgpackCodec[T]) Size() int { return c.size }

func (c *MsgpackCodec[T]) Encode(dst []byte, v T) error {
	if len(dst) != c.size {
		return &SizeMismatchError{Want: c.size, Got: len(dst)}
	}
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	if err := msgpack.NewEncoder(buf).Encode(v); err != nil {
		return fmt.Errorf("msgpack encode: %w", err)
	}
	body := buf.B
	if len(body) > c.size-frameHeader {
		return &SizeMismatchError{Want: c.size - frameHeader, Got: len(body)}
	}
	binary.LittleEndian.PutUint32(dst, uint32(len(body)))
	n := copy(dst[frameHeader:], body)
	clear(dst[frameHeader+n:])
	return nil
}

func (c *MsgpackCodec[T]) Decode(src []byte) (T, error) {
	var v T
	if len(src) != c.size {
		return v, &SizeMismatchError{Want: c.size, Got: len(src)}
	}
	n := int(binary.LittleEndian.Uint32(src))
	if n == 0 {
		return v, nil
	}
	if n > c.size-frameHeader {
		return v, &SizeMismatchError{Want: c.size - frameHeader, Got: n}
	}
	if err := msgpack.Unmarshal(src[frameHeader:frameHeader+n], &v); err != nil {
		return v, fmt.Errorf("msgpack decode: %w", err)
	}
	return v, nil
}
