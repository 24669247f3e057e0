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

import "fmt"

// Key is the System V IPC key derived from a channel name.
type Key uint32

// IPC returns the key as the signed key_t value handed to the kernel.
func (k Key) IPC() int {
	return int(int32(k))
}

func (k Key) String() string {
	return fmt.Sprintf("0x%08x", uint32(k))
}

// crcPoly is the CRC-32 generator polynomial in MSB-first form.
const crcPoly = 0x04C11DB7

var crcTable = makeCRCTable(crcPoly)

func makeCRCTable(poly uint32) *[256]uint32 {
	t := new([256]uint32)
	for i := range t {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ poly
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}

// DeriveKey maps a name to an IPC key with a non-reflected CRC-32
// (initial value 0xFFFFFFFF, no final xor). Processes written against the
// same scheme in other languages derive identical keys.
func DeriveKey(name []byte) Key {
	crc := uint32(0xffffffff)
	for _, b := range name {
		crc = crc<<8 ^ crcTable[byte(crc>>24)^b]
	}
	return Key(crc)
}

// DeriveKeyString is DeriveKey for string names.
func DeriveKeyString(name string) Key {
	return DeriveKey([]byte(name))
}
