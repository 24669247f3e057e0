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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRCTableMatchesReference(t *testing.T) {
	// leading and trailing entries of the MSB-first 0x04C11DB7 table
	assert.Equal(t, uint32(0x00000000), crcTable[0])
	assert.Equal(t, uint32(0x04C11DB7), crcTable[1])
	assert.Equal(t, uint32(0x09823B6E), crcTable[2])
	assert.Equal(t, uint32(0x34867077), crcTable[64])
	assert.Equal(t, uint32(0x690CE0EE), crcTable[128])
	assert.Equal(t, uint32(0xB1F740B4), crcTable[255])
}

func TestDeriveKey(t *testing.T) {
	// CRC-32/MPEG-2 check value
	require.Equal(t, Key(0x0376E6E7), DeriveKeyString("123456789"))
	require.Equal(t, Key(0xffffffff), DeriveKey(nil))

	a := DeriveKeyString("telemetry")
	b := DeriveKey([]byte("telemetry"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DeriveKeyString("telemetry_MTX"))
	assert.NotEqual(t, DeriveKeyString("ab"), DeriveKeyString("ba"))
}

func TestKeyIPC(t *testing.T) {
	assert.Equal(t, -1, Key(0xffffffff).IPC())
	assert.Equal(t, 0x0376E6E7, Key(0x0376E6E7).IPC())
	assert.Equal(t, "0x0376e6e7", Key(0x0376E6E7).String())
}
