// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteMemoryReads(t *testing.T) {
	ptr := make([]byte, 8)
	binary.LittleEndian.PutUint64(ptr, 0x2000)

	var img Image
	img.Map(0x1000, ptr)
	img.MapString(0x2000, "profiled")
	img.Map(0x3000, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88})

	rm := img.Memory()
	require.True(t, rm.Valid())

	assert.Equal(t, Address(0x2000), rm.Ptr(0x1000))
	assert.Equal(t, "profiled", rm.String(0x2000))
	assert.Equal(t, "profiled", rm.StringPtr(0x1000))
	assert.Equal(t, uint8(0x11), rm.Uint8(0x3000))
	assert.Equal(t, uint16(0x2211), rm.Uint16(0x3000))
	assert.Equal(t, uint32(0x44332211), rm.Uint32(0x3000))
	assert.Equal(t, uint64(0x8877665544332211), rm.Uint64(0x3000))

	ptrVal, err := rm.ReadPtr(0x1000)
	require.NoError(t, err)
	assert.Equal(t, Address(0x2000), ptrVal)
	u32, err := rm.ReadUint32(0x3000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x44332211), u32)
}

func TestRemoteMemoryFailures(t *testing.T) {
	var img Image
	img.Map(0x1000, []byte{1, 2})

	rm := img.Memory()

	// Unmapped and partially mapped ranges read as zero values.
	assert.Equal(t, Address(0), rm.Ptr(0x9000))
	assert.Equal(t, uint32(0), rm.Uint32(0x1000))
	assert.Equal(t, "", rm.String(0x9000))
	assert.Equal(t, "", rm.StringPtr(0x9000))

	// The checked forms surface the failure instead.
	_, err := rm.ReadPtr(0x9000)
	assert.Error(t, err)
	_, err = rm.ReadUint32(0x1000)
	assert.Error(t, err)

	var buf [4]byte
	assert.Error(t, rm.Read(0x1000, buf[:]))
	assert.NoError(t, rm.Read(0x1000, buf[:2]))

	assert.False(t, RemoteMemory{}.Valid())
}

func TestUnterminatedString(t *testing.T) {
	var img Image
	img.Map(0x1000, []byte("no terminator"))

	rm := img.Memory()
	assert.Equal(t, "", rm.String(0x1000))
}

func TestAddressHash32(t *testing.T) {
	assert.NotEqual(t, Address(0x1000).Hash32(), Address(0x1008).Hash32())
}
