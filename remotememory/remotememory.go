// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotememory provides access to the memory space of a profiled
// process. The io.ReaderAt interface is used for the basic access, and
// convenience functions are provided for reading specific data types.
//
// Reads never fault the calling process: a failure to read the requested
// range is reported as an error (or as a zero value from the convenience
// readers), even for wild addresses.
package remotememory // import "github.com/pulseprof/pulseprof/remotememory"

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/zeebo/xxh3"
)

// Address is an address in the profiled process' virtual memory.
type Address uint64

// Hash32 returns a 32 bit hash of the address, usable as an LRU hasher.
func (a Address) Hash32() uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(a))
	return uint32(xxh3.Hash(buf[:]))
}

// RemoteMemory wraps an io.ReaderAt with typed accessors for the remote
// address space.
type RemoteMemory struct {
	io.ReaderAt
}

// Valid determines if this RemoteMemory contains a usable reference to the
// target process.
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills p with data from remote memory at addr. Partial reads are
// reported as errors.
func (rm RemoteMemory) Read(addr Address, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// ReadPtr reads a native pointer from remote memory.
func (rm RemoteMemory) ReadPtr(addr Address) (Address, error) {
	v, err := rm.ReadUint64(addr)
	return Address(v), err
}

// ReadUint8 reads an 8-bit unsigned integer from remote memory.
func (rm RemoteMemory) ReadUint8(addr Address) (uint8, error) {
	var buf [1]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// ReadUint16 reads a 16-bit unsigned integer from remote memory.
func (rm RemoteMemory) ReadUint16(addr Address) (uint16, error) {
	var buf [2]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// ReadUint32 reads a 32-bit unsigned integer from remote memory.
func (rm RemoteMemory) ReadUint32(addr Address) (uint32, error) {
	var buf [4]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadUint64 reads a 64-bit unsigned integer from remote memory.
func (rm RemoteMemory) ReadUint64(addr Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Ptr reads a native pointer from remote memory, or 0 on failure.
func (rm RemoteMemory) Ptr(addr Address) Address {
	v, _ := rm.ReadPtr(addr)
	return v
}

// Uint8 reads an 8-bit unsigned integer from remote memory, or 0 on failure.
func (rm RemoteMemory) Uint8(addr Address) uint8 {
	v, _ := rm.ReadUint8(addr)
	return v
}

// Uint16 reads a 16-bit unsigned integer from remote memory, or 0 on failure.
func (rm RemoteMemory) Uint16(addr Address) uint16 {
	v, _ := rm.ReadUint16(addr)
	return v
}

// Uint32 reads a 32-bit unsigned integer from remote memory, or 0 on failure.
func (rm RemoteMemory) Uint32(addr Address) uint32 {
	v, _ := rm.ReadUint32(addr)
	return v
}

// Uint64 reads a 64-bit unsigned integer from remote memory, or 0 on failure.
func (rm RemoteMemory) Uint64(addr Address) uint64 {
	v, _ := rm.ReadUint64(addr)
	return v
}

// String reads a zero terminated string from remote memory. The read is
// bounded to 1024 bytes; longer or unterminated data yields "".
func (rm RemoteMemory) String(addr Address) string {
	buf := make([]byte, 1024)
	n, err := rm.ReadAt(buf, int64(addr))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	buf = buf[:n]
	if zeroIdx := bytes.IndexByte(buf, 0); zeroIdx >= 0 {
		return string(buf[:zeroIdx])
	}
	return ""
}

// StringPtr reads a zero terminated string by first dereferencing a string
// pointer from target memory.
func (rm RemoteMemory) StringPtr(addr Address) string {
	addr = rm.Ptr(addr)
	if addr == 0 {
		return ""
	}
	return rm.String(addr)
}
