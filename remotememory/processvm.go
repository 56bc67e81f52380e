// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "github.com/pulseprof/pulseprof/remotememory"

// ProcessVirtualMemory implements remote memory access using the
// process_vm_readv syscall family.
type ProcessVirtualMemory struct {
	pid int
}

// NewProcessVirtualMemory returns a ProcessVirtualMemory backed RemoteMemory
// for the given process.
func NewProcessVirtualMemory(pid int) RemoteMemory {
	return RemoteMemory{ReaderAt: ProcessVirtualMemory{pid}}
}
