// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "github.com/pulseprof/pulseprof/remotememory"

import (
	"fmt"
	"io"
)

// Image is a sparse, immutable-after-setup snapshot of an address space.
// It backs RemoteMemory in tests and when replaying captured memory dumps:
// reads inside a mapped segment succeed exactly, everything else fails the
// same way an unreadable live address would.
type Image struct {
	segments []segment
}

type segment struct {
	start Address
	data  []byte
}

// Map places data at addr. Overlapping segments are not merged; the first
// mapped segment containing an address wins.
func (img *Image) Map(addr Address, data []byte) {
	img.segments = append(img.segments, segment{start: addr, data: data})
}

// MapString places a zero terminated copy of s at addr.
func (img *Image) MapString(addr Address, s string) {
	img.Map(addr, append([]byte(s), 0))
}

func (img *Image) ReadAt(p []byte, off int64) (int, error) {
	want := Address(off)
	for _, seg := range img.segments {
		if want < seg.start || want >= seg.start+Address(len(seg.data)) {
			continue
		}
		n := copy(p, seg.data[want-seg.start:])
		if n < len(p) {
			return n, io.EOF
		}
		return n, nil
	}
	return 0, fmt.Errorf("unmapped address 0x%x", off)
}

// Memory returns a RemoteMemory view of the image.
func (img *Image) Memory() RemoteMemory {
	return RemoteMemory{ReaderAt: img}
}
