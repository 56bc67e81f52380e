// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package pyruntime reads CPython interpreter data structures out of a
// remote address space: strings, integers, code objects and interpreter
// frames. All layout knowledge that varies between interpreter versions is
// collected here, selected once when the profiling session starts.
package pyruntime // import "github.com/pulseprof/pulseprof/pyruntime"

import (
	"fmt"

	"github.com/pulseprof/pulseprof/linetable"
)

// Version identifies the interpreter version as major*0x100 + minor.
type Version uint16

// Ver builds a Version from readable numbers.
func Ver(major, minor int) Version {
	return Version(major)*0x100 + Version(minor)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v>>8, v&0xff)
}

// LineEncoding returns the line table encoding family this version writes.
func (v Version) LineEncoding() linetable.Encoding {
	switch {
	case v >= Ver(3, 11):
		return linetable.EncodingLocations
	case v == Ver(3, 10):
		return linetable.EncodingLineTable
	default:
		return linetable.EncodingLnotab
	}
}
