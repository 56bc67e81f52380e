//go:build !linux

// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory // import "github.com/pulseprof/pulseprof/remotememory"

import (
	"fmt"
	"runtime"
)

// ReadAt is a stub allowing the package to compile on non-Linux systems.
// It always fails at runtime if used.
func (vm ProcessVirtualMemory) ReadAt(_ []byte, _ int64) (int, error) {
	return 0, fmt.Errorf("unsupported os %s", runtime.GOOS)
}
