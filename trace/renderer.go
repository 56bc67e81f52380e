// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/pulseprof/pulseprof/trace"

// FrameInfo carries one resolved frame for the per-sample rendering path:
// the dictionary key for the binary stream plus the symbolic fields for the
// human-readable one.
type FrameInfo struct {
	Key    uint64
	Name   string
	File   string
	Line   int32
	Native bool
}

// Renderer is the capability set shared by the trace encoders. The
// structured operations (Header through StringRef) define and reference
// dictionary entries and emit per-sample events; the Render operations serve
// the human-readable live view and are ignored by the binary encoder.
//
// Emission does not return errors: encoders latch their first write failure
// internally and report it from Close. A renderer reports through Valid
// whether it is still usable.
type Renderer interface {
	Header()
	Metadata(label, value string)
	Stack(pid, interpreterID int64, threadName string)
	Frame(key, filenameRef, nameRef uint64, line, lineEnd, column, columnEnd int32)
	FrameKernel(scope string)
	MetricTime(value int64)
	MetricMemory(value int64)
	String(key uint64, value string)
	StringRef(key uint64)

	RenderMessage(msg string)
	RenderThreadBegin(name string, cpuTimeUS int64, threadID, nativeID uint64)
	RenderStackBegin()
	RenderFrame(fi FrameInfo)
	RenderCPUTime(cpuTimeUS uint64)
	RenderStackEnd()

	Valid() bool
	Close() error
}
