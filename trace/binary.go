// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/pulseprof/pulseprof/trace"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// BinaryRenderer writes the binary trace format. It is safe for concurrent
// producers: one mutex is held for the duration of each event, so the bytes
// of a single event are always contiguous in the stream.
type BinaryRenderer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	zst    *zstd.Encoder
	sink   io.WriteCloser
	err    error
	closed bool
}

// NewBinaryRenderer returns a BinaryRenderer writing to w. The caller still
// has to emit the stream header via Header.
func NewBinaryRenderer(w io.WriteCloser) *BinaryRenderer {
	return &BinaryRenderer{
		w:    bufio.NewWriter(w),
		sink: w,
	}
}

// NewCompressedBinaryRenderer returns a BinaryRenderer writing a
// zstd-compressed stream to w.
func NewCompressedBinaryRenderer(w io.WriteCloser) (*BinaryRenderer, error) {
	zst, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace destination: %w", err)
	}
	return &BinaryRenderer{
		w:    bufio.NewWriter(zst),
		zst:  zst,
		sink: w,
	}, nil
}

// CreateFile creates path and returns a BinaryRenderer writing to it,
// compressed when the name carries a .zst suffix. An unopenable destination
// is the one fatal condition of a profiling session and is reported here.
func CreateFile(path string) (*BinaryRenderer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace destination: %w", err)
	}
	if strings.HasSuffix(path, ".zst") {
		r, err := NewCompressedBinaryRenderer(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return r, nil
	}
	return NewBinaryRenderer(f), nil
}

// The low level emitters run under the caller's lock and latch the first
// write failure in r.err.

func (r *BinaryRenderer) event(tag byte) {
	if r.err == nil {
		r.err = r.w.WriteByte(tag)
	}
}

func (r *BinaryRenderer) cstring(s string) {
	if r.err == nil {
		if _, err := r.w.WriteString(s); err != nil {
			r.err = err
			return
		}
		r.err = r.w.WriteByte(0)
	}
}

// integer writes one variable-length integer: sign and 6 value bits in the
// first byte, 7 value bits per byte after that, 0x80 flagging continuation.
func (r *BinaryRenderer) integer(n int64) {
	if r.err != nil {
		return
	}
	value := uint64(n)
	sign := byte(0)
	if n < 0 {
		value = uint64(-n)
		sign = 0x40
	}

	b := byte(value&0x3f) | sign
	value >>= 6
	if value != 0 {
		b |= 0x80
	}
	if r.err = r.w.WriteByte(b); r.err != nil {
		return
	}

	for value != 0 {
		b = byte(value & 0x7f)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		if r.err = r.w.WriteByte(b); r.err != nil {
			return
		}
	}
}

func (r *BinaryRenderer) ref(key uint64) {
	r.integer(int64(key & refMask))
}

// Header writes the stream magic and format version.
func (r *BinaryRenderer) Header() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err == nil {
		_, r.err = r.w.WriteString(Magic)
	}
	r.integer(FormatVersion)
}

// Metadata writes a label/value pair describing the session.
func (r *BinaryRenderer) Metadata(label, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.event(TagMetadata)
	r.cstring(label)
	r.cstring(value)
}

// Stack opens a sample for one thread of one interpreter.
func (r *BinaryRenderer) Stack(pid, interpreterID int64, threadName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.event(TagStack)
	r.integer(pid)
	r.integer(interpreterID)
	r.cstring(threadName)
}

// Frame defines a frame key. All seven fields are written under one lock
// acquisition so concurrent events never split the record. The key itself
// is written unmasked: code frame keys carry a 32-bit address and a 32-bit
// bytecode offset and must not lose either half.
func (r *BinaryRenderer) Frame(key, filenameRef, nameRef uint64,
	line, lineEnd, column, columnEnd int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.event(TagFrame)
	r.integer(int64(key))
	r.ref(filenameRef)
	r.ref(nameRef)
	r.integer(int64(line))
	r.integer(int64(lineEnd))
	r.integer(int64(column))
	r.integer(int64(columnEnd))
}

// FrameKernel records a kernel scope frame by name.
func (r *BinaryRenderer) FrameKernel(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.event(TagFrameKernel)
	r.cstring(scope)
}

// MetricTime records a time metric for the current sample.
func (r *BinaryRenderer) MetricTime(value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.event(TagMetricTime)
	r.integer(value)
}

// MetricMemory records a memory metric for the current sample.
func (r *BinaryRenderer) MetricMemory(value int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.event(TagMetricMemory)
	r.integer(value)
}

// String defines a string key with its literal text.
func (r *BinaryRenderer) String(key uint64, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.event(TagString)
	r.ref(key)
	r.cstring(value)
}

// StringRef references an already defined string key.
func (r *BinaryRenderer) StringRef(key uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.event(TagStringRef)
	r.ref(key)
}

// RenderFrame references an already defined frame from the current sample.
func (r *BinaryRenderer) RenderFrame(fi FrameInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.event(TagFrameRef)
	r.integer(int64(fi.Key))
}

// The remaining rendering operations only apply to the human-readable view.

func (r *BinaryRenderer) RenderMessage(string)                            {}
func (r *BinaryRenderer) RenderThreadBegin(string, int64, uint64, uint64) {}
func (r *BinaryRenderer) RenderStackBegin()                               {}
func (r *BinaryRenderer) RenderCPUTime(uint64)                            {}
func (r *BinaryRenderer) RenderStackEnd()                                 {}

// Valid reports whether the renderer can still accept events.
func (r *BinaryRenderer) Valid() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.err == nil
}

// Close flushes and closes the stream and reports the first error
// encountered while writing.
func (r *BinaryRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return r.err
	}
	r.closed = true

	if err := r.w.Flush(); r.err == nil {
		r.err = err
	}
	if r.zst != nil {
		if err := r.zst.Close(); r.err == nil {
			r.err = err
		}
	}
	if err := r.sink.Close(); r.err == nil {
		r.err = err
	}
	return r.err
}
