// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/pulseprof/pulseprof/trace"

import (
	"fmt"
	"io"
)

// WhereRenderer writes a human-readable view of the sampled stacks,
// answering the live "where is it stuck" question. It only honors the
// message, thread-begin, frame and cpu-time rendering operations; the
// structured dictionary events are ignored. It is meant for a single
// consumer and is not safe for concurrent producers.
type WhereRenderer struct {
	out    io.Writer
	closer io.Closer
}

// NewWhereRenderer returns a WhereRenderer writing formatted lines to w.
// If w is also an io.Closer it is closed by Close.
func NewWhereRenderer(w io.Writer) *WhereRenderer {
	r := &WhereRenderer{out: w}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

func (r *WhereRenderer) Header()                                {}
func (r *WhereRenderer) Metadata(string, string)                {}
func (r *WhereRenderer) Stack(int64, int64, string)             {}
func (r *WhereRenderer) Frame(_, _, _ uint64, _, _, _, _ int32) {}
func (r *WhereRenderer) FrameKernel(string)                     {}
func (r *WhereRenderer) MetricTime(int64)                       {}
func (r *WhereRenderer) MetricMemory(int64)                     {}
func (r *WhereRenderer) String(uint64, string)                  {}
func (r *WhereRenderer) StringRef(uint64)                       {}

// RenderMessage writes one plain line.
func (r *WhereRenderer) RenderMessage(msg string) {
	fmt.Fprintln(r.out, msg)
}

// RenderThreadBegin writes the thread banner for the stacks that follow.
func (r *WhereRenderer) RenderThreadBegin(name string, cpuTimeUS int64,
	threadID, nativeID uint64) {
	fmt.Fprintf(r.out,
		"\n    \U0001F9F5 \033[33;1m%s\033[0m (TID %d, native %d) \U0001F4CD CPU %d \u00B5s\n",
		name, threadID, nativeID, cpuTimeUS)
}

func (r *WhereRenderer) RenderStackBegin() {}

// RenderFrame writes one indented frame line, native frames dimmed.
func (r *WhereRenderer) RenderFrame(fi FrameInfo) {
	if fi.Native {
		fmt.Fprintf(r.out,
			"          \033[38;5;248;1m%s\033[0m \033[38;5;246m(%s\033[0m:\033[38;5;246m%d)\033[0m\n",
			fi.Name, fi.File, fi.Line)
		return
	}
	fmt.Fprintf(r.out,
		"          \033[33;1m%s\033[0m (\033[36m%s\033[0m:\033[32m%d\033[0m)\n",
		fi.Name, fi.File, fi.Line)
}

// RenderCPUTime writes the sample's CPU time.
func (r *WhereRenderer) RenderCPUTime(cpuTimeUS uint64) {
	fmt.Fprintf(r.out, " %d\n", cpuTimeUS)
}

func (r *WhereRenderer) RenderStackEnd() {}

// Valid reports whether the renderer has an output to write to.
func (r *WhereRenderer) Valid() bool {
	return r.out != nil
}

// Close closes the underlying stream if it is closable.
func (r *WhereRenderer) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}
