// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/pulseprof/pulseprof/trace"

import "sync/atomic"

// Output is the renderer facade the resolution pipeline writes through. It
// holds a strong reference to a default renderer and a dynamically
// assignable current renderer; sample and render operations go to the
// current renderer if one is set and still reports itself usable, and to
// the default otherwise. This lets a temporary renderer (for example one
// servicing a live introspection request) be attached without disturbing
// the continuously running trace.
//
// String and frame definitions always go to the default renderer. The
// caches treat a definition as written once, so it must land in the
// long-lived stream regardless of which renderer happens to be current.
type Output struct {
	def     Renderer
	current atomic.Value // of currentRenderer
}

// currentRenderer wraps the interface value so atomic.Value accepts
// different concrete renderer types over time.
type currentRenderer struct {
	r Renderer
}

// NewOutput returns an Output with def as the fallback renderer.
func NewOutput(def Renderer) *Output {
	o := &Output{def: def}
	o.current.Store(currentRenderer{})
	return o
}

// SetCurrent routes subsequent operations to r until it is cleared or stops
// being valid. A nil r clears the override.
func (o *Output) SetCurrent(r Renderer) {
	o.current.Store(currentRenderer{r: r})
}

func (o *Output) active() Renderer {
	if cur, ok := o.current.Load().(currentRenderer); ok && cur.r != nil && cur.r.Valid() {
		return cur.r
	}
	return o.def
}

func (o *Output) Header() { o.active().Header() }

func (o *Output) Metadata(label, value string) { o.active().Metadata(label, value) }

func (o *Output) Stack(pid, interpreterID int64, threadName string) {
	o.active().Stack(pid, interpreterID, threadName)
}

func (o *Output) Frame(key, filenameRef, nameRef uint64,
	line, lineEnd, column, columnEnd int32) {
	o.def.Frame(key, filenameRef, nameRef, line, lineEnd, column, columnEnd)
}

func (o *Output) FrameKernel(scope string) { o.active().FrameKernel(scope) }

func (o *Output) MetricTime(value int64) { o.active().MetricTime(value) }

func (o *Output) MetricMemory(value int64) { o.active().MetricMemory(value) }

func (o *Output) String(key uint64, value string) { o.def.String(key, value) }

func (o *Output) StringRef(key uint64) { o.active().StringRef(key) }

func (o *Output) RenderMessage(msg string) { o.active().RenderMessage(msg) }

func (o *Output) RenderThreadBegin(name string, cpuTimeUS int64,
	threadID, nativeID uint64) {
	o.active().RenderThreadBegin(name, cpuTimeUS, threadID, nativeID)
}

func (o *Output) RenderStackBegin() { o.active().RenderStackBegin() }

func (o *Output) RenderFrame(fi FrameInfo) { o.active().RenderFrame(fi) }

func (o *Output) RenderCPUTime(cpuTimeUS uint64) { o.active().RenderCPUTime(cpuTimeUS) }

func (o *Output) RenderStackEnd() { o.active().RenderStackEnd() }

// Close closes the default renderer. A temporary current renderer is owned
// by whoever attached it.
func (o *Output) Close() error {
	return o.def.Close()
}
