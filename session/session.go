// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package session wires the frame-resolution pipeline together for one
// profiled interpreter and exposes the per-sample entry points used by a
// sampling loop.
package session // import "github.com/pulseprof/pulseprof/session"

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pulseprof/pulseprof/frames"
	"github.com/pulseprof/pulseprof/pyruntime"
	"github.com/pulseprof/pulseprof/remotememory"
	"github.com/pulseprof/pulseprof/strtab"
	"github.com/pulseprof/pulseprof/trace"
)

// maxChainDepth bounds the walk of a frame-pointer chain. A cycle in a
// corrupted chain terminates here instead of spinning.
const maxChainDepth = 2048

// Unwinder yields native cursor positions, innermost first. Yield returns
// false to stop the walk early.
type Unwinder interface {
	Unwind(yield func(frames.NativeFrame) bool)
}

// Config carries everything a session needs at start.
type Config struct {
	// PID of the profiled process, recorded in stack events.
	PID int

	// Interpreter introspects the target runtime.
	Interpreter *pyruntime.Interpreter

	// Output receives all trace events.
	Output *trace.Output

	// CacheSize bounds the frame cache, frames.DefaultCacheSize if 0.
	CacheSize uint32

	// Mode and Interval describe the sampling configuration for the
	// trace metadata.
	Mode     string
	Interval time.Duration
}

// Session owns the string table and frame cache for one profiling run.
// All sampling methods must be called from a single goroutine.
type Session struct {
	pid     int
	ip      *pyruntime.Interpreter
	out     *trace.Output
	strings *strtab.Table
	cache   *frames.Cache

	id       uuid.UUID
	mode     string
	interval time.Duration
}

// New builds the pipeline. No events are emitted until Start.
func New(cfg Config) (*Session, error) {
	if cfg.Interpreter == nil || cfg.Output == nil {
		return nil, fmt.Errorf("session: interpreter and output are required")
	}
	size := cfg.CacheSize
	if size == 0 {
		size = frames.DefaultCacheSize
	}
	strings := strtab.NewTable(cfg.Interpreter, cfg.Output)
	cache, err := frames.NewCache(size, cfg.Interpreter, strings, cfg.Output)
	if err != nil {
		return nil, err
	}
	return &Session{
		pid:      cfg.PID,
		ip:       cfg.Interpreter,
		out:      cfg.Output,
		strings:  strings,
		cache:    cache,
		id:       uuid.New(),
		mode:     cfg.Mode,
		interval: cfg.Interval,
	}, nil
}

// NewForProcess builds a session attached to a live interpreter of the
// given version, reading its memory through the process_vm_readv backend.
func NewForProcess(pid int, version pyruntime.Version, out *trace.Output,
	opts ...pyruntime.Option) (*Session, error) {
	ip, err := pyruntime.NewInterpreter(version,
		remotememory.NewProcessVirtualMemory(pid), opts...)
	if err != nil {
		return nil, err
	}
	return New(Config{
		PID:         pid,
		Interpreter: ip,
		Output:      out,
	})
}

// Strings exposes the session string table.
func (s *Session) Strings() *strtab.Table {
	return s.strings
}

// Cache exposes the session frame cache.
func (s *Session) Cache() *frames.Cache {
	return s.cache
}

// Start emits the stream header, the session metadata and the definitions
// of the two sentinel frames, so that later references to them always have
// a matching definition in the stream.
func (s *Session) Start() {
	s.out.Header()
	s.out.Metadata("session", s.id.String())
	s.out.Metadata("mode", s.mode)
	s.out.Metadata("interval", fmt.Sprintf("%d", s.interval.Microseconds()))
	s.out.Metadata("python-version", s.ip.Version().String())

	for _, f := range []*frames.Frame{frames.InvalidFrame, frames.UnknownFrame} {
		s.out.Frame(f.WireKey, uint64(f.Filename), uint64(f.Name), 0, 0, 0, 0)
	}
}

// WalkFrameChain resolves the interpreted frame chain starting at top,
// innermost first, following previous pointers up to the depth bound. The
// walk stops at the first unreadable frame, which contributes the invalid
// sentinel as its last entry.
func (s *Session) WalkFrameChain(top remotememory.Address) []*frames.Frame {
	var stack []*frames.Frame
	for addr := top; addr != 0 && len(stack) < maxChainDepth; {
		f, prev := s.cache.ResolveLive(addr)
		stack = append(stack, f)
		if f == frames.InvalidFrame {
			break
		}
		addr = prev
	}
	return stack
}

// SampleStack emits one complete sample: the stack event, one frame
// reference per resolved interpreted frame, the native frames below them
// when an unwinder is given, and the closing time metric.
func (s *Session) SampleStack(interpreterID int64, threadName string,
	top remotememory.Address, native Unwinder, deltaUS int64) {
	s.out.Stack(int64(s.pid), interpreterID, threadName)

	for _, f := range s.WalkFrameChain(top) {
		s.out.RenderFrame(s.cache.Info(f))
	}
	if native != nil {
		native.Unwind(func(nf frames.NativeFrame) bool {
			s.out.RenderFrame(s.cache.Info(s.cache.ResolveNative(nf)))
			return true
		})
	}

	s.out.MetricTime(deltaUS)
}

// SampleTask emits one sample attributed to a logical task. The task name
// object is read lazily, so tasks named after creation still resolve.
func (s *Session) SampleTask(interpreterID int64, threadName string,
	nameAddr, top remotememory.Address, deltaUS int64) {
	s.out.Stack(int64(s.pid), interpreterID, threadName)

	name, err := s.strings.KeyForTaskName(nameAddr)
	var marker *frames.Frame
	if err != nil {
		marker = frames.InvalidFrame
	} else {
		marker = s.cache.ResolveSynthetic(name)
	}
	s.out.RenderFrame(s.cache.Info(marker))

	for _, f := range s.WalkFrameChain(top) {
		s.out.RenderFrame(s.cache.Info(f))
	}

	s.out.MetricTime(deltaUS)
}

// SampleMemory emits a memory metric sample for the given stack.
func (s *Session) SampleMemory(interpreterID int64, threadName string,
	top remotememory.Address, deltaBytes int64) {
	s.out.Stack(int64(s.pid), interpreterID, threadName)
	for _, f := range s.WalkFrameChain(top) {
		s.out.RenderFrame(s.cache.Info(f))
	}
	s.out.MetricMemory(deltaBytes)
}

// WhereThread renders one thread's current stack through the facade's
// human-readable path, for live "where is it stuck" queries.
func (s *Session) WhereThread(name string, cpuTimeUS int64, threadID, nativeID uint64,
	top remotememory.Address, native Unwinder) {
	s.out.RenderThreadBegin(name, cpuTimeUS, threadID, nativeID)
	s.out.RenderStackBegin()

	if native != nil {
		native.Unwind(func(nf frames.NativeFrame) bool {
			s.out.RenderFrame(s.cache.Info(s.cache.ResolveNative(nf)))
			return true
		})
	}
	for _, f := range s.WalkFrameChain(top) {
		s.out.RenderFrame(s.cache.Info(f))
	}

	s.out.RenderCPUTime(uint64(cpuTimeUS))
	s.out.RenderStackEnd()
}

// Close flushes and closes the trace output. The string table and frame
// cache are simply dropped with the session.
func (s *Session) Close() error {
	return s.out.Close()
}
