// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package trace // import "github.com/pulseprof/pulseprof/trace"

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Event is one decoded trace event.
type Event interface {
	EventTag() byte
}

// MetadataEvent is a session label/value pair.
type MetadataEvent struct {
	Label string
	Value string
}

// StackEvent opens a sample for one thread.
type StackEvent struct {
	PID           int64
	InterpreterID int64
	ThreadName    string
}

// FrameEvent defines a frame key.
type FrameEvent struct {
	Key         uint64
	FilenameRef uint64
	NameRef     uint64
	Line        int64
	LineEnd     int64
	Column      int64
	ColumnEnd   int64
}

// FrameKernelEvent records a kernel scope frame.
type FrameKernelEvent struct {
	Scope string
}

// MetricTimeEvent is a per-sample time metric.
type MetricTimeEvent struct {
	Value int64
}

// MetricMemoryEvent is a per-sample memory metric.
type MetricMemoryEvent struct {
	Value int64
}

// StringEvent defines a string key.
type StringEvent struct {
	Key   uint64
	Value string
}

// StringRefEvent references a defined string key.
type StringRefEvent struct {
	Key uint64
}

// FrameRefEvent references a defined frame key from the current sample.
type FrameRefEvent struct {
	Key uint64
}

func (MetadataEvent) EventTag() byte     { return TagMetadata }
func (StackEvent) EventTag() byte        { return TagStack }
func (FrameEvent) EventTag() byte        { return TagFrame }
func (FrameKernelEvent) EventTag() byte  { return TagFrameKernel }
func (MetricTimeEvent) EventTag() byte   { return TagMetricTime }
func (MetricMemoryEvent) EventTag() byte { return TagMetricMemory }
func (StringEvent) EventTag() byte       { return TagString }
func (StringRefEvent) EventTag() byte    { return TagStringRef }
func (FrameRefEvent) EventTag() byte     { return TagFrameRef }

// ErrBadTrace reports a stream that is not a valid binary trace.
var ErrBadTrace = errors.New("malformed trace stream")

// Decoder reads a binary trace stream back into typed events.
type Decoder struct {
	r       *bufio.Reader
	version int64
}

// NewDecoder checks the stream header and returns a Decoder positioned at
// the first event.
func NewDecoder(r io.Reader) (*Decoder, error) {
	br := bufio.NewReader(r)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("%w: missing magic", ErrBadTrace)
	}
	if !bytes.Equal(magic, []byte(Magic)) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadTrace, magic)
	}

	d := &Decoder{r: br}
	version, err := d.integer()
	if err != nil {
		return nil, fmt.Errorf("%w: missing version", ErrBadTrace)
	}
	d.version = version
	return d, nil
}

// Version returns the format version read from the header.
func (d *Decoder) Version() int64 {
	return d.version
}

// Next returns the next event, or io.EOF at a clean end of stream.
func (d *Decoder) Next() (Event, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}

	switch tag {
	case TagMetadata:
		label, err := d.cstring()
		if err != nil {
			return nil, err
		}
		value, err := d.cstring()
		if err != nil {
			return nil, err
		}
		return MetadataEvent{Label: label, Value: value}, nil

	case TagStack:
		pid, err := d.integer()
		if err != nil {
			return nil, err
		}
		iid, err := d.integer()
		if err != nil {
			return nil, err
		}
		name, err := d.cstring()
		if err != nil {
			return nil, err
		}
		return StackEvent{PID: pid, InterpreterID: iid, ThreadName: name}, nil

	case TagFrame:
		var ev FrameEvent
		fields := []*int64{&ev.Line, &ev.LineEnd, &ev.Column, &ev.ColumnEnd}
		refs := []*uint64{&ev.Key, &ev.FilenameRef, &ev.NameRef}
		for _, ref := range refs {
			v, err := d.integer()
			if err != nil {
				return nil, err
			}
			*ref = uint64(v)
		}
		for _, field := range fields {
			v, err := d.integer()
			if err != nil {
				return nil, err
			}
			*field = v
		}
		return ev, nil

	case TagFrameKernel:
		scope, err := d.cstring()
		if err != nil {
			return nil, err
		}
		return FrameKernelEvent{Scope: scope}, nil

	case TagMetricTime:
		v, err := d.integer()
		if err != nil {
			return nil, err
		}
		return MetricTimeEvent{Value: v}, nil

	case TagMetricMemory:
		v, err := d.integer()
		if err != nil {
			return nil, err
		}
		return MetricMemoryEvent{Value: v}, nil

	case TagString:
		key, err := d.integer()
		if err != nil {
			return nil, err
		}
		value, err := d.cstring()
		if err != nil {
			return nil, err
		}
		return StringEvent{Key: uint64(key), Value: value}, nil

	case TagStringRef:
		key, err := d.integer()
		if err != nil {
			return nil, err
		}
		return StringRefEvent{Key: uint64(key)}, nil

	case TagFrameRef:
		key, err := d.integer()
		if err != nil {
			return nil, err
		}
		return FrameRefEvent{Key: uint64(key)}, nil
	}

	return nil, fmt.Errorf("%w: unknown event tag %d", ErrBadTrace, tag)
}

// integer decodes one variable-length integer.
func (d *Decoder) integer() (int64, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: truncated integer", ErrBadTrace)
	}
	value := uint64(b & 0x3f)
	negative := b&0x40 != 0
	shift := uint(6)
	for b&0x80 != 0 {
		b, err = d.r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: truncated integer", ErrBadTrace)
		}
		value |= uint64(b&0x7f) << shift
		shift += 7
	}
	if negative {
		return -int64(value), nil
	}
	return int64(value), nil
}

// cstring decodes one zero-terminated string.
func (d *Decoder) cstring() (string, error) {
	s, err := d.r.ReadString(0)
	if err != nil {
		return "", fmt.Errorf("%w: unterminated string", ErrBadTrace)
	}
	return s[:len(s)-1], nil
}
