// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package trace serializes profiling sessions into a compact binary event
// stream. Strings and frames are defined once and referenced by key
// thereafter; per-sample events carry only references and metric values.
//
// The binary format is a 3-byte magic and a format version, followed by
// tag-prefixed events. All integers use a variable-length encoding: the
// first byte carries 6 value bits, a sign bit (0x40) and a continuation bit
// (0x80); subsequent bytes carry 7 value bits and a continuation bit,
// least-significant bits first. Strings are zero-terminated. String key
// references are masked to 32 bits; frame keys are written whole, since a
// code frame key packs a 32-bit address next to a 32-bit bytecode offset.
package trace // import "github.com/pulseprof/pulseprof/trace"

// Magic starts every binary trace stream.
const Magic = "MOJ"

// FormatVersion is the version number written after the magic.
const FormatVersion = 3

// Event tags. Tag 0 is reserved so a zero byte never starts an event.
const (
	TagMetadata     byte = 1 // label, value (strings)
	TagStack        byte = 2 // pid, interpreter id, thread name
	TagFrame        byte = 3 // key, filename ref, name ref, line, line end, column, column end
	TagFrameKernel  byte = 4 // scope name (string)
	TagMetricTime   byte = 5 // value
	TagMetricMemory byte = 6 // value
	TagString       byte = 7 // key, literal text
	TagStringRef    byte = 8 // key
	TagFrameRef     byte = 9 // key (frame appearing in the current sample)
)

// refMask is applied to string key references written to the stream. Frame
// keys bypass it so their packed bytecode offset survives intact.
const refMask = 0xffffffff
