// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package strtab interns the strings a profiling session encounters —
// interpreter string objects, native program counters and unwinder symbols —
// into small stable keys. A key is bound to its text on first resolution,
// registered with the trace encoder exactly once, and never rebound or
// deleted for the lifetime of the table.
//
// Keys are derived from the address of the originating object or program
// counter. This makes interning cheap and collision-free within one
// session, but assumes an address is not reused for a semantically
// different object while the session runs; see the package documentation of
// frames for how stale entries surface.
//
// The table is not internally synchronized: it expects a single logical
// resolver at a time, like the rest of the resolution pipeline.
package strtab // import "github.com/pulseprof/pulseprof/strtab"

import (
	"errors"
	"fmt"

	"github.com/ianlancetaylor/demangle"

	"github.com/pulseprof/pulseprof/pyruntime"
	"github.com/pulseprof/pulseprof/remotememory"
	"github.com/pulseprof/pulseprof/trace"
)

// Key is a stable dictionary key for an interned string.
type Key uint64

// Reserved keys, bound without any registration call. Real object addresses
// never collide with them.
const (
	// Empty is the empty string.
	Empty Key = 0
	// Invalid is the text standing in for undecodable data.
	Invalid Key = 1
	// Unknown is the text standing in for unresolvable native frames.
	Unknown Key = 2
)

// ErrLookup reports a key that was never interned. It is distinct from the
// decode errors raised while interning new strings.
var ErrLookup = errors.New("string key not interned")

// Table is the session-wide string table.
type Table struct {
	ip      *pyruntime.Interpreter
	out     *trace.Output
	strings map[Key]string
}

// NewTable returns a Table bound to an interpreter and the trace output.
// The reserved keys are pre-bound.
func NewTable(ip *pyruntime.Interpreter, out *trace.Output) *Table {
	return &Table{
		ip:  ip,
		out: out,
		strings: map[Key]string{
			Empty:   "",
			Invalid: "<invalid>",
			Unknown: "<unknown>",
		},
	}
}

// intern binds key to text, registering the definition with the encoder.
// Existing bindings are never overwritten.
func (t *Table) intern(key Key, text string) {
	t.strings[key] = text
	t.out.String(uint64(key), text)
}

// KeyForString interns the interpreter string object at addr.
func (t *Table) KeyForString(addr remotememory.Address) (Key, error) {
	key := Key(addr)
	if _, ok := t.strings[key]; ok {
		return key, nil
	}

	text, err := t.ip.ReadUnicode(addr)
	if err != nil {
		return 0, err
	}
	t.intern(key, text)
	return key, nil
}

// KeyForTaskName interns the deferred name of a task object at addr. Name
// materialization may be pending, in which case the object is an integer
// holding the task sequence number and the text becomes "Task-<n>"; when
// integer decoding fails the object is decoded as a plain string.
func (t *Table) KeyForTaskName(addr remotememory.Address) (Key, error) {
	key := Key(addr)
	if _, ok := t.strings[key]; ok {
		return key, nil
	}

	var text string
	if n, err := t.ip.ReadLong(addr); err == nil {
		text = fmt.Sprintf("Task-%d", n)
	} else {
		text, err = t.ip.ReadUnicode(addr)
		if err != nil {
			return 0, err
		}
	}
	t.intern(key, text)
	return key, nil
}

// KeyForNativePC interns a placeholder file name for the native program
// counter pc.
func (t *Table) KeyForNativePC(pc uint64) Key {
	key := Key(pc)
	if _, ok := t.strings[key]; !ok {
		t.intern(key, fmt.Sprintf("native@0x%x", pc))
	}
	return key
}

// KeyForSymbol interns the symbol name of the native procedure starting at
// startIP. Mangled names are demangled when possible, keeping the raw name
// otherwise.
func (t *Table) KeyForSymbol(startIP uint64, symbol string) (Key, error) {
	if symbol == "" {
		return 0, fmt.Errorf("%w: empty symbol", pyruntime.ErrStringDecode)
	}
	key := Key(startIP)
	if _, ok := t.strings[key]; ok {
		return key, nil
	}

	// Filter returns the raw name unchanged when it is not mangled.
	t.intern(key, demangle.Filter(symbol))
	return key, nil
}

// Lookup returns the text bound to key.
func (t *Table) Lookup(key Key) (string, error) {
	text, ok := t.strings[key]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrLookup, key)
	}
	return text, nil
}
