// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package strtab

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseprof/pulseprof/pyruntime"
	"github.com/pulseprof/pulseprof/remotememory"
	"github.com/pulseprof/pulseprof/trace"
)

type bufferCloser struct {
	bytes.Buffer
}

func (b *bufferCloser) Close() error { return nil }

// asciiObject lays out a 3.12 compact ASCII string object.
func asciiObject(s string) []byte {
	buf := make([]byte, 40+len(s))
	binary.LittleEndian.PutUint64(buf[16:], uint64(len(s)))
	binary.LittleEndian.PutUint32(buf[32:], 1<<2|1<<5)
	copy(buf[40:], s)
	return buf
}

// longObject lays out a 3.12 compact integer object.
func longObject(typeAddr remotememory.Address, n uint32) []byte {
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint64(buf[8:], uint64(typeAddr))
	binary.LittleEndian.PutUint64(buf[16:], 1<<3)
	binary.LittleEndian.PutUint32(buf[24:], n)
	return buf
}

type fixture struct {
	table *Table
	buf   *bufferCloser
}

func newFixture(t *testing.T, img *remotememory.Image, opts ...pyruntime.Option) *fixture {
	t.Helper()
	ip, err := pyruntime.NewInterpreter(pyruntime.Ver(3, 12), img.Memory(), opts...)
	require.NoError(t, err)

	buf := &bufferCloser{}
	r := trace.NewBinaryRenderer(buf)
	r.Header()
	return &fixture{
		table: NewTable(ip, trace.NewOutput(r)),
		buf:   buf,
	}
}

// stringEvents drains the trace stream and returns the STRING definitions.
func (f *fixture) stringEvents(t *testing.T) []trace.StringEvent {
	t.Helper()
	require.NoError(t, f.table.out.Close())

	dec, err := trace.NewDecoder(bytes.NewReader(f.buf.Bytes()))
	require.NoError(t, err)

	var defs []trace.StringEvent
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return defs
		}
		require.NoError(t, err)
		if se, ok := ev.(trace.StringEvent); ok {
			defs = append(defs, se)
		}
	}
}

func TestReservedKeys(t *testing.T) {
	var img remotememory.Image
	f := newFixture(t, &img)

	for key, expect := range map[Key]string{
		Empty:   "",
		Invalid: "<invalid>",
		Unknown: "<unknown>",
	} {
		text, err := f.table.Lookup(key)
		require.NoError(t, err)
		assert.Equal(t, expect, text)
	}

	// Pre-bound keys are never registered on the stream.
	assert.Empty(t, f.stringEvents(t))
}

func TestKeyForString(t *testing.T) {
	var img remotememory.Image
	img.Map(0xa000, asciiObject("handle_request"))
	f := newFixture(t, &img)

	key, err := f.table.KeyForString(0xa000)
	require.NoError(t, err)
	assert.Equal(t, Key(0xa000), key)

	text, err := f.table.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, "handle_request", text)

	// Interning again neither re-reads nor re-registers.
	again, err := f.table.KeyForString(0xa000)
	require.NoError(t, err)
	assert.Equal(t, key, again)

	defs := f.stringEvents(t)
	require.Len(t, defs, 1)
	assert.Equal(t, trace.StringEvent{Key: 0xa000, Value: "handle_request"}, defs[0])
}

func TestKeyForStringUnreadable(t *testing.T) {
	var img remotememory.Image
	f := newFixture(t, &img)

	_, err := f.table.KeyForString(0xdead)
	assert.ErrorIs(t, err, pyruntime.ErrStringDecode)
	assert.Empty(t, f.stringEvents(t))
}

func TestKeyForTaskName(t *testing.T) {
	const longType = 0x500
	var img remotememory.Image
	img.Map(0xb000, longObject(longType, 5))
	img.Map(0xc000, asciiObject("fetch_users"))

	f := newFixture(t, &img, pyruntime.WithLongType(longType))

	// A pending name is an integer holding the task sequence number.
	key, err := f.table.KeyForTaskName(0xb000)
	require.NoError(t, err)
	text, err := f.table.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, "Task-5", text)

	// A materialized name is a plain string object.
	key, err = f.table.KeyForTaskName(0xc000)
	require.NoError(t, err)
	text, err = f.table.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, "fetch_users", text)

	_, err = f.table.KeyForTaskName(0xdead)
	assert.Error(t, err)
}

func TestKeyForNativePC(t *testing.T) {
	var img remotememory.Image
	f := newFixture(t, &img)

	key := f.table.KeyForNativePC(0x7f1234)
	assert.Equal(t, key, f.table.KeyForNativePC(0x7f1234))

	text, err := f.table.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, "native@0x7f1234", text)

	assert.Len(t, f.stringEvents(t), 1)
}

func TestKeyForSymbol(t *testing.T) {
	var img remotememory.Image
	f := newFixture(t, &img)

	key, err := f.table.KeyForSymbol(0x1000, "epoll_wait")
	require.NoError(t, err)
	text, err := f.table.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, "epoll_wait", text)

	// Mangled names are demangled.
	key, err = f.table.KeyForSymbol(0x2000, "_Z10do_samplerv")
	require.NoError(t, err)
	text, err = f.table.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, "do_sampler()", text)

	_, err = f.table.KeyForSymbol(0x3000, "")
	assert.Error(t, err)
}

func TestLookupUnknownKey(t *testing.T) {
	var img remotememory.Image
	f := newFixture(t, &img)

	_, err := f.table.Lookup(Key(0x12345))
	assert.ErrorIs(t, err, ErrLookup)
}
