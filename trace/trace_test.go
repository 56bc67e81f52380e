// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bufferCloser adapts a bytes.Buffer to the io.WriteCloser the renderer
// writes to.
type bufferCloser struct {
	bytes.Buffer
}

func (b *bufferCloser) Close() error { return nil }

func decodeAll(t *testing.T, r io.Reader) []Event {
	t.Helper()
	dec, err := NewDecoder(r)
	require.NoError(t, err)
	require.Equal(t, int64(FormatVersion), dec.Version())

	var events []Event
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	var buf bufferCloser
	r := NewBinaryRenderer(&buf)

	r.Header()
	r.Metadata("mode", "wall")
	r.String(3, "app.py")
	r.String(4, "main")
	r.Frame(0x70005, 3, 4, 42, 43, 1, 10)
	r.Stack(1234, 1, "MainThread")
	r.RenderFrame(FrameInfo{Key: 0x70005})
	r.MetricTime(10000)
	r.MetricMemory(-4096)
	r.StringRef(3)
	r.FrameKernel("do_syscall_64")
	require.NoError(t, r.Close())

	events := decodeAll(t, bytes.NewReader(buf.Bytes()))
	require.Equal(t, []Event{
		MetadataEvent{Label: "mode", Value: "wall"},
		StringEvent{Key: 3, Value: "app.py"},
		StringEvent{Key: 4, Value: "main"},
		FrameEvent{Key: 0x70005, FilenameRef: 3, NameRef: 4,
			Line: 42, LineEnd: 43, Column: 1, ColumnEnd: 10},
		StackEvent{PID: 1234, InterpreterID: 1, ThreadName: "MainThread"},
		FrameRefEvent{Key: 0x70005},
		MetricTimeEvent{Value: 10000},
		MetricMemoryEvent{Value: -4096},
		StringRefEvent{Key: 3},
		FrameKernelEvent{Scope: "do_syscall_64"},
	}, events)
}

func TestIntegerRoundTrip(t *testing.T) {
	values := []int64{
		0, 1, -1, 63, 64, -64, 8191, 8192, -8192,
		1 << 20, -(1 << 20), 1 << 40, -(1 << 40), 1<<62 - 1,
	}

	var buf bufferCloser
	r := NewBinaryRenderer(&buf)
	r.Header()
	for _, v := range values {
		r.MetricTime(v)
	}
	require.NoError(t, r.Close())

	events := decodeAll(t, bytes.NewReader(buf.Bytes()))
	require.Len(t, events, len(values))
	for i, v := range values {
		assert.Equal(t, MetricTimeEvent{Value: v}, events[i])
	}
}

func TestRefsMaskedTo32Bits(t *testing.T) {
	var buf bufferCloser
	r := NewBinaryRenderer(&buf)
	r.Header()
	r.String(0xdeadbeef12345678, "clipped")
	require.NoError(t, r.Close())

	events := decodeAll(t, bytes.NewReader(buf.Bytes()))
	require.Len(t, events, 1)
	assert.Equal(t, StringEvent{Key: 0x12345678, Value: "clipped"}, events[0])
}

func TestFrameKeysKeepFullWidth(t *testing.T) {
	// A code frame key packs the address in the high half and the bytecode
	// offset in the low half; neither may be clipped on the wire.
	key := uint64(0xdeadbeef)<<32 | 0x00012345

	var buf bufferCloser
	r := NewBinaryRenderer(&buf)
	r.Header()
	r.Frame(key, 3, 4, 1, 1, 0, 0)
	r.RenderFrame(FrameInfo{Key: key})
	require.NoError(t, r.Close())

	events := decodeAll(t, bytes.NewReader(buf.Bytes()))
	require.Len(t, events, 2)
	assert.Equal(t, key, events[0].(FrameEvent).Key)
	assert.Equal(t, key, events[1].(FrameRefEvent).Key)
}

func TestConcurrentFrameDefinitions(t *testing.T) {
	const producers = 4
	const perProducer = 200

	var buf bufferCloser
	r := NewBinaryRenderer(&buf)
	r.Header()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				key := uint64(p*perProducer + i)
				r.Frame(key, 3, 4, int32(i), int32(i), 0, 0)
			}
		}(p)
	}
	wg.Wait()
	require.NoError(t, r.Close())

	// The parse must not trip over interleaved bytes, and every event must
	// come out whole.
	events := decodeAll(t, bytes.NewReader(buf.Bytes()))
	require.Len(t, events, producers*perProducer)

	seen := make(map[uint64]bool)
	for _, ev := range events {
		fe, ok := ev.(FrameEvent)
		require.True(t, ok)
		assert.False(t, seen[fe.Key], "duplicate frame key %d", fe.Key)
		seen[fe.Key] = true
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	var buf bufferCloser
	r, err := NewCompressedBinaryRenderer(&buf)
	require.NoError(t, err)

	r.Header()
	r.Metadata("mode", "cpu")
	require.NoError(t, r.Close())

	zr, err := zstd.NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer zr.Close()

	events := decodeAll(t, zr)
	require.Equal(t, []Event{MetadataEvent{Label: "mode", Value: "cpu"}}, events)
}

func TestCreateFile(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "out.mojo")
	r, err := CreateFile(plain)
	require.NoError(t, err)
	r.Header()
	require.NoError(t, r.Close())

	data, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(Magic)))

	compressed := filepath.Join(dir, "out.mojo.zst")
	r, err = CreateFile(compressed)
	require.NoError(t, err)
	r.Header()
	require.NoError(t, r.Close())

	data, err = os.ReadFile(compressed)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}))

	_, err = CreateFile(filepath.Join(dir, "missing", "out.mojo"))
	assert.Error(t, err)
}

func TestDecoderRejectsGarbage(t *testing.T) {
	_, err := NewDecoder(strings.NewReader("not a trace"))
	assert.ErrorIs(t, err, ErrBadTrace)

	_, err = NewDecoder(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrBadTrace)

	// Valid header, unknown tag.
	var buf bufferCloser
	r := NewBinaryRenderer(&buf)
	r.Header()
	require.NoError(t, r.Close())
	buf.WriteByte(0x7f)

	dec, err := NewDecoder(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	_, err = dec.Next()
	assert.ErrorIs(t, err, ErrBadTrace)
}

func TestRendererInvalidAfterClose(t *testing.T) {
	var buf bufferCloser
	r := NewBinaryRenderer(&buf)
	assert.True(t, r.Valid())
	require.NoError(t, r.Close())
	assert.False(t, r.Valid())
}

func TestOutputRouting(t *testing.T) {
	var defBuf, curBuf bufferCloser
	def := NewBinaryRenderer(&defBuf)
	cur := NewBinaryRenderer(&curBuf)

	out := NewOutput(def)
	out.Header()
	out.MetricTime(1)

	out.SetCurrent(cur)
	cur.Header()
	out.MetricTime(2)

	// A renderer that stopped being valid no longer receives events.
	require.NoError(t, cur.Close())
	out.MetricTime(3)

	out.SetCurrent(nil)
	out.MetricTime(4)
	require.NoError(t, out.Close())

	defEvents := decodeAll(t, bytes.NewReader(defBuf.Bytes()))
	assert.Equal(t, []Event{
		MetricTimeEvent{Value: 1},
		MetricTimeEvent{Value: 3},
		MetricTimeEvent{Value: 4},
	}, defEvents)

	curEvents := decodeAll(t, bytes.NewReader(curBuf.Bytes()))
	assert.Equal(t, []Event{MetricTimeEvent{Value: 2}}, curEvents)
}

func TestOutputDefinitionsBypassCurrent(t *testing.T) {
	var defBuf bufferCloser
	def := NewBinaryRenderer(&defBuf)
	out := NewOutput(def)
	out.Header()

	// Definitions emitted while a temporary renderer is current must still
	// land in the long-lived stream, or later references dangle.
	var whereBuf bytes.Buffer
	out.SetCurrent(NewWhereRenderer(&whereBuf))
	out.String(7, "server.py")
	out.Frame(0x90001, 7, 7, 10, 10, 0, 0)
	out.SetCurrent(nil)
	out.RenderFrame(FrameInfo{Key: 0x90001})
	require.NoError(t, out.Close())

	events := decodeAll(t, bytes.NewReader(defBuf.Bytes()))
	require.Equal(t, []Event{
		StringEvent{Key: 7, Value: "server.py"},
		FrameEvent{Key: 0x90001, FilenameRef: 7, NameRef: 7, Line: 10, LineEnd: 10},
		FrameRefEvent{Key: 0x90001},
	}, events)
}

func TestWhereRenderer(t *testing.T) {
	var buf bytes.Buffer
	r := NewWhereRenderer(&buf)
	require.True(t, r.Valid())

	r.RenderMessage("sampling 1 thread")
	r.RenderThreadBegin("MainThread", 1500, 1, 4242)
	r.RenderStackBegin()
	r.RenderFrame(FrameInfo{Name: "handle", File: "server.py", Line: 42})
	r.RenderFrame(FrameInfo{Name: "epoll_wait", File: "native@0x7f00", Native: true})
	r.RenderCPUTime(1500)
	r.RenderStackEnd()

	// Structured events are for the binary stream only.
	r.Metadata("mode", "wall")
	r.Frame(1, 2, 3, 4, 5, 6, 7)
	require.NoError(t, r.Close())

	text := buf.String()
	assert.Contains(t, text, "sampling 1 thread")
	assert.Contains(t, text, "MainThread")
	assert.Contains(t, text, "handle")
	assert.Contains(t, text, "server.py")
	assert.Contains(t, text, "epoll_wait")
	assert.NotContains(t, text, "mode")
}
