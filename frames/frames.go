// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package frames resolves raw frame identities into symbolic frame records
// and registers each record with the trace output exactly once.
package frames // import "github.com/pulseprof/pulseprof/frames"

import (
	"encoding/binary"

	"github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	"github.com/pulseprof/pulseprof/internal/log"
	"github.com/pulseprof/pulseprof/linetable"
	"github.com/pulseprof/pulseprof/pyruntime"
	"github.com/pulseprof/pulseprof/remotememory"
	"github.com/pulseprof/pulseprof/strtab"
	"github.com/pulseprof/pulseprof/trace"
)

// Kind tags the identity space a cache key belongs to. Interpreted code
// objects, native return addresses and synthetic name markers live in
// disjoint address spaces, so the tag keeps them from colliding.
type Kind uint8

const (
	// KindCode identifies an interpreter code object plus bytecode offset.
	KindCode Kind = iota + 1

	// KindNative identifies a native program counter.
	KindNative

	// KindSynthetic identifies a logical frame named by an interned string,
	// such as a task or thread marker.
	KindSynthetic
)

// Key is the cache identity of a frame.
type Key struct {
	Kind Kind

	// Addr is the code object address for KindCode, the program counter for
	// KindNative, or the interned name key for KindSynthetic.
	Addr remotememory.Address

	// Offset is the bytecode offset for KindCode, 0 otherwise.
	Offset int32
}

// Hash32 returns a 32-bit hash of the key for use with freelru.
func (k Key) Hash32() uint32 {
	var buf [13]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(k.Addr))
	binary.LittleEndian.PutUint32(buf[8:], uint32(k.Offset))
	buf[12] = byte(k.Kind)
	return uint32(xxh3.Hash(buf[:]))
}

// wireKey derives the trace-stream frame key for the identity. Code frames
// fold the low 32 bits of the code address and the full 32-bit bytecode
// offset into one integer, so distinct offsets never alias; code object
// addresses that differ only above bit 31 would, which user-space heap
// allocations do not. Native and synthetic frames reuse their address value
// directly.
func (k Key) wireKey() uint64 {
	if k.Kind == KindCode {
		return (uint64(k.Addr)&0xffffffff)<<32 | uint64(uint32(k.Offset))
	}
	return uint64(k.Addr)
}

// Frame is one resolved call stack entry.
type Frame struct {
	Key Key

	// WireKey is the identity the frame was registered under in the trace.
	WireKey uint64

	Filename strtab.Key
	Name     strtab.Key
	Location linetable.Location

	// IsEntry marks an interpreter call boundary. It is not part of the
	// cache identity and is refreshed from every live snapshot.
	IsEntry bool
}

// The two sentinel frames live outside the cache for the whole process
// lifetime and are handed out whenever resolution fails, so callers never
// see an error from frame lookup. Their name keys are pre-bound by the
// string table.
var (
	InvalidFrame = &Frame{
		WireKey:  uint64(strtab.Invalid),
		Filename: strtab.Invalid,
		Name:     strtab.Invalid,
	}
	UnknownFrame = &Frame{
		WireKey:  uint64(strtab.Unknown),
		Filename: strtab.Unknown,
		Name:     strtab.Unknown,
	}
)

// NativeFrame is one unwinder cursor position in native code.
type NativeFrame struct {
	// PC is the sampled program counter.
	PC uint64

	// StartIP is the start address of the enclosing symbol, 0 if unknown.
	StartIP uint64

	// Symbol is the raw (possibly mangled) symbol name, "" if unknown.
	Symbol string
}

// DefaultCacheSize bounds the frame cache when the caller does not pick a
// capacity.
const DefaultCacheSize = 2048

// Cache is a bounded LRU of resolved frames. A frame present in the cache
// has been registered with the trace output exactly once; eviction drops
// the record, and a recurring identity is resolved and registered afresh.
//
// The cache is owned by a single sampling goroutine and is not safe for
// concurrent use.
type Cache struct {
	ip      *pyruntime.Interpreter
	strings *strtab.Table
	out     *trace.Output
	enc     linetable.Encoding

	lru *freelru.LRU[Key, *Frame]
}

// NewCache creates a frame cache with the given capacity. The line table
// encoding is fixed here from the interpreter version and never consulted
// again per frame.
func NewCache(capacity uint32, ip *pyruntime.Interpreter, strings *strtab.Table,
	out *trace.Output) (*Cache, error) {
	lru, err := freelru.New[Key, *Frame](capacity, Key.Hash32)
	if err != nil {
		return nil, err
	}
	return &Cache{
		ip:      ip,
		strings: strings,
		out:     out,
		enc:     ip.Version().LineEncoding(),
		lru:     lru,
	}, nil
}

// ResolveCode resolves the frame for a code object address and bytecode
// offset. On any decode failure it returns InvalidFrame; sentinels are
// never inserted into the cache and never registered here.
func (c *Cache) ResolveCode(codeAddr remotememory.Address, lasti int32) *Frame {
	key := Key{Kind: KindCode, Addr: codeAddr, Offset: lasti}
	if f, ok := c.lru.Get(key); ok {
		return f
	}

	ci, err := c.ip.CodeInfo(codeAddr)
	if err != nil {
		log.Debugf("Failed to read code object at 0x%x: %v", codeAddr, err)
		return InvalidFrame
	}
	filename, err := c.strings.KeyForString(ci.FilenameAddr)
	if err != nil {
		log.Debugf("Failed to intern filename for code 0x%x: %v", codeAddr, err)
		return InvalidFrame
	}
	name, err := c.strings.KeyForString(ci.NameAddr)
	if err != nil {
		log.Debugf("Failed to intern name for code 0x%x: %v", codeAddr, err)
		return InvalidFrame
	}
	loc, err := linetable.Decode(c.enc, ci.LineTable, lasti, ci.FirstLine)
	if err != nil {
		log.Debugf("Failed to decode location for code 0x%x offset %d: %v",
			codeAddr, lasti, err)
		return InvalidFrame
	}

	f := &Frame{
		Key:      key,
		WireKey:  key.wireKey(),
		Filename: filename,
		Name:     name,
		Location: loc,
	}
	c.register(f)
	return f
}

// ResolveLive reads the live interpreter frame at addr and resolves it.
// It returns the resolved frame and the address of the next outer frame.
// The entry bit is taken from the snapshot on both hits and misses. On a
// snapshot read failure it returns (InvalidFrame, 0).
func (c *Cache) ResolveLive(addr remotememory.Address) (*Frame, remotememory.Address) {
	snap, err := c.ip.FrameSnapshot(addr)
	if err != nil {
		log.Debugf("Failed to read frame at 0x%x: %v", addr, err)
		return InvalidFrame, 0
	}

	f := c.ResolveCode(snap.CodeAddr, snap.Lasti)
	if f == InvalidFrame {
		return InvalidFrame, snap.Previous
	}
	f.IsEntry = snap.IsEntry
	return f, snap.Previous
}

// ResolveNative resolves an unwinder cursor position. Unresolvable cursors
// become UnknownFrame.
func (c *Cache) ResolveNative(nf NativeFrame) *Frame {
	if nf.PC == 0 {
		return UnknownFrame
	}
	key := Key{Kind: KindNative, Addr: remotememory.Address(nf.PC)}
	if f, ok := c.lru.Get(key); ok {
		return f
	}

	startIP := nf.StartIP
	if startIP == 0 {
		startIP = nf.PC
	}
	name, err := c.strings.KeyForSymbol(startIP, nf.Symbol)
	if err != nil {
		log.Debugf("Failed to intern symbol at pc 0x%x: %v", nf.PC, err)
		return UnknownFrame
	}
	f := &Frame{
		Key:      key,
		WireKey:  key.wireKey(),
		Filename: c.strings.KeyForNativePC(nf.PC),
		Name:     name,
	}
	c.register(f)
	return f
}

// ResolveSynthetic resolves a logical frame named by an already interned
// string, such as a task or thread marker. It cannot fail.
func (c *Cache) ResolveSynthetic(name strtab.Key) *Frame {
	key := Key{Kind: KindSynthetic, Addr: remotememory.Address(name)}
	if f, ok := c.lru.Get(key); ok {
		return f
	}
	f := &Frame{
		Key:      key,
		WireKey:  key.wireKey(),
		Filename: strtab.Empty,
		Name:     name,
	}
	c.register(f)
	return f
}

// register emits the frame definition event and inserts the record. The
// cache invariant holds because this is the only insertion point.
func (c *Cache) register(f *Frame) {
	c.out.Frame(f.WireKey, uint64(f.Filename), uint64(f.Name),
		f.Location.Line, f.Location.LineEnd, f.Location.Column, f.Location.ColumnEnd)
	c.lru.Add(f.Key, f)
}

// Info packs a frame into the renderer view, resolving its interned name
// and filename back to text.
func (c *Cache) Info(f *Frame) trace.FrameInfo {
	name, err := c.strings.Lookup(f.Name)
	if err != nil {
		name = "<unknown>"
	}
	file, err := c.strings.Lookup(f.Filename)
	if err != nil {
		file = "<unknown>"
	}
	return trace.FrameInfo{
		Key:    f.WireKey,
		Name:   name,
		File:   file,
		Line:   f.Location.Line,
		Native: f.Key.Kind == KindNative,
	}
}
