// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package pyruntime // import "github.com/pulseprof/pulseprof/pyruntime"

import (
	"errors"
	"fmt"

	"github.com/elastic/go-freelru"

	"github.com/pulseprof/pulseprof/remotememory"
)

const (
	// maxStringSize bounds the payload read for an interpreter string, to
	// bound worst-case read cost and to guard against corrupt length fields.
	maxStringSize = 1024

	// maxLineTableSize bounds the line table blob read from a code object.
	maxLineTableSize = 0x10000

	// codeCacheSize is the capacity of the per-interpreter code object cache.
	codeCacheSize = 1024
)

var (
	// ErrStringDecode reports an interpreter string that could not be
	// decoded: unsupported encoding, oversized length or unreadable memory.
	ErrStringDecode = errors.New("cannot decode interpreter string")

	// ErrIntegerDecode reports a malformed interpreter integer object.
	ErrIntegerDecode = errors.New("cannot decode interpreter integer")

	// ErrFrameRead reports an unreadable code or frame snapshot.
	ErrFrameRead = errors.New("cannot read interpreter frame")
)

// vmStructs describes the interpreter struct layouts we read. Fields are
// named after their counterparts in the interpreter source.
type vmStructs struct {
	PyVarObject struct {
		ObSize uint // ob_size
	}
	PyASCIIObject struct {
		Length       uint // length
		State        uint // state bitfield
		Data         uint // start of inline character data (compact form)
		KindShift    uint // position of the 3 kind bits within state
		CompactShift uint // position of the compact bit within state
	}
	PyCompactUnicodeObject struct {
		UTF8Length uint // utf8_length
		UTF8       uint // utf8 (out-of-line data pointer)
	}
	PyLongObject struct {
		Size   uint // ob_size, or lv_tag from 3.12 on
		Digits uint // ob_digit
	}
	PyBytesObject struct {
		Sizeof uint // tp_basicsize; ob_sval starts one byte before the end
	}
	PyCodeObject struct {
		FirstLineno  uint // co_firstlineno
		Filename     uint // co_filename
		Name         uint // co_name
		QualName     uint // co_qualname, 0 before 3.11
		Linetable    uint // co_linetable (co_lnotab before 3.10)
		CodeAdaptive uint // co_code_adaptive, 0 before 3.11
	}
	PyFrameObject struct {
		Code        uint // f_code / f_executable
		LastI       uint // f_lasti (int) before 3.11, prev_instr/instr_ptr after
		Back        uint // f_back / previous
		EntryMember uint // field flagging an interpreter-inserted entry frame
		EntryVal    uint // value of EntryMember marking an entry frame
	}
}

// Interpreter binds the version-specific layout knowledge to the remote
// address space of one profiled interpreter.
type Interpreter struct {
	version Version
	vms     vmStructs
	rm      remotememory.RemoteMemory

	// codeType, when non-zero, is the remote address of the interpreter's
	// code type object. From 3.13 on a frame's executable may be a non-code
	// object; knowing the type address lets the frame walker skip those.
	codeType remotememory.Address

	// longType, when non-zero, is the remote address of the integer type
	// object. Deferred task names are only decoded as integers when the
	// object's type can be verified against it.
	longType remotememory.Address

	// addrToCode caches decoded code objects by their remote address.
	addrToCode *freelru.LRU[remotememory.Address, *CodeInfo]
}

// Option configures optional Interpreter knowledge.
type Option func(*Interpreter)

// WithCodeType supplies the remote address of the interpreter's code type
// object.
func WithCodeType(addr remotememory.Address) Option {
	return func(ip *Interpreter) { ip.codeType = addr }
}

// WithLongType supplies the remote address of the interpreter's integer type
// object.
func WithLongType(addr remotememory.Address) Option {
	return func(ip *Interpreter) { ip.longType = addr }
}

// NewInterpreter returns an Interpreter for the given version reading
// through rm. Versions 3.8 through 3.13 are supported.
func NewInterpreter(version Version, rm remotememory.RemoteMemory,
	opts ...Option) (*Interpreter, error) {
	if version < Ver(3, 8) || version > Ver(3, 13) {
		return nil, fmt.Errorf("unsupported interpreter version %s", version)
	}

	addrToCode, err := freelru.New[remotememory.Address, *CodeInfo](
		codeCacheSize, remotememory.Address.Hash32)
	if err != nil {
		return nil, err
	}

	ip := &Interpreter{
		version:    version,
		rm:         rm,
		addrToCode: addrToCode,
	}
	ip.initStructs()
	for _, opt := range opts {
		opt(ip)
	}
	return ip, nil
}

// Version returns the interpreter version the layout was selected for.
func (ip *Interpreter) Version() Version {
	return ip.version
}

func (ip *Interpreter) initStructs() {
	vms := &ip.vms
	vms.PyVarObject.ObSize = 16
	vms.PyASCIIObject.Length = 16
	vms.PyASCIIObject.State = 32
	vms.PyLongObject.Size = 16
	vms.PyLongObject.Digits = 24

	if ip.version >= Ver(3, 12) {
		// 3.12 dropped the wstr fields and widened the interned bits.
		vms.PyASCIIObject.Data = 40
		vms.PyASCIIObject.KindShift = 2
		vms.PyASCIIObject.CompactShift = 5
		vms.PyCompactUnicodeObject.UTF8Length = 40
		vms.PyCompactUnicodeObject.UTF8 = 48
	} else {
		vms.PyASCIIObject.Data = 48
		vms.PyASCIIObject.KindShift = 1
		vms.PyASCIIObject.CompactShift = 4
		vms.PyCompactUnicodeObject.UTF8Length = 48
		vms.PyCompactUnicodeObject.UTF8 = 56
	}

	if ip.version >= Ver(3, 13) {
		// ob_shash was dropped from bytes objects, so ob_sval immediately
		// follows the 24 byte var-object header.
		vms.PyBytesObject.Sizeof = 25
	} else {
		vms.PyBytesObject.Sizeof = 33
	}

	switch {
	case ip.version >= Ver(3, 12):
		vms.PyCodeObject.FirstLineno = 68
		vms.PyCodeObject.Filename = 112
		vms.PyCodeObject.Name = 120
		vms.PyCodeObject.QualName = 128
		vms.PyCodeObject.Linetable = 136
		vms.PyCodeObject.CodeAdaptive = 192
	case ip.version == Ver(3, 11):
		vms.PyCodeObject.FirstLineno = 72
		vms.PyCodeObject.Filename = 112
		vms.PyCodeObject.Name = 120
		vms.PyCodeObject.QualName = 128
		vms.PyCodeObject.Linetable = 136
		vms.PyCodeObject.CodeAdaptive = 176
	default:
		vms.PyCodeObject.FirstLineno = 40
		vms.PyCodeObject.Filename = 104
		vms.PyCodeObject.Name = 112
		vms.PyCodeObject.Linetable = 120
	}

	switch {
	case ip.version >= Ver(3, 12):
		vms.PyFrameObject.Code = 0         // PyObject *f_executable
		vms.PyFrameObject.LastI = 56       // _Py_CODEUNIT *prev_instr / instr_ptr
		vms.PyFrameObject.Back = 8         // struct _PyInterpreterFrame *previous
		vms.PyFrameObject.EntryMember = 70 // char owner
		vms.PyFrameObject.EntryVal = 3     // FRAME_OWNED_BY_CSTACK
	case ip.version == Ver(3, 11):
		vms.PyFrameObject.Code = 32
		vms.PyFrameObject.LastI = 56       // _Py_CODEUNIT *prev_instr
		vms.PyFrameObject.Back = 48        // struct _PyInterpreterFrame *previous
		vms.PyFrameObject.EntryMember = 68 // bool is_entry
		vms.PyFrameObject.EntryVal = 1
	default:
		vms.PyFrameObject.Back = 24   // f_back
		vms.PyFrameObject.Code = 32   // f_code
		vms.PyFrameObject.LastI = 104 // int f_lasti
	}
}
