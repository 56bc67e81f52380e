// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package pyruntime // import "github.com/pulseprof/pulseprof/pyruntime"

import (
	"fmt"

	"github.com/pulseprof/pulseprof/remotememory"
)

// CodeInfo is the decoded descriptor of one interpreter code object: the
// string object identities for its file and qualified name, the first line
// number, and the raw line table blob.
type CodeInfo struct {
	FilenameAddr remotememory.Address
	NameAddr     remotememory.Address
	FirstLine    int32
	LineTable    []byte
}

// CodeInfo reads and caches the code object descriptor at addr.
func (ip *Interpreter) CodeInfo(addr remotememory.Address) (*CodeInfo, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: nil code object", ErrFrameRead)
	}
	if ci, ok := ip.addrToCode.Get(addr); ok {
		return ci, nil
	}
	vms := &ip.vms

	filenameAddr, err := ip.rm.ReadPtr(addr + remotememory.Address(vms.PyCodeObject.Filename))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}

	// Prefer the qualified name where the version records one.
	nameOffset := vms.PyCodeObject.QualName
	if nameOffset == 0 {
		nameOffset = vms.PyCodeObject.Name
	}
	nameAddr, err := ip.rm.ReadPtr(addr + remotememory.Address(nameOffset))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}

	firstLine, err := ip.rm.ReadUint32(addr + remotememory.Address(vms.PyCodeObject.FirstLineno))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}

	tableAddr, err := ip.rm.ReadPtr(addr + remotememory.Address(vms.PyCodeObject.Linetable))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}
	lineTable, err := ip.readLineTableBlob(tableAddr)
	if err != nil {
		return nil, err
	}

	ci := &CodeInfo{
		FilenameAddr: filenameAddr,
		NameAddr:     nameAddr,
		FirstLine:    int32(firstLine),
		LineTable:    lineTable,
	}
	ip.addrToCode.Add(addr, ci)
	return ci, nil
}

// readLineTableBlob reads the payload of the bytes object holding a code
// object's line table.
func (ip *Interpreter) readLineTableBlob(addr remotememory.Address) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("%w: nil line table", ErrFrameRead)
	}
	vms := &ip.vms

	size, err := ip.rm.ReadUint64(addr + remotememory.Address(vms.PyVarObject.ObSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}
	if size >= maxLineTableSize {
		return nil, fmt.Errorf("%w: invalid line table size %d", ErrFrameRead, size)
	}
	if ip.version < Ver(3, 11) && size&1 != 0 {
		// Both pre-3.11 generations are pair tables.
		return nil, fmt.Errorf("%w: odd line table size %d", ErrFrameRead, size)
	}

	table := make([]byte, size)
	// ob_sval occupies the last byte counted in the struct size.
	data := addr + remotememory.Address(vms.PyBytesObject.Sizeof) - 1
	if err := ip.rm.Read(data, table); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}
	return table, nil
}

// FrameSnapshot is the minimal state read from one live interpreter frame.
type FrameSnapshot struct {
	// CodeAddr is the identity of the owning code object.
	CodeAddr remotememory.Address

	// Lasti is the current bytecode offset within the code object.
	Lasti int32

	// IsEntry marks an interpreter-inserted call boundary rather than
	// user code.
	IsEntry bool

	// Previous is the address of the next outer frame, 0 at the root.
	Previous remotememory.Address
}

// maxExecutableSkips bounds the 3.13+ walk past frames whose executable is
// not a code object.
const maxExecutableSkips = 8

// FrameSnapshot reads the live interpreter frame at addr. On 3.13+, frames
// whose executable is not a code object are skipped through their previous
// pointers when the code type address is known.
func (ip *Interpreter) FrameSnapshot(addr remotememory.Address) (FrameSnapshot, error) {
	vms := &ip.vms

	for skips := 0; ; skips++ {
		if addr == 0 {
			return FrameSnapshot{}, fmt.Errorf("%w: nil frame", ErrFrameRead)
		}
		if skips > maxExecutableSkips {
			return FrameSnapshot{}, fmt.Errorf("%w: no code frame found", ErrFrameRead)
		}

		codeAddr, err := ip.rm.ReadPtr(addr + remotememory.Address(vms.PyFrameObject.Code))
		if err != nil {
			return FrameSnapshot{}, fmt.Errorf("%w: %v", ErrFrameRead, err)
		}
		previous, err := ip.rm.ReadPtr(addr + remotememory.Address(vms.PyFrameObject.Back))
		if err != nil {
			return FrameSnapshot{}, fmt.Errorf("%w: %v", ErrFrameRead, err)
		}

		if ip.version >= Ver(3, 13) && ip.codeType != 0 {
			objType, err := ip.rm.ReadPtr(codeAddr + 8) // ob_type
			if err != nil {
				return FrameSnapshot{}, fmt.Errorf("%w: %v", ErrFrameRead, err)
			}
			if objType != ip.codeType {
				addr = previous
				continue
			}
		}

		lasti, err := ip.readLasti(addr, codeAddr)
		if err != nil {
			return FrameSnapshot{}, err
		}
		isEntry, err := ip.readIsEntry(addr)
		if err != nil {
			return FrameSnapshot{}, err
		}

		return FrameSnapshot{
			CodeAddr: codeAddr,
			Lasti:    lasti,
			IsEntry:  isEntry,
			Previous: previous,
		}, nil
	}
}

func (ip *Interpreter) readLasti(frameAddr,
	codeAddr remotememory.Address) (int32, error) {
	vms := &ip.vms

	if ip.version < Ver(3, 11) {
		lasti, err := ip.rm.ReadUint32(frameAddr + remotememory.Address(vms.PyFrameObject.LastI))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrFrameRead, err)
		}
		return int32(lasti), nil
	}

	// From 3.11 on the frame records an instruction pointer into the code
	// object's inline bytecode instead of an offset.
	instrPtr, err := ip.rm.ReadPtr(frameAddr + remotememory.Address(vms.PyFrameObject.LastI))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}
	firstInstr := codeAddr + remotememory.Address(vms.PyCodeObject.CodeAdaptive)
	units := (int64(instrPtr) - int64(firstInstr)) / 2
	if ip.version >= Ver(3, 13) {
		// instr_ptr points past the current instruction.
		units--
	}
	if units < 0 {
		units = 0
	}
	return int32(units), nil
}

func (ip *Interpreter) readIsEntry(frameAddr remotememory.Address) (bool, error) {
	vms := &ip.vms
	if vms.PyFrameObject.EntryMember == 0 {
		return false, nil
	}
	v, err := ip.rm.ReadUint8(frameAddr + remotememory.Address(vms.PyFrameObject.EntryMember))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrFrameRead, err)
	}
	return uint(v) == vms.PyFrameObject.EntryVal, nil
}
