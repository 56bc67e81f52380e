// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

package pyruntime // import "github.com/pulseprof/pulseprof/pyruntime"

import (
	"fmt"

	"github.com/pulseprof/pulseprof/remotememory"
)

// unicodeKindASCII is the state "kind" value of single-byte string storage.
// Wider storage kinds (2 and 4 byte code units) are not decoded.
const unicodeKindASCII = 1

// ReadUnicode decodes an interpreter string object at addr into UTF-8 text.
// Only single-byte encodings are supported; the payload is read either from
// the inline compact storage or through the out-of-line data pointer, and is
// bounded to maxStringSize bytes.
func (ip *Interpreter) ReadUnicode(addr remotememory.Address) (string, error) {
	if addr == 0 {
		return "", fmt.Errorf("%w: nil string object", ErrStringDecode)
	}
	vms := &ip.vms

	state, err := ip.rm.ReadUint32(addr + remotememory.Address(vms.PyASCIIObject.State))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStringDecode, err)
	}
	if kind := (state >> vms.PyASCIIObject.KindShift) & 7; kind != unicodeKindASCII {
		return "", fmt.Errorf("%w: unsupported storage kind %d", ErrStringDecode, kind)
	}

	var size uint64
	var data remotememory.Address
	if compact := (state >> vms.PyASCIIObject.CompactShift) & 1; compact != 0 {
		size, err = ip.rm.ReadUint64(addr + remotememory.Address(vms.PyASCIIObject.Length))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStringDecode, err)
		}
		data = addr + remotememory.Address(vms.PyASCIIObject.Data)
	} else {
		size, err = ip.rm.ReadUint64(addr +
			remotememory.Address(vms.PyCompactUnicodeObject.UTF8Length))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStringDecode, err)
		}
		data, err = ip.rm.ReadPtr(addr + remotememory.Address(vms.PyCompactUnicodeObject.UTF8))
		if err != nil || data == 0 {
			return "", fmt.Errorf("%w: no out-of-line data", ErrStringDecode)
		}
	}

	if size > maxStringSize {
		return "", fmt.Errorf("%w: implausible length %d", ErrStringDecode, size)
	}
	buf := make([]byte, size)
	if err := ip.rm.Read(data, buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStringDecode, err)
	}
	return string(buf), nil
}

// longDigitBits is the number of value bits per stored integer digit.
const longDigitBits = 30

// ReadLong decodes an interpreter integer object at addr. Both the compact
// representation (3.12+) and the multi-digit array with explicit sign are
// supported; multi-digit values overflow int64 silently. The object's type
// must be verifiable against the configured long type address, otherwise
// ErrIntegerDecode is returned and callers fall back to string decoding.
func (ip *Interpreter) ReadLong(addr remotememory.Address) (int64, error) {
	if addr == 0 || ip.longType == 0 {
		return 0, fmt.Errorf("%w: cannot verify object type", ErrIntegerDecode)
	}
	objType, err := ip.rm.ReadPtr(addr + 8) // ob_type
	if err != nil || objType != ip.longType {
		return 0, fmt.Errorf("%w: not an integer object", ErrIntegerDecode)
	}
	vms := &ip.vms

	tag, err := ip.rm.ReadUint64(addr + remotememory.Address(vms.PyLongObject.Size))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIntegerDecode, err)
	}

	var sign, ndigits int64
	if ip.version >= Ver(3, 12) {
		// lv_tag: digit count shifted past the sign bits; sign encoded as
		// 0 (positive), 1 (zero) or 2 (negative).
		sign = 1 - int64(tag&3)
		ndigits = int64(tag >> 3)
	} else {
		size := int64(tag) // ob_size, negative for negative values
		switch {
		case size < 0:
			sign, ndigits = -1, -size
		case size == 0:
			sign, ndigits = 0, 0
		default:
			sign, ndigits = 1, size
		}
	}
	if ndigits > 64 {
		return 0, fmt.Errorf("%w: implausible digit count %d", ErrIntegerDecode, ndigits)
	}

	var value int64
	for i := ndigits - 1; i >= 0; i-- {
		digit, err := ip.rm.ReadUint32(addr +
			remotememory.Address(vms.PyLongObject.Digits) +
			remotememory.Address(i*4))
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrIntegerDecode, err)
		}
		value <<= longDigitBits
		value |= int64(digit)
	}
	return value * sign, nil
}
