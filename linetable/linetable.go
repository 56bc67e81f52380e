// Copyright The Pulseprof Authors
// SPDX-License-Identifier: Apache-2.0

// Package linetable decodes the per-code-object binary tables that map a
// bytecode offset to a source location. Three incompatible encoding
// generations exist; the right one is selected once per session from the
// detected interpreter version.
//
// All decoders are pure functions: they share no state, never read past the
// supplied table, and fail with ErrBadTable on truncated or malformed input
// instead of returning a partial location.
package linetable // import "github.com/pulseprof/pulseprof/linetable"

import "errors"

// Encoding selects the line table format generation.
type Encoding uint8

const (
	// EncodingLnotab is the flat (bytecode delta, line delta) pair table
	// used before 3.10. Line deltas are signed bytes biased by 256.
	EncodingLnotab Encoding = iota

	// EncodingLineTable is the 3.10 pair table: a bytecode delta of 0xFF
	// terminates the table, and query offsets are doubled because this
	// generation counts in code units.
	EncodingLineTable

	// EncodingLocations is the 3.11+ variable-length location table that
	// also carries end line and column range information.
	EncodingLocations
)

// Location is the source range active at a bytecode offset. Columns are
// 1-based; 0 means no column information. End values equal the start values
// when the encoding carries no range.
type Location struct {
	Line      int32
	LineEnd   int32
	Column    int32
	ColumnEnd int32
}

// ErrBadTable is returned for absent, truncated or malformed line tables.
var ErrBadTable = errors.New("truncated or malformed line table")

// Decode returns the source location active at bytecode offset lasti, given
// the raw encoded table and the first line number of the code object.
func Decode(enc Encoding, table []byte, lasti, firstLine int32) (Location, error) {
	if len(table) == 0 {
		return Location{}, ErrBadTable
	}
	switch enc {
	case EncodingLnotab:
		return decodeLnotab(table, lasti, firstLine), nil
	case EncodingLineTable:
		return decodeLineTable(table, lasti, firstLine), nil
	case EncodingLocations:
		return decodeLocations(table, lasti, firstLine)
	}
	return Location{}, ErrBadTable
}

func decodeLnotab(table []byte, lasti, firstLine int32) Location {
	line := firstLine
	bc := int32(0)
	for i := 0; i+1 < len(table); i += 2 {
		bc += int32(table[i])
		if bc > lasti {
			break
		}
		line += int32(table[i+1])
		if table[i+1] >= 0x80 {
			line -= 0x100
		}
	}
	return Location{Line: line, LineEnd: line}
}

func decodeLineTable(table []byte, lasti, firstLine int32) Location {
	line := firstLine
	bc := int32(0)
	// This generation counts bytecode offsets in code units.
	addrq := lasti << 1
	for i := 0; i+1 < len(table); i += 2 {
		sdelta := table[i]
		if sdelta == 0xff {
			break
		}
		bc += int32(sdelta)

		ldelta := int32(table[i+1])
		if ldelta == 0x80 {
			ldelta = 0
		} else if ldelta > 0x80 {
			line -= 0x100
		}
		line += ldelta

		if bc > addrq {
			break
		}
	}
	return Location{Line: line, LineEnd: line}
}

// The encodings of the 3.11+ location table entry kinds.
const (
	kindOneLineMin = 10 // kinds 10..12 embed a line delta of 0..2
	kindNoColumns  = 13
	kindLong       = 14
	kindNone       = 15
)

func decodeLocations(table []byte, lasti, firstLine int32) (Location, error) {
	line := firstLine
	loc := Location{Line: line, LineEnd: line}
	bc := int32(0)
	for i := 0; i < len(table); i++ {
		first := table[i]
		if first&0x80 == 0 {
			// Entry boundary lost.
			return Location{}, ErrBadTable
		}
		bc += int32(first&7) + 1
		kind := (first >> 3) & 15

		switch {
		case kind == kindNone:
			// No location for this range, keep the previous one.

		case kind == kindLong:
			delta, err := readSignedVarint(table, &i)
			if err != nil {
				return Location{}, err
			}
			line += delta
			lineEndDelta, err := readVarint(table, &i)
			if err != nil {
				return Location{}, err
			}
			column, err := readVarint(table, &i)
			if err != nil {
				return Location{}, err
			}
			columnEnd, err := readVarint(table, &i)
			if err != nil {
				return Location{}, err
			}
			loc = Location{
				Line:      line,
				LineEnd:   line + lineEndDelta,
				Column:    column,
				ColumnEnd: columnEnd,
			}

		case kind == kindNoColumns:
			delta, err := readSignedVarint(table, &i)
			if err != nil {
				return Location{}, err
			}
			line += delta
			loc = Location{Line: line, LineEnd: line}

		case kind >= kindOneLineMin:
			// Line delta embedded in the kind, two trailing column bytes.
			if i+2 >= len(table) {
				return Location{}, ErrBadTable
			}
			line += int32(kind - kindOneLineMin)
			column := 1 + int32(table[i+1])
			columnEnd := 1 + int32(table[i+2])
			i += 2
			loc = Location{
				Line:      line,
				LineEnd:   line,
				Column:    column,
				ColumnEnd: columnEnd,
			}

		default:
			// Short form: same line, column packed into the spare kind
			// bits plus one trailing byte.
			if i+1 >= len(table) {
				return Location{}, ErrBadTable
			}
			next := table[i+1]
			i++
			column := 1 + int32(kind)<<3 + int32((next>>4)&7)
			loc = Location{
				Line:      line,
				LineEnd:   line,
				Column:    column,
				ColumnEnd: column + int32(next&15),
			}
		}

		if bc > lasti {
			break
		}
	}
	return loc, nil
}

// readVarint decodes an unsigned variable-length integer from the location
// table: six data bits per byte, bit 6 flagging continuation. The index
// points at the entry's previous byte and is advanced past the consumed
// bytes.
func readVarint(table []byte, i *int) (int32, error) {
	if *i+1 >= len(table) {
		return 0, ErrBadTable
	}
	*i++
	val := int32(table[*i] & 63)
	shift := 0
	for table[*i]&64 != 0 {
		if *i+1 >= len(table) {
			return 0, ErrBadTable
		}
		*i++
		shift += 6
		val |= int32(table[*i]&63) << shift
	}
	return val, nil
}

// readSignedVarint decodes the signed variant: the lowest decoded bit
// carries the sign.
func readSignedVarint(table []byte, i *int) (int32, error) {
	val, err := readVarint(table, i)
	if err != nil {
		return 0, err
	}
	if val&1 != 0 {
		return -(val >> 1), nil
	}
	return val >> 1, nil
}
