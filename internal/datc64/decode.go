// Package datc64 decodes the game's fixed+variable record format
// (extension .datc64) into typed rows, driven by an external schema.
package datc64

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"

	"github.com/ggpktools/ggpk/internal/schema"
	"golang.org/x/xerrors"
)

const (
	magicLen      = 8
	magicByte     = 0xBB
	maxArrayLen   = 100000
)

// Decode parses a .datc64 buffer against sch, deriving the table name
// from fileBaseName. It never panics: every failure mode produces a
// Table with either Error set (fatal, zero rows) or Warning set
// (recovered, partial rows).
func Decode(sch *schema.Schema, fileBaseName string, buf []byte) *Table {
	name := schema.TableNameFromFile(fileBaseName)

	tbl, ok := sch.Lookup(name)
	if !ok {
		return &Table{Name: name, Error: fmt.Sprintf("no schema for table %q", name)}
	}

	if len(buf) < 4 {
		return &Table{Name: name, Error: "buffer shorter than 4 bytes"}
	}

	rowCount := int(binary.LittleEndian.Uint32(buf[0:4]))
	if rowCount == 0 {
		return &Table{Name: name, RowCount: 0, Rows: []Row{}}
	}

	schemaRowSize := tbl.RowSize()

	magicOffset, found := findMagic(buf, 4)
	var warning string
	if !found {
		if 4+schemaRowSize*rowCount > len(buf) {
			return &Table{Name: name, Error: fmt.Sprintf("variable data magic not found and %d-byte buffer cannot hold %d rows of %d bytes", len(buf), rowCount, schemaRowSize)}
		}
		// decode-warning: proceed as if the fixed region were exactly
		// schemaRowSize*rowCount, the best guess available without the
		// magic marker to anchor the variable region.
		warning = "variable data magic not found; falling back to schema row size"
		magicOffset = 4 + schemaRowSize*rowCount
	}

	R := schemaRowSize
	if rowCount > 0 && found {
		R = (magicOffset - 4) / rowCount
	}
	if found && R != schemaRowSize {
		if warning != "" {
			warning += "; "
		}
		warning += fmt.Sprintf("schema row size %d disagrees with observed row size %d; observed size is authoritative", schemaRowSize, R)
	}

	varStart := int64(magicOffset)

	rows := make([]Row, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		rowStart := 4 + i*R
		rows = append(rows, decodeRow(buf, rowStart, R, tbl.Columns, varStart))
	}

	return &Table{Name: name, RowCount: rowCount, Rows: rows, Warning: warning}
}

// findMagic scans buf for the first run of magicLen bytes of value
// magicByte, at or after start. Returns (offset, true) on success.
func findMagic(buf []byte, start int) (int, bool) {
	if start < 0 {
		start = 0
	}
	for i := start; i+magicLen <= len(buf); i++ {
		ok := true
		for j := 0; j < magicLen; j++ {
			if buf[i+j] != magicByte {
				ok = false
				break
			}
		}
		if ok {
			return i, true
		}
	}
	return 0, false
}

func columnKey(col schema.Column, idx int) string {
	if col.Name != nil && *col.Name != "" {
		return *col.Name
	}
	return fmt.Sprintf("_%d", idx)
}

// decodeRow decodes one row's columns in order. Per spec.md §4.C, a
// column read failure is recovered as null and advances by the type's
// nominal fixed size; after the last column the cursor is hard-reset
// (by virtue of the caller computing the next rowStart as rowStart+R,
// never from the accumulated per-column cursor) so that one row's
// mis-sized read can never desynchronise the rows that follow.
func decodeRow(buf []byte, rowStart, rowSize int, columns []schema.Column, varStart int64) Row {
	row := make(Row, len(columns))
	cursor := rowStart
	for idx, col := range columns {
		key := columnKey(col, idx)
		val, consumed, err := decodeColumn(buf, cursor, col, varStart)
		if err != nil {
			row[key] = Null
			consumed = col.FixedSize()
		} else {
			row[key] = val
		}
		cursor += consumed
	}
	return row
}

func decodeColumn(buf []byte, pos int, col schema.Column, varStart int64) (Value, int, error) {
	if col.Array {
		v, err := decodeArrayColumn(buf, pos, col, varStart)
		return v, 16, err
	}
	return decodeScalar(buf, pos, col.Type, varStart)
}

func decodeScalar(buf []byte, pos int, typ schema.Type, varStart int64) (Value, int, error) {
	need := func(n int) error {
		if pos < 0 || pos+n > len(buf) {
			return xerrors.Errorf("datc64: field at %d needs %d bytes, buffer has %d", pos, n, len(buf))
		}
		return nil
	}
	switch typ {
	case schema.TypeBool:
		if err := need(1); err != nil {
			return Value{}, 1, err
		}
		return boolValue(buf[pos] != 0), 1, nil

	case schema.TypeI16:
		if err := need(2); err != nil {
			return Value{}, 2, err
		}
		return i16Value(int16(binary.LittleEndian.Uint16(buf[pos : pos+2]))), 2, nil

	case schema.TypeU16:
		if err := need(2); err != nil {
			return Value{}, 2, err
		}
		return u16Value(binary.LittleEndian.Uint16(buf[pos : pos+2])), 2, nil

	case schema.TypeI32:
		if err := need(4); err != nil {
			return Value{}, 4, err
		}
		return i32Value(int32(binary.LittleEndian.Uint32(buf[pos : pos+4]))), 4, nil

	case schema.TypeU32:
		if err := need(4); err != nil {
			return Value{}, 4, err
		}
		return u32Value(binary.LittleEndian.Uint32(buf[pos : pos+4])), 4, nil

	case schema.TypeF32:
		if err := need(4); err != nil {
			return Value{}, 4, err
		}
		bits := binary.LittleEndian.Uint32(buf[pos : pos+4])
		return f32Value(math.Float32frombits(bits)), 4, nil

	case schema.TypeEnumRow:
		if err := need(4); err != nil {
			return Value{}, 4, err
		}
		return enumRowValue(binary.LittleEndian.Uint32(buf[pos : pos+4])), 4, nil

	case schema.TypeString:
		if err := need(8); err != nil {
			return Value{}, 8, err
		}
		off := int64(binary.LittleEndian.Uint64(buf[pos : pos+8]))
		if off < 0 {
			return Null, 8, nil
		}
		abs := varStart + off
		return stringValue(decodeUTF16ZString(buf, abs)), 8, nil

	case schema.TypeRow:
		if err := need(8); err != nil {
			return Value{}, 8, err
		}
		raw := buf[pos : pos+8]
		if isRowNull(raw) {
			return Null, 8, nil
		}
		return rowValue(int64(binary.LittleEndian.Uint64(raw))), 8, nil

	case schema.TypeForeignRow:
		if err := need(16); err != nil {
			return Value{}, 16, err
		}
		raw := buf[pos : pos+8] // trailing 8 bytes (table tag) are discarded
		if isForeignRowNull(raw) {
			return Null, 16, nil
		}
		return foreignRowValue(int64(binary.LittleEndian.Uint64(raw))), 16, nil

	case schema.TypeArray:
		// An element type of array is a schema error: decode as an
		// empty list rather than recursing.
		return arrayValue([]Value{}), 16, nil

	default:
		return Value{}, 8, xerrors.Errorf("datc64: unknown column type %q", typ)
	}
}

func isRowNull(raw []byte) bool {
	v := int64(binary.LittleEndian.Uint64(raw))
	if v == -1 {
		return true
	}
	return allBytes(raw, 0xFE)
}

func isForeignRowNull(raw []byte) bool {
	v := int64(binary.LittleEndian.Uint64(raw))
	if v == -1 || v == -2 {
		return true
	}
	return allBytes(raw, 0xFE)
}

func allBytes(raw []byte, b byte) bool {
	for _, x := range raw {
		if x != b {
			return false
		}
	}
	return true
}

func elementFixedSize(typ schema.Type) int {
	switch typ {
	case schema.TypeBool:
		return 1
	case schema.TypeI16, schema.TypeU16:
		return 2
	case schema.TypeI32, schema.TypeU32, schema.TypeF32, schema.TypeEnumRow:
		return 4
	case schema.TypeString, schema.TypeRow:
		return 8
	case schema.TypeForeignRow, schema.TypeArray:
		return 16
	default:
		return 8
	}
}

// decodeArrayColumn decodes the 16-byte array header at pos
// (length:i64, offset:i64 into the variable region) and its element
// sequence. Per spec.md §4.C/§8: length<=0, offset<0, or
// length>maxArrayLen decode as an empty list; an element read that
// would cross the end of the buffer halts decoding and returns the
// partial list gathered so far.
func decodeArrayColumn(buf []byte, pos int, col schema.Column, varStart int64) (Value, error) {
	if pos < 0 || pos+16 > len(buf) {
		return Value{}, xerrors.Errorf("datc64: array header at %d out of bounds", pos)
	}
	length := int64(binary.LittleEndian.Uint64(buf[pos : pos+8]))
	offset := int64(binary.LittleEndian.Uint64(buf[pos+8 : pos+16]))

	if length <= 0 || offset < 0 || length > maxArrayLen {
		return arrayValue([]Value{}), nil
	}
	if col.Type == schema.TypeArray {
		return arrayValue([]Value{}), nil
	}

	elemSize := elementFixedSize(col.Type)
	abs := varStart + offset
	vals := make([]Value, 0, length)
	cur := abs
	for i := int64(0); i < length; i++ {
		if cur < 0 || cur+int64(elemSize) > int64(len(buf)) {
			break
		}
		v, consumed, err := decodeScalar(buf, int(cur), col.Type, varStart)
		if err != nil {
			break
		}
		vals = append(vals, v)
		cur += int64(consumed)
	}
	return arrayValue(vals), nil
}

// decodeUTF16ZString resolves a string reference at absolute offset
// abs into buf: UTF-16LE code units read until a 4-byte run of zeros
// (the terminator is two code units wide). Out-of-range offsets and
// sequences that never terminate within the buffer resolve to the
// empty string.
func decodeUTF16ZString(buf []byte, abs int64) string {
	if abs < 0 || abs >= int64(len(buf)) {
		return ""
	}
	pos := abs
	var units []uint16
	for {
		if pos+4 <= int64(len(buf)) &&
			buf[pos] == 0 && buf[pos+1] == 0 && buf[pos+2] == 0 && buf[pos+3] == 0 {
			break
		}
		if pos+2 > int64(len(buf)) {
			return ""
		}
		units = append(units, binary.LittleEndian.Uint16(buf[pos:pos+2]))
		pos += 2
	}
	return string(utf16.Decode(units))
}
