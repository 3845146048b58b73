// Package schema loads and indexes the external schema document that
// drives the datc64 table decoder.
package schema

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// Type is a column's element type. "array" is orthogonal to the Array
// flag in Column but also appears as a literal type string in schema
// files produced by older tooling; both are honoured.
type Type string

const (
	TypeBool       Type = "bool"
	TypeI16        Type = "i16"
	TypeU16        Type = "u16"
	TypeI32        Type = "i32"
	TypeU32        Type = "u32"
	TypeF32        Type = "f32"
	TypeString     Type = "string"
	TypeRow        Type = "row"
	TypeForeignRow Type = "foreignrow"
	TypeEnumRow    Type = "enumrow"
	TypeArray      Type = "array"
)

// Reference names the target of a row/foreignrow column.
type Reference struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// Column describes one field of a table's fixed-region row layout.
type Column struct {
	Name       *string    `json:"name"`
	Descr      *string    `json:"description"`
	Array      bool       `json:"array"`
	Type       Type       `json:"type"`
	Unique     bool       `json:"unique"`
	Localized  bool       `json:"localized"`
	References *Reference `json:"references"`
	Until      *string    `json:"until"`
	File       *string    `json:"file"`
	Files      []string   `json:"files"`
}

// FixedSize returns the number of bytes this column occupies in the
// fixed region, per the encoding table in spec.md §4.C.
func (c Column) FixedSize() int {
	if c.Array {
		return 16 // length:i64 + offset:i64
	}
	switch c.Type {
	case TypeBool:
		return 1
	case TypeI16, TypeU16:
		return 2
	case TypeI32, TypeU32, TypeF32, TypeEnumRow:
		return 4
	case TypeString:
		return 8
	case TypeRow:
		return 8
	case TypeForeignRow:
		return 16
	case TypeArray:
		return 16
	default:
		return 8
	}
}

// RowSize returns the schema-computed fixed-region row size: the sum of
// every column's FixedSize.
func (t *Table) RowSize() int {
	n := 0
	for _, c := range t.Columns {
		n += c.FixedSize()
	}
	return n
}

// Table is one table definition from the schema document.
type Table struct {
	ValidFor int      `json:"validFor"`
	Name     string   `json:"name"`
	Columns  []Column `json:"columns"`
}

// Document is the top-level schema document shape (spec.md §6).
type Document struct {
	Version   int     `json:"version"`
	CreatedAt int64   `json:"createdAt"`
	Tables    []Table `json:"tables"`
}

// ProductBit selects which game product's tables are visible through a
// Schema. Bit 1 (value 2) is the default per spec.md §4.C/§GLOSSARY.
const DefaultProductBit = 1 << 1

// Schema is an immutable, lowercase-name-indexed view over a Document,
// filtered to the tables valid for one product bit. Once loaded it may
// be shared across goroutines (spec.md §5 "Shared resources").
type Schema struct {
	Doc        Document
	ProductBit int
	byName     map[string]*Table // lowercased table name -> table
}

// Load reads and parses a schema document from path, filtered to
// productBit (use DefaultProductBit if unset).
func Load(path string, productBit int) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("schema: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f, productBit)
}

// Parse decodes a schema document from r.
func Parse(r io.Reader, productBit int) (*Schema, error) {
	if productBit == 0 {
		productBit = DefaultProductBit
	}
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, xerrors.Errorf("schema: decode: %w", err)
	}
	s := &Schema{
		Doc:        doc,
		ProductBit: productBit,
		byName:     make(map[string]*Table),
	}
	for i := range doc.Tables {
		t := &doc.Tables[i]
		if t.ValidFor&productBit == 0 {
			continue
		}
		s.byName[strings.ToLower(t.Name)] = t
	}
	return s, nil
}

// Lookup returns the table definition for name (case-insensitive), and
// whether it was found among the tables valid for this Schema's product.
func (s *Schema) Lookup(name string) (*Table, bool) {
	t, ok := s.byName[strings.ToLower(name)]
	return t, ok
}

// TableCount returns the number of tables visible through this Schema.
func (s *Schema) TableCount() int {
	return len(s.byName)
}

// TableNameFromFile derives a table name from a .datc64 file's base
// name: strip any leading non-alphabetic characters, then the
// extension.
func TableNameFromFile(base string) string {
	name := base
	for _, ext := range []string{".datc64", ".datc", ".dat64", ".dat"} {
		if strings.HasSuffix(strings.ToLower(name), ext) {
			name = name[:len(name)-len(ext)]
			break
		}
	}
	i := 0
	for i < len(name) && !isAlpha(name[i]) {
		i++
	}
	return name[i:]
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
