package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
)

type ColumnType string

const (
	ColumnTypeInt    ColumnType = "int"    // 4 bytes, big endian
	ColumnTypeString ColumnType = "string" // 4 byte length prefix + StringLen bytes
)

const (
	IntSize   = 4
	StringLen = 128
)

var ErrUnknownColumnType = errors.New("unknown column type")

func ParseColumnType(s string) (ColumnType, error) {
	switch ColumnType(strings.ToLower(strings.TrimSpace(s))) {
	case ColumnTypeInt:
		return ColumnTypeInt, nil
	case ColumnTypeString:
		return ColumnTypeString, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownColumnType, s)
	}
}

// Size is the number of bytes a value of this type occupies inside a slot.
func (t ColumnType) Size() int {
	switch t {
	case ColumnTypeInt:
		return IntSize
	case ColumnTypeString:
		return 4 + StringLen
	default:
		assert.Assert(false, "unsupported column type: %q", t)
		return 0
	}
}

type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is an ordered list of columns. Names are informational and are not
// required to be unique.
type Schema []Column

func (s Schema) TupleSize() int {
	size := 0
	for _, c := range s {
		size += c.Type.Size()
	}
	return size
}

// Equal compares column types only.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i].Type != other[i].Type {
			return false
		}
	}
	return true
}

func (s Schema) String() string {
	parts := make([]string, 0, len(s))
	for _, c := range s {
		parts = append(parts, c.Name+":"+string(c.Type))
	}
	return strings.Join(parts, ",")
}

// ParseSchema parses "name:type,name:type".
func ParseSchema(s string) (Schema, error) {
	if strings.TrimSpace(s) == "" {
		return nil, errors.New("empty schema")
	}

	var schema Schema
	for _, part := range strings.Split(s, ",") {
		name, typ, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid column definition %q: expected name:type", part)
		}
		ct, err := ParseColumnType(typ)
		if err != nil {
			return nil, err
		}
		schema = append(schema, Column{Name: strings.TrimSpace(name), Type: ct})
	}
	return schema, nil
}

// Validate reports ErrSchemaMismatch if fields cannot be stored under s.
func (s Schema) Validate(fields []Field) error {
	if len(fields) != len(s) {
		return fmt.Errorf(
			"%w: expected %d fields, got %d",
			ErrSchemaMismatch,
			len(s),
			len(fields),
		)
	}

	for i, f := range fields {
		if f == nil {
			return fmt.Errorf("%w: field %d is nil", ErrSchemaMismatch, i)
		}
		if f.Type() != s[i].Type {
			return fmt.Errorf(
				"%w: field %d (%s) has type %s, column expects %s",
				ErrSchemaMismatch,
				i,
				s[i].Name,
				f.Type(),
				s[i].Type,
			)
		}
		if sf, ok := f.(StringField); ok && len(sf) > StringLen {
			return fmt.Errorf(
				"%w: field %d (%s) is %d bytes long, limit is %d",
				ErrSchemaMismatch,
				i,
				s[i].Name,
				len(sf),
				StringLen,
			)
		}
	}
	return nil
}

// ParseFields converts textual values to fields of the matching column types.
func (s Schema) ParseFields(values []string) ([]Field, error) {
	if len(values) != len(s) {
		return nil, fmt.Errorf(
			"%w: expected %d values, got %d",
			ErrSchemaMismatch,
			len(s),
			len(values),
		)
	}

	fields := make([]Field, len(values))
	for i, v := range values {
		f, err := ParseField(s[i].Type, v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", s[i].Name, err)
		}
		fields[i] = f
	}
	return fields, s.Validate(fields)
}
