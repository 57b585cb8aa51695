package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Blackdeer1524/HeapDB/src/pkg/assert"
	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

var (
	ErrSchemaMismatch = errors.New("tuple does not match table schema")
	ErrTableMismatch  = errors.New("record belongs to another table")
	ErrTupleNotFound  = fmt.Errorf("tuple not found: %w", common.ErrTxnAborted)
	ErrCorruptedTuple = errors.New("corrupted tuple")
)

type Field interface {
	fmt.Stringer
	Type() ColumnType
	Equal(Field) bool
}

type IntField int32

type StringField string

var (
	_ Field = IntField(0)
	_ Field = StringField("")
)

func (f IntField) Type() ColumnType { return ColumnTypeInt }

func (f IntField) Equal(other Field) bool {
	o, ok := other.(IntField)
	return ok && o == f
}

func (f IntField) String() string { return strconv.FormatInt(int64(f), 10) }

func (f StringField) Type() ColumnType { return ColumnTypeString }

func (f StringField) Equal(other Field) bool {
	o, ok := other.(StringField)
	return ok && o == f
}

func (f StringField) String() string { return string(f) }

func ParseField(t ColumnType, text string) (Field, error) {
	switch t {
	case ColumnTypeInt:
		v, err := strconv.ParseInt(strings.TrimSpace(text), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid int value %q: %w", text, err)
		}
		return IntField(v), nil
	case ColumnTypeString:
		if len(text) > StringLen {
			return nil, fmt.Errorf(
				"%w: string of %d bytes exceeds limit of %d",
				ErrSchemaMismatch,
				len(text),
				StringLen,
			)
		}
		return StringField(text), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumnType, t)
	}
}

// Tuple is a materialized record. RecordID is zero for tuples that were never
// stored.
type Tuple struct {
	RecordID common.RecordID
	Fields   []Field
}

func NewTuple(rid common.RecordID, fields ...Field) Tuple {
	return Tuple{RecordID: rid, Fields: fields}
}

// Equal compares field values, ignoring the record id.
func (t Tuple) Equal(other Tuple) bool {
	if len(t.Fields) != len(other.Fields) {
		return false
	}
	for i := range t.Fields {
		if !t.Fields[i].Equal(other.Fields[i]) {
			return false
		}
	}
	return true
}

func (t Tuple) String() string {
	parts := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		parts[i] = f.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// EncodeTuple writes fields into dst, which must be exactly schema.TupleSize()
// bytes long. Fields must already be validated against the schema.
func EncodeTuple(dst []byte, schema Schema, fields []Field) {
	assert.Assert(
		len(dst) == schema.TupleSize(),
		"tuple buffer size mismatch: %d != %d",
		len(dst),
		schema.TupleSize(),
	)

	offset := 0
	for i, col := range schema {
		switch col.Type {
		case ColumnTypeInt:
			//nolint:gosec
			binary.BigEndian.PutUint32(dst[offset:], uint32(fields[i].(IntField)))
		case ColumnTypeString:
			s := fields[i].(StringField)
			//nolint:gosec
			binary.BigEndian.PutUint32(dst[offset:], uint32(len(s)))
			body := dst[offset+4 : offset+4+StringLen]
			n := copy(body, s)
			clear(body[n:])
		}
		offset += col.Type.Size()
	}
}

func DecodeTuple(src []byte, schema Schema) ([]Field, error) {
	if len(src) != schema.TupleSize() {
		return nil, fmt.Errorf(
			"%w: expected %d bytes, got %d",
			ErrCorruptedTuple,
			schema.TupleSize(),
			len(src),
		)
	}

	fields := make([]Field, len(schema))
	offset := 0
	for i, col := range schema {
		switch col.Type {
		case ColumnTypeInt:
			//nolint:gosec
			fields[i] = IntField(int32(binary.BigEndian.Uint32(src[offset:])))
		case ColumnTypeString:
			n := binary.BigEndian.Uint32(src[offset:])
			if n > StringLen {
				return nil, fmt.Errorf(
					"%w: string length %d exceeds limit %d",
					ErrCorruptedTuple,
					n,
					StringLen,
				)
			}
			fields[i] = StringField(src[offset+4 : offset+4+int(n)])
		}
		offset += col.Type.Size()
	}
	return fields, nil
}
