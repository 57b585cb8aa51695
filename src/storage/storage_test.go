package storage

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/HeapDB/src/pkg/common"
)

func TestParseSchema(t *testing.T) {
	schema, err := ParseSchema("id:int, name:STRING")
	require.NoError(t, err)

	assert.Equal(t, Schema{
		{Name: "id", Type: ColumnTypeInt},
		{Name: "name", Type: ColumnTypeString},
	}, schema)
	assert.Equal(t, 4+4+StringLen, schema.TupleSize())
	assert.Equal(t, "id:int,name:string", schema.String())

	_, err = ParseSchema("id:float")
	assert.ErrorIs(t, err, ErrUnknownColumnType)

	_, err = ParseSchema("id")
	assert.Error(t, err)

	_, err = ParseSchema("  ")
	assert.Error(t, err)
}

func TestSchemaEqualIgnoresNames(t *testing.T) {
	a := Schema{{Name: "a", Type: ColumnTypeInt}, {Name: "a", Type: ColumnTypeString}}
	b := Schema{{Name: "x", Type: ColumnTypeInt}, {Name: "y", Type: ColumnTypeString}}
	c := Schema{{Name: "a", Type: ColumnTypeString}, {Name: "a", Type: ColumnTypeInt}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(a[:1]))
}

func TestSchemaValidate(t *testing.T) {
	schema := Schema{{Name: "id", Type: ColumnTypeInt}, {Name: "name", Type: ColumnTypeString}}

	assert.NoError(t, schema.Validate([]Field{IntField(1), StringField("a")}))
	assert.ErrorIs(t, schema.Validate([]Field{IntField(1)}), ErrSchemaMismatch)
	assert.ErrorIs(t, schema.Validate([]Field{StringField("a"), IntField(1)}), ErrSchemaMismatch)
	assert.ErrorIs(t, schema.Validate([]Field{IntField(1), nil}), ErrSchemaMismatch)

	long := StringField(strings.Repeat("x", StringLen+1))
	assert.ErrorIs(t, schema.Validate([]Field{IntField(1), long}), ErrSchemaMismatch)
}

func TestSchemaParseFields(t *testing.T) {
	schema := Schema{{Name: "id", Type: ColumnTypeInt}, {Name: "name", Type: ColumnTypeString}}

	fields, err := schema.ParseFields([]string{"42", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []Field{IntField(42), StringField("bob")}, fields)

	_, err = schema.ParseFields([]string{"forty-two", "bob"})
	assert.Error(t, err)

	_, err = schema.ParseFields([]string{"1"})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestTupleCodec(t *testing.T) {
	schema := Schema{
		{Name: "id", Type: ColumnTypeInt},
		{Name: "name", Type: ColumnTypeString},
		{Name: "balance", Type: ColumnTypeInt},
	}
	fields := []Field{IntField(-7), StringField("alice"), IntField(1 << 30)}

	buf := make([]byte, schema.TupleSize())
	for i := range buf {
		buf[i] = 0xAA
	}
	EncodeTuple(buf, schema, fields)

	// length prefix, then zero padded body
	assert.Equal(t, []byte{0, 0, 0, 5}, buf[4:8])
	assert.Equal(t, []byte("alice"), buf[8:13])
	assert.Equal(t, make([]byte, StringLen-5), buf[13:8+StringLen])

	decoded, err := DecodeTuple(buf, schema)
	require.NoError(t, err)
	assert.Equal(t, fields, decoded)

	_, err = DecodeTuple(buf[1:], schema)
	assert.ErrorIs(t, err, ErrCorruptedTuple)

	buf[4] = 0xFF
	_, err = DecodeTuple(buf, schema)
	assert.ErrorIs(t, err, ErrCorruptedTuple)
}

func TestTupleEqualAndString(t *testing.T) {
	a := NewTuple(common.RecordID{PageID: 1}, IntField(1), StringField("a"))
	b := NewTuple(common.RecordID{PageID: 2}, IntField(1), StringField("a"))
	c := NewTuple(common.RecordID{}, IntField(1), StringField("b"))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, "(1, a)", a.String())
}

func TestErrTupleNotFoundIsAbort(t *testing.T) {
	assert.True(t, errors.Is(ErrTupleNotFound, common.ErrTxnAborted))
}
