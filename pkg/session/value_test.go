package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNullValue(t *testing.T) {
	v := Null()
	assert.True(t, v.IsNull())
	assert.Equal(t, "NULL", v.SQL())
}

func TestTextValue(t *testing.T) {
	v := Text("ON")
	assert.False(t, v.IsNull())
	assert.Equal(t, "ON", v.SQL())
}

func TestQuotedValueEscapesSingleQuotesAndBackslashes(t *testing.T) {
	v := Quoted(`o'brien\`)
	assert.Equal(t, `'o\'brien\\'`, v.SQL())
}

func TestIntValue(t *testing.T) {
	v := Int(-42)
	assert.Equal(t, "-42", v.SQL())
}

func TestValueStringMirrorsSQL(t *testing.T) {
	v := Quoted("utf8mb4")
	assert.Equal(t, v.SQL(), v.String())
}
