package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreSetAndGet(t *testing.T) {
	s := NewStore()
	s.Set("sql_mode", Text("STRICT_TRANS_TABLES"))

	v, ok := s.Get("sql_mode")
	assert.True(t, ok)
	assert.Equal(t, "STRICT_TRANS_TABLES", v.SQL())

	_, ok = s.Get("missing")
	assert.False(t, ok)
}

func TestStoreOverwritePreservesInsertionOrder(t *testing.T) {
	s := NewStore()
	s.Set("a", Text("1"))
	s.Set("b", Text("2"))
	s.Set("a", Text("3"))

	assert.Equal(t, []string{"a", "b"}, s.Names())
	v, _ := s.Get("a")
	assert.Equal(t, "3", v.SQL())
	assert.Equal(t, 2, s.Len())
}

func TestStoreHasIncludesNullEntries(t *testing.T) {
	s := NewStore()
	s.Set("autocommit", Null())
	assert.True(t, s.Has("autocommit"))
	v, _ := s.Get("autocommit")
	assert.True(t, v.IsNull())
}
