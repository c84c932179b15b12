package dberr

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIOKeepsCause(t *testing.T) {
	err := IO(os.ErrPermission, "open %s", "t.tbl")

	assert.True(t, Is(err, ErrIO))
	assert.True(t, Is(err, os.ErrPermission))
	assert.False(t, Is(err, ErrFormat))
	assert.Contains(t, err.Error(), "open t.tbl")
}

func TestIOWithoutCause(t *testing.T) {
	err := IO(nil, "page %d out of bounds", 7)

	assert.True(t, Is(err, ErrIO))
	assert.Equal(t, "page 7 out of bounds: i/o error", err.Error())
}

func TestWrapfPreservesKind(t *testing.T) {
	err := Wrapf(ErrDuplicateKey, "table %q", "users")

	assert.True(t, Is(err, ErrDuplicateKey))
	assert.False(t, Is(err, ErrNotFound))
}
