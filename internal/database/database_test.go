package database

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSerializationFailure(t *testing.T) {
	assert.False(t, isSerializationFailure(nil))
	assert.False(t, isSerializationFailure(errors.New("syntax error")))

	assert.True(t, isSerializationFailure(errors.New("ERROR: could not serialize access (SQLSTATE 40001)")))
	assert.True(t, isSerializationFailure(errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")))
	assert.True(t, isSerializationFailure(errors.New("database is locked")))
}

func TestHealthWithoutInitialize(t *testing.T) {
	old := DB
	DB = nil
	defer func() { DB = old }()

	assert.Error(t, Health())
	assert.Error(t, Migrate())
	assert.NoError(t, Close())
}
