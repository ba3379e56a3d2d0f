package enginerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := Newf(PermanentConfig, "config.validate", "ACOUSTID_API_KEY is not set")
	assert.Equal(t, PermanentConfig, KindOf(err))

	// classification survives wrapping
	wrapped := fmt.Errorf("startup failed: %w", err)
	assert.Equal(t, PermanentConfig, KindOf(wrapped))

	// unclassified errors default to the retry path
	assert.Equal(t, Transient, KindOf(errors.New("something broke")))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsTransient(New(Transient, "op", errors.New("timeout"))))
	assert.True(t, IsPermanentInput(New(PermanentInput, "op", errors.New("not audio"))))
	assert.True(t, IsConflict(New(DataConflict, "op", errors.New("duplicate isrc"))))
	assert.True(t, IsFatal(New(Fatal, "op", errors.New("panic"))))

	assert.False(t, IsFatal(errors.New("plain")))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := New(Transient, "ingest.open", cause)

	assert.True(t, errors.Is(err, cause))
}

func TestErrorString(t *testing.T) {
	err := New(Transient, "ingest.open", errors.New("boom"))
	assert.Contains(t, err.Error(), "TRANSIENT")
	assert.Contains(t, err.Error(), "ingest.open")

	err = err.WithStation("station-1")
	assert.Contains(t, err.Error(), "station-1")
}
