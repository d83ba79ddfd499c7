package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel(""))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	var typedNil *componentLogger
	assert.NotPanics(t, func() {
		OrNop(typedNil).Info("discarded %d", 1)
	})

	real := NewComponentLogger("test")
	assert.Equal(t, real, OrNop(real))
}

func TestIsNil(t *testing.T) {
	assert.True(t, IsNil(nil))
	var typedNil *componentLogger
	assert.True(t, IsNil(typedNil))
	assert.False(t, IsNil(Nop()))
	assert.False(t, IsNil(NewComponentLogger("x")))
}
