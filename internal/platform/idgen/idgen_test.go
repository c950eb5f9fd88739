package idgen_test

import (
	"testing"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUnique(t *testing.T) {
	a := idgen.New()
	b := idgen.New()
	require.NotEmpty(t, a)
	require.NotEmpty(t, b)
	assert.NotEqual(t, a, b)
}

func TestContentHashDeterministic(t *testing.T) {
	data := []byte("invoice bytes")
	h1 := idgen.ContentHash(data)
	h2 := idgen.ContentHash(data)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64) // hex-encoded SHA-256

	h3 := idgen.ContentHash([]byte("different bytes"))
	assert.NotEqual(t, h1, h3)
}

func TestEmpty(t *testing.T) {
	var zero idgen.ID
	assert.True(t, zero.Empty())
	assert.False(t, idgen.New().Empty())
}
