package search

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	encoded := encodeCursor(1740830400000, 42)
	c, err := decodeCursor(encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(1740830400000), c.T)
	assert.Equal(t, int64(42), c.I)
}

func TestCursorRejectsGarbage(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!not-base64!!"},
		{"not json", base64.RawURLEncoding.EncodeToString([]byte("hello"))},
		{"missing fields", base64.RawURLEncoding.EncodeToString([]byte("{}"))},
		{"negative position", encodeCursor(-1, 5)},
		{"zero id", encodeCursor(1740830400000, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeCursor(tt.input)
			require.ErrorIs(t, err, ErrBadCursor)
		})
	}
}
