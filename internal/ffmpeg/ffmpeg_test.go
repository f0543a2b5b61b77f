package ffmpeg

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailBuffer(t *testing.T) {
	tb := NewTailBuffer(8)

	_, err := tb.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", tb.String())

	_, _ = tb.Write([]byte("defghij"))
	assert.Equal(t, "cdefghij", tb.String())

	_, _ = tb.Write([]byte("0123456789"))
	assert.Equal(t, "23456789", tb.String())
}

func TestRun_MissingBinary(t *testing.T) {
	err := Run(context.Background(), "/nonexistent/ffmpeg-binary", "-version")
	require.Error(t, err)
	assert.False(t, Available("/nonexistent/ffmpeg-binary"))
}
