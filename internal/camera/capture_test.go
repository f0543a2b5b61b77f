package camera

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJPEG(t *testing.T) {
	f1 := []byte{0xFF, 0xD8, 1, 2, 3, 0xFF, 0xD9}
	f2 := []byte{0xFF, 0xD8, 4, 5, 0xFF, 0xD9}

	var data []byte
	data = append(data, 0x00, 0x01)
	data = append(data, f1...)
	data = append(data, f2...)
	data = append(data, 0xFF, 0xD8, 9)

	frames, rest := splitJPEG(data)
	require.Len(t, frames, 2)
	assert.Equal(t, f1, frames[0])
	assert.Equal(t, f2, frames[1])
	assert.Equal(t, []byte{0xFF, 0xD8, 9}, rest)

	// 続きが届いたら残りと合わせて1フレームになる
	frames, rest = splitJPEG(append(rest, 7, 0xFF, 0xD9))
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xFF, 0xD8, 9, 7, 0xFF, 0xD9}, frames[0])
	assert.Empty(t, rest)
}

func TestSplitJPEG_KeepsSplitMarker(t *testing.T) {
	frames, rest := splitJPEG([]byte{0x00, 0x00, 0xFF})
	assert.Empty(t, frames)
	assert.Equal(t, []byte{0xFF}, rest)
}
