package recording

import (
	"encoding/json"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayout(t *testing.T) {
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name     string
		category string
		operator string
		code     string
		want     string
	}{
		{"通常", "shopee", "Budi", "RESI123", "2024-05-01/SHOPEE/Budi/RESI123_1714555800"},
		{"既定値", "", "", "X1", "2024-05-01/OTHER/unknown/X1_1714555800"},
		{"危険な文字を除去", "../tok/", "a/b\\c", "R 1;rm", "2024-05-01/TOK/abc/R_1rm_1714555800"},
		{"コードなし", "jnt", "Ani", "!!!", "2024-05-01/JNT/Ani/nocode_1714555800"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, layout(at, tt.category, tt.operator, tt.code))
		})
	}
}

func TestThumbnailRelPath(t *testing.T) {
	a := thumbnailRelPath("2024-05-01/SHOPEE/Budi/R1_1.mp4")
	b := thumbnailRelPath("2024-05-01/SHOPEE/Budi/R2_1.mp4")
	assert.True(t, strings.HasPrefix(a, "thumbnails/thumb_"))
	assert.True(t, strings.HasSuffix(a, ".jpg"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, thumbnailRelPath("2024-05-01/SHOPEE/Budi/R1_1.mp4"))
}

func TestSHA256File(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0644))
	sum, err := sha256File(p)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}

func TestWriteSidecar(t *testing.T) {
	dir := t.TempDir()
	started := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	ended := started.Add(12345 * time.Millisecond)
	r := &Record{
		Code: "RESI123", Category: "SHOPEE", Operator: "Budi",
		StartedAt: started, EndedAt: &ended, DurationSeconds: 12.3456,
		OutputPath: "2024-05-01/SHOPEE/Budi/RESI123_1.mp4", Format: FormatMP4,
		SizeBytes: 4096, SHA256: "deadbeef", FrameCount: 240,
	}
	p := filepath.Join(dir, "meta.json")
	require.NoError(t, writeSidecar(p, r))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	var sc Sidecar
	require.NoError(t, json.Unmarshal(data, &sc))
	assert.Equal(t, "RESI123_1.mp4", sc.Video.FileName)
	assert.Equal(t, 12.34, sc.Video.DurationSeconds)
	assert.Equal(t, int64(4), sc.Video.SizeKB)
	assert.Equal(t, "deadbeef", sc.Video.SHA256)
	assert.Equal(t, "2024-05-01T09:30:12Z", sc.Time.EndedAt)
}

func TestWriteThumbnail(t *testing.T) {
	dir := t.TempDir()
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))
	p := filepath.Join(dir, "thumbnails", "t.jpg")
	require.NoError(t, writeThumbnail(p, src, 50))

	f, err := os.Open(p)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 25, img.Bounds().Dy())
}

func TestRemoveIfExists(t *testing.T) {
	p := filepath.Join(t.TempDir(), "gone")
	assert.NoError(t, removeIfExists(p))
	require.NoError(t, os.WriteFile(p, nil, 0644))
	assert.NoError(t, removeIfExists(p))
	_, err := os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}

func TestMJPEGWriter(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a", "b", "c.mjpeg")
	w, err := NewMJPEGWriter(p)
	require.NoError(t, err)
	require.NoError(t, w.WriteFrame([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}))
	require.NoError(t, w.WriteFrame([]byte{0xFF, 0xD8, 0x02, 0xFF, 0xD9}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Len(t, data, 10)
}
