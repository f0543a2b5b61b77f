package camera

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, opener *MockOpener, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(testConfig(), opener, opts...)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestStream_ZoomAppliesOnlyToPreview(t *testing.T) {
	ctx := context.Background()
	opener := NewMockOpener()
	src := TestPattern(320, 240)
	opener.SetImage("0", src)
	m := newTestManager(t, opener)

	s, err := m.Acquire(ctx, "0")
	require.NoError(t, err)
	require.NoError(t, s.SetZoom(2.0))

	first, ok := s.Raw()
	require.True(t, ok)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	f, err := s.Next(waitCtx, first.Seq+1)
	require.NoError(t, err)

	// 生フレームはソースのままのサイズ
	assert.Equal(t, 320, f.Width)
	assert.Equal(t, 240, f.Height)
	assert.Equal(t, 2.0, s.Zoom())

	preview, seq, ok := s.Preview()
	require.True(t, ok)
	assert.Greater(t, seq, uint64(0))
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(preview))
	require.NoError(t, err)
	assert.LessOrEqual(t, cfg.Width, DefaultProfiles[ModePreview].PreviewWidth)

	assert.Error(t, s.SetZoom(0.5))
	assert.Error(t, s.SetZoom(MaxZoom+1))
}

func TestStream_SeqIncreases(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, NewMockOpener())

	s, err := m.Acquire(ctx, "rtsp://cam/1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var last uint64
	for i := 0; i < 3; i++ {
		f, err := s.Next(waitCtx, last)
		require.NoError(t, err)
		assert.Greater(t, f.Seq, last)
		last = f.Seq
	}
}

func TestStream_FirstReadFailureIsNoFrame(t *testing.T) {
	opener := NewMockOpener()
	opener.SetNoFrame("0", true)
	m := newTestManager(t, opener)

	_, err := m.Acquire(context.Background(), "0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoFrame)
	assert.Equal(t, 2, opener.Opens("0"))
	assert.Equal(t, 0, opener.OpenCount("0"))
}

func TestStream_OpenFailureIsUnavailable(t *testing.T) {
	opener := NewMockOpener()
	opener.SetOpenError("rtsp://gone/1", errors.New("connection refused"))
	m := newTestManager(t, opener)

	_, err := m.Acquire(context.Background(), "rtsp://gone/1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
	assert.NotErrorIs(t, err, ErrDeviceBusy)
}

func TestStream_ConsecutiveErrorsStopLoop(t *testing.T) {
	opener := NewMockOpener()
	opener.SetFailAfter("0", 2)
	m := newTestManager(t, opener)

	s, err := m.Acquire(context.Background(), "0")
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("連続エラー後にループが終了しませんでした")
	}

	assert.False(t, s.Healthy(time.Now()))
	assert.Equal(t, 0, opener.OpenCount("0"))
	assert.False(t, s.Info().Running)
	assert.NotEmpty(t, s.Info().Error)

	_, err = s.Next(context.Background(), 1<<60)
	assert.ErrorIs(t, err, ErrStreamStopped)
}

func TestStream_SetMode(t *testing.T) {
	m := newTestManager(t, NewMockOpener())
	s, err := m.Acquire(context.Background(), "1")
	require.NoError(t, err)

	assert.Equal(t, ModePreview, s.Mode())
	require.NoError(t, s.SetMode(ModeRecord))
	assert.Equal(t, ModeRecord, s.Mode())
	assert.Error(t, s.SetMode("timelapse"))
}
