package recording

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packrec/internal/camera"
	"packrec/internal/clock"
)

const testSource = camera.SourceKey("0")

func testCameraConfig() camera.Config {
	cfg := camera.DefaultConfig()
	cfg.StartupGrace = 500 * time.Millisecond
	cfg.FirstFrameTimeout = 200 * time.Millisecond
	cfg.ReadTimeout = 100 * time.Millisecond
	cfg.InitAttempts = 2
	cfg.InitBackoff = 10 * time.Millisecond
	cfg.DeviceLockTimeout = 200 * time.Millisecond
	cfg.DeviceSettle = 10 * time.Millisecond
	for m, p := range cfg.Profiles {
		p.FPS = 100
		cfg.Profiles[m] = p
	}
	return cfg
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.FirstFrameTimeout = time.Second
	cfg.AcquireRetries = 2
	cfg.AcquireRetryDelay = 10 * time.Millisecond
	cfg.StopTimeout = 2 * time.Second
	cfg.TranscodeTimeout = 5 * time.Second
	cfg.ThumbnailFrame = 3
	cfg.ThumbnailWidth = 32
	return cfg
}

type fixture struct {
	rec    *Manager
	cams   *camera.Manager
	opener *camera.MockOpener
	store  *MemoryStore
	tc     *MockTranscoder
	cfg    Config
}

func newFixture(t *testing.T, opts ...ManagerOption) *fixture {
	t.Helper()
	f := &fixture{
		opener: camera.NewMockOpener(),
		store:  NewMemoryStore(),
		tc:     &MockTranscoder{},
		cfg:    testConfig(t),
	}
	f.cams = camera.NewManager(testCameraConfig(), f.opener)
	opts = append([]ManagerOption{WithTranscoder(f.tc)}, opts...)
	f.rec = NewManager(f.cfg, f.cams, f.store, opts...)
	t.Cleanup(func() {
		f.rec.Close(context.Background())
		_ = f.cams.Close()
	})
	return f
}

func req(code string) StartRequest {
	return StartRequest{SourceKey: string(testSource), Operator: "Budi", Category: "shopee", Code: code}
}

// waitFrames はジョブが指定数のフレームを書くまで待つ
func waitFrames(t *testing.T, m *Manager, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, ok := m.ActiveForSource(context.Background(), testSource)
		return ok && job.Frames >= n
	}, 3*time.Second, 10*time.Millisecond)
}

func TestManager_StartStopCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.rec.Start(ctx, req("RESI123"))
	require.NoError(t, err)

	rec, err := f.rec.Status(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRecording, rec.Status)

	waitFrames(t, f.rec, 5)

	res, err := f.rec.Stop(ctx, jobID, true)
	require.NoError(t, err)
	assert.False(t, res.TranscodeFailed)

	got := res.Record
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, FormatMP4, got.Format)
	assert.True(t, strings.HasSuffix(got.OutputPath, ".mp4"))
	assert.Contains(t, got.OutputPath, "/SHOPEE/Budi/RESI123_")
	assert.GreaterOrEqual(t, got.FrameCount, 5)
	assert.Len(t, got.SHA256, 64)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, 1, f.tc.Calls)

	out := filepath.Join(f.cfg.RootDir, got.OutputPath)
	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), got.SizeBytes)

	sum, err := sha256File(out)
	require.NoError(t, err)
	assert.Equal(t, sum, got.SHA256)

	// 中間ファイルは消える
	_, err = os.Stat(strings.TrimSuffix(out, ".mp4") + ".mjpeg")
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(f.cfg.RootDir, got.MetadataPath))
	require.NoError(t, err)
	var sc Sidecar
	require.NoError(t, json.Unmarshal(data, &sc))
	assert.Equal(t, "RESI123", sc.Package.Code)
	assert.Equal(t, got.SHA256, sc.Video.SHA256)

	_, err = os.Stat(filepath.Join(f.cfg.RootDir, got.ThumbnailPath))
	assert.NoError(t, err)

	stored, err := f.store.GetByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	_, ok := f.rec.ActiveForSource(ctx, testSource)
	assert.False(t, ok)
}

func TestManager_AlreadyRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.rec.Start(ctx, req("A1"))
	require.NoError(t, err)

	_, err = f.rec.Start(ctx, req("A2"))
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	_, err = f.rec.Stop(ctx, jobID, false)
	require.NoError(t, err)

	// 停止後は同じソースで開始できる
	jobID, err = f.rec.Start(ctx, req("A3"))
	require.NoError(t, err)
	_, err = f.rec.Cancel(ctx, jobID)
	require.NoError(t, err)
}

func TestManager_ConcurrentStartSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		busy    int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			jobID, err := f.rec.Start(ctx, req("R"+strings.Repeat("X", i+1)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, jobID)
			case errors.Is(err, ErrAlreadyRecording):
				busy++
			default:
				t.Errorf("予期しないエラー: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, busy)

	rows, err := f.store.ListByStatus(ctx, StatusRecording)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, winners[0], rows[0].JobID)

	// 拒否された開始は実行中のジョブに影響しない
	waitFrames(t, f.rec, 2)
	job, ok := f.rec.ActiveForSource(ctx, testSource)
	require.True(t, ok)
	assert.Equal(t, winners[0], job.JobID)
	require.Eventually(t, func() bool {
		cur, ok := f.rec.ActiveForSource(ctx, testSource)
		return ok && cur.JobID == winners[0] && cur.Frames > job.Frames
	}, 3*time.Second, 10*time.Millisecond)
}

// countingWriter は書き込んだフレーム数を数える
type countingWriter struct {
	FrameWriter
	n *atomic.Int64
}

func (w countingWriter) WriteFrame(jpeg []byte) error {
	w.n.Add(1)
	return w.FrameWriter.WriteFrame(jpeg)
}

func TestManager_StreamRestartKeepsWriting(t *testing.T) {
	var written atomic.Int64
	f := newFixture(t, WithWriterFactory(func(path string) (FrameWriter, error) {
		w, err := NewMJPEGWriter(path)
		if err != nil {
			return nil, err
		}
		return countingWriter{FrameWriter: w, n: &written}, nil
	}))
	ctx := context.Background()

	// 最初のストリームは30回読んだ後に落ちる
	f.opener.SetFailAfter(testSource, 30)
	jobID, err := f.rec.Start(ctx, req("RESTART1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.opener.Opens(testSource) >= 2
	}, 5*time.Second, 2*time.Millisecond)
	f.opener.SetFailAfter(testSource, 1<<30)
	atRestart := written.Load()

	// 取り直したストリームのフレームも書き続ける
	require.Eventually(t, func() bool {
		return written.Load() >= atRestart+20
	}, 5*time.Second, 10*time.Millisecond)

	res, err := f.rec.Stop(ctx, jobID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Record.Status)
	assert.Equal(t, int(written.Load()), res.Record.FrameCount)
}

func TestManager_StopIgnoresCallerCancel(t *testing.T) {
	f := newFixture(t)

	jobID, err := f.rec.Start(context.Background(), req("DETACH1"))
	require.NoError(t, err)
	waitFrames(t, f.rec, 3)

	// 呼び出し元が切断しても変換まで完了させる
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.rec.Stop(ctx, jobID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Record.Status)
	assert.False(t, res.TranscodeFailed)
	assert.Equal(t, FormatMP4, res.Record.Format)
}

func TestManager_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.rec.Start(ctx, req("C1"))
	require.NoError(t, err)
	waitFrames(t, f.rec, 2)

	res, err := f.rec.Cancel(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Record.Status)
	assert.Equal(t, 0, f.tc.Calls)

	// キャプチャファイルは残らない
	var files []string
	_ = filepath.Walk(f.cfg.RootDir, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, p)
		}
		return nil
	})
	assert.Empty(t, files)

	_, err = f.rec.Stop(ctx, jobID, true)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestManager_TranscodeFallback(t *testing.T) {
	f := newFixture(t)
	f.tc.Fail = true
	ctx := context.Background()

	jobID, err := f.rec.Start(ctx, req("F1"))
	require.NoError(t, err)
	waitFrames(t, f.rec, 3)

	res, err := f.rec.Stop(ctx, jobID, true)
	require.NoError(t, err)
	assert.True(t, res.TranscodeFailed)
	assert.Equal(t, StatusCompleted, res.Record.Status)
	assert.Equal(t, FormatMJPEG, res.Record.Format)
	assert.True(t, strings.HasSuffix(res.Record.OutputPath, ".mjpeg"))

	// 壊れたmp4は消える
	mp4 := filepath.Join(f.cfg.RootDir, strings.TrimSuffix(res.Record.OutputPath, ".mjpeg")+".mp4")
	_, err = os.Stat(mp4)
	assert.True(t, os.IsNotExist(err))

	sum, err := sha256File(filepath.Join(f.cfg.RootDir, res.Record.OutputPath))
	require.NoError(t, err)
	assert.Equal(t, sum, res.Record.SHA256)
}

func TestManager_NoFramesIsError(t *testing.T) {
	f := newFixture(t)
	f.opener.SetOpenError(testSource, errors.New("no device"))
	ctx := context.Background()

	jobID, err := f.rec.Start(ctx, req("E1"))
	require.NoError(t, err)

	res, err := f.rec.Stop(ctx, jobID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Record.Status)
	assert.NotEmpty(t, res.Record.ErrorMessage)
	assert.Equal(t, 0, f.tc.Calls)
}

func TestManager_PersistFailure(t *testing.T) {
	f := newFixture(t)
	f.store.SetFailWrites(true)
	ctx := context.Background()

	_, err := f.rec.Start(ctx, req("P1"))
	assert.ErrorIs(t, err, ErrPersistence)

	// 予約は取り消される
	assert.Empty(t, f.rec.Active(ctx))
	f.store.SetFailWrites(false)
	jobID, err := f.rec.Start(ctx, req("P2"))
	require.NoError(t, err)
	_, err = f.rec.Cancel(ctx, jobID)
	require.NoError(t, err)
}

func TestManager_StartValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Start(ctx, StartRequest{SourceKey: "0", Code: "  "})
	assert.Error(t, err)
	_, err = f.rec.Start(ctx, StartRequest{Code: "X"})
	assert.Error(t, err)
}

func TestManager_ReclaimZombie(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 以前のプロセスが残した行
	id, err := f.store.Create(ctx, &Record{
		JobID:     "old-job",
		SourceKey: "0",
		Code:      "Z1",
		StartedAt: time.Now().Add(-time.Minute),
		Status:    StatusRecording,
	})
	require.NoError(t, err)

	assert.Empty(t, f.rec.Active(ctx))

	rec, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, rec.Status)
	assert.True(t, strings.HasPrefix(rec.ErrorMessage, "auto-clean"))
}

func TestManager_ReclaimStale(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	f := newFixture(t, WithClock(clk))
	ctx := context.Background()

	jobID, err := f.rec.Start(ctx, req("S1"))
	require.NoError(t, err)
	waitFrames(t, f.rec, 2)

	clk.Advance(f.cfg.StaleAfter + time.Minute)
	assert.Empty(t, f.rec.Active(ctx))

	rec, err := f.store.GetByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "auto-clean")

	_, err = f.rec.Stop(ctx, jobID, true)
	assert.ErrorIs(t, err, ErrJobNotFound)

	// ソースは再び使える
	jobID, err = f.rec.Start(ctx, req("S2"))
	require.NoError(t, err)
	_, err = f.rec.Cancel(ctx, jobID)
	require.NoError(t, err)
}

func TestManager_MaxDuration(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	f := newFixture(t, WithClock(clk))
	ctx := context.Background()

	jobID, err := f.rec.Start(ctx, req("M1"))
	require.NoError(t, err)
	waitFrames(t, f.rec, 2)

	clk.Advance(f.cfg.MaxDuration)
	job, _ := f.rec.ActiveForSource(ctx, testSource)
	frames := job.Frames
	time.Sleep(100 * time.Millisecond)
	job, _ = f.rec.ActiveForSource(ctx, testSource)
	assert.LessOrEqual(t, job.Frames, frames+1)

	res, err := f.rec.Stop(ctx, jobID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Record.Status)
	assert.Contains(t, res.Record.ErrorMessage, "打ち切り")
}

func TestManager_RecentAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, code := range []string{"R1", "R2"} {
		jobID, err := f.rec.Start(ctx, req(code))
		require.NoError(t, err)
		waitFrames(t, f.rec, 1)
		_, err = f.rec.Stop(ctx, jobID, code == "R1")
		require.NoError(t, err)
	}

	recent, err := f.rec.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "R2", recent[0].Code)

	st, err := f.rec.Stats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus[StatusCompleted])
	assert.Equal(t, 1, st.ByStatus[StatusCancelled])
}

func TestManager_CloseCommitsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.rec.Start(ctx, req("X1"))
	require.NoError(t, err)
	waitFrames(t, f.rec, 2)

	f.rec.Close(ctx)

	rec, err := f.store.GetByJobID(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Empty(t, f.rec.Active(ctx))
}

func TestEffectiveFPS(t *testing.T) {
	m := &Manager{cfg: Config{FPS: 20}}
	t0 := time.Now()

	assert.Equal(t, 20.0, m.effectiveFPS(&job{frames: 1, firstAt: t0, lastAt: t0}))
	assert.InDelta(t, 10.0, m.effectiveFPS(&job{frames: 11, firstAt: t0, lastAt: t0.Add(time.Second)}), 0.001)
	assert.Equal(t, 20.0, m.effectiveFPS(&job{frames: 100, firstAt: t0, lastAt: t0.Add(time.Second)}))
	assert.Equal(t, 1.0, m.effectiveFPS(&job{frames: 2, firstAt: t0, lastAt: t0.Add(10 * time.Second)}))
}
