package recording

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"packrec/internal/camera"
	"packrec/internal/clock"
	"packrec/internal/log"
	"packrec/internal/metrics"
)

// Cameras は録画が使うストリーム取得元
type Cameras interface {
	Acquire(ctx context.Context, key camera.SourceKey) (*camera.Stream, error)
}

// Manager は録画ジョブを管理する
// ソースキーごとに未完了のジョブはひとつだけ
type Manager struct {
	cfg        Config
	cameras    Cameras
	store      Store
	transcoder Transcoder
	newWriter  WriterFactory
	clock      clock.Clock
	logger     zerolog.Logger

	mu       sync.Mutex
	jobs     map[string]*job
	bySource map[camera.SourceKey]string
}

// job はメモリ上の録画ジョブ
type job struct {
	id          string
	recordID    int64
	req         StartRequest
	relBase     string // 拡張子なしの相対パス
	capturePath string
	outputPath  string
	startedAt   time.Time

	cancel context.CancelFunc
	done   chan struct{}

	// Manager.muで保護する
	finalizing bool

	mu        sync.Mutex
	frames    int
	firstAt   time.Time
	lastAt    time.Time
	thumb     image.Image
	err       error
	truncated bool
}

func (j *job) setErr(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err == nil {
		j.err = err
	}
}

// ManagerOption はManagerの任意設定
type ManagerOption func(*Manager)

// WithClock は時刻源を差し替える
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clock = c }
}

// WithTranscoder は変換器を差し替える
func WithTranscoder(t Transcoder) ManagerOption {
	return func(m *Manager) { m.transcoder = t }
}

// WithWriterFactory はキャプチャの書き出し方法を差し替える
func WithWriterFactory(f WriterFactory) ManagerOption {
	return func(m *Manager) { m.newWriter = f }
}

// NewManager は新しいManagerを作成する
func NewManager(cfg Config, cameras Cameras, store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:        cfg,
		cameras:    cameras,
		store:      store,
		transcoder: NewFFmpegTranscoder(cfg.FFmpegPath),
		newWriter:  NewMJPEGWriter,
		clock:      clock.Real{},
		logger:     log.WithComponent("recording"),
		jobs:       make(map[string]*job),
		bySource:   make(map[camera.SourceKey]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start は行を永続化してからキャプチャを開始し、ジョブIDを返す
func (m *Manager) Start(ctx context.Context, req StartRequest) (string, error) {
	req.SourceKey = strings.TrimSpace(req.SourceKey)
	req.Code = strings.TrimSpace(req.Code)
	if req.SourceKey == "" {
		return "", fmt.Errorf("ソースキーが空です")
	}
	if req.Code == "" {
		return "", fmt.Errorf("コードが空です")
	}
	key := camera.SourceKey(req.SourceKey)

	m.reclaim(ctx)

	now := m.clock.Now()
	rel := layout(now, req.Category, req.Operator, req.Code)
	cctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:          uuid.New().String(),
		req:         req,
		relBase:     rel,
		capturePath: filepath.Join(m.cfg.RootDir, filepath.FromSlash(rel)+".mjpeg"),
		outputPath:  filepath.Join(m.cfg.RootDir, filepath.FromSlash(rel)+".mp4"),
		startedAt:   now,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	// キーを予約してから永続化する
	m.mu.Lock()
	if _, busy := m.bySource[key]; busy {
		m.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%s: %w", key, ErrAlreadyRecording)
	}
	m.bySource[key] = j.id
	m.jobs[j.id] = j
	m.mu.Unlock()

	rec := &Record{
		JobID:      j.id,
		SourceKey:  req.SourceKey,
		Operator:   req.Operator,
		Category:   req.Category,
		Code:       req.Code,
		StartedAt:  now,
		OutputPath: rel + ".mp4",
		Format:     FormatMP4,
		Status:     StatusRecording,
	}
	id, err := m.store.Create(ctx, rec)
	if err != nil {
		m.forget(j)
		cancel()
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	j.recordID = id

	logger := m.jobLogger(j)
	logger.Info().Str(log.FieldPath, rel).Msg("録画を開始しました")

	go m.capture(cctx, j, logger)
	return j.id, nil
}

func (m *Manager) jobLogger(j *job) zerolog.Logger {
	return m.logger.With().
		Str(log.FieldJobID, j.id).
		Int64(log.FieldRecordID, j.recordID).
		Str(log.FieldSource, j.req.SourceKey).
		Str(log.FieldCode, j.req.Code).
		Logger()
}

// forget はジョブをアクティブ集合から外す
func (m *Manager) forget(j *job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, j.id)
	key := camera.SourceKey(j.req.SourceKey)
	if m.bySource[key] == j.id {
		delete(m.bySource, key)
	}
}

// acquire はストリーム取得を一定回数再試行する
func (m *Manager) acquire(ctx context.Context, key camera.SourceKey) (*camera.Stream, error) {
	retries := m.cfg.AcquireRetries
	if retries < 1 {
		retries = 1
	}
	var lastErr error
	for i := 0; i < retries; i++ {
		s, err := m.cameras.Acquire(ctx, key)
		if err == nil {
			return s, nil
		}
		lastErr = err
		select {
		case <-time.After(m.cfg.AcquireRetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// capture は停止されるまで新しいフレームだけを書き出す
func (m *Manager) capture(ctx context.Context, j *job, logger zerolog.Logger) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("キャプチャでpanicが発生しました")
			j.setErr(fmt.Errorf("キャプチャでpanicが発生しました: %v", r))
		}
	}()

	key := camera.SourceKey(j.req.SourceKey)
	stream, err := m.acquire(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("ストリームを取得できません")
			j.setErr(fmt.Errorf("ストリームを取得できません: %w", err))
		}
		return
	}
	if err := stream.SetMode(camera.ModeRecord); err != nil {
		logger.Warn().Err(err).Msg("用途の切り替えに失敗")
	}
	defer func() {
		_ = stream.SetMode(camera.ModePreview)
	}()

	firstCtx, cancel := context.WithTimeout(ctx, m.cfg.FirstFrameTimeout)
	frame, err := stream.Next(firstCtx, 0)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("最初のフレームを受信できません")
			j.setErr(fmt.Errorf("最初のフレームを受信できません: %w", err))
		}
		return
	}

	w, err := m.newWriter(j.capturePath)
	if err != nil {
		logger.Error().Err(err).Msg("書き出しの準備に失敗")
		j.setErr(err)
		return
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.Error().Err(err).Msg("キャプチャファイルのクローズに失敗")
			j.setErr(err)
		}
	}()

	logger.Info().Int("width", frame.Width).Int("height", frame.Height).Msg("キャプチャを開始しました")

	var last uint64
	for {
		if frame.Seq > last {
			if err := w.WriteFrame(frame.JPEG); err != nil {
				logger.Error().Err(err).Msg("フレームの書き込みに失敗")
				j.setErr(err)
				return
			}
			last = frame.Seq
			m.noteFrame(j, frame)
		}

		if m.clock.Now().Sub(j.startedAt) >= m.cfg.MaxDuration {
			j.mu.Lock()
			j.truncated = true
			j.mu.Unlock()
			logger.Warn().Dur("max", m.cfg.MaxDuration).Msg("最大録画時間に達したため追記を停止します")
			<-ctx.Done()
			return
		}

		next, err := stream.Next(ctx, last)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, camera.ErrStreamStopped) {
				// ストリームが落ちたら取り直す
				logger.Warn().Msg("ストリームが停止したため再取得します")
				ns, nf, rerr := m.reopen(ctx, key)
				if rerr != nil {
					if ctx.Err() == nil {
						j.setErr(fmt.Errorf("ストリームの再取得に失敗: %w", rerr))
					}
					return
				}
				// 連番は新しいストリームで1から振り直される
				stream, frame, last = ns, nf, 0
				continue
			}
			j.setErr(err)
			return
		}
		frame = next
	}
}

// reopen はストリームを取り直し、新しいストリームの最初のフレームを返す
func (m *Manager) reopen(ctx context.Context, key camera.SourceKey) (*camera.Stream, *camera.Frame, error) {
	stream, err := m.acquire(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	_ = stream.SetMode(camera.ModeRecord)

	firstCtx, cancel := context.WithTimeout(ctx, m.cfg.FirstFrameTimeout)
	defer cancel()
	frame, err := stream.Next(firstCtx, 0)
	if err != nil {
		return nil, nil, err
	}
	return stream, frame, nil
}

// noteFrame はフレーム数とサムネイル候補を記録する
func (m *Manager) noteFrame(j *job, f *camera.Frame) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.frames++
	if j.frames == 1 {
		j.firstAt = f.CapturedAt
		j.thumb = f.Image
	}
	if j.frames == m.cfg.ThumbnailFrame {
		j.thumb = f.Image
	}
	j.lastAt = f.CapturedAt
}

// Stop はジョブを停止する。commitなら成果物を作って完了させ、そうでなければ破棄する
// どちらの場合もジョブはアクティブ集合から外れる
func (m *Manager) Stop(ctx context.Context, jobID string, commit bool) (*Result, error) {
	m.mu.Lock()
	j, ok := m.jobs[jobID]
	if !ok || j.finalizing {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", jobID, ErrJobNotFound)
	}
	j.finalizing = true
	m.mu.Unlock()
	defer m.forget(j)

	// 確定処理は呼び出し元の切断で中断しない
	ctx = context.WithoutCancel(ctx)

	logger := m.jobLogger(j)
	stopped := m.halt(j, logger)

	rec, err := m.store.Get(ctx, j.recordID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	now := m.clock.Now()
	rec.EndedAt = &now
	rec.DurationSeconds = now.Sub(rec.StartedAt).Seconds()

	j.mu.Lock()
	rec.FrameCount = j.frames
	captureErr := j.err
	j.mu.Unlock()

	result := &Result{}
	switch {
	case !commit:
		m.discard(j, logger)
		rec.Status = StatusCancelled
	case !stopped:
		rec.Status = StatusError
		rec.ErrorMessage = "キャプチャが時間内に停止しませんでした"
	default:
		m.finalize(ctx, j, rec, captureErr, logger)
		result.TranscodeFailed = rec.TranscodeFailed
	}

	if err := m.store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.IncRecordingFinished(string(rec.Status))
	logger.Info().Str(log.FieldNewState, string(rec.Status)).Int("frames", rec.FrameCount).Msg("録画を終了しました")

	result.Record = *rec
	return result, nil
}

// Cancel は録画を破棄する
func (m *Manager) Cancel(ctx context.Context, jobID string) (*Result, error) {
	return m.Stop(ctx, jobID, false)
}

// halt はキャプチャゴルーチンを止め、上限時間まで待つ
func (m *Manager) halt(j *job, logger zerolog.Logger) bool {
	j.cancel()
	timeout := m.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-j.done:
		return true
	case <-time.After(timeout):
		logger.Warn().Dur("timeout", timeout).Msg("キャプチャが時間内に停止しませんでした")
		return false
	}
}

// discard はキャプチャと出力のファイルを削除する
func (m *Manager) discard(j *job, logger zerolog.Logger) {
	for _, p := range []string{j.capturePath, j.outputPath} {
		if err := removeIfExists(p); err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, p).Msg("ファイルの削除に失敗")
		}
	}
}

// finalize は変換・ハッシュ・サイドカー・サムネイルを作り、recの状態を決める
func (m *Manager) finalize(ctx context.Context, j *job, rec *Record, captureErr error, logger zerolog.Logger) {
	info, err := os.Stat(j.capturePath)
	if err != nil || info.Size() == 0 || rec.FrameCount == 0 {
		rec.Status = StatusError
		rec.ErrorMessage = "録画ファイルがありません"
		if captureErr != nil {
			rec.ErrorMessage = captureErr.Error()
		}
		_ = removeIfExists(j.capturePath)
		return
	}

	finalPath := j.outputPath
	rec.Format = FormatMP4
	rec.OutputPath = j.relBase + ".mp4"

	tctx, cancel := context.WithTimeout(ctx, m.cfg.TranscodeTimeout)
	err = m.transcoder.Transcode(tctx, j.capturePath, j.outputPath, m.effectiveFPS(j))
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("トランスコードに失敗したためMJPEGを保持します")
		_ = removeIfExists(j.outputPath)
		finalPath = j.capturePath
		rec.Format = FormatMJPEG
		rec.OutputPath = j.relBase + ".mjpeg"
		rec.TranscodeFailed = true
	} else {
		_ = removeIfExists(j.capturePath)
	}

	info, err = os.Stat(finalPath)
	if err != nil || info.Size() == 0 {
		rec.Status = StatusError
		rec.ErrorMessage = "出力ファイルが存在しないか空です"
		return
	}
	rec.SizeBytes = info.Size()

	sum, err := sha256File(finalPath)
	if err != nil {
		rec.Status = StatusError
		rec.ErrorMessage = fmt.Sprintf("ハッシュの計算に失敗: %v", err)
		return
	}
	rec.SHA256 = sum

	sidecarRel := j.relBase + ".json"
	if err := writeSidecar(filepath.Join(m.cfg.RootDir, filepath.FromSlash(sidecarRel)), rec); err != nil {
		logger.Warn().Err(err).Msg("サイドカーの書き込みに失敗")
	} else {
		rec.MetadataPath = sidecarRel
	}

	j.mu.Lock()
	thumb := j.thumb
	j.mu.Unlock()
	if thumb != nil {
		thumbRel := thumbnailRelPath(rec.OutputPath)
		if err := writeThumbnail(filepath.Join(m.cfg.RootDir, filepath.FromSlash(thumbRel)), thumb, m.cfg.ThumbnailWidth); err != nil {
			logger.Warn().Err(err).Msg("サムネイルの書き込みに失敗")
		} else {
			rec.ThumbnailPath = thumbRel
		}
	}

	rec.Status = StatusCompleted
	j.mu.Lock()
	truncated := j.truncated
	j.mu.Unlock()
	switch {
	case captureErr != nil:
		rec.ErrorMessage = captureErr.Error()
	case truncated:
		rec.ErrorMessage = fmt.Sprintf("最大録画時間 (%s) で打ち切りました", m.cfg.MaxDuration)
	}
}

// effectiveFPS は実際に書き込んだフレームの間隔から変換時のフレームレートを決める
func (m *Manager) effectiveFPS(j *job) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	limit := float64(m.cfg.FPS)
	if limit <= 0 {
		limit = 20
	}
	span := j.lastAt.Sub(j.firstAt).Seconds()
	if j.frames < 2 || span <= 0 {
		return limit
	}
	fps := float64(j.frames-1) / span
	if fps < 1 {
		return 1
	}
	if fps > limit {
		return limit
	}
	return fps
}

// reclaim はメモリ上のジョブを失った行と長時間残った行をERRORにする
func (m *Manager) reclaim(ctx context.Context) {
	rows, err := m.store.ListByStatus(ctx, StatusRecording)
	if err != nil {
		m.logger.Warn().Err(err).Msg("録画中レコードの取得に失敗")
		return
	}
	now := m.clock.Now()

	for i := range rows {
		rec := rows[i]
		m.mu.Lock()
		j, live := m.jobs[rec.JobID]
		if live && j.finalizing {
			m.mu.Unlock()
			continue
		}
		stale := m.cfg.StaleAfter > 0 && now.Sub(rec.StartedAt) > m.cfg.StaleAfter
		if live && stale {
			j.finalizing = true
		}
		m.mu.Unlock()

		var reason string
		switch {
		case !live:
			reason = "auto-clean: プロセスが存在しません"
		case stale:
			reason = fmt.Sprintf("auto-clean: 録画が上限時間 (%s) を超えました", m.cfg.StaleAfter)
			// ファイルは残したままキャプチャだけ止める
			m.halt(j, m.jobLogger(j))
			m.forget(j)
		default:
			continue
		}

		rec.Status = StatusError
		rec.ErrorMessage = reason
		rec.EndedAt = &now
		rec.DurationSeconds = now.Sub(rec.StartedAt).Seconds()
		if err := m.store.Update(ctx, &rec); err != nil {
			m.logger.Warn().Err(err).Int64(log.FieldRecordID, rec.ID).Msg("レコードの回収に失敗")
			continue
		}
		metrics.IncRecordingFinished(string(StatusError))
		m.logger.Warn().Int64(log.FieldRecordID, rec.ID).Str("reason", reason).Msg("録画レコードを回収しました")
	}
}

// Status はジョブIDのレコードを返す
func (m *Manager) Status(ctx context.Context, jobID string) (*Record, error) {
	m.reclaim(ctx)
	rec, err := m.store.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get はレコードIDで取得する
func (m *Manager) Get(ctx context.Context, id int64) (*Record, error) {
	m.reclaim(ctx)
	return m.store.Get(ctx, id)
}

// Active は実行中のジョブ一覧を返す
func (m *Manager) Active(ctx context.Context) []ActiveJob {
	m.reclaim(ctx)

	m.mu.Lock()
	live := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if !j.finalizing {
			live = append(live, j)
		}
	}
	m.mu.Unlock()

	list := make([]ActiveJob, 0, len(live))
	for _, j := range live {
		list = append(list, snapshot(j))
	}
	sort.Slice(list, func(a, b int) bool { return list[a].StartedAt.Before(list[b].StartedAt) })
	return list
}

// ActiveForSource はソースキーの実行中ジョブを返す
func (m *Manager) ActiveForSource(ctx context.Context, key camera.SourceKey) (ActiveJob, bool) {
	m.reclaim(ctx)

	m.mu.Lock()
	j := m.jobs[m.bySource[key]]
	if j == nil || j.finalizing {
		m.mu.Unlock()
		return ActiveJob{}, false
	}
	m.mu.Unlock()
	return snapshot(j), true
}

func snapshot(j *job) ActiveJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ActiveJob{
		JobID:     j.id,
		RecordID:  j.recordID,
		SourceKey: j.req.SourceKey,
		Operator:  j.req.Operator,
		Category:  j.req.Category,
		Code:      j.req.Code,
		StartedAt: j.startedAt,
		Frames:    j.frames,
	}
}

// Recent は新しい順にレコードを返す
func (m *Manager) Recent(ctx context.Context, limit int) ([]Record, error) {
	m.reclaim(ctx)
	return m.store.Recent(ctx, limit)
}

// Stats は指定日の状態別件数を返す
func (m *Manager) Stats(ctx context.Context, day time.Time) (Stats, error) {
	m.reclaim(ctx)

	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	to := from.AddDate(0, 0, 1)
	counts, err := m.store.CountByStatus(ctx, from, to)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Day: from.Format("2006-01-02"), ByStatus: counts}
	for _, n := range counts {
		st.Total += n
	}
	return st, nil
}

// Close は実行中のジョブをすべて確定させる
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.jobs))
	for id := range m.jobs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := m.Stop(ctx, id, true); err != nil {
			m.logger.Warn().Err(err).Str(log.FieldJobID, id).Msg("終了時の録画確定に失敗")
		}
	}
}
