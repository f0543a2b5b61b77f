package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"packrec/internal/clock"
	"packrec/internal/log"
	"packrec/internal/metrics"
)

// ErrStreamStopped はキャプチャループが終了済みであることを表す
var ErrStreamStopped = errors.New("ストリームは停止しています")

// Stream はひとつのソースに対するライブキャプチャ
// キャプチャゴルーチンはハンドルごとにひとつ
type Stream struct {
	key    SourceKey
	cfg    Config
	opener Opener
	locks  *DeviceLocks
	clock  clock.Clock
	logger zerolog.Logger

	mu                sync.RWMutex
	raw               *Frame
	preview           []byte
	previewSeq        uint64
	seq               uint64
	lastFrameAt       time.Time
	consecutiveErrors int
	running           bool
	mode              UsageMode
	zoom              float64
	createdAt         time.Time
	lastAccess        time.Time
	strategy          string
	lastErr           error
	notify            chan struct{}

	limiter *rate.Limiter
	cancel  context.CancelFunc
	done    chan struct{}
}

// StreamInfo はストリームの状態のスナップショット
type StreamInfo struct {
	Source            SourceKey `json:"source"`
	Running           bool      `json:"running"`
	Mode              UsageMode `json:"mode"`
	Zoom              float64   `json:"zoom"`
	Seq               uint64    `json:"seq"`
	Strategy          string    `json:"strategy"`
	LastFrameAt       time.Time `json:"last_frame_at"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	CreatedAt         time.Time `json:"created_at"`
	LastAccess        time.Time `json:"last_access"`
	Error             string    `json:"error,omitempty"`
}

func newStream(key SourceKey, cfg Config, opener Opener, locks *DeviceLocks, clk clock.Clock, logger zerolog.Logger) *Stream {
	now := clk.Now()
	profile := cfg.profile(ModePreview)
	return &Stream{
		key:        key,
		cfg:        cfg,
		opener:     opener,
		locks:      locks,
		clock:      clk,
		logger:     logger.With().Str(log.FieldSource, key.String()).Logger(),
		mode:       ModePreview,
		zoom:       1.0,
		createdAt:  now,
		lastAccess: now,
		notify:     make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Limit(profile.FPS), 1),
		done:       make(chan struct{}),
	}
}

// Key はソースキーを返す
func (s *Stream) Key() SourceKey { return s.key }

// Start はソースを同期的に開き、キャプチャループを開始する
func (s *Stream) Start(ctx context.Context) error {
	src, strategy, first, err := s.openWithRetry(ctx)
	if err != nil {
		close(s.done)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.running = true
	s.strategy = strategy
	s.mu.Unlock()

	s.publish(first.data, first.img)
	metrics.StreamStarted()
	s.logger.Info().Str(log.FieldStrategy, strategy).Msg("ストリームを開始しました")

	go s.run(loopCtx, src)
	return nil
}

type decodedFrame struct {
	data []byte
	img  image.Image
}

// openWithRetry は戦略リスト全体を指数バックオフで再試行する
func (s *Stream) openWithRetry(ctx context.Context) (FrameSource, string, decodedFrame, error) {
	attempts := s.cfg.InitAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := s.cfg.InitBackoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		src, name, first, err := s.openOnce(ctx)
		if err == nil {
			return src, name, first, nil
		}
		lastErr = err
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("ソースのオープンに失敗")

		if errors.Is(err, ErrDeviceBusy) || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, "", decodedFrame{}, ctx.Err()
			}
			backoff *= 2
		}
	}

	switch {
	case errors.Is(lastErr, ErrDeviceBusy):
		metrics.IncStreamOpenFailure("busy")
	case errors.Is(lastErr, ErrNoFrame):
		metrics.IncStreamOpenFailure("no_frame")
	default:
		metrics.IncStreamOpenFailure("unavailable")
	}
	return nil, "", decodedFrame{}, lastErr
}

// openOnce は戦略を順に試し、最初のフレームで検証する
func (s *Stream) openOnce(ctx context.Context) (FrameSource, string, decodedFrame, error) {
	if idx, ok := s.key.DeviceIndex(); ok {
		release, err := s.locks.Acquire(ctx, idx, s.cfg.DeviceLockTimeout)
		if err != nil {
			return nil, "", decodedFrame{}, err
		}
		defer release()
	}

	strategies := s.opener.Strategies(s.key)
	if len(strategies) == 0 {
		return nil, "", decodedFrame{}, fmt.Errorf("%s: %w", s.key, ErrDeviceUnavailable)
	}

	var lastErr error
	for _, st := range strategies {
		src, err := st.Open(ctx)
		if err != nil {
			lastErr = fmt.Errorf("%s (%s): %v: %w", s.key, st.Name, err, ErrDeviceUnavailable)
			continue
		}

		first, err := s.readFirst(ctx, src)
		if err != nil {
			_ = src.Close()
			lastErr = fmt.Errorf("%s (%s): %v: %w", s.key, st.Name, err, ErrNoFrame)
			continue
		}
		return src, st.Name, first, nil
	}
	return nil, "", decodedFrame{}, lastErr
}

func (s *Stream) readFirst(ctx context.Context, src FrameSource) (decodedFrame, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.cfg.FirstFrameTimeout)
	defer cancel()

	data, err := src.ReadFrame(readCtx)
	if err != nil {
		return decodedFrame{}, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return decodedFrame{}, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}
	return decodedFrame{data: data, img: img}, nil
}

// run はキャプチャループ本体
func (s *Stream) run(ctx context.Context, src FrameSource) {
	defer close(s.done)
	defer s.closeSource(src)
	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.notify)
		s.notify = make(chan struct{})
		s.mu.Unlock()
		metrics.StreamStopped()
	}()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if !s.step(ctx, src) {
			return
		}
	}
}

// step は1フレームを読み取る。ループを続けるならtrue
func (s *Stream) step(ctx context.Context, src FrameSource) (cont bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("キャプチャループでpanicが発生しました")
			cont = s.recordError(fmt.Errorf("panic: %v", r))
		}
	}()

	readCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	data, err := src.ReadFrame(readCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		return s.recordError(err)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return s.recordError(fmt.Errorf("JPEG画像のデコードに失敗: %w", err))
	}
	s.publish(data, img)
	return true
}

// recordError は連続エラーを数え、上限に達したらfalseを返す
func (s *Stream) recordError(err error) bool {
	s.mu.Lock()
	s.consecutiveErrors++
	s.lastErr = err
	n := s.consecutiveErrors
	s.mu.Unlock()

	limit := s.cfg.MaxConsecutiveErrors
	if limit < 1 {
		limit = 1
	}
	if n >= limit {
		s.logger.Error().Err(err).Int("errors", n).Msg("連続エラーが上限に達したためループを終了します")
		return false
	}
	s.logger.Debug().Err(err).Int("errors", n).Msg("フレーム読み取りに失敗")
	return true
}

// publish は生フレームとプレビューを差し替える
func (s *Stream) publish(data []byte, img image.Image) {
	s.mu.RLock()
	zoom := s.zoom
	profile := s.cfg.profile(s.mode)
	s.mu.RUnlock()

	preview, err := buildPreview(img, zoom, profile)
	if err != nil {
		s.logger.Warn().Err(err).Msg("プレビューの生成に失敗")
	}

	now := s.clock.Now()
	b := img.Bounds()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.raw = &Frame{
		Seq:        s.seq,
		CapturedAt: now,
		Width:      b.Dx(),
		Height:     b.Dy(),
		JPEG:       data,
		Image:      img,
	}
	if preview != nil {
		s.preview = preview
		s.previewSeq = s.seq
	}
	s.lastFrameAt = now
	s.consecutiveErrors = 0
	s.lastErr = nil
	close(s.notify)
	s.notify = make(chan struct{})
}

// closeSource はソースを閉じる。ローカルデバイスはロックを保持したまま待機してから解放する
func (s *Stream) closeSource(src FrameSource) {
	idx, ok := s.key.DeviceIndex()
	if !ok {
		_ = src.Close()
		return
	}

	release, err := s.locks.Acquire(context.Background(), idx, s.cfg.DeviceLockTimeout)
	if err != nil {
		s.logger.Warn().Err(err).Msg("デバイスロックを取得できないまま解放します")
	}
	_ = src.Close()
	if s.cfg.DeviceSettle > 0 {
		time.Sleep(s.cfg.DeviceSettle)
	}
	if release != nil {
		release()
	}
	s.logger.Info().Msg("デバイスを解放しました")
}

// Stop はループを停止し、上限時間まで終了を待つ
func (s *Stream) Stop() error {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		s.logger.Warn().Dur("timeout", timeout).Msg("キャプチャループが時間内に終了しませんでした")
		return fmt.Errorf("%s: ループ停止がタイムアウトしました", s.key)
	}
}

// Done はループ終了時に閉じられるチャネルを返す
func (s *Stream) Done() <-chan struct{} { return s.done }

// Healthy は実行中かつフレームが新しいかを返す
func (s *Stream) Healthy(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return false
	}
	if !s.lastFrameAt.IsZero() && now.Sub(s.lastFrameAt) <= s.cfg.LivenessWindow {
		return true
	}
	return now.Sub(s.createdAt) <= s.cfg.StartupGrace
}

// Raw は最新の生フレームを返す
func (s *Stream) Raw() (*Frame, bool) {
	s.touch()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw, s.raw != nil
}

// Preview は最新のプレビューJPEGと対応する連番を返す
func (s *Stream) Preview() ([]byte, uint64, bool) {
	s.touch()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preview, s.previewSeq, s.preview != nil
}

// Next は連番 after より新しいフレームが公開されるまで待つ
func (s *Stream) Next(ctx context.Context, after uint64) (*Frame, error) {
	for {
		s.mu.RLock()
		f := s.raw
		ch := s.notify
		running := s.running
		s.mu.RUnlock()

		if f != nil && f.Seq > after {
			s.touch()
			return f, nil
		}
		if !running {
			return nil, ErrStreamStopped
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Stream) touch() {
	now := s.clock.Now()
	s.mu.Lock()
	s.lastAccess = now
	s.mu.Unlock()
}

// SetMode は用途を切り替え、フレームレートを更新する
func (s *Stream) SetMode(m UsageMode) error {
	if _, ok := DefaultProfiles[m]; !ok {
		return fmt.Errorf("不明な用途です: %s", m)
	}
	s.mu.Lock()
	old := s.mode
	s.mode = m
	s.mu.Unlock()

	s.limiter.SetLimit(rate.Limit(s.cfg.profile(m).FPS))
	if old != m {
		s.logger.Debug().Str(log.FieldOldState, string(old)).Str(log.FieldNewState, string(m)).Msg("用途を変更しました")
	}
	return nil
}

// Mode は現在の用途を返す
func (s *Stream) Mode() UsageMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// MaxZoom はズーム倍率の上限
const MaxZoom = 4.0

// SetZoom はプレビューのズーム倍率を設定する。生フレームには適用しない
func (s *Stream) SetZoom(z float64) error {
	if z < 1.0 || z > MaxZoom {
		return fmt.Errorf("ズーム倍率は1.0から%.1fの範囲で指定してください: %.2f", MaxZoom, z)
	}
	s.mu.Lock()
	s.zoom = z
	s.mu.Unlock()
	return nil
}

// Zoom は現在のズーム倍率を返す
func (s *Stream) Zoom() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.zoom
}

// idleSince は最後に読まれてからの経過時間を返す
func (s *Stream) idleSince(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastAccess)
}

// Info は状態のスナップショットを返す
func (s *Stream) Info() StreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := StreamInfo{
		Source:            s.key,
		Running:           s.running,
		Mode:              s.mode,
		Zoom:              s.zoom,
		Seq:               s.seq,
		Strategy:          s.strategy,
		LastFrameAt:       s.lastFrameAt,
		ConsecutiveErrors: s.consecutiveErrors,
		CreatedAt:         s.createdAt,
		LastAccess:        s.lastAccess,
	}
	if s.lastErr != nil {
		info.Error = s.lastErr.Error()
	}
	return info
}
