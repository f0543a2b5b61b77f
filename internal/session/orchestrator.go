package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"packrec/internal/barcode"
	"packrec/internal/camera"
	"packrec/internal/clock"
	"packrec/internal/log"
	"packrec/internal/metrics"
	"packrec/internal/notify"
	"packrec/internal/recording"
)

// purposeSession はセッションで使用中のカメラの用途名
const purposeSession = "session"

// Orchestrator はセッションと割り当ての状態機械
// 判断はロック内で行い、録画やカメラの呼び出しはロックの外で行う
type Orchestrator struct {
	cfg      Config
	cameras  Cameras
	recorder Recorder
	decoder  Decoder
	notifier notify.Notifier
	clock    clock.Clock
	logger   zerolog.Logger

	mu          sync.Mutex
	session     *Session
	assignments map[camera.SourceKey]*Assignment
}

// Option はOrchestratorの任意設定
type Option func(*Orchestrator)

// WithClock は時刻源を差し替える
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithNotifier は通知先を設定する
func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// NewOrchestrator は新しいOrchestratorを作成する
func NewOrchestrator(cfg Config, cameras Cameras, recorder Recorder, decoder Decoder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		cameras:     cameras,
		recorder:    recorder,
		decoder:     decoder,
		notifier:    notify.NewLogNotifier(),
		clock:       clock.Real{},
		logger:      log.WithComponent("session"),
		assignments: make(map[camera.SourceKey]*Assignment),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) emit(ctx context.Context, ev notify.Event) {
	o.mu.Lock()
	if o.session != nil {
		ev.SessionID = o.session.ID
	}
	o.mu.Unlock()
	ev.At = o.clock.Now()
	if err := o.notifier.Notify(ctx, ev); err != nil {
		o.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("通知の送信に失敗")
	}
}

// CreateSession は新しいセッションを開始する
func (o *Orchestrator) CreateSession(name string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil {
		return Session{}, ErrSessionActive
	}
	o.session = &Session{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(name),
		CreatedAt: o.clock.Now(),
	}
	o.assignments = make(map[camera.SourceKey]*Assignment)
	o.logger.Info().Str(log.FieldSessionID, o.session.ID).Msg("セッションを開始しました")
	return *o.session, nil
}

// EndSession はセッションを終了し、すべてのストリームを解放する
// 録画中の割り当てがあれば失敗する
func (o *Orchestrator) EndSession(ctx context.Context) (Summary, error) {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return Summary{}, ErrNoSession
	}
	for key, a := range o.assignments {
		if a.Status == StatusRecording || a.Pending {
			o.mu.Unlock()
			return Summary{}, fmt.Errorf("%s: %w", key, ErrRecording)
		}
	}
	summary := o.summaryLocked()
	keys := make([]camera.SourceKey, 0, len(o.assignments))
	for key := range o.assignments {
		keys = append(keys, key)
	}
	id := o.session.ID
	o.session = nil
	o.assignments = make(map[camera.SourceKey]*Assignment)
	o.mu.Unlock()

	for _, key := range keys {
		o.releaseCamera(key)
	}
	o.logger.Info().Str(log.FieldSessionID, id).Int("cameras", len(keys)).Msg("セッションを終了しました")
	return summary, nil
}

func (o *Orchestrator) releaseCamera(key camera.SourceKey) {
	o.cameras.ClearUsage(key)
	if err := o.cameras.Release(key); err != nil {
		o.logger.Warn().Err(err).Str(log.FieldSource, string(key)).Msg("ストリームの解放に失敗")
	}
}

// AssignCamera はカメラを作業者とカテゴリに割り当て、スキャン用にストリームを開く
func (o *Orchestrator) AssignCamera(ctx context.Context, key camera.SourceKey, operator, category string) (Assignment, error) {
	operator = strings.TrimSpace(operator)
	category = strings.TrimSpace(category)
	if key == "" {
		return Assignment{}, fmt.Errorf("ソースキーが空です")
	}
	if operator == "" {
		return Assignment{}, fmt.Errorf("作業者が空です")
	}

	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return Assignment{}, ErrNoSession
	}
	if a, ok := o.assignments[key]; ok && a.Status != StatusError {
		o.mu.Unlock()
		return Assignment{}, fmt.Errorf("%s (%s): %w", key, a.Operator, ErrAlreadyAssigned)
	}
	for other, a := range o.assignments {
		if other != key && a.Operator == operator {
			o.mu.Unlock()
			return Assignment{}, fmt.Errorf("%s は %s を担当中: %w", operator, other, ErrOperatorBusy)
		}
	}
	a := &Assignment{
		Source:   key,
		Operator: operator,
		Category: category,
		Status:   StatusIdle,
		Pending:  true,
	}
	o.assignments[key] = a
	o.mu.Unlock()

	logger := o.logger.With().Str(log.FieldSource, string(key)).Str(log.FieldOperator, operator).Logger()

	stream, err := o.cameras.Acquire(ctx, key)
	o.mu.Lock()
	a.Pending = false
	if err != nil {
		a.Status = StatusError
		a.Error = err.Error()
	}
	snap := *a
	o.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Msg("カメラの割り当てに失敗")
		o.emit(ctx, notify.Event{Kind: notify.KindError, Source: string(key), Operator: operator, Message: err.Error()})
		return snap, fmt.Errorf("%w: %v", ErrAssignmentFailed, err)
	}
	_ = stream.SetMode(camera.ModeScan)
	o.cameras.MarkInUse(key, operator, purposeSession)

	logger.Info().Str(log.FieldCategory, category).Msg("カメラを割り当てました")
	return snap, nil
}

// UnassignCamera は割り当てを外してストリームを解放する
func (o *Orchestrator) UnassignCamera(ctx context.Context, key camera.SourceKey) error {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	a, ok := o.assignments[key]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrNotInSession)
	}
	if a.Pending {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrBusy)
	}
	if a.Status == StatusRecording {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrRecording)
	}
	delete(o.assignments, key)
	o.mu.Unlock()

	o.releaseCamera(key)
	o.logger.Info().Str(log.FieldSource, string(key)).Msg("カメラの割り当てを外しました")
	return nil
}

// ReportScan は画像からコードを読み取って処理する
// imgがnilならストリームの最新フレームを使う
func (o *Orchestrator) ReportScan(ctx context.Context, key camera.SourceKey, img image.Image) (ScanResult, error) {
	if err := o.checkAssigned(key); err != nil {
		o.countError(err)
		return ScanResult{Source: key}, err
	}

	if img == nil {
		stream, ok := o.cameras.Get(key)
		if !ok {
			o.countError(camera.ErrStreamNotFound)
			return ScanResult{Source: key}, fmt.Errorf("%s: %w", key, camera.ErrStreamNotFound)
		}
		frame, ok := stream.Raw()
		if !ok {
			o.countError(camera.ErrNoFrame)
			return ScanResult{Source: key}, fmt.Errorf("%s: %w", key, camera.ErrNoFrame)
		}
		img = frame.Image
	}

	code, err := o.decoder.Decode(ctx, img)
	if err != nil {
		if errors.Is(err, barcode.ErrNotFound) {
			metrics.IncScanOutcome(string(OutcomeNoCode))
			return ScanResult{Outcome: OutcomeNoCode, Source: key}, nil
		}
		o.countError(err)
		return ScanResult{Source: key}, err
	}
	return o.HandleCode(ctx, key, code)
}

func (o *Orchestrator) checkAssigned(key camera.SourceKey) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return noSession(key)
	}
	if _, ok := o.assignments[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotInSession)
	}
	return nil
}

// noSession はセッションがないときのカメラ単位のエラー
// セッションがなければどのカメラも割り当てられていない
func noSession(key camera.SourceKey) error {
	return fmt.Errorf("%s: %w: %w", key, ErrNoSession, ErrNotInSession)
}

func (o *Orchestrator) countError(err error) {
	switch {
	case errors.Is(err, ErrConflict):
		metrics.IncScanOutcome("conflict")
	case errors.Is(err, ErrMismatch):
		metrics.IncScanOutcome("mismatch")
	case errors.Is(err, ErrNotInSession), errors.Is(err, ErrNoSession):
		metrics.IncScanOutcome("not_in_session")
	default:
		metrics.IncScanOutcome("rejected")
	}
}

// transition はロック内で決めた次の動作
type transition int

const (
	doNothing transition = iota
	doStart
	doStop
)

// HandleCode はデコード済みのコードで状態機械を進める
func (o *Orchestrator) HandleCode(ctx context.Context, key camera.SourceKey, code string) (ScanResult, error) {
	code, err := barcode.Validate(code)
	if err != nil {
		metrics.IncScanOutcome(string(OutcomeNoCode))
		return ScanResult{Outcome: OutcomeNoCode, Source: key}, nil
	}

	res := ScanResult{Source: key, Code: code}
	next, snap, err := o.decide(key, code, &res)
	if err != nil {
		o.countError(err)
		switch {
		case errors.Is(err, ErrConflict):
			o.emit(ctx, notify.Event{Kind: notify.KindConflict, Source: string(key), Code: code, Message: err.Error()})
		case errors.Is(err, ErrMismatch):
			o.emit(ctx, notify.Event{Kind: notify.KindMismatch, Source: string(key), Code: code, Operator: snap.Operator, Message: err.Error()})
		}
		return res, err
	}

	switch next {
	case doStart:
		return o.start(ctx, snap, code)
	case doStop:
		return o.stop(ctx, snap, true)
	}
	metrics.IncScanOutcome(string(res.Outcome))
	return res, nil
}

// decide は状態を確認し、開始・停止のときは割り当てを処理中にする
func (o *Orchestrator) decide(key camera.SourceKey, code string, res *ScanResult) (transition, Assignment, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.session == nil {
		return doNothing, Assignment{}, noSession(key)
	}
	a, ok := o.assignments[key]
	if !ok {
		return doNothing, Assignment{}, fmt.Errorf("%s: %w", key, ErrNotInSession)
	}
	if a.Pending {
		res.Outcome = OutcomeBusy
		return doNothing, *a, nil
	}
	for other, b := range o.assignments {
		if other == key {
			continue
		}
		if (b.Status == StatusRecording && b.LastCode == code) || (b.Pending && b.pendingCode == code) {
			return doNothing, *a, fmt.Errorf("%s はカメラ %s で録画中: %w", code, other, ErrConflict)
		}
	}

	now := o.clock.Now()
	switch a.Status {
	case StatusError:
		return doNothing, *a, fmt.Errorf("%s: %s: %w", key, a.Error, ErrAssignmentFailed)

	case StatusIdle:
		if code == a.PreviousCode && now.Sub(a.PreviousStopAt) < o.cfg.Cooldown {
			res.Outcome = OutcomeIgnoredCooldown
			return doNothing, *a, nil
		}
		a.Pending = true
		a.pendingCode = code
		return doStart, *a, nil

	case StatusRecording:
		if code != a.LastCode {
			return doNothing, *a, fmt.Errorf("録画中 %s / 読み取り %s: %w", a.LastCode, code, ErrMismatch)
		}
		if now.Sub(a.LastCodeAt) < o.cfg.Cooldown {
			res.Outcome = OutcomeIgnoredCooldown
			return doNothing, *a, nil
		}
		a.Pending = true
		return doStop, *a, nil
	}
	return doNothing, *a, fmt.Errorf("不明な状態です: %s", a.Status)
}

// start は録画を開始して割り当てを録画中にする
func (o *Orchestrator) start(ctx context.Context, snap Assignment, code string) (ScanResult, error) {
	key := snap.Source
	res := ScanResult{Source: key, Code: code}
	logger := o.logger.With().Str(log.FieldSource, string(key)).Str(log.FieldCode, code).Logger()

	jobID, err := o.recorder.Start(ctx, recording.StartRequest{
		SourceKey: string(key),
		Operator:  snap.Operator,
		Category:  snap.Category,
		Code:      code,
	})

	o.mu.Lock()
	a := o.assignments[key]
	a.Pending = false
	a.pendingCode = ""
	if err == nil {
		a.Status = StatusRecording
		a.ActiveJobID = jobID
		a.LastCode = code
		a.LastCodeAt = o.clock.Now()
		a.Error = ""
	}
	o.mu.Unlock()

	if err != nil {
		logger.Error().Err(err).Msg("録画を開始できません")
		o.countError(err)
		o.emit(ctx, notify.Event{Kind: notify.KindError, Source: string(key), Code: code, Operator: snap.Operator, Message: err.Error()})
		return res, err
	}

	res.Outcome = OutcomeStarted
	res.JobID = jobID
	metrics.IncScanOutcome(string(OutcomeStarted))
	logger.Info().Str(log.FieldJobID, jobID).Msg("録画を開始しました")
	o.emit(ctx, notify.Event{Kind: notify.KindStarted, Source: string(key), Code: code, Operator: snap.Operator, JobID: jobID})
	return res, nil
}

// stop は録画を停止して割り当てを待機に戻す
// 停止できなければ録画中のまま
func (o *Orchestrator) stop(ctx context.Context, snap Assignment, commit bool) (ScanResult, error) {
	key := snap.Source
	code := snap.LastCode
	res := ScanResult{Source: key, Code: code, JobID: snap.ActiveJobID}
	logger := o.logger.With().Str(log.FieldSource, string(key)).Str(log.FieldJobID, snap.ActiveJobID).Logger()

	result, err := o.recorder.Stop(ctx, snap.ActiveJobID, commit)
	// 回収済みのジョブは停止済みとして扱う
	gone := errors.Is(err, recording.ErrJobNotFound)

	o.mu.Lock()
	a := o.assignments[key]
	a.Pending = false
	if err == nil || gone {
		a.Status = StatusIdle
		a.ActiveJobID = ""
		a.PreviousCode = code
		a.PreviousStopAt = o.clock.Now()
		a.LastCode = ""
		a.LastCodeAt = time.Time{}
	}
	o.mu.Unlock()

	if err != nil && !gone {
		logger.Error().Err(err).Msg("録画を停止できません")
		o.countError(err)
		o.emit(ctx, notify.Event{Kind: notify.KindError, Source: string(key), Code: code, Operator: snap.Operator, JobID: snap.ActiveJobID, Message: err.Error()})
		return res, err
	}
	if stream, ok := o.cameras.Get(key); ok {
		_ = stream.SetMode(camera.ModeScan)
	}

	res.Outcome = OutcomeStopped
	res.Result = result
	metrics.IncScanOutcome(string(OutcomeStopped))

	ev := notify.Event{Kind: notify.KindStopped, Source: string(key), Code: code, Operator: snap.Operator, JobID: snap.ActiveJobID}
	if result != nil {
		ev.Message = string(result.Record.Status)
	} else {
		ev.Message = err.Error()
	}
	logger.Info().Bool("commit", commit).Str(log.FieldOutcome, ev.Message).Msg("録画を停止しました")
	o.emit(ctx, ev)
	return res, nil
}

// manualStop は録画中の割り当てを処理中にして停止する
func (o *Orchestrator) manualStop(ctx context.Context, key camera.SourceKey, commit bool) (ScanResult, error) {
	o.mu.Lock()
	if o.session == nil {
		o.mu.Unlock()
		return ScanResult{Source: key}, noSession(key)
	}
	a, ok := o.assignments[key]
	switch {
	case !ok:
		o.mu.Unlock()
		return ScanResult{Source: key}, fmt.Errorf("%s: %w", key, ErrNotInSession)
	case a.Pending:
		o.mu.Unlock()
		return ScanResult{Outcome: OutcomeBusy, Source: key}, nil
	case a.Status != StatusRecording:
		o.mu.Unlock()
		return ScanResult{Source: key}, fmt.Errorf("%s: %w", key, ErrNotRecording)
	}
	a.Pending = true
	snap := *a
	o.mu.Unlock()

	return o.stop(ctx, snap, commit)
}

// StopRecording はスキャンなしで録画を確定させる
func (o *Orchestrator) StopRecording(ctx context.Context, key camera.SourceKey) (ScanResult, error) {
	return o.manualStop(ctx, key, true)
}

// CancelRecording はスキャンなしで録画を破棄する
func (o *Orchestrator) CancelRecording(ctx context.Context, key camera.SourceKey) (ScanResult, error) {
	return o.manualStop(ctx, key, false)
}

// Session は現在のセッションを返す
func (o *Orchestrator) Session() (Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return Session{}, false
	}
	return *o.session, true
}

// Assignments は割り当てのスナップショットをソースキー順に返す
func (o *Orchestrator) Assignments() []Assignment {
	o.mu.Lock()
	list := make([]Assignment, 0, len(o.assignments))
	for _, a := range o.assignments {
		list = append(list, *a)
	}
	o.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].Source < list[j].Source })
	return list
}

// Assignment はソースキーの割り当てを返す
func (o *Orchestrator) Assignment(key camera.SourceKey) (Assignment, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.assignments[key]
	if !ok {
		return Assignment{}, false
	}
	return *a, true
}

// Summary は状態ごとの件数を返す
func (o *Orchestrator) Summary() Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.summaryLocked()
}

func (o *Orchestrator) summaryLocked() Summary {
	s := Summary{Active: o.session != nil}
	if o.session != nil {
		s.SessionID = o.session.ID
	}
	for _, a := range o.assignments {
		s.Total++
		switch a.Status {
		case StatusIdle:
			s.Idle++
		case StatusRecording:
			s.Recording++
		case StatusError:
			s.Error++
		}
	}
	return s
}
