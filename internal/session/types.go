// Package session は作業セッションを管理する
// カメラを作業者と配送カテゴリに割り当て、スキャンしたコードから録画の開始・停止を決める
package session

import (
	"context"
	"errors"
	"image"
	"time"

	"packrec/internal/camera"
	"packrec/internal/recording"
)

var (
	// ErrNoSession はアクティブなセッションがないことを表す
	ErrNoSession = errors.New("アクティブなセッションがありません")
	// ErrSessionActive はすでにセッションがあることを表す
	ErrSessionActive = errors.New("すでにアクティブなセッションがあります")
	// ErrNotInSession はカメラがセッションに割り当てられていないことを表す
	ErrNotInSession = errors.New("カメラはセッションに割り当てられていません")
	// ErrConflict はコードが別のカメラで録画中であることを表す
	ErrConflict = errors.New("このコードは別のカメラで録画中です")
	// ErrMismatch は録画中のコードと異なるコードが読まれたことを表す
	ErrMismatch = errors.New("録画中のコードと一致しません")
	// ErrAssignmentFailed は割り当てがエラー状態であることを表す
	ErrAssignmentFailed = errors.New("カメラの割り当てがエラー状態です")
	// ErrRecording は録画中のため操作できないことを表す
	ErrRecording = errors.New("録画中のため操作できません")
	// ErrNotRecording は録画していないことを表す
	ErrNotRecording = errors.New("録画していません")
	// ErrBusy は同じカメラの状態遷移が進行中であることを表す
	ErrBusy = errors.New("カメラは処理中です")
	// ErrAlreadyAssigned はカメラがすでに割り当て済みであることを表す
	ErrAlreadyAssigned = errors.New("カメラはすでに割り当て済みです")
	// ErrOperatorBusy は作業者が別のカメラを担当していることを表す
	ErrOperatorBusy = errors.New("作業者は別のカメラを担当しています")
)

// Status はカメラ割り当ての状態
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusError     Status = "error"
)

// Outcome はスキャンの処理結果
type Outcome string

const (
	OutcomeStarted         Outcome = "started"
	OutcomeStopped         Outcome = "stopped"
	OutcomeIgnoredCooldown Outcome = "ignored_cooldown"
	OutcomeNoCode          Outcome = "no_code"
	OutcomeBusy            Outcome = "busy"
)

// Session は作業セッション。システム全体で同時にひとつだけ
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment はカメラと作業者の割り当て
type Assignment struct {
	Source         camera.SourceKey `json:"source"`
	Operator       string           `json:"operator"`
	Category       string           `json:"category"`
	Status         Status           `json:"status"`
	ActiveJobID    string           `json:"active_job_id,omitempty"`
	LastCode       string           `json:"last_code,omitempty"`
	LastCodeAt     time.Time        `json:"last_code_at,omitempty"`
	PreviousCode   string           `json:"previous_code,omitempty"`
	PreviousStopAt time.Time        `json:"previous_stop_at,omitempty"`
	Error          string           `json:"error,omitempty"`
	Pending        bool             `json:"pending"`

	// 進行中の開始遷移のコード
	pendingCode string
}

// ScanResult はスキャン1回の結果
type ScanResult struct {
	Outcome Outcome           `json:"outcome"`
	Source  camera.SourceKey  `json:"source"`
	Code    string            `json:"code,omitempty"`
	JobID   string            `json:"job_id,omitempty"`
	Result  *recording.Result `json:"result,omitempty"`
}

// Summary は割り当て状態ごとの件数
type Summary struct {
	Active    bool   `json:"active"`
	SessionID string `json:"session_id,omitempty"`
	Total     int    `json:"total"`
	Idle      int    `json:"idle"`
	Recording int    `json:"recording"`
	Error     int    `json:"error"`
}

// Config はセッションの設定
type Config struct {
	Cooldown time.Duration
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{Cooldown: 5 * time.Second}
}

// Recorder は録画の開始と停止を担う
type Recorder interface {
	Start(ctx context.Context, req recording.StartRequest) (string, error)
	Stop(ctx context.Context, jobID string, commit bool) (*recording.Result, error)
}

// Cameras はストリームの取得と解放を担う
type Cameras interface {
	Acquire(ctx context.Context, key camera.SourceKey) (*camera.Stream, error)
	Get(key camera.SourceKey) (*camera.Stream, bool)
	Release(key camera.SourceKey) error
	MarkInUse(key camera.SourceKey, user, purpose string)
	ClearUsage(key camera.SourceKey)
}

// Decoder は画像からコードを読み取る
type Decoder interface {
	Decode(ctx context.Context, img image.Image) (string, error)
}
