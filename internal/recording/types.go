// Package recording は録画ジョブのライフサイクルを管理する
//
// 開始時にRECORDING行を永続化してからキャプチャを始め、停止時に
// トランスコード・ハッシュ・サイドカー・サムネイルを作って完了させる。
// メモリ上のジョブを失ったRECORDING行（ゾンビ）と長時間残った行は
// 状態を参照するたびにERRORへ回収される。
package recording

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyRecording は同じソースに未完了のジョブがあることを表す
	ErrAlreadyRecording = errors.New("このソースは録画中です")
	// ErrTranscodeFailed は互換形式への変換に失敗したことを表す
	// キャプチャしたファイルは保持される
	ErrTranscodeFailed = errors.New("トランスコードに失敗しました")
	// ErrPersistence はレコードの保存に失敗したことを表す
	ErrPersistence = errors.New("レコードの保存に失敗しました")
	// ErrJobNotFound は該当する録画ジョブがないことを表す
	ErrJobNotFound = errors.New("録画ジョブが見つかりません")
	// ErrRecordNotFound は該当するレコードがないことを表す
	ErrRecordNotFound = errors.New("レコードが見つかりません")
)

// Status は録画レコードの状態
type Status string

const (
	StatusRecording Status = "RECORDING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusError     Status = "ERROR"
)

// Terminal は終端状態かどうかを返す
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// 出力形式
const (
	FormatMP4   = "mp4"
	FormatMJPEG = "mjpeg"
)

// Record は永続化される録画レコード
type Record struct {
	ID              int64      `json:"id"`
	JobID           string     `json:"job_id"`
	SourceKey       string     `json:"source"`
	Operator        string     `json:"operator"`
	Category        string     `json:"category"`
	Code            string     `json:"code"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	OutputPath      string     `json:"output_path,omitempty"` // RootDirからの相対パス
	Format          string     `json:"format,omitempty"`
	SizeBytes       int64      `json:"size_bytes"`
	SHA256          string     `json:"sha256,omitempty"`
	MetadataPath    string     `json:"metadata_path,omitempty"`
	ThumbnailPath   string     `json:"thumbnail_path,omitempty"`
	FrameCount      int        `json:"frame_count"`
	TranscodeFailed bool       `json:"transcode_failed"`
	Status          Status     `json:"status"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// StartRequest は録画開始の要求
type StartRequest struct {
	SourceKey string
	Operator  string
	Category  string
	Code      string
}

// Result は停止処理の結果
type Result struct {
	Record          Record
	TranscodeFailed bool
}

// ActiveJob は実行中ジョブのスナップショット
type ActiveJob struct {
	JobID     string    `json:"job_id"`
	RecordID  int64     `json:"record_id"`
	SourceKey string    `json:"source"`
	Operator  string    `json:"operator"`
	Category  string    `json:"category"`
	Code      string    `json:"code"`
	StartedAt time.Time `json:"started_at"`
	Frames    int       `json:"frames"`
}

// Stats は1日分の状態別件数
type Stats struct {
	Day      string         `json:"day"`
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// Config は録画の設定
type Config struct {
	RootDir           string
	FFmpegPath        string
	FPS               int           // 変換時の上限フレームレート
	MaxDuration       time.Duration // これを超えたらフレームの追記をやめる
	FirstFrameTimeout time.Duration
	AcquireRetries    int
	AcquireRetryDelay time.Duration
	StopTimeout       time.Duration
	TranscodeTimeout  time.Duration
	StaleAfter        time.Duration
	ThumbnailFrame    int // サムネイルに使うフレーム番号（1始まり）
	ThumbnailWidth    int
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{
		RootDir:           "recordings",
		FFmpegPath:        "ffmpeg",
		FPS:               20,
		MaxDuration:       30 * time.Minute,
		FirstFrameTimeout: 2 * time.Second,
		AcquireRetries:    5,
		AcquireRetryDelay: 500 * time.Millisecond,
		StopTimeout:       10 * time.Second,
		TranscodeTimeout:  5 * time.Minute,
		StaleAfter:        4 * time.Hour,
		ThumbnailFrame:    16,
		ThumbnailWidth:    480,
	}
}
