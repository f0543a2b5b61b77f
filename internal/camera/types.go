package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrDeviceUnavailable はソースを開けなかったことを表す
	ErrDeviceUnavailable = errors.New("デバイスが利用できません")
	// ErrDeviceBusy はデバイスロックを時間内に取得できなかったことを表す
	ErrDeviceBusy = errors.New("デバイスが使用中です")
	// ErrNoFrame は開いたソースから最初のフレームが得られなかったことを表す
	ErrNoFrame = errors.New("フレームを取得できません")
	// ErrStreamNotFound は登録されていないソースキーを表す
	ErrStreamNotFound = errors.New("ストリームが見つかりません")
)

// SourceKey はビデオソースの識別子
// 数字のみならローカルデバイス番号、それ以外はネットワークURL
type SourceKey string

// IsDevice はローカルデバイスを指すかどうかを返す
func (k SourceKey) IsDevice() bool {
	s := string(k)
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DeviceIndex はデバイス番号を返す
func (k SourceKey) DeviceIndex() (int, bool) {
	if !k.IsDevice() {
		return 0, false
	}
	n, err := strconv.Atoi(string(k))
	if err != nil {
		return 0, false
	}
	return n, true
}

// DevicePath はローカルデバイスのパスを返す
func (k SourceKey) DevicePath() string {
	idx, ok := k.DeviceIndex()
	if !ok {
		return ""
	}
	return fmt.Sprintf("/dev/video%d", idx)
}

// IsRTSP はRTSPのURLかどうかを返す
func (k SourceKey) IsRTSP() bool {
	return strings.HasPrefix(strings.ToLower(string(k)), "rtsp://")
}

func (k SourceKey) String() string { return string(k) }

// ParseSourceKey は入力を正規化する
func ParseSourceKey(raw string) (SourceKey, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("ソースキーが空です")
	}
	return SourceKey(s), nil
}

// UsageMode はストリームの用途
type UsageMode string

const (
	ModePreview UsageMode = "preview"
	ModeScan    UsageMode = "scan"
	ModeRecord  UsageMode = "record"
)

// ModeProfile は用途ごとのキャプチャ設定
type ModeProfile struct {
	FPS          int // 目標フレームレート
	JPEGQuality  int // プレビューのJPEG品質
	PreviewWidth int // プレビューの最大幅
}

// DefaultProfiles は用途ごとの既定値
var DefaultProfiles = map[UsageMode]ModeProfile{
	ModePreview: {FPS: 15, JPEGQuality: 70, PreviewWidth: 640},
	ModeScan:    {FPS: 10, JPEGQuality: 85, PreviewWidth: 1280},
	ModeRecord:  {FPS: 20, JPEGQuality: 75, PreviewWidth: 960},
}

// ParseUsageMode は文字列から用途を得る
func ParseUsageMode(s string) (UsageMode, error) {
	m := UsageMode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := DefaultProfiles[m]; !ok {
		return "", fmt.Errorf("不明な用途です: %s", s)
	}
	return m, nil
}

// Frame は公開済みの生フレーム
// 公開後は変更しない
type Frame struct {
	Seq        uint64
	CapturedAt time.Time
	Width      int
	Height     int
	JPEG       []byte      // ソースから受け取ったままのJPEG
	Image      image.Image // デコード済み画像
}

// Config はカメラ管理の設定
type Config struct {
	LivenessWindow       time.Duration // この期間内にフレームがあれば健全
	StartupGrace         time.Duration // 生成直後にフレームがなくても健全とみなす期間
	IdleTimeout          time.Duration // 読み取りがない期間が超えたら解放する
	FirstFrameTimeout    time.Duration // 開いた直後の検証読み取りの上限
	ReadTimeout          time.Duration // 1フレーム読み取りの上限
	InitAttempts         int           // 戦略リスト全体の試行回数
	InitBackoff          time.Duration // 再試行の初期待ち時間
	MaxConsecutiveErrors int           // 連続読み取りエラーの上限
	DeviceLockTimeout    time.Duration // オープン時のデバイスロック待ち
	ProbeLockTimeout     time.Duration // ヘルスチェック時のデバイスロック待ち
	DeviceSettle         time.Duration // デバイス解放後の待機
	StopTimeout          time.Duration // ループ停止待ちの上限
	HealthInterval       time.Duration
	HealthParallelism    int
	ProbeTimeout         time.Duration // ネットワークソースの接続確認の上限
	FFmpegPath           string
	Width                int // デバイスに要求する解像度
	Height               int
	Profiles             map[UsageMode]ModeProfile
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	profiles := make(map[UsageMode]ModeProfile, len(DefaultProfiles))
	for k, v := range DefaultProfiles {
		profiles[k] = v
	}
	return Config{
		LivenessWindow:       5 * time.Second,
		StartupGrace:         10 * time.Second,
		IdleTimeout:          60 * time.Second,
		FirstFrameTimeout:    5 * time.Second,
		ReadTimeout:          2 * time.Second,
		InitAttempts:         3,
		InitBackoff:          200 * time.Millisecond,
		MaxConsecutiveErrors: 5,
		DeviceLockTimeout:    5 * time.Second,
		ProbeLockTimeout:     time.Second,
		DeviceSettle:         300 * time.Millisecond,
		StopTimeout:          3 * time.Second,
		HealthInterval:       30 * time.Second,
		HealthParallelism:    4,
		ProbeTimeout:         2 * time.Second,
		FFmpegPath:           "ffmpeg",
		Width:                1280,
		Height:               720,
		Profiles:             profiles,
	}
}

// profile は用途の設定を返す。未設定なら既定値
func (c Config) profile(m UsageMode) ModeProfile {
	if p, ok := c.Profiles[m]; ok && p.FPS > 0 {
		return p
	}
	return DefaultProfiles[m]
}

// SourceStatus はヘルスチェックの結果
type SourceStatus struct {
	Source      SourceKey `json:"source"`
	Name        string    `json:"name,omitempty"`
	Online      bool      `json:"online"`
	InUse       bool      `json:"in_use"`
	UsedBy      string    `json:"used_by,omitempty"`
	Purpose     string    `json:"purpose,omitempty"`
	Mode        UsageMode `json:"mode,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	Error       string    `json:"error,omitempty"`
}

// Usage はストリームの利用者情報
type Usage struct {
	User    string
	Purpose string
	Since   time.Time
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]SourceKey, error)

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, key SourceKey) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Source  SourceKey `json:"source"`
	Device  string    `json:"device"`
	Name    string    `json:"name"`
	Formats []string  `json:"formats,omitempty"`
}
