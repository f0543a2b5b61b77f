package recording

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"packrec/internal/ffmpeg"
	"packrec/internal/metrics"
)

// Transcoder はキャプチャファイルを互換形式へ変換する
type Transcoder interface {
	Transcode(ctx context.Context, input, output string, fps float64) error
}

// FFmpegTranscoder はffmpegでH.264/yuv420pのMP4へ変換する
type FFmpegTranscoder struct {
	Path string
}

// NewFFmpegTranscoder は新しいFFmpegTranscoderを作成する
func NewFFmpegTranscoder(path string) *FFmpegTranscoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{Path: path}
}

// Args はffmpegに渡す引数を組み立てる
func (t *FFmpegTranscoder) Args(input, output string, fps float64) []string {
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "mjpeg",
		"-framerate", strconv.FormatFloat(fps, 'f', 2, 64),
		"-i", input,
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2", // H.264は偶数サイズが必要
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		output,
	}
}

// Transcode は変換を実行する。成否は終了コードだけで判定する
func (t *FFmpegTranscoder) Transcode(ctx context.Context, input, output string, fps float64) error {
	start := time.Now()
	err := ffmpeg.Run(ctx, t.Path, t.Args(input, output, fps)...)
	metrics.ObserveTranscode(time.Since(start).Seconds(), err == nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	}
	return nil
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func (t *FFmpegTranscoder) ValidateFFmpeg(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ffmpeg.Run(ctx, t.Path, "-version"); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}
	return nil
}

// MockTranscoder はテスト用のTranscoder実装
// 入力をそのまま出力へコピーする
type MockTranscoder struct {
	Fail  bool
	Calls int
	FPS   float64
}

// Transcode は入力をコピーする。Failなら失敗を返す
func (m *MockTranscoder) Transcode(ctx context.Context, input, output string, fps float64) error {
	m.Calls++
	m.FPS = fps
	if m.Fail {
		// 壊れた出力が残るケースを再現する
		_ = os.WriteFile(output, []byte("partial"), 0644)
		return fmt.Errorf("%w: mock", ErrTranscodeFailed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	in, err := os.Open(input)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
