// Package ffmpeg はffmpegサブプロセスの共通処理を提供する
package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// DefaultStderrLimit はstderrとして保持する最大バイト数
const DefaultStderrLimit = 8 * 1024

// TailBuffer は末尾の一定バイトだけを保持する io.Writer
type TailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

// NewTailBuffer は新しいTailBufferを作成する
func NewTailBuffer(limit int) *TailBuffer {
	if limit <= 0 {
		limit = DefaultStderrLimit
	}
	return &TailBuffer{limit: limit}
}

// Write は末尾limitバイトだけを残して追記する
func (t *TailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return n, nil
	}
	if over := len(t.buf) + len(p) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *TailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// Available はffmpegの実行ファイルが見つかるかを返す
func Available(path string) bool {
	_, err := exec.LookPath(path)
	return err == nil
}

// Run はffmpegを実行し、終了コードだけで成否を判定する
// 失敗時はstderrの末尾をエラーに含める
func Run(ctx context.Context, path string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	stderr := NewTailBuffer(DefaultStderrLimit)
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpegがタイムアウトしました: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpegの実行に失敗: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}
