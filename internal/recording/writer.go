package recording

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

// FrameWriter はキャプチャしたJPEGフレームを順に書き出す
type FrameWriter interface {
	WriteFrame(jpeg []byte) error
	Close() error
}

// WriterFactory は出力先パスからFrameWriterを作る
type WriterFactory func(path string) (FrameWriter, error)

// MJPEGWriter はJPEGを連結したMJPEGエレメンタリストリームを書き出す
// ffmpegの "-f mjpeg" 入力としてそのまま読める
type MJPEGWriter struct {
	f      *os.File
	w      *bufio.Writer
	frames int
}

// NewMJPEGWriter はファイルを作成してMJPEGWriterを返す
func NewMJPEGWriter(path string) (FrameWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("キャプチャファイルの作成に失敗: %w", err)
	}
	return &MJPEGWriter{f: f, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

// WriteFrame は1フレームを追記する
func (m *MJPEGWriter) WriteFrame(jpeg []byte) error {
	if _, err := m.w.Write(jpeg); err != nil {
		return fmt.Errorf("フレームの書き込みに失敗: %w", err)
	}
	m.frames++
	return nil
}

// Close はバッファを書き出してファイルを閉じる
func (m *MJPEGWriter) Close() error {
	flushErr := m.w.Flush()
	syncErr := m.f.Sync()
	closeErr := m.f.Close()
	switch {
	case flushErr != nil:
		return fmt.Errorf("キャプチャファイルのフラッシュに失敗: %w", flushErr)
	case syncErr != nil:
		return fmt.Errorf("キャプチャファイルの同期に失敗: %w", syncErr)
	case closeErr != nil:
		return fmt.Errorf("キャプチャファイルのクローズに失敗: %w", closeErr)
	}
	return nil
}
