package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"packrec/internal/ffmpeg"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// ffmpegSource はffmpegのimage2pipe出力からJPEGフレームを取り出す
// 内部ゴルーチンは最新の1フレームだけを保持する
type ffmpegSource struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *ffmpeg.TailBuffer

	frames chan []byte
	done   chan struct{}

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// startFFmpegSource はffmpegを起動して読み取りゴルーチンを開始する
func startFFmpegSource(path string, args []string) (*ffmpegSource, error) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, path, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr := ffmpeg.NewTailBuffer(ffmpeg.DefaultStderrLimit)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	s := &ffmpegSource{
		cmd:    cmd,
		cancel: cancel,
		stderr: stderr,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s, nil
}

func (s *ffmpegSource) readLoop(stdout io.Reader) {
	defer close(s.done)
	defer func() {
		waitErr := s.cmd.Wait()
		s.mu.Lock()
		if s.err == nil {
			if waitErr != nil {
				s.err = fmt.Errorf("ffmpegが終了しました: %w (stderr: %s)", waitErr, s.stderr.String())
			} else {
				s.err = io.EOF
			}
		}
		s.mu.Unlock()
	}()

	buffer := make([]byte, 256*1024)
	var pending []byte
	for {
		n, err := stdout.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)
			var frames [][]byte
			frames, pending = splitJPEG(pending)
			for _, f := range frames {
				s.publish(f)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.mu.Lock()
				s.err = fmt.Errorf("フレーム読み取りエラー: %w", err)
				s.mu.Unlock()
			}
			return
		}
	}
}

// publish は古いフレームを捨てて最新フレームを置く
func (s *ffmpegSource) publish(frame []byte) {
	select {
	case s.frames <- frame:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	select {
	case s.frames <- frame:
	default:
	}
}

// ReadFrame は次のフレームを待つ
func (s *ffmpegSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		// 終了直前に置かれたフレームを優先する
		select {
		case f := <-s.frames:
			return f, nil
		default:
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.err
	}
}

// Close はプロセスを止めて読み取りゴルーチンの終了を待つ
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(3 * time.Second):
		}
	})
	return nil
}

// splitJPEG はバッファから完全なJPEGフレームを切り出し、残りを返す
func splitJPEG(data []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// 次の読み取りで0xFF 0xD8が分割されても拾えるよう末尾1バイトを残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				return frames, data[len(data)-1:]
			}
			return frames, data[:0]
		}
		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			return frames, data[start:]
		}
		end += start + 2 + len(jpegEOI)

		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		frames = append(frames, frame)
		data = data[end:]
	}
}
