package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"time"
)

// MockOpener はテスト用のOpener実装
// 実デバイスの代わりに固定画像をJPEGとして返す
type MockOpener struct {
	mu         sync.Mutex
	images     map[SourceKey][]byte
	openErr    map[SourceKey]error
	noFrame    map[SourceKey]bool
	failAfter  map[SourceKey]int
	opens      map[SourceKey]int
	open       map[SourceKey]int
	openDelay  time.Duration
	defaultJPG []byte
}

// NewMockOpener は新しいMockOpenerを作成する
func NewMockOpener() *MockOpener {
	return &MockOpener{
		images:     make(map[SourceKey][]byte),
		openErr:    make(map[SourceKey]error),
		noFrame:    make(map[SourceKey]bool),
		failAfter:  make(map[SourceKey]int),
		opens:      make(map[SourceKey]int),
		open:       make(map[SourceKey]int),
		defaultJPG: mustEncode(TestPattern(64, 48)),
	}
}

// TestPattern は単純なグラデーション画像を作る
func TestPattern(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func mustEncode(img image.Image) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// SetImage はソースが返す画像を設定する
func (o *MockOpener) SetImage(key SourceKey, img image.Image) {
	data := mustEncode(img)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.images[key] = data
}

// SetOpenError はオープン時に返すエラーを設定する
func (o *MockOpener) SetOpenError(key SourceKey, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openErr[key] = err
}

// SetNoFrame はオープンは成功するがフレームが来ない状態にする
func (o *MockOpener) SetNoFrame(key SourceKey, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.noFrame[key] = v
}

// SetFailAfter はn回読み取った後に読み取りエラーを返すようにする
func (o *MockOpener) SetFailAfter(key SourceKey, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failAfter[key] = n
}

// SetOpenDelay はオープンにかかる時間を設定する
func (o *MockOpener) SetOpenDelay(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openDelay = d
}

// Opens はオープンの累計回数を返す
func (o *MockOpener) Opens(key SourceKey) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[key]
}

// OpenCount は現在開いているソース数を返す
func (o *MockOpener) OpenCount(key SourceKey) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open[key]
}

// Strategies は単一の "mock" 戦略を返す
func (o *MockOpener) Strategies(key SourceKey) []OpenStrategy {
	return []OpenStrategy{{
		Name: "mock",
		Open: func(ctx context.Context) (FrameSource, error) {
			return o.openSource(ctx, key)
		},
	}}
}

func (o *MockOpener) openSource(ctx context.Context, key SourceKey) (FrameSource, error) {
	o.mu.Lock()
	delay := o.openDelay
	err := o.openErr[key]
	o.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[key]++
	o.open[key]++
	return &mockSource{opener: o, key: key}, nil
}

type mockSource struct {
	opener *MockOpener
	key    SourceKey
	reads  int
	closed bool
	mu     sync.Mutex
}

func (s *mockSource) ReadFrame(ctx context.Context) ([]byte, error) {
	o := s.opener
	o.mu.Lock()
	noFrame := o.noFrame[s.key]
	limit, hasLimit := o.failAfter[s.key]
	data, ok := o.images[s.key]
	if !ok {
		data = o.defaultJPG
	}
	o.mu.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.reads++
	reads := s.reads
	s.mu.Unlock()

	if closed {
		return nil, errors.New("mock: ソースは閉じられています")
	}
	if noFrame {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if hasLimit && reads > limit {
		return nil, fmt.Errorf("mock: 読み取りエラー (%d回目)", reads)
	}
	return data, nil
}

func (s *mockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.opener.mu.Lock()
	s.opener.open[s.key]--
	s.opener.mu.Unlock()
	return nil
}
