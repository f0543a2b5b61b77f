// Package barcode はカメラ画像から配送伝票のコード（QR・1次元バーコード）を読み取る
package barcode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/rs/zerolog"

	"packrec/internal/log"
)

var (
	// ErrNotFound は画像からコードを読み取れなかったことを表す
	ErrNotFound = errors.New("コードが見つかりません")
	// ErrInvalidCode は空のコードを表す
	ErrInvalidCode = errors.New("コードが空です")
)

// DefaultTimeout は1枚の画像にかける上限時間
const DefaultTimeout = time.Second

// Decoder は前処理を順に試してコードを探す
type Decoder struct {
	Timeout    time.Duration
	strategies []Strategy
	logger     zerolog.Logger
}

// NewDecoder は既定の前処理順でDecoderを作成する
func NewDecoder() *Decoder {
	return &Decoder{
		Timeout:    DefaultTimeout,
		strategies: DefaultStrategies(),
		logger:     log.WithComponent("barcode"),
	}
}

type namedReader struct {
	name   string
	reader gozxing.Reader
}

// readers はデコードごとに新しいリーダーを作る
func readers() []namedReader {
	return []namedReader{
		{"qr", qrcode.NewQRCodeReader()},
		{"code128", oned.NewCode128Reader()},
		{"code39", oned.NewCode39Reader()},
		{"ean-upc", oned.NewMultiFormatUPCEANReader(nil)},
	}
}

var hints = map[gozxing.DecodeHintType]interface{}{
	gozxing.DecodeHintType_TRY_HARDER: true,
}

// Decode は最初に見つかったコードを返す
func (d *Decoder) Decode(ctx context.Context, img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", fmt.Errorf("画像が空です: %w", ErrNotFound)
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rs := readers()
	for _, st := range d.strategies {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%v: %w", err, ErrNotFound)
		}
		prepared := st.Apply(img)
		if prepared == nil {
			continue
		}
		bmp, err := gozxing.NewBinaryBitmapFromImage(prepared)
		if err != nil {
			continue
		}
		for _, r := range rs {
			res, err := r.reader.Decode(bmp, hints)
			r.reader.Reset()
			if err != nil {
				continue
			}
			text := strings.TrimSpace(res.GetText())
			if text == "" {
				continue
			}
			d.logger.Debug().Str("strategy", st.Name).Str("reader", r.name).Str(log.FieldCode, text).Msg("コードを検出しました")
			return text, nil
		}
	}
	return "", ErrNotFound
}

// Validate は前後の空白を除いたコードを返す。空ならエラー
func Validate(code string) (string, error) {
	c := strings.TrimSpace(code)
	if c == "" {
		return "", ErrInvalidCode
	}
	return c, nil
}
