package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// zoomCrop は中央を1/zoomの大きさで切り出して元のサイズに戻す
func zoomCrop(src image.Image, zoom float64) image.Image {
	if zoom <= 1.0 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	cw := int(float64(w) / zoom)
	ch := int(float64(h) / zoom)
	if cw < 1 || ch < 1 {
		return src
	}
	x := b.Min.X + (w-cw)/2
	y := b.Min.Y + (h-ch)/2
	crop := image.Rect(x, y, x+cw, y+ch)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)
	return dst
}

// limitWidth は幅が maxWidth を超える場合に縦横比を保って縮小する
func limitWidth(src image.Image, maxWidth int) image.Image {
	b := src.Bounds()
	if maxWidth <= 0 || b.Dx() <= maxWidth {
		return src
	}
	h := b.Dy() * maxWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// buildPreview は生フレームからプレビュー用JPEGを作る
// 生フレーム自体は変更しない
func buildPreview(raw image.Image, zoom float64, p ModeProfile) ([]byte, error) {
	img := limitWidth(zoomCrop(raw, zoom), p.PreviewWidth)

	quality := p.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("プレビューのエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
