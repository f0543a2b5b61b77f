package barcode

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

// maxDecodeSide は縮小時の長辺の上限
const maxDecodeSide = 2000

// Strategy はデコード前の画像処理
// Applyがnilを返したら次へ進む
type Strategy struct {
	Name  string
	Apply func(image.Image) image.Image
}

// DefaultStrategies は試す順に前処理を返す
func DefaultStrategies() []Strategy {
	return []Strategy{
		{"original", func(img image.Image) image.Image { return img }},
		{"center-crop", centerCrop},
		{"downscale", func(img image.Image) image.Image { return downscale(img, maxDecodeSide) }},
		{"grayscale", func(img image.Image) image.Image { return toGray(downscale(img, maxDecodeSide)) }},
		{"contrast", func(img image.Image) image.Image {
			return contrast(toGray(downscale(img, maxDecodeSide)), 1.5, 10)
		}},
		{"otsu", func(img image.Image) image.Image { return threshold(toGray(downscale(img, maxDecodeSide)), false) }},
		{"sharpen", func(img image.Image) image.Image { return sharpen(toGray(downscale(img, maxDecodeSide))) }},
		{"otsu-inverted", func(img image.Image) image.Image { return threshold(toGray(downscale(img, maxDecodeSide)), true) }},
	}
}

// centerCrop は中央60%を等倍で切り出す
func centerCrop(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx()*6/10, b.Dy()*6/10
	if w < 16 || h < 16 {
		return nil
	}
	x0 := b.Min.X + (b.Dx()-w)/2
	y0 := b.Min.Y + (b.Dy()-h)/2
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, image.Pt(x0, y0), draw.Src)
	return dst
}

// downscale は長辺がmaxSide以下になるよう縮小する
func downscale(img image.Image, maxSide int) image.Image {
	b := img.Bounds()
	side := b.Dx()
	if b.Dy() > side {
		side = b.Dy()
	}
	if side <= maxSide {
		return img
	}
	w := b.Dx() * maxSide / side
	h := b.Dy() * maxSide / side
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

func clamp(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

// contrast は v*alpha+beta を適用する
func contrast(g *image.Gray, alpha, beta float64) *image.Gray {
	out := image.NewGray(g.Bounds())
	for i, v := range g.Pix {
		out.Pix[i] = clamp(float64(v)*alpha + beta)
	}
	return out
}

// otsu は大津の方法で2値化の閾値を求める
func otsu(g *image.Gray) uint8 {
	var hist [256]int
	for _, v := range g.Pix {
		hist[v]++
	}
	total := len(g.Pix)
	var sum float64
	for i, n := range hist {
		sum += float64(i * n)
	}

	var (
		sumB, best float64
		wB         int
		th         uint8
	)
	for i, n := range hist {
		wB += n
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i * n)
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			th = uint8(i)
		}
	}
	return th
}

// threshold は大津の閾値で2値化する。invertなら白黒を反転する
func threshold(g *image.Gray, invert bool) *image.Gray {
	th := otsu(g)
	out := image.NewGray(g.Bounds())
	for i, v := range g.Pix {
		black := v <= th
		if invert {
			black = !black
		}
		if black {
			out.Pix[i] = 0
		} else {
			out.Pix[i] = 255
		}
	}
	return out
}

// sharpen は3x3のシャープ化カーネルを適用する
func sharpen(g *image.Gray) *image.Gray {
	b := g.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if x == b.Min.X || y == b.Min.Y || x == b.Max.X-1 || y == b.Max.Y-1 {
				out.SetGray(x, y, g.GrayAt(x, y))
				continue
			}
			v := 5*int(g.GrayAt(x, y).Y) -
				int(g.GrayAt(x-1, y).Y) - int(g.GrayAt(x+1, y).Y) -
				int(g.GrayAt(x, y-1).Y) - int(g.GrayAt(x, y+1).Y)
			out.SetGray(x, y, color.Gray{Y: clamp(float64(v))})
		}
	}
	return out
}
