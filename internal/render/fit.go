package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// Telegram photo limits.
const (
	maxPhotoSide = 4096
	maxPhotoArea = 12_000_000
)

// fitForTelegram downscales a PNG into Telegram's photo limits and flattens
// transparency onto white. It returns the encoded PNG and its size.
func fitForTelegram(raw []byte) ([]byte, image.Point, error) {
	src, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, image.Point{}, fmt.Errorf("decode screenshot: %w", err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, image.Point{}, ErrEmptyBox
	}

	scale := fitScale(w, h)
	dw, dh := w, h
	if scale < 1 {
		dw = max(1, int(float64(w)*scale))
		dh = max(1, int(float64(h)*scale))
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if scale < 1 {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	} else {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	}

	var out bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&out, dst); err != nil {
		return nil, image.Point{}, fmt.Errorf("encode screenshot: %w", err)
	}
	return out.Bytes(), image.Pt(dw, dh), nil
}

func fitScale(w, h int) float64 {
	scale := 1.0
	scale = math.Min(scale, float64(maxPhotoSide)/float64(w))
	scale = math.Min(scale, float64(maxPhotoSide)/float64(h))
	if area := float64(w) * float64(h); area > maxPhotoArea {
		scale = math.Min(scale, math.Sqrt(maxPhotoArea/area))
	}
	return scale
}
