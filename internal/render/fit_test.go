package render

import (
	"bytes"
	"image/png"
	"testing"
)

func TestFitScale(t *testing.T) {
	cases := []struct {
		w, h int
		want func(float64) bool
	}{
		{1000, 800, func(s float64) bool { return s == 1 }},
		{8192, 1000, func(s float64) bool { return s == 0.5 }},
		{4000, 4000, func(s float64) bool { return s < 1 && 4000*4000*s*s <= maxPhotoArea+1 }},
	}
	for _, tc := range cases {
		if s := fitScale(tc.w, tc.h); !tc.want(s) {
			t.Fatalf("fitScale(%d,%d)=%v", tc.w, tc.h, s)
		}
	}
}

func TestFitForTelegramDownscalesAndFlattens(t *testing.T) {
	out, pt, err := fitForTelegram(testPNG(5000, 100))
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if pt.X > maxPhotoSide || pt.Y > maxPhotoSide || pt.X*pt.Y > maxPhotoArea {
		t.Fatalf("size=%v exceeds limits", pt)
	}
	img, err := png.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.Bounds().Dx() != pt.X || img.Bounds().Dy() != pt.Y {
		t.Fatalf("bounds=%v reported=%v", img.Bounds(), pt)
	}
	r, g, _, a := img.At(pt.X/2, pt.Y/2).RGBA()
	if a != 0xffff {
		t.Fatalf("alpha=%d", a)
	}
	// half-transparent red over white
	if r < g || g == 0 {
		t.Fatalf("unexpected blend r=%d g=%d", r, g)
	}
}

func TestFitForTelegramRejectsGarbage(t *testing.T) {
	if _, _, err := fitForTelegram([]byte("not a png")); err == nil {
		t.Fatalf("expected decode error")
	}
}
