package certificate

import (
	"image/color"
	"testing"
)

func TestParseColor(t *testing.T) {
	cases := []struct {
		in   string
		want color.RGBA
	}{
		{"#ff0000", color.RGBA{255, 0, 0, 255}},
		{"#0f0", color.RGBA{0, 255, 0, 255}},
		{"  #1A2B3C ", color.RGBA{0x1a, 0x2b, 0x3c, 255}},
		{"rgb(10, 20, 30)", color.RGBA{10, 20, 30, 255}},
		{"white", color.RGBA{255, 255, 255, 255}},
		{"", color.RGBA{0, 0, 0, 255}},
		{"not-a-color", color.RGBA{0, 0, 0, 255}},
		{"#12345", color.RGBA{0, 0, 0, 255}},
	}
	for _, tc := range cases {
		if got := ParseColor(tc.in); got != tc.want {
			t.Errorf("ParseColor(%q) = %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseColorAlphaIsPremultiplied(t *testing.T) {
	got := ParseColor("#ff000080")
	if got.A != 0x80 || got.R != 0x80 {
		t.Fatalf("expected premultiplied half red, got %v", got)
	}
}
