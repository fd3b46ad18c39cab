package certificate

import "testing"

func TestScaleIdentityWhenSizesMatch(t *testing.T) {
	canvas := Size{Width: 800, Height: 565}
	field := Field{X: 293, Y: 256, Width: 200, Height: 30, FontSize: 16}

	g := Scale(field, canvas, canvas)
	if g.X != field.X || g.Y != field.Y || g.Width != field.Width || g.Height != field.Height || g.FontSize != field.FontSize {
		t.Fatalf("expected unscaled geometry, got %+v", g)
	}
	if g.PaddingX != PaddingX || g.PaddingY != PaddingY {
		t.Fatalf("expected unscaled padding, got %v/%v", g.PaddingX, g.PaddingY)
	}
}

func TestScaleFactorsZeroCanvasGuard(t *testing.T) {
	cases := []struct {
		name   string
		canvas Size
		wantX  float64
		wantY  float64
	}{
		{"zero width", Size{Width: 0, Height: 500}, 1, 2},
		{"zero height", Size{Width: 500, Height: 0}, 2, 1},
		{"both zero", Size{}, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sx, sy := ScaleFactors(tc.canvas, Size{Width: 1000, Height: 1000})
			if sx != tc.wantX || sy != tc.wantY {
				t.Fatalf("expected %v/%v got %v/%v", tc.wantX, tc.wantY, sx, sy)
			}
		})
	}
}

func TestScaleDoubleResolution(t *testing.T) {
	field := Field{X: 293, Y: 256, Width: 200, Height: 30, FontSize: 16, TextAlign: AlignCenter}
	g := Scale(field, Size{Width: 800, Height: 565}, Size{Width: 1600, Height: 1130})

	if g.ScaleX != 2 || g.ScaleY != 2 {
		t.Fatalf("expected scale 2/2 got %v/%v", g.ScaleX, g.ScaleY)
	}
	if g.X != 586 || g.Y != 512 || g.Width != 400 || g.Height != 60 || g.FontSize != 32 {
		t.Fatalf("unexpected geometry %+v", g)
	}
	if got := g.AnchorX(AlignCenter); got != 786 {
		t.Fatalf("expected center anchor 786 got %v", got)
	}
	if got := g.AnchorX(AlignLeft); got != 586+16 {
		t.Fatalf("expected left anchor %v got %v", 586+16, got)
	}
	if got := g.AnchorX(AlignRight); got != 986-16 {
		t.Fatalf("expected right anchor %v got %v", 986-16, got)
	}
	if got := g.LineY(1); got != 512+8+32*LineHeight {
		t.Fatalf("unexpected second line y %v", got)
	}
}

func TestScaleFontFollowsHorizontalFactor(t *testing.T) {
	g := Scale(Field{FontSize: 10}, Size{Width: 100, Height: 100}, Size{Width: 300, Height: 100})
	if g.FontSize != 30 {
		t.Fatalf("font size must follow scaleX, got %v", g.FontSize)
	}
}
