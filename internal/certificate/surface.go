package certificate

import (
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/fogleman/gg"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
)

// Surface 是渲染器使用的绘图面。文本以顶部为基线，水平方向按 align 相对锚点定位。
type Surface interface {
	Bounds() image.Rectangle
	DrawImage(img image.Image, x, y int)
	SetFont(face font.Face)
	SetColor(c color.Color)
	MeasureText(s string) float64
	FillText(s string, x, y float64, align string)
	EncodePNG(w io.Writer) error
	Image() image.Image
}

// SurfaceFactory 根据背景图尺寸创建绘图面。
type SurfaceFactory func(width, height int) Surface

// alignOffset 返回文本左边缘相对锚点的偏移。
func alignOffset(align string, width float64) float64 {
	switch normalizeAlign(align) {
	case AlignCenter:
		return -width / 2
	case AlignRight:
		return -width
	default:
		return 0
	}
}

func ascent(face font.Face) float64 {
	if face == nil {
		return 0
	}
	return float64(face.Metrics().Ascent) / 64
}

// ImageSurface 基于 *image.RGBA 与 font.Drawer，用于批量生成。
type ImageSurface struct {
	img  *image.RGBA
	face font.Face
	src  *image.Uniform
}

// NewImageSurface 创建 width×height 的透明画布。
func NewImageSurface(width, height int) Surface {
	return &ImageSurface{
		img: image.NewRGBA(image.Rect(0, 0, width, height)),
		src: image.NewUniform(defaultTextColor),
	}
}

func (s *ImageSurface) Bounds() image.Rectangle { return s.img.Bounds() }

func (s *ImageSurface) DrawImage(img image.Image, x, y int) {
	b := img.Bounds()
	r := image.Rect(x, y, x+b.Dx(), y+b.Dy())
	draw.Draw(s.img, r, img, b.Min, draw.Over)
}

func (s *ImageSurface) SetFont(face font.Face) { s.face = face }

func (s *ImageSurface) SetColor(c color.Color) { s.src = image.NewUniform(c) }

func (s *ImageSurface) MeasureText(text string) float64 {
	if s.face == nil {
		return 0
	}
	return float64(font.MeasureString(s.face, text)) / 64
}

func (s *ImageSurface) FillText(text string, x, y float64, align string) {
	if s.face == nil || text == "" {
		return
	}
	left := x + alignOffset(align, s.MeasureText(text))
	d := &font.Drawer{
		Dst:  s.img,
		Src:  s.src,
		Face: s.face,
		Dot: fixed.Point26_6{
			X: fixed.Int26_6(left * 64),
			Y: fixed.Int26_6((y + ascent(s.face)) * 64),
		},
	}
	d.DrawString(text)
}

func (s *ImageSurface) EncodePNG(w io.Writer) error { return png.Encode(w, s.img) }

func (s *ImageSurface) Image() image.Image { return s.img }

// GGSurface 基于 fogleman/gg，用于编辑器预览。
type GGSurface struct {
	dc   *gg.Context
	face font.Face
}

// NewGGSurface 创建 width×height 的 gg 画布。
func NewGGSurface(width, height int) Surface {
	dc := gg.NewContext(width, height)
	dc.SetColor(defaultTextColor)
	return &GGSurface{dc: dc}
}

func (s *GGSurface) Bounds() image.Rectangle { return image.Rect(0, 0, s.dc.Width(), s.dc.Height()) }

func (s *GGSurface) DrawImage(img image.Image, x, y int) { s.dc.DrawImage(img, x, y) }

func (s *GGSurface) SetFont(face font.Face) {
	s.face = face
	s.dc.SetFontFace(face)
}

func (s *GGSurface) SetColor(c color.Color) { s.dc.SetColor(c) }

func (s *GGSurface) MeasureText(text string) float64 {
	if s.face == nil {
		return 0
	}
	w, _ := s.dc.MeasureString(text)
	return w
}

func (s *GGSurface) FillText(text string, x, y float64, align string) {
	if s.face == nil || text == "" {
		return
	}
	left := x + alignOffset(align, s.MeasureText(text))
	s.dc.DrawString(text, left, y+ascent(s.face))
}

func (s *GGSurface) EncodePNG(w io.Writer) error { return s.dc.EncodePNG(w) }

func (s *GGSurface) Image() image.Image { return s.dc.Image() }
