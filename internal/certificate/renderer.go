package certificate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/skip2/go-qrcode"
	"golang.org/x/image/font"
)

// DefaultFontSize 用于未设置字号的字段（设计画布单位）。
const DefaultFontSize = 16.0

// ErrBackgroundUnavailable 表示背景图无法获取或解码，此时不产生任何输出。
var ErrBackgroundUnavailable = errors.New("background image unavailable")

// BackgroundLoader 将模板的背景图引用加载为可绘制图片。
type BackgroundLoader interface {
	Load(ctx context.Context, ref string) (image.Image, error)
}

// ObserveFunc 在每次渲染结束时被调用，用于指标采集。
type ObserveFunc func(surface string, err error, elapsed time.Duration)

// Renderer 负责单张证书的合成：背景 → 逐字段解析取值、缩放、折行、绘制 → PNG。
// 每次调用独立分配绘图面并解码背景，可安全并发使用。
type Renderer struct {
	fonts       *FontBook
	loader      BackgroundLoader
	newSurface  SurfaceFactory
	surfaceName string
	logger      *slog.Logger
	observe     ObserveFunc
}

// RendererOption 配置 Renderer。
type RendererOption func(*Renderer)

// WithSurface 指定绘图面实现，name 用于日志与指标。
func WithSurface(name string, factory SurfaceFactory) RendererOption {
	return func(r *Renderer) {
		r.surfaceName = name
		r.newSurface = factory
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) RendererOption {
	return func(r *Renderer) { r.logger = logger }
}

// WithObserver 注册渲染完成回调。
func WithObserver(fn ObserveFunc) RendererOption {
	return func(r *Renderer) { r.observe = fn }
}

// NewRenderer 默认使用 ImageSurface。
func NewRenderer(fonts *FontBook, loader BackgroundLoader, opts ...RendererOption) *Renderer {
	r := &Renderer{
		fonts:       fonts,
		loader:      loader,
		newSurface:  NewImageSurface,
		surfaceName: "image",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SurfaceName 返回当前绘图面名称。
func (r *Renderer) SurfaceName() string { return r.surfaceName }

// Render 合成证书并返回 PNG 字节。
func (r *Renderer) Render(ctx context.Context, tpl Template, data Data) (_ []byte, err error) {
	start := time.Now()
	defer func() {
		if r.observe != nil {
			r.observe(r.surfaceName, err, time.Since(start))
		}
	}()

	surface, err := r.compose(ctx, tpl, data)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := surface.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderImage 合成证书并返回图片本身，供缩略图等二次处理使用。
func (r *Renderer) RenderImage(ctx context.Context, tpl Template, data Data) (image.Image, error) {
	surface, err := r.compose(ctx, tpl, data)
	if err != nil {
		return nil, err
	}
	return surface.Image(), nil
}

func (r *Renderer) compose(ctx context.Context, tpl Template, data Data) (Surface, error) {
	bg, err := r.loader.Load(ctx, tpl.BackgroundRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackgroundUnavailable, err)
	}

	bounds := bg.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrBackgroundUnavailable)
	}

	// 输出分辨率始终等于背景图原始分辨率，而不是设计画布尺寸。
	surface := r.newSurface(bounds.Dx(), bounds.Dy())
	surface.DrawImage(bg, 0, 0)

	actual := Size{Width: float64(bounds.Dx()), Height: float64(bounds.Dy())}
	faces := make(map[FontSpec]font.Face)

	for _, field := range tpl.Fields {
		value := ResolveValue(field, data)
		if value == "" {
			continue
		}

		geom := Scale(field, tpl.Canvas, actual)
		if field.FontSize <= 0 {
			geom.FontSize = DefaultFontSize * geom.ScaleX
		}
		switch field.Type {
		case FieldTypeQR:
			r.drawQR(surface, field, geom, value)
		default:
			if err := r.drawText(surface, field, geom, value, faces); err != nil {
				return nil, fmt.Errorf("draw field %q: %w", field.ID, err)
			}
		}
	}

	return surface, nil
}

func (r *Renderer) drawText(surface Surface, field Field, geom Geometry, value string, faces map[FontSpec]font.Face) error {
	spec := FontSpec{
		Family: field.FontFamily,
		Weight: field.FontWeight,
		Style:  field.FontStyle,
		Size:   geom.FontSize,
	}
	face, ok := faces[spec]
	if !ok {
		var err error
		face, err = r.fonts.Face(spec)
		if err != nil {
			return err
		}
		faces[spec] = face
	}

	surface.SetFont(face)
	surface.SetColor(ParseColor(field.Color))

	anchor := geom.AnchorX(field.TextAlign)
	lines := Wrap(value, geom.Width, surface.MeasureText)
	for i, line := range lines {
		surface.FillText(line, anchor, geom.LineY(i), field.TextAlign)
	}
	return nil
}

// drawQR 在 (x, y) 处绘制边长 min(width, height) 的二维码。
// 内容过长等编码错误只记录日志并跳过该字段。
func (r *Renderer) drawQR(surface Surface, field Field, geom Geometry, value string) {
	side := int(math.Round(math.Min(geom.Width, geom.Height)))
	if side <= 0 {
		return
	}

	code, err := qrcode.New(value, qrcode.Medium)
	if err != nil {
		r.logger.Warn("encode qr field failed, skipping",
			slog.String("field_id", field.ID),
			slog.Any("error", err),
		)
		return
	}
	if field.Color != "" {
		code.ForegroundColor = ParseColor(field.Color)
	}

	surface.DrawImage(code.Image(side), int(math.Round(geom.X)), int(math.Round(geom.Y)))
}
