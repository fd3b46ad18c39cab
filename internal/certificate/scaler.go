package certificate

// 排版常量（设计画布单位），与编辑器中的文本框内边距保持一致。
const (
	PaddingX   = 8.0
	PaddingY   = 4.0
	LineHeight = 1.2
)

// Geometry 是缩放到输出图片像素后的字段几何。
type Geometry struct {
	X, Y          float64
	Width, Height float64
	FontSize      float64
	PaddingX      float64
	PaddingY      float64
	ScaleX        float64
	ScaleY        float64
}

// ScaleFactors 返回 actual/canvas 的横纵缩放比例。画布任一维为 0 时该维比例按 1 处理。
func ScaleFactors(canvas, actual Size) (scaleX, scaleY float64) {
	scaleX, scaleY = 1, 1
	if canvas.Width != 0 {
		scaleX = actual.Width / canvas.Width
	}
	if canvas.Height != 0 {
		scaleY = actual.Height / canvas.Height
	}
	return scaleX, scaleY
}

// Scale 将字段从设计画布坐标转换为输出图片像素坐标。
// 字号只随 scaleX 缩放，与编辑器按宽度布局的行为一致。
func Scale(field Field, canvas, actual Size) Geometry {
	sx, sy := ScaleFactors(canvas, actual)
	return Geometry{
		X:        field.X * sx,
		Y:        field.Y * sy,
		Width:    field.Width * sx,
		Height:   field.Height * sy,
		FontSize: field.FontSize * sx,
		PaddingX: PaddingX * sx,
		PaddingY: PaddingY * sy,
		ScaleX:   sx,
		ScaleY:   sy,
	}
}

// AnchorX 返回给定对齐方式下文本的水平锚点。
func (g Geometry) AnchorX(align string) float64 {
	switch normalizeAlign(align) {
	case AlignCenter:
		return g.X + g.Width/2
	case AlignRight:
		return g.X + g.Width - g.PaddingX
	default:
		return g.X + g.PaddingX
	}
}

// LineY 返回第 index 行文本的顶部基线位置。
func (g Geometry) LineY(index int) float64 {
	return g.Y + g.PaddingY + float64(index)*g.FontSize*LineHeight
}

func normalizeAlign(align string) string {
	switch align {
	case AlignCenter, AlignRight:
		return align
	default:
		return AlignLeft
	}
}
