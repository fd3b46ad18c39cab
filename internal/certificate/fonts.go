package certificate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
)

const fontDPI = 72

// FontSpec 描述一次绘制使用的字体，Size 为已缩放的像素字号。
type FontSpec struct {
	Family string
	Weight string
	Style  string
	Size   float64
}

// String 返回 CSS font 简写形式，例如 "italic bold 32px Georgia"。
func (s FontSpec) String() string {
	style := s.Style
	if style == "" {
		style = "normal"
	}
	weight := s.Weight
	if weight == "" {
		weight = "normal"
	}
	family := s.Family
	if family == "" {
		family = "sans-serif"
	}
	return fmt.Sprintf("%s %s %spx %s", style, weight, strconv.FormatFloat(s.Size, 'f', -1, 64), family)
}

func (s FontSpec) bold() bool {
	w := strings.ToLower(strings.TrimSpace(s.Weight))
	switch w {
	case "bold", "bolder":
		return true
	case "", "normal", "lighter":
		return false
	}
	n, err := strconv.Atoi(w)
	return err == nil && n >= 600
}

func (s FontSpec) italic() bool {
	st := strings.ToLower(strings.TrimSpace(s.Style))
	return st == "italic" || st == "oblique"
}

type fontKey struct {
	family string
	bold   bool
	italic bool
}

// FontBook 按 (family, bold, italic) 管理已解析的字体。
// 未注册的字体族回退到内嵌的 Go 字体。解析后的 *opentype.Font 可并发使用，
// 但 font.Face 不是并发安全的，因此 Face 每次调用新建。
type FontBook struct {
	mu       sync.RWMutex
	fonts    map[fontKey]*opentype.Font
	fallback map[fontKey]*opentype.Font
}

// NewFontBook 加载内嵌 Go 字体作为回退。
func NewFontBook() (*FontBook, error) {
	b := &FontBook{
		fonts:    make(map[fontKey]*opentype.Font),
		fallback: make(map[fontKey]*opentype.Font),
	}

	embedded := []struct {
		key  fontKey
		data []byte
	}{
		{fontKey{"sans-serif", false, false}, goregular.TTF},
		{fontKey{"sans-serif", true, false}, gobold.TTF},
		{fontKey{"sans-serif", false, true}, goitalic.TTF},
		{fontKey{"sans-serif", true, true}, gobolditalic.TTF},
		{fontKey{"monospace", false, false}, gomono.TTF},
		{fontKey{"monospace", true, false}, gomonobold.TTF},
	}
	for _, e := range embedded {
		parsed, err := opentype.Parse(e.data)
		if err != nil {
			return nil, fmt.Errorf("parse embedded font %s: %w", e.key.family, err)
		}
		b.fallback[e.key] = parsed
	}
	return b, nil
}

// LoadDir 注册目录下所有 .ttf/.otf 字体，返回成功注册的数量。
func (b *FontBook) LoadDir(dir string) (int, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read font dir %q: %w", dir, err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".ttf" && ext != ".otf" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return count, fmt.Errorf("read font %q: %w", entry.Name(), err)
		}
		if _, err := b.Register(data); err != nil {
			return count, fmt.Errorf("register font %q: %w", entry.Name(), err)
		}
		count++
	}
	return count, nil
}

// Register 解析字体数据，按字体自带的 family/subfamily 名称注册，返回 family 名。
func (b *FontBook) Register(data []byte) (string, error) {
	parsed, err := opentype.Parse(data)
	if err != nil {
		return "", fmt.Errorf("parse font: %w", err)
	}

	var buf sfnt.Buffer
	family, err := parsed.Name(&buf, sfnt.NameIDTypographicFamily)
	if err != nil || family == "" {
		family, err = parsed.Name(&buf, sfnt.NameIDFamily)
		if err != nil {
			return "", fmt.Errorf("read font family name: %w", err)
		}
	}
	subfamily, _ := parsed.Name(&buf, sfnt.NameIDSubfamily)
	sub := strings.ToLower(subfamily)

	key := fontKey{
		family: normalizeFamily(family),
		bold:   strings.Contains(sub, "bold"),
		italic: strings.Contains(sub, "italic") || strings.Contains(sub, "oblique"),
	}

	b.mu.Lock()
	b.fonts[key] = parsed
	b.mu.Unlock()
	return family, nil
}

// Face 为 spec 创建字体 face。family 支持 CSS 列表写法（"'Open Sans', Arial, sans-serif"）。
func (b *FontBook) Face(spec FontSpec) (font.Face, error) {
	size := spec.Size
	if size <= 0 {
		size = 1
	}
	parsed := b.lookup(spec)
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    size,
		DPI:     fontDPI,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("create font face %q: %w", spec.String(), err)
	}
	return face, nil
}

func (b *FontBook) lookup(spec FontSpec) *opentype.Font {
	bold, italic := spec.bold(), spec.italic()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, family := range strings.Split(spec.Family, ",") {
		name := normalizeFamily(family)
		if name == "" {
			continue
		}
		if f := pickVariant(b.fonts, name, bold, italic); f != nil {
			return f
		}
		if generic := genericFamily(name); generic != "" {
			if f := pickVariant(b.fallback, generic, bold, italic); f != nil {
				return f
			}
		}
	}
	return pickVariant(b.fallback, "sans-serif", bold, italic)
}

// pickVariant 优先精确匹配，其次忽略 italic，最后取常规体。
func pickVariant(fonts map[fontKey]*opentype.Font, family string, bold, italic bool) *opentype.Font {
	candidates := []fontKey{
		{family, bold, italic},
		{family, bold, false},
		{family, false, italic},
		{family, false, false},
	}
	for _, k := range candidates {
		if f, ok := fonts[k]; ok {
			return f
		}
	}
	return nil
}

func normalizeFamily(family string) string {
	family = strings.TrimSpace(family)
	family = strings.Trim(family, `"'`)
	return strings.ToLower(strings.TrimSpace(family))
}

func genericFamily(name string) string {
	switch name {
	case "monospace", "courier", "courier new", "consolas", "menlo":
		return "monospace"
	case "sans-serif", "serif", "system-ui", "cursive", "fantasy":
		return "sans-serif"
	}
	return ""
}
