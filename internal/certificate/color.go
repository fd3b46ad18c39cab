package certificate

import (
	"image/color"
	"strconv"
	"strings"
)

var defaultTextColor = color.RGBA{0, 0, 0, 255}

var namedColors = map[string]color.RGBA{
	"black":       {0, 0, 0, 255},
	"white":       {255, 255, 255, 255},
	"red":         {255, 0, 0, 255},
	"green":       {0, 128, 0, 255},
	"blue":        {0, 0, 255, 255},
	"navy":        {0, 0, 128, 255},
	"gray":        {128, 128, 128, 255},
	"grey":        {128, 128, 128, 255},
	"gold":        {255, 215, 0, 255},
	"darkblue":    {0, 0, 139, 255},
	"darkgreen":   {0, 100, 0, 255},
	"maroon":      {128, 0, 0, 255},
	"transparent": {0, 0, 0, 0},
}

// ParseColor 解析 CSS 颜色：#rgb、#rrggbb、#rrggbbaa、rgb()/rgba() 与少量颜色名。
// 无法解析时返回黑色，与 canvas 默认 fillStyle 一致。
func ParseColor(value string) color.RGBA {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return defaultTextColor
	}
	if c, ok := namedColors[v]; ok {
		return c
	}
	if strings.HasPrefix(v, "#") {
		if c, ok := parseHex(v[1:]); ok {
			return c
		}
		return defaultTextColor
	}
	if strings.HasPrefix(v, "rgb") {
		if c, ok := parseRGBFunc(v); ok {
			return c
		}
	}
	return defaultTextColor
}

func parseHex(hex string) (color.RGBA, bool) {
	switch len(hex) {
	case 3:
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	case 6, 8:
	default:
		return color.RGBA{}, false
	}

	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, false
	}
	if len(hex) == 6 {
		return color.RGBA{uint8(n >> 16), uint8(n >> 8), uint8(n), 255}, true
	}
	// #rrggbbaa 为非预乘颜色，转为 color.RGBA 需要预乘。
	c := color.NRGBA{uint8(n >> 24), uint8(n >> 16), uint8(n >> 8), uint8(n)}
	return color.RGBAModel.Convert(c).(color.RGBA), true
}

func parseRGBFunc(v string) (color.RGBA, bool) {
	open := strings.IndexByte(v, '(')
	closing := strings.LastIndexByte(v, ')')
	if open < 0 || closing <= open {
		return color.RGBA{}, false
	}
	parts := strings.Split(v[open+1:closing], ",")
	if len(parts) != 3 && len(parts) != 4 {
		return color.RGBA{}, false
	}

	var ch [3]uint8
	for i := 0; i < 3; i++ {
		n, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return color.RGBA{}, false
		}
		ch[i] = clampByte(n)
	}
	alpha := uint8(255)
	if len(parts) == 4 {
		a, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil {
			return color.RGBA{}, false
		}
		alpha = clampByte(a * 255)
	}
	c := color.NRGBA{ch[0], ch[1], ch[2], alpha}
	return color.RGBAModel.Convert(c).(color.RGBA), true
}

func clampByte(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
