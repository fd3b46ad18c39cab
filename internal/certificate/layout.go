package certificate

import "strings"

// MeasureFunc 返回字符串在当前字体下的像素宽度。
type MeasureFunc func(s string) float64

// Wrap 按空白切词并贪心折行：拼接后宽度严格小于 maxWidth 时继续追加，否则换行。
// 空文本返回一行空串；超宽的单词独占一行，不做词内断行。
func Wrap(text string, maxWidth float64, measure MeasureFunc) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	lines := make([]string, 0, 4)
	current := words[0]
	for _, word := range words[1:] {
		candidate := current + " " + word
		if measure(candidate) < maxWidth {
			current = candidate
			continue
		}
		lines = append(lines, current)
		current = word
	}
	return append(lines, current)
}
