package certificate

import (
	"fmt"
	"strings"
)

// 路径片段清洗后为空时使用的占位符。
const (
	FallbackGenerator = "Unknown_Generator"
	FallbackEvent     = "Event"
	FallbackRecipient = "Unknown_Recipient"
)

// ContentTypePNG 是证书图片的唯一输出格式。
const ContentTypePNG = "image/png"

// BuildPath 生成证书在对象存储中的确定性路径：
//
//	users/{generator}/certificates/{event}/{recipient}/{event}_{certificateID}.png
func BuildPath(generatorName, eventTitle, recipientName, certificateID string) string {
	generator := sanitizeSegment(generatorName, FallbackGenerator)
	event := sanitizeSegment(eventTitle, FallbackEvent)
	recipient := sanitizeSegment(recipientName, FallbackRecipient)
	return fmt.Sprintf("users/%s/certificates/%s/%s/%s_%s.png", generator, event, recipient, event, certificateID)
}

// sanitizeSegment 将 [A-Za-z0-9] 以外的字符逐个替换为下划线。
// 不含任何字母数字的结果视为空，返回 fallback。
func sanitizeSegment(value, fallback string) string {
	value = strings.TrimSpace(value)

	var b strings.Builder
	b.Grow(len(value))
	hasAlnum := false
	for _, r := range value {
		if isASCIIAlnum(r) {
			b.WriteRune(r)
			hasAlnum = true
			continue
		}
		b.WriteByte('_')
	}

	if !hasAlnum {
		return fallback
	}
	return b.String()
}

// ValidCertificateID 要求 id 非空且只包含 [A-Za-z0-9_-]，避免污染存储路径。
func ValidCertificateID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if !isASCIIAlnum(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
