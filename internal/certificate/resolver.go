package certificate

import (
	"sort"
	"strings"
)

// extraPrefix 用于引用 Data 中的开放扩展键，例如 "extra.student_number"。
const extraPrefix = "extra."

// dataSourceKeys 将编辑器中的点分数据源映射到 Data 的键。
var dataSourceKeys = map[string]string{
	"attendee.name":                KeyAttendeeName,
	"event.title":                  KeyEventTitle,
	"event.date":                   KeyEventDate,
	"event.location":               KeyEventLocation,
	"event.organizer":              KeyEventOrganizer,
	"event.category":               KeyEventCategory,
	"event.format":                 KeyEventFormat,
	"certificate.date":             KeyCertificateDate,
	"certificate.id":               KeyCertificateID,
	"generator.name":               KeyGeneratorName,
	"certificate.verification_url": KeyVerificationURL,
}

// ResolveValue 返回字段最终要绘制的文本。
// 优先级：数据源取值 > customValue > text。返回空串表示该字段不绘制。
func ResolveValue(field Field, data Data) string {
	source := strings.TrimSpace(field.DataSource)
	if source != "" && source != DataSourceCustom {
		if value := lookupDataSource(source, data); value != "" {
			return value
		}
	}
	if field.CustomValue != "" {
		return field.CustomValue
	}
	return field.Text
}

func lookupDataSource(source string, data Data) string {
	if key, ok := dataSourceKeys[source]; ok {
		return data.Get(key)
	}
	if strings.HasPrefix(source, extraPrefix) {
		return data.Get(strings.TrimPrefix(source, extraPrefix))
	}
	return ""
}

// KnownDataSources 返回支持的点分数据源列表（不含 extra.*），供 API 校验与文档使用。
func KnownDataSources() []string {
	out := make([]string, 0, len(dataSourceKeys))
	for k := range dataSourceKeys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
