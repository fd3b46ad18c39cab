// Package certificate 实现证书图片合成：按设计画布坐标定义的文本字段，
// 缩放到背景图片的真实像素尺寸后绘制，并输出 PNG。
package certificate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// 字段类型。
const (
	FieldTypeText = "text"
	FieldTypeQR   = "qr"
)

// 文本对齐方式。
const (
	AlignLeft   = "left"
	AlignCenter = "center"
	AlignRight  = "right"
)

// DataSourceCustom 表示字段直接使用 customValue / text。
const DataSourceCustom = "custom"

// Size 描述二维尺寸（像素）。
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Template 是一次合成所需的模板：背景图引用 + 设计画布尺寸 + 有序字段列表。
// 字段顺序即绘制顺序，后绘制的字段覆盖先绘制的字段。
type Template struct {
	ID            string  `json:"id"`
	BackgroundRef string  `json:"backgroundImageRef"`
	Canvas        Size    `json:"designCanvasSize"`
	Fields        []Field `json:"fields"`
}

// Field 描述模板上的一个定位文本框，几何量均为设计画布单位。
// Height 仅作参考，溢出不裁剪。
type Field struct {
	ID          string  `json:"id"`
	Type        string  `json:"type,omitempty"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	FontSize    float64 `json:"fontSize"`
	FontFamily  string  `json:"fontFamily"`
	Color       string  `json:"color"`
	FontWeight  string  `json:"fontWeight"`
	FontStyle   string  `json:"fontStyle"`
	TextAlign   string  `json:"textAlign"`
	DataSource  string  `json:"dataSource,omitempty"`
	Text        string  `json:"text,omitempty"`
	CustomValue string  `json:"customValue,omitempty"`
}

// Data 中已知的键。其余键作为开放扩展字段保留在同一个 map 中。
const (
	KeyAttendeeName    = "attendee_name"
	KeyEventTitle      = "event_title"
	KeyEventDate       = "event_date"
	KeyEventLocation   = "event_location"
	KeyEventOrganizer  = "event_organizer"
	KeyEventCategory   = "event_category"
	KeyEventFormat     = "event_format"
	KeyCertificateDate = "certificate_date"
	KeyCertificateID   = "certificate_id"
	KeyGeneratorName   = "generator_name"
	KeyVerificationURL = "verification_url"
)

// Data 是证书的动态取值记录。缺失的键解析为空字符串。
type Data map[string]string

// Get 返回 key 对应的值，缺失时返回空字符串。
func (d Data) Get(key string) string {
	if d == nil {
		return ""
	}
	return d[key]
}

// UnmarshalJSON 容忍数字/布尔值（转为字符串）与 null（视为缺失）。
func (d *Data) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode certificate data: %w", err)
	}

	out := make(Data, len(raw))
	for key, value := range raw {
		value = bytes.TrimSpace(value)
		if len(value) == 0 || bytes.Equal(value, []byte("null")) {
			continue
		}

		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			out[key] = s
			continue
		}

		var n json.Number
		if err := json.Unmarshal(value, &n); err == nil {
			out[key] = n.String()
			continue
		}

		var flag bool
		if err := json.Unmarshal(value, &flag); err == nil {
			out[key] = strconv.FormatBool(flag)
			continue
		}

		return fmt.Errorf("decode certificate data: key %q must be a scalar", key)
	}

	*d = out
	return nil
}
