package certificate

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// ContentTypeJPEG 是缩略图的输出格式。
const ContentTypeJPEG = "image/jpeg"

const (
	thumbnailQuality  = 80
	maxThumbnailWidth = 2048
)

// Thumbnail 按宽度等比缩放并编码为 JPEG。width 超出范围时裁剪到 [1, 2048]。
func Thumbnail(img image.Image, width int) ([]byte, error) {
	if width <= 0 {
		width = 1
	}
	if width > maxThumbnailWidth {
		width = maxThumbnailWidth
	}

	resized := imaging.Resize(img, width, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// SampleData 返回编辑器预览使用的示例取值。
func SampleData() Data {
	return Data{
		KeyAttendeeName:    "Jane Doe",
		KeyEventTitle:      "Sample Teaching Session",
		KeyEventDate:       "1 January 2026",
		KeyEventLocation:   "Main Lecture Theatre",
		KeyEventOrganizer:  "Medical Education Team",
		KeyEventCategory:   "Workshop",
		KeyEventFormat:     "In person",
		KeyCertificateDate: "1 January 2026",
		KeyCertificateID:   "SAMPLE-0001",
		KeyGeneratorName:   "Bleepy",
		KeyVerificationURL: "https://bleepy.example/verify/SAMPLE-0001",
	}
}
