package certificate

import (
	"bytes"
	"image/jpeg"
	"testing"
)

func TestThumbnailKeepsAspectRatio(t *testing.T) {
	out, err := Thumbnail(solidBackground(1600, 1130), 400)
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Width != 400 || cfg.Height != 283 {
		t.Fatalf("unexpected thumbnail size %dx%d", cfg.Width, cfg.Height)
	}
}

func TestSampleDataCoversKnownSources(t *testing.T) {
	data := SampleData()
	for _, source := range KnownDataSources() {
		if ResolveValue(Field{DataSource: source}, data) == "" {
			t.Errorf("sample data missing value for %q", source)
		}
	}
}
