package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"bleepy/internal/certificate"
	"bleepy/internal/imagefetch"
	"bleepy/internal/storage"
)

var (
	renderTemplateFile   string
	renderDataFile       string
	renderOutFile        string
	renderBackgroundFile string
	renderSurface        string
	renderFontsDir       string
	renderThumbWidth     int
	renderObjectsFile    string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Render a certificate from a template file",
	Long: `Render a certificate PNG from a template JSON file and a data JSON file.
The background is read from --background when given, otherwise from the template's backgroundImageRef:
an http(s) URL, or a local path. With --objects the reference is an object key in that bolt store.`,
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVar(&renderTemplateFile, "template", "", "Template JSON file (required)")
	renderCmd.Flags().StringVar(&renderDataFile, "data", "", "Data JSON file")
	renderCmd.Flags().StringVar(&renderOutFile, "out", "certificate.png", "Output file")
	renderCmd.Flags().StringVar(&renderBackgroundFile, "background", "", "Local background image, overrides the template reference")
	renderCmd.Flags().StringVar(&renderSurface, "surface", "image", "Drawing surface: image or gg")
	renderCmd.Flags().StringVar(&renderFontsDir, "fonts", "", "Directory of extra .ttf/.otf fonts")
	renderCmd.Flags().IntVar(&renderThumbWidth, "thumb", 0, "Write a JPEG thumbnail of this width instead of the full PNG")
	renderCmd.Flags().StringVar(&renderObjectsFile, "objects", "", "Bolt object store file used to resolve background object keys")
	renderCmd.MarkFlagRequired("template")

	rootCmd.AddCommand(renderCmd)
}

func runRender(cmd *cobra.Command, args []string) error {
	var tpl certificate.Template
	if err := readJSONFile(renderTemplateFile, &tpl); err != nil {
		return fmt.Errorf("failed to read template: %w", err)
	}
	if tpl.Canvas.Width <= 0 || tpl.Canvas.Height <= 0 {
		return fmt.Errorf("template designCanvasSize must be positive, got %vx%v", tpl.Canvas.Width, tpl.Canvas.Height)
	}

	data := certificate.SampleData()
	if renderDataFile != "" {
		var provided certificate.Data
		if err := readJSONFile(renderDataFile, &provided); err != nil {
			return fmt.Errorf("failed to read data: %w", err)
		}
		for k, v := range provided {
			data[k] = v
		}
	}

	var objects imagefetch.ObjectReader = fileObjects{}
	if renderObjectsFile != "" {
		store, err := storage.OpenBoltStore(renderObjectsFile)
		if err != nil {
			return fmt.Errorf("failed to open object store: %w", err)
		}
		defer store.Close()
		objects = store
	}

	renderer, err := newCLIRenderer(objects)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var out []byte
	if renderThumbWidth > 0 {
		img, err := renderer.RenderImage(ctx, tpl, data)
		if err != nil {
			return err
		}
		if out, err = certificate.Thumbnail(img, renderThumbWidth); err != nil {
			return err
		}
	} else {
		if out, err = renderer.Render(ctx, tpl, data); err != nil {
			return err
		}
	}

	if err := os.WriteFile(renderOutFile, out, 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Certificate written to: %s (%d bytes)\n", renderOutFile, len(out))
	return nil
}

func newCLIRenderer(objects imagefetch.ObjectReader) (*certificate.Renderer, error) {
	fonts, err := certificate.NewFontBook()
	if err != nil {
		return nil, err
	}
	if _, err := fonts.LoadDir(renderFontsDir); err != nil {
		return nil, err
	}

	var loader certificate.BackgroundLoader = imagefetch.FileLoader{Path: renderBackgroundFile}
	if renderBackgroundFile == "" {
		loader = imagefetch.Loader{Fetcher: imagefetch.NewFetcher(imagefetch.Options{}), Objects: objects}
	}

	var opts []certificate.RendererOption
	switch renderSurface {
	case "", "image":
	case "gg":
		opts = append(opts, certificate.WithSurface("gg", certificate.NewGGSurface))
	default:
		return nil, fmt.Errorf("unknown surface %q", renderSurface)
	}
	return certificate.NewRenderer(fonts, loader, opts...), nil
}

// fileObjects 把非 http 引用当作本地路径读取。
type fileObjects struct{}

func (fileObjects) GetObject(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	return dec.Decode(v)
}
