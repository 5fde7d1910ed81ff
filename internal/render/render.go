// Package render converts PDF documents into per-page JPEG images.
// Rendering is best-effort for the pipeline: a failure here never blocks
// ingestion of the original document.
package render

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrorKind discriminates rendering failures.
type ErrorKind int

const (
	KindUnsupportedFormat ErrorKind = iota
	KindConversionFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindConversionFailed:
		return "conversion_failed"
	}
	return "unknown"
}

// Error is a failed document rendering.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("render: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds renderer configuration.
type Config struct {
	MagickBin string // ImageMagick binary, "magick" by default
	Density   int    // rasterisation DPI
	Quality   int    // JPEG quality
}

// Renderer rasterises PDF pages with ImageMagick. pdfcpu validates the
// document and supplies the page count before the subprocess runs.
type Renderer struct {
	config Config
}

// New creates a Renderer.
func New(config Config) *Renderer {
	if config.MagickBin == "" {
		config.MagickBin = "magick"
	}
	if config.Density == 0 {
		config.Density = 150
	}
	if config.Quality == 0 {
		config.Quality = 85
	}
	return &Renderer{config: config}
}

// CheckBinary verifies the ImageMagick binary is on PATH. Called once at
// startup so a misconfigured deployment fails fast instead of degrading
// every document to page_count 0.
func (r *Renderer) CheckBinary() error {
	if _, err := exec.LookPath(r.config.MagickBin); err != nil {
		return fmt.Errorf("imagemagick binary %q not found: %w", r.config.MagickBin, err)
	}
	return nil
}

// Render converts a PDF payload into JPEG page images, in page order
// starting at index 0. All failures are *Error.
func (r *Renderer) Render(ctx context.Context, document []byte) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "fia-render-*")
	if err != nil {
		return nil, &Error{Kind: KindConversionFailed, Err: err}
	}
	defer os.RemoveAll(tmpDir)

	sourcePath := filepath.Join(tmpDir, "source.pdf")
	if err := os.WriteFile(sourcePath, document, 0o600); err != nil {
		return nil, &Error{Kind: KindConversionFailed, Err: err}
	}

	if err := api.ValidateFile(sourcePath, nil); err != nil {
		return nil, &Error{Kind: KindUnsupportedFormat, Err: err}
	}
	pageCount, err := api.PageCountFile(sourcePath)
	if err != nil {
		return nil, &Error{Kind: KindUnsupportedFormat, Err: err}
	}
	if pageCount == 0 {
		return nil, &Error{Kind: KindUnsupportedFormat, Err: fmt.Errorf("document has no pages")}
	}

	outPattern := filepath.Join(tmpDir, "page-%d.jpg")
	cmd := exec.CommandContext(ctx, r.config.MagickBin,
		"-density", strconv.Itoa(r.config.Density),
		sourcePath,
		"-quality", strconv.Itoa(r.config.Quality),
		outPattern,
	)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, &Error{
			Kind: KindConversionFailed,
			Err:  fmt.Errorf("%s: %w (%s)", r.config.MagickBin, err, strings.TrimSpace(stderr.String())),
		}
	}

	pages := make([][]byte, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		pagePath := filepath.Join(tmpDir, fmt.Sprintf("page-%d.jpg", i))
		data, err := os.ReadFile(pagePath)
		if err != nil {
			return nil, &Error{
				Kind: KindConversionFailed,
				Err:  fmt.Errorf("missing page %d output: %w", i, err),
			}
		}
		pages = append(pages, data)
	}
	return pages, nil
}
