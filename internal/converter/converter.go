// Package converter turns uploaded documents into per-page JPEG images.
// Office formats are first converted to PDF via a headless LibreOffice
// run; PDFs are rendered with go-fitz.
package converter

import (
	"context"
	"fmt"
	"image/jpeg"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/gen2brain/go-fitz"

	"github.com/docuglot/docuglot/internal/observability"
)

// PageImage describes one rendered page.
type PageImage struct {
	PageNumber int // 1-indexed
	ImagePath  string
	Width      int
	Height     int
}

// Config holds renderer settings.
type Config struct {
	// JPEGQuality in [1,100]; defaults to 85.
	JPEGQuality int
	// SofficeBinary is the LibreOffice executable used for office-to-PDF
	// conversion; defaults to "soffice".
	SofficeBinary string
	// SofficeTimeout bounds a single office conversion; defaults to 2m.
	SofficeTimeout time.Duration
}

// Converter renders documents into page images under a working directory.
type Converter struct {
	cfg    Config
	logger *observability.Logger
}

// New creates a converter with defaults filled in.
func New(cfg Config, logger *observability.Logger) *Converter {
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}
	if cfg.SofficeBinary == "" {
		cfg.SofficeBinary = "soffice"
	}
	if cfg.SofficeTimeout <= 0 {
		cfg.SofficeTimeout = 2 * time.Minute
	}
	return &Converter{cfg: cfg, logger: logger.WithComponent("converter")}
}

// officeExtensions are the formats routed through LibreOffice.
var officeExtensions = map[string]bool{
	".doc":  true,
	".docx": true,
	".odt":  true,
	".rtf":  true,
	".ppt":  true,
	".pptx": true,
	".odp":  true,
}

// NeedsPDFConversion reports whether the file must pass through the
// office-to-PDF step before rendering.
func NeedsPDFConversion(path string) bool {
	return officeExtensions[strings.ToLower(filepath.Ext(path))]
}

// ConvertToPDF converts an office document to PDF in outDir and returns
// the resulting PDF path.
func (c *Converter) ConvertToPDF(ctx context.Context, inputPath, outDir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SofficeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cfg.SofficeBinary,
		"--headless", "--convert-to", "pdf", "--outdir", outDir, inputPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("convert %s to pdf: %w: %s", filepath.Base(inputPath), err, strings.TrimSpace(string(output)))
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	pdfPath := filepath.Join(outDir, base+".pdf")
	if _, err := os.Stat(pdfPath); err != nil {
		return "", fmt.Errorf("converted pdf missing: %w", err)
	}

	c.logger.Info().
		Str("input", filepath.Base(inputPath)).
		Msg("converted office document to PDF")
	return pdfPath, nil
}

// PageCount returns the number of pages in a PDF.
func (c *Converter) PageCount(pdfPath string) (int, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()
	return doc.NumPage(), nil
}

// RenderPages converts every page of a PDF into a JPEG under outDir,
// named page_NNN.jpg. The context is checked between pages so large
// documents cancel promptly.
func (c *Converter) RenderPages(ctx context.Context, pdfPath, outDir string) ([]PageImage, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	defer doc.Close()

	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, fmt.Errorf("pdf has no pages")
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}

	images := make([]PageImage, 0, pageCount)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		img, err := doc.Image(pageNum)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", pageNum+1, err)
		}

		outputPath := filepath.Join(outDir, fmt.Sprintf("page_%03d.jpg", pageNum+1))
		outputFile, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("create image for page %d: %w", pageNum+1, err)
		}

		err = jpeg.Encode(outputFile, img, &jpeg.Options{Quality: c.cfg.JPEGQuality})
		outputFile.Close()
		if err != nil {
			return nil, fmt.Errorf("encode page %d: %w", pageNum+1, err)
		}

		bounds := img.Bounds()
		images = append(images, PageImage{
			PageNumber: pageNum + 1,
			ImagePath:  outputPath,
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
		})
	}

	c.logger.Info().
		Str("pdf", filepath.Base(pdfPath)).
		Int("pages", pageCount).
		Msg("rendered document pages")
	return images, nil
}
