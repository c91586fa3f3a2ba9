// Package imaging renders page thumbnails: pdftoppm rasterises a single PDF
// page to PNG, then the bitmap is resized to the exact target geometry and
// written as JPEG with an atomic rename.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	img "github.com/disintegration/imaging"
)

const (
	renderDPI   = 96
	jpegQuality = 85
)

// Renderer shells out to pdftoppm for rasterisation.
type Renderer struct {
	pdftoppmPath string
	timeout      time.Duration
}

// NewRenderer builds a Renderer. An empty path defaults to "pdftoppm" on
// PATH; a non-positive timeout defaults to 60s per page.
func NewRenderer(pdftoppmPath string, timeout time.Duration) *Renderer {
	if pdftoppmPath == "" {
		pdftoppmPath = "pdftoppm"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Renderer{pdftoppmPath: pdftoppmPath, timeout: timeout}
}

// RenderPage rasterises page pageNo (1-based) of pdfPath and writes a
// width×height JPEG to outPath. The output appears atomically: the JPEG is
// staged in a scratch directory next to outPath and renamed into place.
func (r *Renderer) RenderPage(ctx context.Context, pdfPath string, pageNo, width, height int, outPath string) error {
	if pageNo < 1 {
		return fmt.Errorf("imaging: page number %d out of range", pageNo)
	}
	if width < 1 || height < 1 {
		return fmt.Errorf("imaging: invalid target geometry %dx%d", width, height)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("imaging: create thumbnail directory: %w", err)
	}
	scratch, err := os.MkdirTemp(filepath.Dir(outPath), ".render-*")
	if err != nil {
		return fmt.Errorf("imaging: create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch) //nolint:errcheck

	pngPath, err := r.rasterize(ctx, pdfPath, pageNo, scratch)
	if err != nil {
		return err
	}

	page, err := img.Open(pngPath)
	if err != nil {
		return fmt.Errorf("imaging: open rasterised page: %w", err)
	}
	thumb := img.Resize(page, width, height, img.Lanczos)

	staged := filepath.Join(scratch, "thumb.jpg")
	if err := img.Save(thumb, staged, img.JPEGQuality(jpegQuality)); err != nil {
		return fmt.Errorf("imaging: encode thumbnail: %w", err)
	}
	if err := os.Rename(staged, outPath); err != nil {
		return fmt.Errorf("imaging: publish thumbnail: %w", err)
	}
	return nil
}

// rasterize runs pdftoppm for a single page and returns the PNG path.
func (r *Renderer) rasterize(ctx context.Context, pdfPath string, pageNo int, scratch string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	prefix := filepath.Join(scratch, "page")
	n := strconv.Itoa(pageNo)
	cmd := exec.CommandContext(ctx, r.pdftoppmPath,
		"-png", "-f", n, "-l", n, "-r", strconv.Itoa(renderDPI), "-singlefile",
		pdfPath, prefix)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("imaging: pdftoppm timed out after %s on page %d of %s", r.timeout, pageNo, pdfPath)
		}
		return "", fmt.Errorf("imaging: pdftoppm failed on page %d of %s: %w: %s",
			pageNo, pdfPath, err, tail(stderr.Bytes(), 512))
	}

	pngPath := prefix + ".png"
	if _, statErr := os.Stat(pngPath); statErr != nil {
		return "", fmt.Errorf("imaging: pdftoppm produced no output for page %d of %s: %s",
			pageNo, pdfPath, tail(stderr.Bytes(), 512))
	}
	return pngPath, nil
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(bytes.TrimSpace(b))
}
