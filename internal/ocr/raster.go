package ocr

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Rasterizer renders the first pages of a PDF to PNG with pdftoppm.
type Rasterizer struct {
	bin      string
	dpi      int
	maxPages int
}

// NewRasterizer returns a Rasterizer. Zero values fall back to pdftoppm,
// 300 dpi and 3 pages.
func NewRasterizer(bin string, dpi, maxPages int) *Rasterizer {
	if bin == "" {
		bin = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 300
	}
	if maxPages <= 0 {
		maxPages = 3
	}
	return &Rasterizer{bin: bin, dpi: dpi, maxPages: maxPages}
}

// MaxPages returns the page cap.
func (r *Rasterizer) MaxPages() int { return r.maxPages }

// RenderPNG renders at most MaxPages pages and returns the images in page order.
func (r *Rasterizer) RenderPNG(ctx context.Context, pdf []byte) ([][]byte, error) {
	path, cleanup, err := writeTempPDF(pdf)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	files, err := r.render(ctx, path)
	if err != nil {
		return nil, err
	}

	out := make([][]byte, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, eris.Wrapf(err, "ocr: read page image %s", filepath.Base(f))
		}
		out = append(out, b)
	}
	return out, nil
}

// render writes page images next to pdfPath and returns their paths sorted
// by page number.
func (r *Rasterizer) render(ctx context.Context, pdfPath string) ([]string, error) {
	prefix := filepath.Join(filepath.Dir(pdfPath), "page")
	cmd := exec.CommandContext(ctx, r.bin,
		"-r", strconv.Itoa(r.dpi),
		"-f", "1",
		"-l", strconv.Itoa(r.maxPages),
		"-png",
		pdfPath, prefix,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, eris.Wrapf(err, "ocr: pdftoppm failed: %s", stderr.String())
	}

	images, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, eris.Wrap(err, "ocr: list page images")
	}
	if len(images) == 0 {
		return nil, eris.New("ocr: pdftoppm produced no pages")
	}
	sort.Slice(images, func(i, j int) bool {
		return pageNumber(images[i]) < pageNumber(images[j])
	})
	if len(images) > r.maxPages {
		images = images[:r.maxPages]
	}
	return images, nil
}

// pageNumber parses the page index pdftoppm appends ("page-07.png" -> 7).
func pageNumber(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	idx := strings.LastIndex(base, "-")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(base[idx+1:])
	if err != nil {
		return 0
	}
	return n
}
