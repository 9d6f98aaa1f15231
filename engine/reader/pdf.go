package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tesserai/tessera/engine/domain"
)

// Extractor pulls per-page text out of a PDF.
type Extractor interface {
	Extract(ctx context.Context, path string) ([]string, error)
}

// PageImage is one embedded image pulled out of a PDF. PageNo is
// 0-based; AssetNo numbers images across the whole document.
type PageImage struct {
	Path    string
	PageNo  int
	AssetNo int
}

// ImageDumper extracts a PDF's embedded images into dir.
type ImageDumper interface {
	Dump(ctx context.Context, path, dir string) ([]PageImage, error)
}

// PDFReader emits one text document per non-empty PDF page and,
// when image extraction is on, one image document per embedded
// image.
type PDFReader struct {
	ex     Extractor
	images ImageDumper
	tmpDir string
	log    *slog.Logger
}

// NewPDFReader builds a reader over the poppler binaries. An empty
// bin falls back to pdftotext on PATH; withImages should track
// whether an image embedding space is enabled.
func NewPDFReader(bin, tmpDir string, withImages bool, logger *slog.Logger) *PDFReader {
	if logger == nil {
		logger = slog.Default()
	}
	if bin == "" {
		bin = "pdftotext"
	}
	if tmpDir == "" {
		tmpDir = filepath.Join(os.TempDir(), "tessera")
	}
	r := &PDFReader{ex: &popplerExtractor{bin: bin, run: runPDF}, tmpDir: tmpDir, log: logger}
	if withImages {
		r.images = &popplerImages{bin: "pdfimages", run: runPDF}
	}
	return r
}

// NewPDFReaderWithExtractor wires a text-only reader over a custom
// extractor.
func NewPDFReaderWithExtractor(ex Extractor, logger *slog.Logger) *PDFReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFReader{ex: ex, log: logger}
}

// Read extracts pages and embedded images. Page numbers are 0-based;
// blank pages are dropped but keep their position, so page 2 stays
// page 2 even when page 1 is empty. Image extraction failures skip
// the images and keep the text.
func (r *PDFReader) Read(ctx context.Context, path string) ([]domain.Document, error) {
	pages, err := r.ex.Extract(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reader: pdf %s: %w", path, err)
	}
	base, err := statMeta(path)
	if err != nil {
		return nil, err
	}
	var docs []domain.Document
	for i, page := range pages {
		text := strings.TrimSpace(page)
		if text == "" {
			continue
		}
		meta := base
		meta.PageNo = i
		docs = append(docs, domain.Document{Text: text, Modality: domain.ModalityText, Meta: meta})
	}
	imgs, err := r.readImages(ctx, path, base)
	if err != nil {
		r.log.Warn("pdf image extraction failed", "path", path, "error", err)
	}
	docs = append(docs, imgs...)
	if len(docs) == 0 {
		return nil, fmt.Errorf("reader: pdf %s: %w", path, domain.ErrEmptySource)
	}
	return docs, nil
}

// readImages dumps embedded images into a per-source scratch dir and
// moves each to its stable temp path. The documents inherit the
// PDF's size and mtime so their identity survives re-runs.
func (r *PDFReader) readImages(ctx context.Context, path string, base domain.BasicMeta) ([]domain.Document, error) {
	if r.images == nil {
		return nil, nil
	}
	scratch := TempPath(r.tmpDir, path, "") + "_img"
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("reader: mkdir %s: %w", scratch, err)
	}
	defer os.RemoveAll(scratch)

	imgs, err := r.images.Dump(ctx, path, scratch)
	if err != nil {
		return nil, err
	}
	var docs []domain.Document
	for _, img := range imgs {
		key := fmt.Sprintf("%s_%d_%d", path, img.PageNo, img.AssetNo)
		dst := TempPath(r.tmpDir, key, filepath.Ext(img.Path))
		if err := os.Rename(img.Path, dst); err != nil {
			r.log.Warn("pdf image skipped", "path", img.Path, "error", err)
			continue
		}
		docs = append(docs, domain.Document{
			MediaPath: dst,
			Modality:  domain.ModalityImage,
			Meta: domain.BasicMeta{
				FilePath:      dst,
				TempFilePath:  dst,
				FileType:      fileType(dst),
				FileSize:      base.FileSize,
				FileLastModAt: base.FileLastModAt,
				BaseSource:    path,
				PageNo:        img.PageNo,
				AssetNo:       img.AssetNo,
			},
		})
	}
	return docs, nil
}

// popplerExtractor shells out to pdftotext, which separates pages
// with form feeds on stdout.
type popplerExtractor struct {
	bin string
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (p *popplerExtractor) Extract(ctx context.Context, path string) ([]string, error) {
	out, err := p.run(ctx, p.bin, "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return nil, err
	}
	return strings.Split(string(out), "\f"), nil
}

// popplerImages shells out to pdfimages, which writes one file per
// embedded image named <root>-<page>-<number>.<ext>.
type popplerImages struct {
	bin string
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (p *popplerImages) Dump(ctx context.Context, path, dir string) ([]PageImage, error) {
	root := filepath.Join(dir, "img")
	if _, err := p.run(ctx, p.bin, "-png", "-p", path, root); err != nil {
		return nil, err
	}
	// Glob returns sorted paths and the zero-padded names keep that
	// order numeric.
	matches, err := filepath.Glob(root + "-*")
	if err != nil {
		return nil, err
	}
	var out []PageImage
	for _, m := range matches {
		page, idx, ok := parseImageName(strings.TrimPrefix(filepath.Base(m), "img-"))
		if !ok {
			continue
		}
		out = append(out, PageImage{Path: m, PageNo: page - 1, AssetNo: idx})
	}
	return out, nil
}

// parseImageName splits "PPP-NNN.png" into its 1-based page number
// and image number.
func parseImageName(name string) (page, idx int, ok bool) {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(stem, "-")
	if len(parts) != 2 {
		return 0, 0, false
	}
	page, err1 := strconv.Atoi(parts[0])
	idx, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return page, idx, true
}

func runPDF(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}
