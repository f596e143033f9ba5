package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

const DefaultDPI = 96

// PageRenderer rasterizes PDF pages. Page numbers are 1-based.
type PageRenderer interface {
	PageCount(ctx context.Context, path string) (int, error)
	RenderPage(ctx context.Context, path string, page int) ([]byte, error)
}

// PopplerRenderer renders pages with the poppler command line tools.
type PopplerRenderer struct {
	DPI      int
	Pdftoppm string
	Pdfinfo  string
}

func NewPopplerRenderer(dpi int) *PopplerRenderer {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &PopplerRenderer{DPI: dpi, Pdftoppm: "pdftoppm", Pdfinfo: "pdfinfo"}
}

// PageCount reads the page tree with the pure Go reader and asks pdfinfo
// when that fails. Scanned PDFs often carry xref tables the reader rejects.
func (r *PopplerRenderer) PageCount(ctx context.Context, path string) (int, error) {
	n, err := countPages(path)
	if err == nil && n > 0 {
		return n, nil
	}
	log.Debug().Err(err).Str("file", path).Msg("Falling back to pdfinfo for page count")

	out, cmdErr := exec.CommandContext(ctx, r.Pdfinfo, path).Output()
	if cmdErr != nil {
		return 0, fmt.Errorf("failed to count pages of %s: %w", path, errors.Join(err, cmdErr))
	}
	return parsePdfinfoPages(out)
}

func countPages(path string) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pdf reader panic: %v", rec)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return 0, err
	}
	reader, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return 0, err
	}
	return reader.NumPage(), nil
}

func parsePdfinfoPages(out []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok || strings.TrimSpace(key) != "Pages" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, fmt.Errorf("invalid pdfinfo page count %q: %w", value, err)
		}
		return n, nil
	}
	return 0, errors.New("pdfinfo output has no page count")
}

// RenderPage returns the PNG image of one page.
func (r *PopplerRenderer) RenderPage(ctx context.Context, path string, page int) ([]byte, error) {
	dir, err := os.MkdirTemp("", "taxrag-page-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "page")
	pageArg := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, r.Pdftoppm,
		"-png",
		"-r", strconv.Itoa(r.DPI),
		"-f", pageArg,
		"-l", pageArg,
		"-singlefile",
		path, prefix,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d of %s: %w: %s", page, path, err, strings.TrimSpace(stderr.String()))
	}

	img, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("failed to read rendered page %d of %s: %w", page, path, err)
	}
	return img, nil
}
