package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"tax-rag/internal/extractor"
	"tax-rag/internal/metrics"
	"tax-rag/internal/models"

	"github.com/rs/zerolog/log"
)

const pdfExt = ".pdf"

// PageExtractor reads the text of one page image.
type PageExtractor interface {
	Extract(ctx context.Context, image []byte) extractor.Result
}

// Ingestor turns a folder of scanned PDFs into page records.
type Ingestor struct {
	renderer      PageRenderer
	extractor     PageExtractor
	stripMarkdown bool
}

type Option func(*Ingestor)

// WithMarkdownStripping removes markdown syntax from extracted page text.
func WithMarkdownStripping(enabled bool) Option {
	return func(i *Ingestor) { i.stripMarkdown = enabled }
}

func NewIngestor(renderer PageRenderer, pageExtractor PageExtractor, opts ...Option) *Ingestor {
	i := &Ingestor{renderer: renderer, extractor: pageExtractor}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest extracts every page of every PDF directly inside folder, files in
// lexical order and pages in order. Pages that fail to render or extract are
// logged and skipped. An empty folder yields an empty slice.
func (i *Ingestor) Ingest(ctx context.Context, folder string) ([]models.PageRecord, error) {
	files, err := ListPDFs(folder)
	if err != nil {
		return nil, err
	}

	records := []models.PageRecord{}
	for idx, path := range files {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		source := sourceName(path)
		log.Info().Str("source", source).Int("file", idx+1).Int("files", len(files)).Msg("Processing PDF")

		pages, err := i.ingestFile(ctx, path, source)
		if err != nil {
			return records, err
		}
		records = append(records, pages...)
	}
	return records, nil
}

func (i *Ingestor) ingestFile(ctx context.Context, path, source string) ([]models.PageRecord, error) {
	count, err := i.renderer.PageCount(ctx, path)
	if err != nil {
		log.Error().Err(err).Str("source", source).Msg("Failed to read PDF, skipping")
		return nil, nil
	}

	var records []models.PageRecord
	for page := 1; page <= count; page++ {
		if err := ctx.Err(); err != nil {
			return records, err
		}

		img, err := i.renderer.RenderPage(ctx, path, page)
		if err != nil {
			metrics.PagesTotal.WithLabelValues("skipped").Inc()
			log.Error().Err(err).Str("source", source).Int("page", page).Msg("Failed to render page, skipping")
			continue
		}

		res := i.extractor.Extract(ctx, img)
		if !res.OK() {
			metrics.PagesTotal.WithLabelValues("skipped").Inc()
			log.Error().Err(res.Err).
				Str("source", source).
				Int("page", page).
				Str("outcome", res.Outcome.String()).
				Int("attempts", res.Attempts).
				Msg("Failed to extract page, skipping")
			continue
		}

		records = append(records, models.PageRecord{
			Text:       i.cleanText(res.Text),
			Source:     source,
			PageNumber: page,
		})
		metrics.PagesTotal.WithLabelValues("ingested").Inc()
		log.Debug().Str("source", source).Int("page", page).Int("runes", len([]rune(res.Text))).Msg("Page extracted")
	}
	return records, nil
}

func (i *Ingestor) cleanText(raw string) string {
	text := strings.ToValidUTF8(raw, "")
	if !i.stripMarkdown {
		return text
	}
	plain, err := StripMarkdown(text)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to strip markdown, keeping raw text")
		return text
	}
	return plain
}

// ListPDFs returns the PDF files directly inside folder in lexical order.
func ListPDFs(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf folder: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), pdfExt) {
			continue
		}
		files = append(files, filepath.Join(folder, entry.Name()))
	}
	return files, nil
}

// sourceName is the file name without its extension.
func sourceName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
