package export

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"tax-rag/internal/helper"
	"tax-rag/internal/models"

	"github.com/rs/zerolog/log"
	"github.com/xuri/excelize/v2"
)

const SheetName = "Chunks"

var headers = []interface{}{"Source", "Page", "Chunk ID", "Text"}

// Lister enumerates stored chunks.
type Lister interface {
	All(ctx context.Context) ([]models.Chunk, error)
}

// WriteXLSX dumps every chunk in store as one spreadsheet row, in store order.
// It returns the number of rows written.
func WriteXLSX(ctx context.Context, store Lister, w io.Writer) (int, error) {
	chunks, err := store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list chunks: %w", err)
	}

	f, err := buildWorkbook(chunks)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing workbook")
		}
	}()

	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("failed to write workbook: %w", err)
	}
	return len(chunks), nil
}

// SaveXLSX is WriteXLSX to a file at path. Missing parent folders are created.
func SaveXLSX(ctx context.Context, store Lister, path string) (int, error) {
	chunks, err := store.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list chunks: %w", err)
	}

	f, err := buildWorkbook(chunks)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if err := helper.CreateFolder(filepath.Dir(path)); err != nil {
		return 0, err
	}
	if err := f.SaveAs(path); err != nil {
		return 0, fmt.Errorf("failed to save workbook %s: %w", path, err)
	}
	return len(chunks), nil
}

func buildWorkbook(chunks []models.Chunk) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to remove default sheet: %w", err)
	}

	// page text is Arabic
	if err := f.SetSheetView(SheetName, 0, &excelize.ViewOptions{RightToLeft: boolPtr(true)}); err != nil {
		log.Debug().Err(err).Msg("Could not set sheet direction")
	}

	if err := f.SetSheetRow(SheetName, "A1", &headers); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write headers: %w", err)
	}
	for i, c := range chunks {
		row := []interface{}{c.Source, c.PageNumber, c.ID, c.Text}
		if err := f.SetSheetRow(SheetName, "A"+strconv.Itoa(i+2), &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	_ = f.SetColWidth(SheetName, "A", "A", 24)
	_ = f.SetColWidth(SheetName, "C", "C", 38)
	_ = f.SetColWidth(SheetName, "D", "D", 120)
	return f, nil
}

func boolPtr(b bool) *bool { return &b }
