// Package xlsxout serializes a normalized row set to a spreadsheet
// artifact. Rows stream through excelize's StreamWriter so memory stays
// bounded regardless of row count, and the file is staged next to its
// final path and renamed into place — a reader can never observe a
// partially written artifact.
package xlsxout

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/transform"
)

// Config configures the writer.
type Config struct {
	// DefaultSheet names the sheet when the rule's template doesn't
	// (default: "Processed_Data").
	DefaultSheet string
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DefaultSheet == "" {
		c.DefaultSheet = "Processed_Data"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Writer writes spreadsheet artifacts.
type Writer struct {
	cfg Config
}

// New creates a Writer with the given configuration.
func New(cfg Config) *Writer {
	cfg.defaults()
	return &Writer{cfg: cfg}
}

// ctxCheckEvery is how many rows are streamed between cancellation checks.
const ctxCheckEvery = 256

// Write streams rs into finalPath atomically. Any failure removes the
// staging file and reports a write error; finalPath is only ever created
// complete.
func (w *Writer) Write(ctx context.Context, rs *transform.RowSet, finalPath string) (err error) {
	sheet := rs.SheetName
	if sheet == "" {
		sheet = w.cfg.DefaultSheet
	}

	dir := filepath.Dir(finalPath)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return job.Errorf(job.KindWrite, "create output dir: %v", mkErr)
	}

	// Stage in the destination directory so the final rename cannot
	// cross a filesystem boundary.
	tmp, err := os.CreateTemp(dir, filepath.Base(finalPath)+".tmp-*")
	if err != nil {
		return job.Errorf(job.KindWrite, "create staging file: %v", err)
	}
	staging := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			if rmErr := os.Remove(staging); rmErr != nil && !os.IsNotExist(rmErr) {
				w.cfg.Logger.Warn("xlsxout: staging cleanup failed", "path", staging, "error", rmErr)
			}
		}
	}()

	if err = w.stream(ctx, rs, sheet, tmp); err != nil {
		return err
	}
	if syncErr := tmp.Sync(); syncErr != nil {
		err = job.Errorf(job.KindWrite, "sync staging file: %v", syncErr)
		return err
	}
	if closeErr := tmp.Close(); closeErr != nil {
		err = job.Errorf(job.KindWrite, "close staging file: %v", closeErr)
		return err
	}
	if renameErr := os.Rename(staging, finalPath); renameErr != nil {
		err = job.Errorf(job.KindWrite, "rename into place: %v", renameErr)
		return err
	}

	w.cfg.Logger.Info("xlsxout: artifact written",
		"path", finalPath, "rows", len(rs.Rows), "cols", len(rs.Headers))
	return nil
}

func (w *Writer) stream(ctx context.Context, rs *transform.RowSet, sheet string, dst *os.File) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return job.Errorf(job.KindWrite, "name sheet: %v", err)
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return job.Errorf(job.KindWrite, "open stream writer: %v", err)
	}

	boldID, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return job.Errorf(job.KindWrite, "header style: %v", err)
	}
	header := make([]any, len(rs.Headers))
	for i, h := range rs.Headers {
		header[i] = excelize.Cell{StyleID: boldID, Value: h}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return job.Errorf(job.KindWrite, "write header: %v", err)
	}

	for n, row := range rs.Rows {
		if n%ctxCheckEvery == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
		}
		cell, _ := excelize.CoordinatesToCellName(1, n+2)
		if err := sw.SetRow(cell, row); err != nil {
			return job.Errorf(job.KindWrite, "write row %d: %v", n+1, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return job.Errorf(job.KindWrite, "flush stream: %v", err)
	}
	if err := f.Write(dst); err != nil {
		return job.Errorf(job.KindWrite, "write workbook: %v", err)
	}
	return nil
}
