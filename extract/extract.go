// Package extract turns PDF documents into raw tables.
//
// The engine scans pages according to a rule's extraction strategy: auto
// (every page independently) or an explicit page list. A failing page is
// recorded as a partial failure and skipped rather than aborting the whole
// document — the job only fails when no page yields a table. Document size
// and per-page processing time are bounded so a pathological file cannot
// pin a worker.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/rules"
)

// Table is a raw table lifted from one page. Cells are string-typed at
// this stage; typing happens in the transformation engine.
type Table struct {
	Page      int
	Rows      [][]string
	Ambiguous bool // rows disagreed on width and were padded
}

// Config bounds the engine.
type Config struct {
	// MaxFileSize rejects documents above this size (default: 100 MB).
	MaxFileSize int64
	// PageBudget is the per-page processing time budget (default: 10s).
	// A page that exceeds it is recorded as a partial failure.
	PageBudget time.Duration
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 * 1024 * 1024
	}
	if c.PageBudget <= 0 {
		c.PageBudget = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine is the extraction engine.
type Engine struct {
	cfg Config
}

// New creates an Engine with the given configuration.
func New(cfg Config) *Engine {
	cfg.defaults()
	return &Engine{cfg: cfg}
}

// Extract opens the document at path and returns its tables in page order.
// ctx is checked between pages; a cancelled context aborts with ctx.Err()
// so the scheduler can tell a timeout from a malformed document.
func (e *Engine) Extract(ctx context.Context, path string, spec rules.ExtractionSpec) ([]Table, error) {
	doc, err := openPDF(path, e.cfg.MaxFileSize)
	if err != nil {
		return nil, err
	}

	pages, err := targetPages(spec, doc.PageCount)
	if err != nil {
		return nil, err
	}

	var (
		tables   []Table
		failures []string
	)
	for _, pageNr := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		text, pageErr := doc.pageText(pageNr)
		if elapsed := time.Since(start); pageErr == nil && elapsed > e.cfg.PageBudget {
			pageErr = fmt.Errorf("page processing exceeded %s budget (%s)", e.cfg.PageBudget, elapsed.Round(time.Millisecond))
		}
		if pageErr != nil {
			e.cfg.Logger.Warn("extract: page failed", "path", path, "page", pageNr, "error", pageErr)
			failures = append(failures, fmt.Sprintf("page %d: %v", pageNr, pageErr))
			continue
		}

		for _, t := range detectTables(text) {
			t.Page = pageNr
			tables = append(tables, t)
		}
	}

	if len(failures) == len(pages) {
		return nil, job.Errorf(job.KindExtraction, "all %d pages failed: %s",
			len(pages), strings.Join(failures, "; "))
	}
	if len(tables) == 0 {
		return nil, job.Errorf(job.KindExtraction, "no tables detected in %d scanned pages", len(pages))
	}
	return tables, nil
}

// targetPages resolves the strategy to a concrete 1-based page list.
func targetPages(spec rules.ExtractionSpec, pageCount int) ([]int, error) {
	switch spec.Strategy {
	case rules.StrategyPages:
		for _, p := range spec.Pages {
			if p < 1 || p > pageCount {
				return nil, job.Errorf(job.KindExtraction,
					"configured page %d outside document (%d pages)", p, pageCount)
			}
		}
		return spec.Pages, nil
	default: // auto
		pages := make([]int, pageCount)
		for i := range pages {
			pages[i] = i + 1
		}
		return pages, nil
	}
}

// detectTables finds runs of multi-column lines in page text. A line is a
// table candidate when splitting on column gaps (tabs, or two or more
// consecutive spaces) yields at least two cells. Adjacent candidates form
// one table; rows are padded to the widest row and the table flagged
// ambiguous when widths disagreed.
func detectTables(text string) []Table {
	var (
		tables []Table
		block  [][]string
	)
	flush := func() {
		if len(block) >= 2 {
			tables = append(tables, normalize(block))
		}
		block = nil
	}

	for _, line := range strings.Split(text, "\n") {
		cells := splitCells(line)
		if len(cells) >= 2 {
			block = append(block, cells)
			continue
		}
		flush()
	}
	flush()
	return tables
}

// splitCells splits a line into cells on tabs or runs of 2+ spaces.
func splitCells(line string) []string {
	line = strings.TrimRight(line, " \t\r")
	if strings.TrimSpace(line) == "" {
		return nil
	}
	var cells []string
	var cur strings.Builder
	spaceRun := 0
	emit := func() {
		if c := strings.TrimSpace(cur.String()); c != "" {
			cells = append(cells, c)
		}
		cur.Reset()
	}
	for _, r := range line {
		switch {
		case r == '\t':
			emit()
			spaceRun = 0
		case r == ' ':
			spaceRun++
			if spaceRun == 2 {
				// The run that just ended was a column gap; the cell
				// already holds one trailing space to trim.
				emit()
			}
			if spaceRun < 2 {
				cur.WriteRune(r)
			}
		default:
			spaceRun = 0
			cur.WriteRune(r)
		}
	}
	emit()
	return cells
}

// normalize pads rows to uniform width.
func normalize(rows [][]string) Table {
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	ambiguous := false
	for i, r := range rows {
		if len(r) < width {
			ambiguous = true
			padded := make([]string, width)
			copy(padded, r)
			rows[i] = padded
		}
	}
	return Table{Rows: rows, Ambiguous: ambiguous}
}
