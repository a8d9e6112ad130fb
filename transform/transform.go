// Package transform applies a rule's declarative operations to raw
// extracted tables, producing the normalized row set handed to the
// spreadsheet writer.
//
// Operations run strictly in declared order. A failed type coercion only
// drops the row when the column is marked required; dropped rows are
// counted and the whole job fails once their share exceeds the configured
// threshold, so a mostly-empty result is never emitted silently.
package transform

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/tablemill/extract"
	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/rules"
)

// RowSet is the normalized output: typed rows conforming to the rule's
// output template. Every row is exactly len(Headers) wide.
type RowSet struct {
	SheetName string
	Headers   []string
	Rows      [][]any
}

// Config bounds the engine.
type Config struct {
	// DroppedRowLimit is the maximum tolerated ratio of rows dropped by
	// required-column coercion failures. Zero tolerates none; nil means
	// the default of 0.5.
	DroppedRowLimit *float64
	// MaxRows / MaxCols bound the output (defaults: 1,000,000 / 16,384).
	MaxRows int
	MaxCols int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DroppedRowLimit == nil {
		limit := 0.5
		c.DroppedRowLimit = &limit
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 1_000_000
	}
	if c.MaxCols <= 0 {
		c.MaxCols = 16_384
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine is the transformation engine.
type Engine struct {
	cfg Config
}

// New creates an Engine with the given configuration.
func New(cfg Config) *Engine {
	cfg.defaults()
	return &Engine{cfg: cfg}
}

// ctxCheckEvery is how many rows are processed between cancellation checks.
const ctxCheckEvery = 256

// Apply runs the rule's operations over the extracted tables and projects
// the result onto the rule's output template.
func (e *Engine) Apply(ctx context.Context, tables []extract.Table, rule *rules.Rule) (*RowSet, error) {
	f, err := assemble(tables)
	if err != nil {
		return nil, err
	}

	dropped := 0
	for _, op := range rule.Ops {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch op.Kind {
		case rules.OpRename:
			if err := f.rename(op.Column, op.To); err != nil {
				return nil, err
			}
		case rules.OpCoerce:
			n, err := f.coerce(ctx, op)
			if err != nil {
				return nil, err
			}
			dropped += n
		case rules.OpFilter:
			if err := f.filter(ctx, op); err != nil {
				return nil, err
			}
		case rules.OpDerive:
			if err := f.derive(ctx, op); err != nil {
				return nil, err
			}
		}
	}

	if f.total > 0 {
		limit := *e.cfg.DroppedRowLimit
		ratio := float64(dropped) / float64(f.total)
		if ratio > limit {
			return nil, job.Errorf(job.KindTransformation,
				"dropped %d of %d rows (%.0f%%), threshold %.0f%%",
				dropped, f.total, ratio*100, limit*100)
		}
		if dropped > 0 {
			e.cfg.Logger.Info("transform: dropped rows under threshold",
				"dropped", dropped, "total", f.total)
		}
	}

	out, err := f.project(rule.Output)
	if err != nil {
		return nil, err
	}
	if len(out.Rows) > e.cfg.MaxRows {
		return nil, job.Errorf(job.KindLimitExceeded,
			"%d output rows exceed limit %d", len(out.Rows), e.cfg.MaxRows)
	}
	if len(out.Headers) > e.cfg.MaxCols {
		return nil, job.Errorf(job.KindLimitExceeded,
			"%d output columns exceed limit %d", len(out.Headers), e.cfg.MaxCols)
	}
	return out, nil
}

// frame is the working table during transformation.
type frame struct {
	cols  []string
	rows  [][]any
	total int // data rows seen before any drop, for the threshold ratio
}

// assemble concatenates extracted tables into one frame. The first row of
// the first table names the columns; later tables repeating that header
// row verbatim have it stripped.
func assemble(tables []extract.Table) (*frame, error) {
	if len(tables) == 0 {
		return nil, job.Errorf(job.KindTransformation, "no tables to transform")
	}
	if len(tables[0].Rows) < 1 {
		return nil, job.Errorf(job.KindTransformation, "first table is empty")
	}

	header := tables[0].Rows[0]
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = strings.TrimSpace(h)
	}

	f := &frame{cols: cols}
	for ti, t := range tables {
		rows := t.Rows
		if ti == 0 {
			rows = rows[1:]
		} else if len(rows) > 0 && sameRow(rows[0], header) {
			rows = rows[1:]
		}
		for _, r := range rows {
			row := make([]any, len(cols))
			for i := range cols {
				if i < len(r) {
					row[i] = r[i]
				} else {
					row[i] = ""
				}
			}
			f.rows = append(f.rows, row)
		}
	}
	f.total = len(f.rows)
	return f, nil
}

func sameRow(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.TrimSpace(a[i]) != strings.TrimSpace(b[i]) {
			return false
		}
	}
	return true
}

func (f *frame) col(name string) (int, bool) {
	for i, c := range f.cols {
		if strings.EqualFold(c, name) {
			return i, true
		}
	}
	return 0, false
}

func (f *frame) rename(from, to string) error {
	i, ok := f.col(from)
	if !ok {
		return job.Errorf(job.KindTransformation, "rename: unknown column %q", from)
	}
	f.cols[i] = to
	return nil
}

// coerce converts a column to the target type. Returns the number of rows
// dropped (required column only).
func (f *frame) coerce(ctx context.Context, op rules.Op) (int, error) {
	i, ok := f.col(op.Column)
	if !ok {
		return 0, job.Errorf(job.KindTransformation, "coerce: unknown column %q", op.Column)
	}

	dropped := 0
	kept := f.rows[:0]
	for n, row := range f.rows {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		v, err := coerceCell(row[i], op.Type)
		if err != nil {
			if op.Required {
				dropped++
				continue
			}
			// Optional column keeps the raw cell.
			kept = append(kept, row)
			continue
		}
		row[i] = v
		kept = append(kept, row)
	}
	f.rows = kept
	return dropped, nil
}

func (f *frame) filter(ctx context.Context, op rules.Op) error {
	i, ok := f.col(op.Column)
	if !ok {
		return job.Errorf(job.KindTransformation, "filter: unknown column %q", op.Column)
	}
	kept := f.rows[:0]
	for n, row := range f.rows {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !matchCell(cellString(row[i]), op) {
			kept = append(kept, row)
		}
	}
	f.rows = kept
	return nil
}

func matchCell(v string, op rules.Op) bool {
	switch op.When {
	case "equals":
		return strings.EqualFold(strings.TrimSpace(v), op.Value)
	case "contains":
		return strings.Contains(strings.ToLower(v), strings.ToLower(op.Value))
	case "empty":
		return strings.TrimSpace(v) == ""
	}
	return false
}

func (f *frame) derive(ctx context.Context, op rules.Op) error {
	srcs := make([]int, len(op.From))
	for k, name := range op.From {
		i, ok := f.col(name)
		if !ok {
			return job.Errorf(job.KindTransformation, "derive: unknown column %q", name)
		}
		srcs[k] = i
	}

	f.cols = append(f.cols, op.To)
	for n, row := range f.rows {
		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		f.rows[n] = append(row, deriveCell(row, srcs, op))
	}
	return nil
}

func deriveCell(row []any, srcs []int, op rules.Op) any {
	if op.Expr == "concat" {
		sep := op.Sep
		if sep == "" {
			sep = " "
		}
		parts := make([]string, len(srcs))
		for k, i := range srcs {
			parts[k] = cellString(row[i])
		}
		return strings.Join(parts, sep)
	}

	a, errA := cellFloat(row[srcs[0]])
	b, errB := cellFloat(row[srcs[1]])
	if errA != nil || errB != nil {
		return ""
	}
	switch op.Expr {
	case "add":
		return a + b
	case "sub":
		return a - b
	case "mul":
		return a * b
	case "div":
		if b == 0 {
			return ""
		}
		return a / b
	}
	return ""
}

// project reorders and relabels columns per the output template.
func (f *frame) project(out rules.OutputSpec) (*RowSet, error) {
	srcs := make([]int, len(out.Columns))
	for k, name := range out.Columns {
		i, ok := f.col(name)
		if !ok {
			return nil, job.Errorf(job.KindTransformation,
				"output template references unknown column %q", name)
		}
		srcs[k] = i
	}

	rs := &RowSet{
		SheetName: out.SheetName,
		Headers:   append([]string(nil), out.Headers...),
		Rows:      make([][]any, len(f.rows)),
	}
	for n, row := range f.rows {
		projected := make([]any, len(srcs))
		for k, i := range srcs {
			projected[k] = row[i]
		}
		rs.Rows[n] = projected
	}
	return rs, nil
}

// --- cell conversions ---

// numericCleaner strips grouping and currency noise before parsing.
var numericCleaner = strings.NewReplacer(",", "", "$", "", "€", "", "£", "", " ", "")

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"01/02/2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	time.RFC3339,
}

func coerceCell(v any, typ string) (any, error) {
	s := strings.TrimSpace(cellString(v))
	switch typ {
	case "string":
		return s, nil
	case "int":
		n, err := strconv.ParseInt(numericCleaner.Replace(s), 10, 64)
		if err != nil {
			return nil, err
		}
		return n, nil
	case "float":
		fv, err := strconv.ParseFloat(numericCleaner.Replace(s), 64)
		if err != nil {
			return nil, err
		}
		return fv, nil
	case "date":
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return nil, job.Errorf(job.KindTransformation, "unparseable date %q", s)
	}
	return nil, job.Errorf(job.KindTransformation, "unknown type %q", typ)
}

func cellString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format("2006-01-02")
	case nil:
		return ""
	}
	return ""
}

func cellFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	}
	return strconv.ParseFloat(numericCleaner.Replace(strings.TrimSpace(cellString(v))), 64)
}
