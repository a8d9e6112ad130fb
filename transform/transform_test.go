package transform_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/tablemill/extract"
	"github.com/hazyhaar/tablemill/job"
	"github.com/hazyhaar/tablemill/rules"
	"github.com/hazyhaar/tablemill/transform"
)

func invoiceTables() []extract.Table {
	return []extract.Table{{
		Page: 1,
		Rows: [][]string{
			{"Date", "Item", "Amount"},
			{"2026-01-02", "Widgets", "120.50"},
			{"2026-01-03", "Gears", "75.00"},
			{"2026-01-04", "Sprockets", "19.99"},
		},
	}}
}

func invoiceRule(ops ...rules.Op) *rules.Rule {
	return &rules.Rule{
		ID: 1, Version: 1, Name: "invoices",
		Extraction: rules.ExtractionSpec{Strategy: rules.StrategyAuto},
		Ops:        ops,
		Output: rules.OutputSpec{
			SheetName: "Invoices",
			Headers:   []string{"Date", "Item", "Amount"},
			Columns:   []string{"date", "item", "amount"},
		},
	}
}

func limit(v float64) *float64 { return &v }

func apply(t *testing.T, tables []extract.Table, rule *rules.Rule) *transform.RowSet {
	t.Helper()
	rs, err := transform.New(transform.Config{}).Apply(context.Background(), tables, rule)
	if err != nil {
		t.Fatal(err)
	}
	return rs
}

func TestApplyOpsInOrder(t *testing.T) {
	rule := invoiceRule(
		rules.Op{Kind: rules.OpRename, Column: "Date", To: "date"},
		rules.Op{Kind: rules.OpRename, Column: "Item", To: "item"},
		rules.Op{Kind: rules.OpRename, Column: "Amount", To: "amount"},
		rules.Op{Kind: rules.OpCoerce, Column: "amount", Type: "float", Required: true},
	)
	rs := apply(t, invoiceTables(), rule)

	if len(rs.Rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rs.Rows))
	}
	if len(rs.Headers) != 3 {
		t.Fatalf("got %d headers, want 3", len(rs.Headers))
	}
	for i, row := range rs.Rows {
		if len(row) != len(rs.Headers) {
			t.Fatalf("row %d width %d != header count %d", i, len(row), len(rs.Headers))
		}
	}
	if v, ok := rs.Rows[0][2].(float64); !ok || v != 120.50 {
		t.Fatalf("amount not coerced: %#v", rs.Rows[0][2])
	}
	if rs.SheetName != "Invoices" {
		t.Fatalf("sheet name %q", rs.SheetName)
	}
}

func TestRequiredCoercionDropsRow(t *testing.T) {
	tables := invoiceTables()
	tables[0].Rows = append(tables[0].Rows, []string{"2026-01-05", "Freight", "n/a"})

	rule := invoiceRule(
		rules.Op{Kind: rules.OpRename, Column: "Date", To: "date"},
		rules.Op{Kind: rules.OpRename, Column: "Item", To: "item"},
		rules.Op{Kind: rules.OpRename, Column: "Amount", To: "amount"},
		rules.Op{Kind: rules.OpCoerce, Column: "amount", Type: "float", Required: true},
	)
	rs := apply(t, tables, rule)
	if len(rs.Rows) != 3 {
		t.Fatalf("unparseable required row should drop: got %d rows, want 3", len(rs.Rows))
	}
}

func TestOptionalCoercionKeepsRow(t *testing.T) {
	tables := invoiceTables()
	tables[0].Rows = append(tables[0].Rows, []string{"2026-01-05", "Freight", "n/a"})

	rule := invoiceRule(
		rules.Op{Kind: rules.OpRename, Column: "Date", To: "date"},
		rules.Op{Kind: rules.OpRename, Column: "Item", To: "item"},
		rules.Op{Kind: rules.OpRename, Column: "Amount", To: "amount"},
		rules.Op{Kind: rules.OpCoerce, Column: "amount", Type: "float"},
	)
	rs := apply(t, tables, rule)
	if len(rs.Rows) != 4 {
		t.Fatalf("optional coercion must keep the row: got %d rows", len(rs.Rows))
	}
	if rs.Rows[3][2] != "n/a" {
		t.Fatalf("raw cell should survive: %#v", rs.Rows[3][2])
	}
}

func TestDroppedRowThreshold(t *testing.T) {
	tables := []extract.Table{{
		Rows: [][]string{
			{"amount"},
			{"oops"},
			{"nope"},
			{"1.0"},
		},
	}}
	rule := &rules.Rule{
		Name:       "strict",
		Extraction: rules.ExtractionSpec{Strategy: rules.StrategyAuto},
		Ops:        []rules.Op{{Kind: rules.OpCoerce, Column: "amount", Type: "float", Required: true}},
		Output:     rules.OutputSpec{Headers: []string{"Amount"}, Columns: []string{"amount"}},
	}

	_, err := transform.New(transform.Config{DroppedRowLimit: limit(0.5)}).
		Apply(context.Background(), tables, rule)
	var je *job.Error
	if !errors.As(err, &je) || je.Kind != job.KindTransformation {
		t.Fatalf("want transformation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "dropped") {
		t.Fatalf("error should mention dropped rows: %v", err)
	}
}

func TestZeroThresholdFailsOnAnyDrop(t *testing.T) {
	tables := invoiceTables()
	tables[0].Rows = append(tables[0].Rows, []string{"2026-01-05", "Freight", "n/a"})

	rule := invoiceRule(
		rules.Op{Kind: rules.OpRename, Column: "Date", To: "date"},
		rules.Op{Kind: rules.OpRename, Column: "Item", To: "item"},
		rules.Op{Kind: rules.OpRename, Column: "Amount", To: "amount"},
		rules.Op{Kind: rules.OpCoerce, Column: "amount", Type: "float", Required: true},
	)

	// An explicit zero threshold is honored, not replaced by the default.
	_, err := transform.New(transform.Config{DroppedRowLimit: limit(0)}).
		Apply(context.Background(), tables, rule)
	var je *job.Error
	if !errors.As(err, &je) || je.Kind != job.KindTransformation {
		t.Fatalf("want transformation error on a single dropped row, got %v", err)
	}
}

func TestFilterAndDerive(t *testing.T) {
	rule := invoiceRule(
		rules.Op{Kind: rules.OpRename, Column: "Date", To: "date"},
		rules.Op{Kind: rules.OpRename, Column: "Item", To: "item"},
		rules.Op{Kind: rules.OpRename, Column: "Amount", To: "amount"},
		rules.Op{Kind: rules.OpFilter, Column: "item", When: "equals", Value: "Gears"},
		rules.Op{Kind: rules.OpCoerce, Column: "amount", Type: "float", Required: true},
		rules.Op{Kind: rules.OpDerive, To: "doubled", From: []string{"amount", "amount"}, Expr: "add"},
	)
	rule.Output = rules.OutputSpec{
		Headers: []string{"Item", "Doubled"},
		Columns: []string{"item", "doubled"},
	}

	rs := apply(t, invoiceTables(), rule)
	if len(rs.Rows) != 2 {
		t.Fatalf("filter should drop Gears: got %d rows", len(rs.Rows))
	}
	if v, ok := rs.Rows[0][1].(float64); !ok || v != 241.0 {
		t.Fatalf("derived cell = %#v, want 241.0", rs.Rows[0][1])
	}
}

func TestDeriveConcat(t *testing.T) {
	rule := invoiceRule(
		rules.Op{Kind: rules.OpRename, Column: "Date", To: "date"},
		rules.Op{Kind: rules.OpRename, Column: "Item", To: "item"},
		rules.Op{Kind: rules.OpRename, Column: "Amount", To: "amount"},
		rules.Op{Kind: rules.OpDerive, To: "label", From: []string{"date", "item"}, Expr: "concat", Sep: " / "},
	)
	rule.Output = rules.OutputSpec{Headers: []string{"Label"}, Columns: []string{"label"}}

	rs := apply(t, invoiceTables(), rule)
	if rs.Rows[0][0] != "2026-01-02 / Widgets" {
		t.Fatalf("concat = %#v", rs.Rows[0][0])
	}
}

func TestSecondTableHeaderStripped(t *testing.T) {
	tables := invoiceTables()
	tables = append(tables, extract.Table{
		Page: 2,
		Rows: [][]string{
			{"Date", "Item", "Amount"},
			{"2026-02-01", "Bolts", "3.50"},
		},
	})
	rule := invoiceRule(
		rules.Op{Kind: rules.OpRename, Column: "Date", To: "date"},
		rules.Op{Kind: rules.OpRename, Column: "Item", To: "item"},
		rules.Op{Kind: rules.OpRename, Column: "Amount", To: "amount"},
	)
	rs := apply(t, tables, rule)
	if len(rs.Rows) != 4 {
		t.Fatalf("repeated header must be stripped: got %d rows", len(rs.Rows))
	}
}

func TestRowLimitExceeded(t *testing.T) {
	rule := invoiceRule(
		rules.Op{Kind: rules.OpRename, Column: "Date", To: "date"},
		rules.Op{Kind: rules.OpRename, Column: "Item", To: "item"},
		rules.Op{Kind: rules.OpRename, Column: "Amount", To: "amount"},
	)
	_, err := transform.New(transform.Config{MaxRows: 2}).
		Apply(context.Background(), invoiceTables(), rule)
	var je *job.Error
	if !errors.As(err, &je) || je.Kind != job.KindLimitExceeded {
		t.Fatalf("want limit error, got %v", err)
	}
}

func TestUnknownColumnFails(t *testing.T) {
	rule := invoiceRule(rules.Op{Kind: rules.OpRename, Column: "Nope", To: "x"})
	_, err := transform.New(transform.Config{}).Apply(context.Background(), invoiceTables(), rule)
	var je *job.Error
	if !errors.As(err, &je) || je.Kind != job.KindTransformation {
		t.Fatalf("want transformation error, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rule := invoiceRule(rules.Op{Kind: rules.OpFilter, Column: "Item", When: "empty"})
	_, err := transform.New(transform.Config{}).Apply(ctx, invoiceTables(), rule)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
