package rules_test

import (
	"testing"

	"github.com/hazyhaar/tablemill/rules"
)

func rule(name string, m rules.MatchSpec) *rules.Rule {
	return &rules.Rule{
		Name:       name,
		Match:      m,
		Extraction: rules.ExtractionSpec{Strategy: rules.StrategyAuto},
		Output: rules.OutputSpec{
			Headers: []string{"A"},
			Columns: []string{"a"},
		},
	}
}

func TestMatchFirstDeclaredWins(t *testing.T) {
	list := []*rules.Rule{
		rule("invoices", rules.MatchSpec{Sender: "billing@vendor.com"}),
		rule("all-vendor", rules.MatchSpec{Sender: "vendor.com"}),
	}
	meta := rules.Meta{Sender: "billing@vendor.com", Filename: "inv.pdf"}

	// Deterministic: same input, same winner, every time.
	for i := 0; i < 10; i++ {
		r, ok := rules.Match(list, meta)
		if !ok {
			t.Fatal("expected a match")
		}
		if r.Name != "invoices" {
			t.Fatalf("got %q, want invoices", r.Name)
		}
	}
}

func TestMatchAllPredicatesRequired(t *testing.T) {
	list := []*rules.Rule{
		rule("strict", rules.MatchSpec{Sender: "vendor.com", Filename: "*.pdf", Subject: "invoice"}),
	}

	if _, ok := rules.Match(list, rules.Meta{Sender: "vendor.com", Filename: "doc.pdf", Subject: "statement"}); ok {
		t.Fatal("subject predicate should have failed the match")
	}
	if r, ok := rules.Match(list, rules.Meta{Sender: "billing@vendor.com", Filename: "doc.pdf", Subject: "Invoice 42"}); !ok || r.Name != "strict" {
		t.Fatalf("expected strict to match, got %v %v", r, ok)
	}
}

func TestMatchGlobAndCase(t *testing.T) {
	list := []*rules.Rule{rule("glob", rules.MatchSpec{Filename: "report_*.pdf"})}

	if _, ok := rules.Match(list, rules.Meta{Filename: "REPORT_2026.PDF"}); !ok {
		t.Fatal("glob match should be case-insensitive")
	}
	if _, ok := rules.Match(list, rules.Meta{Filename: "summary.pdf"}); ok {
		t.Fatal("glob should not match summary.pdf")
	}
}

func TestMatchEmptyPredicatesNeverAutoMatch(t *testing.T) {
	list := []*rules.Rule{
		rule("manual-only", rules.MatchSpec{}),
		rule("catch", rules.MatchSpec{Filename: ".pdf"}),
	}
	r, ok := rules.Match(list, rules.Meta{Sender: "a@b.c", Filename: "x.pdf"})
	if !ok || r.Name != "catch" {
		t.Fatalf("predicate-less rule must not auto-match, got %v %v", r, ok)
	}
}

func TestMatchNone(t *testing.T) {
	list := []*rules.Rule{rule("invoices", rules.MatchSpec{Sender: "billing@"})}
	if _, ok := rules.Match(list, rules.Meta{Sender: "noreply@other.com"}); ok {
		t.Fatal("expected no match")
	}
}

func TestValidate(t *testing.T) {
	good := &rules.Rule{
		Name:       "ok",
		Extraction: rules.ExtractionSpec{Strategy: rules.StrategyPages, Pages: []int{1, 3}},
		Ops: []rules.Op{
			{Kind: rules.OpRename, Column: "a", To: "b"},
			{Kind: rules.OpCoerce, Column: "b", Type: "float", Required: true},
			{Kind: rules.OpFilter, Column: "b", When: "empty"},
			{Kind: rules.OpDerive, To: "c", From: []string{"b", "b"}, Expr: "mul"},
		},
		Output: rules.OutputSpec{Headers: []string{"B"}, Columns: []string{"b"}},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	bad := []*rules.Rule{
		{Name: "no-strategy", Output: rules.OutputSpec{Headers: []string{"A"}, Columns: []string{"a"}}},
		{Name: "pages-empty", Extraction: rules.ExtractionSpec{Strategy: rules.StrategyPages},
			Output: rules.OutputSpec{Headers: []string{"A"}, Columns: []string{"a"}}},
		{Name: "headers-mismatch", Extraction: rules.ExtractionSpec{Strategy: rules.StrategyAuto},
			Output: rules.OutputSpec{Headers: []string{"A", "B"}, Columns: []string{"a"}}},
		{Name: "bad-op", Extraction: rules.ExtractionSpec{Strategy: rules.StrategyAuto},
			Ops:    []rules.Op{{Kind: "explode"}},
			Output: rules.OutputSpec{Headers: []string{"A"}, Columns: []string{"a"}}},
		{Name: "bad-coerce", Extraction: rules.ExtractionSpec{Strategy: rules.StrategyAuto},
			Ops:    []rules.Op{{Kind: rules.OpCoerce, Column: "a", Type: "complex"}},
			Output: rules.OutputSpec{Headers: []string{"A"}, Columns: []string{"a"}}},
	}
	for _, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("rule %q should not validate", r.Name)
		}
	}
}
