// Package rules defines mapping rules — the declarative binding between a
// document pattern, an extraction strategy, a transformation program, and
// an output template — plus the pure matcher that selects the applicable
// rule for a candidate document.
//
// Rules are versioned: edits insert a new (id, version) row in the store
// and running jobs keep the snapshot they were matched against, so a rule
// never changes meaning mid-job.
package rules

import (
	"fmt"
	"path"
	"strings"
)

// Rule is one version of a mapping rule. Immutable once loaded.
type Rule struct {
	ID      int64  `json:"id"`
	Version int64  `json:"version"`
	Name    string `json:"name"`

	Match      MatchSpec      `json:"match"`
	Extraction ExtractionSpec `json:"extraction"`
	Ops        []Op           `json:"ops,omitempty"`
	Output     OutputSpec     `json:"output"`
}

// MatchSpec holds the document predicates. Patterns are matched
// case-insensitively; a pattern containing glob metacharacters is
// evaluated with path.Match semantics, anything else as a substring.
// An empty pattern matches any value.
type MatchSpec struct {
	Sender   string `json:"sender,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Filename string `json:"filename,omitempty"`
}

func (m MatchSpec) empty() bool {
	return m.Sender == "" && m.Subject == "" && m.Filename == ""
}

// Strategy selects how pages are chosen for extraction.
type Strategy string

const (
	// StrategyAuto scans every page independently.
	StrategyAuto Strategy = "auto"
	// StrategyPages restricts scanning to an explicit page list.
	StrategyPages Strategy = "pages"
)

// ExtractionSpec describes where tables are expected in the document.
type ExtractionSpec struct {
	Strategy Strategy `json:"strategy"`
	Pages    []int    `json:"pages,omitempty"` // 1-based, StrategyPages only
}

// Op kinds. Ops run strictly in declared order.
const (
	OpRename = "rename" // Column -> To
	OpCoerce = "coerce" // Column to Type; Required drops rows that fail
	OpFilter = "filter" // drop rows where Column matches When/Value
	OpDerive = "derive" // new column To from From columns via Expr
)

// Op is one declarative transformation step.
type Op struct {
	Kind   string `json:"kind"`
	Column string `json:"column,omitempty"`
	To     string `json:"to,omitempty"`

	// Coerce: "string", "int", "float" or "date".
	Type     string `json:"type,omitempty"`
	Required bool   `json:"required,omitempty"`

	// Filter: When is "equals", "contains" or "empty".
	When  string `json:"when,omitempty"`
	Value string `json:"value,omitempty"`

	// Derive: Expr is "concat", "add", "sub", "mul" or "div".
	From []string `json:"from,omitempty"`
	Expr string   `json:"expr,omitempty"`
	Sep  string   `json:"sep,omitempty"` // concat separator
}

// OutputSpec is the spreadsheet template: sheet name, header labels and
// the source-column order behind them. Headers and Columns are parallel.
type OutputSpec struct {
	SheetName string   `json:"sheet_name,omitempty"`
	Headers   []string `json:"headers"`
	Columns   []string `json:"columns"`
}

// Validate checks internal consistency of a rule.
func (r *Rule) Validate() error {
	switch r.Extraction.Strategy {
	case StrategyAuto:
	case StrategyPages:
		if len(r.Extraction.Pages) == 0 {
			return fmt.Errorf("rule %q: pages strategy requires a page list", r.Name)
		}
		for _, p := range r.Extraction.Pages {
			if p < 1 {
				return fmt.Errorf("rule %q: page numbers are 1-based, got %d", r.Name, p)
			}
		}
	default:
		return fmt.Errorf("rule %q: unknown extraction strategy %q", r.Name, r.Extraction.Strategy)
	}
	if len(r.Output.Headers) == 0 {
		return fmt.Errorf("rule %q: output template needs at least one header", r.Name)
	}
	if len(r.Output.Headers) != len(r.Output.Columns) {
		return fmt.Errorf("rule %q: %d headers but %d columns", r.Name,
			len(r.Output.Headers), len(r.Output.Columns))
	}
	for i, op := range r.Ops {
		switch op.Kind {
		case OpRename:
			if op.Column == "" || op.To == "" {
				return fmt.Errorf("rule %q op %d: rename needs column and to", r.Name, i)
			}
		case OpCoerce:
			switch op.Type {
			case "string", "int", "float", "date":
			default:
				return fmt.Errorf("rule %q op %d: unknown coerce type %q", r.Name, i, op.Type)
			}
			if op.Column == "" {
				return fmt.Errorf("rule %q op %d: coerce needs column", r.Name, i)
			}
		case OpFilter:
			switch op.When {
			case "equals", "contains", "empty":
			default:
				return fmt.Errorf("rule %q op %d: unknown filter condition %q", r.Name, i, op.When)
			}
			if op.Column == "" {
				return fmt.Errorf("rule %q op %d: filter needs column", r.Name, i)
			}
		case OpDerive:
			if op.To == "" || len(op.From) == 0 {
				return fmt.Errorf("rule %q op %d: derive needs to and from", r.Name, i)
			}
			switch op.Expr {
			case "concat":
			case "add", "sub", "mul", "div":
				if len(op.From) != 2 {
					return fmt.Errorf("rule %q op %d: %s needs exactly two source columns", r.Name, i, op.Expr)
				}
			default:
				return fmt.Errorf("rule %q op %d: unknown derive expr %q", r.Name, i, op.Expr)
			}
		default:
			return fmt.Errorf("rule %q op %d: unknown op kind %q", r.Name, i, op.Kind)
		}
	}
	return nil
}

// Meta is the document metadata the matcher sees.
type Meta struct {
	Sender   string
	Subject  string
	Filename string
}

// Match returns the first rule (in declaration order) whose predicates
// all match meta. Pure and deterministic: the same input always selects
// the same rule. Rules with no predicates never auto-match — they can
// only be bound explicitly at submission.
func Match(list []*Rule, meta Meta) (*Rule, bool) {
	for _, r := range list {
		if r.Match.empty() {
			continue
		}
		if matchPattern(r.Match.Sender, meta.Sender) &&
			matchPattern(r.Match.Subject, meta.Subject) &&
			matchPattern(r.Match.Filename, meta.Filename) {
			return r, true
		}
	}
	return nil, false
}

// matchPattern matches value against pattern case-insensitively. Empty
// pattern always matches. Glob metacharacters switch to path.Match;
// otherwise substring containment.
func matchPattern(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	p := strings.ToLower(pattern)
	v := strings.ToLower(value)
	if strings.ContainsAny(p, "*?[") {
		ok, err := path.Match(p, v)
		return err == nil && ok
	}
	return strings.Contains(v, p)
}
