// Package scanner implements the static malicious-code classifier.
//
// The scanner is a best-effort lexical filter: it treats submissions as plain
// text, matches them against a fixed catalog of case-insensitive patterns, and
// never parses or executes them. Obfuscated or encoded payloads can evade it.
//
// Rules are RE2 expressions, so matching is linear in the input length and a
// scan costs at most RuleCount pattern evaluations.
package scanner

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hanogt/secbot/pkg/model"
)

// Scanner classifies source code against a catalog. It holds no mutable
// state and is safe for concurrent use.
type Scanner struct {
	catalog *Catalog
}

var defaultScanner = sync.OnceValue(func() *Scanner {
	return New(NewCatalog(builtinDefs()...))
})

// Default returns the process-wide scanner over the built-in catalog.
func Default() *Scanner {
	return defaultScanner()
}

// New creates a scanner over the given catalog.
func New(catalog *Catalog) *Scanner {
	return &Scanner{catalog: catalog}
}

// Catalog returns the scanner's (read-only) catalog.
func (s *Scanner) Catalog() *Catalog {
	return s.catalog
}

// Scan classifies code. For each category in catalog order it tests rules in
// order and stops at the first match, so a category is counted at most once.
// Scan is a pure function of the catalog and its input.
func (s *Scanner) Scan(code string) model.Verdict {
	var (
		matched    []model.ThreatCategory
		severities []model.Severity
	)
	if code == "" {
		return model.NewVerdict(nil, nil)
	}
	for _, cat := range s.catalog.categories {
		for _, rule := range cat.rules {
			if evalRule(cat.name, rule, code) {
				matched = append(matched, cat.name)
				severities = append(severities, cat.severity)
				break
			}
		}
	}
	return model.NewVerdict(matched, severities)
}

// evalRule runs one rule. A rule that panics counts as a non-match; the
// failure is logged as a catalog defect and the scan carries on.
func evalRule(cat model.ThreatCategory, rule Rule, code string) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("catalog defect: rule evaluation failed",
				"category", cat,
				"pattern", rule.pattern,
				"err", fmt.Sprint(r),
			)
			matched = false
		}
	}()
	return rule.matcher.MatchString(code)
}
