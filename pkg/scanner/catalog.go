package scanner

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/hanogt/secbot/pkg/model"
)

// Matcher reports whether a rule matches anywhere in the source text.
type Matcher interface {
	MatchString(s string) bool
}

// Rule is a single detection pattern belonging to a category.
type Rule struct {
	pattern string
	matcher Matcher
}

// Pattern returns the rule's source pattern.
func (r Rule) Pattern() string {
	return r.pattern
}

// CategoryDef describes one catalog entry before compilation.
type CategoryDef struct {
	Category model.ThreatCategory
	Severity model.Severity
	Patterns []string
	Matchers []Matcher // pre-built matchers, appended after Patterns
}

type category struct {
	name     model.ThreatCategory
	severity model.Severity
	rules    []Rule
}

// Catalog is an immutable, ordered set of threat categories and their rules.
// It has no mutation API; accessors return copies.
type Catalog struct {
	categories []category
	defects    []error
}

// NewCatalog compiles defs in order. Patterns are compiled case-insensitively.
// A pattern that fails to compile is logged as a catalog defect and skipped,
// leaving the rest of its category in place.
//
// A category named more than once is merged into its first entry so that it
// is still counted once per scan. A conflicting severity on the repeat is a
// catalog defect; the first severity is kept.
func NewCatalog(defs ...CategoryDef) *Catalog {
	c := &Catalog{categories: make([]category, 0, len(defs))}
	index := make(map[model.ThreatCategory]int, len(defs))
	for _, def := range defs {
		i, seen := index[def.Category]
		if !seen {
			i = len(c.categories)
			index[def.Category] = i
			c.categories = append(c.categories, category{
				name:     def.Category,
				severity: def.Severity,
				rules:    make([]Rule, 0, len(def.Patterns)+len(def.Matchers)),
			})
		} else if sev := c.categories[i].severity; sev != def.Severity {
			err := fmt.Errorf("scanner: category %s: repeated with severity %s, keeping %s", def.Category, def.Severity, sev)
			c.defects = append(c.defects, err)
			slog.Error("catalog defect: conflicting category severity", "category", def.Category, "err", err)
		}
		cat := &c.categories[i]
		for _, p := range def.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				err = fmt.Errorf("scanner: category %s: compile %q: %w", def.Category, p, err)
				c.defects = append(c.defects, err)
				slog.Error("catalog defect: rule skipped", "category", def.Category, "pattern", p, "err", err)
				continue
			}
			cat.rules = append(cat.rules, Rule{pattern: p, matcher: re})
		}
		for _, m := range def.Matchers {
			cat.rules = append(cat.rules, Rule{pattern: fmt.Sprintf("%T", m), matcher: m})
		}
	}
	return c
}

// Categories returns the category names in evaluation order.
func (c *Catalog) Categories() []model.ThreatCategory {
	out := make([]model.ThreatCategory, len(c.categories))
	for i, cat := range c.categories {
		out[i] = cat.name
	}
	return out
}

// Severity returns the severity bound to a category, and false if the
// category is not in the catalog.
func (c *Catalog) Severity(name model.ThreatCategory) (model.Severity, bool) {
	for _, cat := range c.categories {
		if cat.name == name {
			return cat.severity, true
		}
	}
	return model.SeverityLow, false
}

// Rules returns a copy of the rules for a category, in evaluation order.
func (c *Catalog) Rules(name model.ThreatCategory) []Rule {
	for _, cat := range c.categories {
		if cat.name == name {
			out := make([]Rule, len(cat.rules))
			copy(out, cat.rules)
			return out
		}
	}
	return nil
}

// RuleCount is the total number of compiled rules, an upper bound on the
// number of pattern evaluations per scan.
func (c *Catalog) RuleCount() int {
	n := 0
	for _, cat := range c.categories {
		n += len(cat.rules)
	}
	return n
}

// Defects returns the compile errors collected while building the catalog.
func (c *Catalog) Defects() []error {
	out := make([]error, len(c.defects))
	copy(out, c.defects)
	return out
}
