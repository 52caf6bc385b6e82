package model

import "strings"

// BlockCategoryThreshold is the number of distinct matched categories that
// forces a block regardless of their individual severities.
const BlockCategoryThreshold = 2

// Verdict is the result of scanning one code submission. It is built fresh
// per scan and never persisted directly.
type Verdict struct {
	Categories  []ThreatCategory `json:"threats" yaml:"threats"`
	Severity    Severity         `json:"severity" yaml:"severity"`
	IsMalicious bool             `json:"is_malicious" yaml:"is_malicious"`
	ShouldBlock bool             `json:"should_block" yaml:"should_block"`
}

// NewVerdict derives severity and the block decision from a deduplicated,
// ordered list of matched categories and their severities. Categories is
// never nil, so a clean verdict encodes as an empty list.
func NewVerdict(categories []ThreatCategory, severities []Severity) Verdict {
	if categories == nil {
		categories = []ThreatCategory{}
	}
	sev := SeverityLow
	for _, s := range severities {
		sev = MaxSeverity(sev, s)
	}
	return Verdict{
		Categories:  categories,
		Severity:    sev,
		IsMalicious: len(categories) > 0,
		ShouldBlock: sev.AtLeast(SeverityHigh) || len(categories) >= BlockCategoryThreshold,
	}
}

// BanWorthy reports whether the submission should also cost the user their
// account. It currently coincides with ShouldBlock.
func (v Verdict) BanWorthy() bool {
	return v.ShouldBlock
}

// IsWarning is true when something matched but the block threshold was not reached.
func (v Verdict) IsWarning() bool {
	return v.IsMalicious && !v.ShouldBlock
}

// Has reports whether category c was matched.
func (v Verdict) Has(c ThreatCategory) bool {
	for _, got := range v.Categories {
		if got == c {
			return true
		}
	}
	return false
}

// Summary joins the matched category names, e.g. "systemCommands, fileAttacks".
func (v Verdict) Summary() string {
	names := make([]string, len(v.Categories))
	for i, c := range v.Categories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
