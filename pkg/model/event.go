package model

import (
	"fmt"
	"time"
)

// MaxEventSnippetLength caps how much code a security event keeps.
const MaxEventSnippetLength = 500

// EventKind classifies a security event.
type EventKind string

const (
	EventWarning EventKind = "warning" // matched, below the block threshold
	EventBlock   EventKind = "block"   // execution refused
	EventBan     EventKind = "ban"     // account banned
)

// Valid returns true for the three recognised kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventWarning, EventBlock, EventBan:
		return true
	default:
		return false
	}
}

// SecurityEvent is an append-only audit entry recording a scan outcome.
type SecurityEvent struct {
	ID          string           `json:"id" yaml:"id"`
	Identity    string           `json:"identity" yaml:"identity"`
	Kind        EventKind        `json:"event_type" yaml:"event_type"`
	Categories  []ThreatCategory `json:"threats" yaml:"threats"`
	Severity    Severity         `json:"severity" yaml:"severity"`
	CodeSnippet string           `json:"code_snippet" yaml:"code_snippet"` // at most MaxEventSnippetLength runes
	CodeHash    string           `json:"code_hash" yaml:"code_hash"`
	Timestamp   time.Time        `json:"timestamp" yaml:"timestamp"` // assigned by the store
}

// NewSecurityEvent builds an event from a verdict. ID and Timestamp are left
// for the store to assign.
func NewSecurityEvent(identity string, kind EventKind, v Verdict, code string) *SecurityEvent {
	cats := make([]ThreatCategory, len(v.Categories))
	copy(cats, v.Categories)
	return &SecurityEvent{
		Identity:    identity,
		Kind:        kind,
		Categories:  cats,
		Severity:    v.Severity,
		CodeSnippet: Truncate(code, MaxEventSnippetLength),
		CodeHash:    Fingerprint(code),
	}
}

// Validate checks the fields a store relies on.
func (e *SecurityEvent) Validate() error {
	if err := ValidateIdentity(e.Identity); err != nil {
		return err
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid event kind %q", e.Kind)
	}
	if !e.Severity.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownSeverity, int(e.Severity))
	}
	return nil
}

// EventFilters narrows an event listing. Nil fields are ignored.
type EventFilters struct {
	Identity *string
	Kind     *EventKind
	PageSize *int64
	Offset   *int64
}
