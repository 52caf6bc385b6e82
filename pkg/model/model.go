// Package model defines the core domain types for secbot: threat categories,
// severities, scan verdicts, ban records, and security events.
package model
