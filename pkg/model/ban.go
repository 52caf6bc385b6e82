package model

import "time"

// MaxBanCodeLength caps how much of the offending submission a ban keeps.
const MaxBanCodeLength = 1000

// BanRecord is the permanent denial-of-execution state for one identity.
// There is at most one record per identity; re-banning overwrites it.
type BanRecord struct {
	Identity      string    `json:"identity" yaml:"identity"`
	Reason        string    `json:"reason" yaml:"reason"`
	MaliciousCode string    `json:"malicious_code" yaml:"malicious_code"` // at most MaxBanCodeLength runes
	CodeHash      string    `json:"code_hash" yaml:"code_hash"`           // fingerprint of the full submission
	BannedAt      time.Time `json:"banned_at" yaml:"banned_at"`
	Permanent     bool      `json:"permanent" yaml:"permanent"` // always true; bans never expire
}

// NewBanRecord builds a record with the code truncated and fingerprinted.
func NewBanRecord(identity, reason, code string) *BanRecord {
	return &BanRecord{
		Identity:      identity,
		Reason:        reason,
		MaliciousCode: Truncate(code, MaxBanCodeLength),
		CodeHash:      Fingerprint(code),
		Permanent:     true,
	}
}

// BanStatus is the result of a ban lookup. Unknown means the store could
// not be consulted and must not be read as "not banned".
type BanStatus int

const (
	BanStatusNotBanned BanStatus = iota
	BanStatusBanned
	BanStatusUnknown
)

func (s BanStatus) String() string {
	switch s {
	case BanStatusNotBanned:
		return "not_banned"
	case BanStatusBanned:
		return "banned"
	default:
		return "unknown"
	}
}

func (s BanStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BanCheck is what IsBanned returns: a status and, when banned, the stored reason.
type BanCheck struct {
	Status BanStatus `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

// Banned is true only for a confirmed ban.
func (c BanCheck) Banned() bool {
	return c.Status == BanStatusBanned
}
