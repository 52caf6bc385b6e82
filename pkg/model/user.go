package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const MaxIdentityLength = 320

var ErrIdentityEmpty = errors.New("identity must not be empty")
var ErrIdentityTooLong = fmt.Errorf("identity must not exceed %d characters", MaxIdentityLength)
var ErrIdentityInvalidChars = errors.New("identity must not contain whitespace or control characters")

// User is the slice of the application's user document this service owns:
// the banned flag other parts of the application read to gate the UI.
type User struct {
	Identity string `json:"identity" yaml:"identity"`
	Banned   bool   `json:"banned" yaml:"banned"`
}

// ValidateIdentity checks that an identity (typically the account e-mail) is
// non-empty, bounded, and free of whitespace and control characters.
func ValidateIdentity(identity string) error {
	if identity == "" {
		return ErrIdentityEmpty
	}
	if utf8.RuneCountInString(identity) > MaxIdentityLength {
		return ErrIdentityTooLong
	}
	if strings.ContainsFunc(identity, func(r rune) bool { return r <= ' ' || r == 0x7f }) {
		return ErrIdentityInvalidChars
	}
	return nil
}
