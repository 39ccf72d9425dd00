// Package identity resolves free-form phone input to stored customer records.
//
// Phones are stored exactly as entered, so every comparison goes through
// Normalize first. Matching is deliberately loose: a partial number such as
// the last seven digits finds the record, and a stored short number is found
// by a longer query.
package identity

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Record is anything that carries a user-entered phone number.
type Record interface {
	PhoneNumber() string
}

// Normalize strips every non-digit character. The result may be empty.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Matches reports whether one normalized phone contains the other.
// An empty side never matches.
func Matches(candidateDigits, storedDigits string) bool {
	if candidateDigits == "" || storedDigits == "" {
		return false
	}
	return strings.Contains(storedDigits, candidateDigits) || strings.Contains(candidateDigits, storedDigits)
}

// FindByPhone returns the first record, in the order given, whose phone
// matches raw. Duplicate matches are not reported.
func FindByPhone[R Record](raw string, records []R) (R, error) {
	var zero R
	digits := Normalize(raw)
	if digits == "" {
		return zero, ErrEmptyQuery
	}
	for _, rec := range records {
		if Matches(digits, Normalize(rec.PhoneNumber())) {
			return rec, nil
		}
	}
	return zero, ErrNotFound
}

// FindUniqueByPhone is FindByPhone that refuses to pick between several matches.
func FindUniqueByPhone[R Record](raw string, records []R) (R, error) {
	var zero R
	matches, err := FindAllByPhone(raw, records, 2)
	if err != nil {
		return zero, err
	}
	if len(matches) > 1 {
		return zero, ErrAmbiguousMatch
	}
	return matches[0], nil
}

// FindAllByPhone returns up to limit matching records in input order.
// limit <= 0 means no limit.
func FindAllByPhone[R Record](raw string, records []R, limit int) ([]R, error) {
	digits := Normalize(raw)
	if digits == "" {
		return nil, ErrEmptyQuery
	}
	var out []R
	for _, rec := range records {
		if !Matches(digits, Normalize(rec.PhoneNumber())) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Fingerprint returns a short stable hash of a normalized phone, safe for
// logs and cache keys.
func Fingerprint(digits string) string {
	sum := blake2b.Sum256([]byte("hoodcup:phone:" + digits))
	return hex.EncodeToString(sum[:8])
}
