// Package models defines data structures and domain types.
package models

import "time"

// CredentialSafetyMargin is subtracted from a credential's expiry when deciding
// whether it can still be used.
const CredentialSafetyMargin = 60 * time.Second

// Credential is a bearer token with its issue and expiry times.
// Credentials are replaced wholesale on refresh and never mutated.
type Credential struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
	Value     string
}

// UsableAt reports whether the credential can be used at now.
// A zero ExpiresAt means the credential carries no expiry (delegated or
// statically configured tokens).
func (c *Credential) UsableAt(now time.Time) bool {
	if c == nil || c.Value == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(c.ExpiresAt.Add(-CredentialSafetyMargin))
}

// String hides the secret so credentials can be logged safely.
func (c *Credential) String() string {
	if c == nil || c.Value == "" {
		return "credential(none)"
	}
	if c.ExpiresAt.IsZero() {
		return "credential(no-expiry)"
	}
	return "credential(expires " + c.ExpiresAt.UTC().Format(time.RFC3339) + ")"
}
