// SPDX-License-Identifier: Apache-2.0

package krbsession

import "time"

// LifetimeStatus describes the validity of a credential lifetime.
type LifetimeStatus int

const (
	// The ExpiresAt value is valid and in the future
	LifetimeAvailable LifetimeStatus = iota

	// The credentials have expired; ExpiresAt holds the expiry time
	LifetimeExpired

	// No credentials have been acquired; ExpiresAt is not valid
	LifetimeNone
)

// CredentialLifetime reports how long the session's acquired
// credentials remain usable. The status is kept separate from the
// expiry time rather than overloading the time value as RFC 2743
// does.
type CredentialLifetime struct {
	Status    LifetimeStatus
	ExpiresAt time.Time
}

// Lifetime returns the validity of the credentials acquired by the
// most recent authentication call.
func (s *Session) Lifetime() CredentialLifetime {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.credExpiry.IsZero() {
		return CredentialLifetime{Status: LifetimeNone}
	}

	lt := CredentialLifetime{ExpiresAt: s.credExpiry}
	if time.Now().After(s.credExpiry) {
		lt.Status = LifetimeExpired
	}

	return lt
}
