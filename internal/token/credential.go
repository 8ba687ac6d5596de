package token

import (
	"slices"
	"time"
)

// Credential holds the OAuth tokens granted to one linked account.
//
// The access token and expiry are always replaced together as a unit on
// refresh; callers never observe a partially updated credential.
type Credential struct {
	AccountID     string
	AccessToken   string
	RefreshToken  string
	Expiry        time.Time
	GrantedScopes []string
}

// HasScopes reports whether the credential's grant covers every scope in
// required.
func (c Credential) HasScopes(required []string) bool {
	for _, scope := range required {
		if !slices.Contains(c.GrantedScopes, scope) {
			return false
		}
	}
	return true
}

// MissingScopes returns the scopes in required that the grant does not cover.
func (c Credential) MissingScopes(required []string) []string {
	var missing []string
	for _, scope := range required {
		if !slices.Contains(c.GrantedScopes, scope) {
			missing = append(missing, scope)
		}
	}
	return missing
}

// FreshFor reports whether the credential's access token is still valid at
// now with the given safety margin to spare.
func (c Credential) FreshFor(now time.Time, margin time.Duration) bool {
	if c.Expiry.IsZero() {
		return false
	}
	return now.Add(margin).Before(c.Expiry)
}

// clone returns a deep copy so callers cannot mutate stored state.
func (c Credential) clone() Credential {
	out := c
	out.GrantedScopes = slices.Clone(c.GrantedScopes)
	return out
}
