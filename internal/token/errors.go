package token

import (
	"fmt"
	"strings"
)

// UnknownAccountError is returned when no credential was ever stored for the
// requested account.
type UnknownAccountError struct {
	AccountID string
}

func (e *UnknownAccountError) Error() string {
	return fmt.Sprintf("unknown account: %s", e.AccountID)
}

// InsufficientScopeError is returned when the stored grant does not cover
// the scopes a caller requires. The store never requests additional scopes
// on its own; the user has to go through consent again.
type InsufficientScopeError struct {
	AccountID string
	Missing   []string
}

func (e *InsufficientScopeError) Error() string {
	return fmt.Sprintf("account %s is missing required scopes: %s",
		e.AccountID, strings.Join(e.Missing, ", "))
}

// RefreshDeniedError is returned when the provider rejects the refresh
// token. This is terminal for the account until the user re-authenticates.
type RefreshDeniedError struct {
	AccountID string
	Err       error
}

func (e *RefreshDeniedError) Error() string {
	return fmt.Sprintf("token refresh denied for account %s: %v", e.AccountID, e.Err)
}

func (e *RefreshDeniedError) Unwrap() error {
	return e.Err
}
