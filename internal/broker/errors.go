package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"

	"github.com/sylvie/workspace-broker/internal/accounts"
	"github.com/sylvie/workspace-broker/internal/capability"
	"github.com/sylvie/workspace-broker/internal/token"
)

// Kind classifies an error crossing the broker boundary. Every error
// returned by Invoke carries exactly one kind; raw provider errors never
// leak unclassified.
type Kind string

const (
	// KindUnknownCapability marks a capability absent from the registry.
	// This is a programming error, never retried.
	KindUnknownCapability Kind = "unknown_capability"

	// KindUnknownAccount marks an account ID with no stored credential.
	KindUnknownAccount Kind = "unknown_account"

	// KindNoLinkedAccount marks a user with no linked account matching the
	// selector.
	KindNoLinkedAccount Kind = "no_linked_account"

	// KindAmbiguousAccount marks a default selection with several linked
	// accounts and no designated default.
	KindAmbiguousAccount Kind = "ambiguous_account"

	// KindInsufficientScope marks a grant that lacks a required scope;
	// the user has to re-consent.
	KindInsufficientScope Kind = "insufficient_scope"

	// KindRefreshDenied marks a refresh token rejected by the provider;
	// terminal until re-authentication.
	KindRefreshDenied Kind = "refresh_denied"

	// KindAuthExpired marks a provider auth rejection of a live handle
	// mid-operation; the broker invalidates and retries once.
	KindAuthExpired Kind = "auth_expired"

	// KindProviderTransient marks network or 5xx-class provider failures;
	// the caller may retry.
	KindProviderTransient Kind = "provider_transient"

	// KindProviderRejected marks 4xx-class non-auth provider failures
	// (bad request, quota exceeded); not retried.
	KindProviderRejected Kind = "provider_rejected"
)

// Error is a classified broker error. It wraps the underlying cause.
type Error struct {
	Kind Kind
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Retryable reports whether the caller may reasonably retry the operation.
func (e *Error) Retryable() bool {
	return e.Kind == KindProviderTransient
}

// KindOf returns the classified kind of an error, if it carries one.
func KindOf(err error) (Kind, bool) {
	var berr *Error
	if errors.As(err, &berr) {
		return berr.Kind, true
	}
	return "", false
}

// IsKind reports whether err is a broker error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Classify maps an arbitrary error into exactly one broker error kind.
//
// Component errors (registry, token store, resolver) map onto their
// corresponding kinds. Provider errors map by HTTP status: 401 means the
// handle's auth died mid-flight, 429 and 5xx are transient, any other 4xx
// is a rejection. Transport-level failures are transient.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var berr *Error
	if errors.As(err, &berr) {
		return berr
	}

	var unknownCap *capability.UnknownCapabilityError
	var mixed *capability.MixedServiceError
	if errors.As(err, &unknownCap) || errors.As(err, &mixed) {
		return &Error{Kind: KindUnknownCapability, err: err}
	}

	var unknownAccount *token.UnknownAccountError
	if errors.As(err, &unknownAccount) {
		return &Error{Kind: KindUnknownAccount, err: err}
	}
	var insufficient *token.InsufficientScopeError
	if errors.As(err, &insufficient) {
		return &Error{Kind: KindInsufficientScope, err: err}
	}
	var denied *token.RefreshDeniedError
	if errors.As(err, &denied) {
		return &Error{Kind: KindRefreshDenied, err: err}
	}

	var noLinked *accounts.NoLinkedAccountError
	if errors.As(err, &noLinked) {
		return &Error{Kind: KindNoLinkedAccount, err: err}
	}
	var ambiguous *accounts.AmbiguousAccountError
	if errors.As(err, &ambiguous) {
		return &Error{Kind: KindAmbiguousAccount, err: err}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &Error{Kind: kindForStatus(apiErr.Code), err: err}
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		code := 0
		if retrieveErr.Response != nil {
			code = retrieveErr.Response.StatusCode
		}
		return &Error{Kind: kindForStatus(code), err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: KindProviderTransient, err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Kind: KindProviderTransient, err: err}
	}

	// Anything unrecognized came out of a provider call path; treat it as
	// transient so callers may retry rather than discard work.
	return &Error{Kind: KindProviderTransient, err: err}
}

func kindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized:
		return KindAuthExpired
	case code == http.StatusTooManyRequests:
		return KindProviderTransient
	case code >= 500:
		return KindProviderTransient
	case code >= 400:
		return KindProviderRejected
	default:
		return KindProviderTransient
	}
}
