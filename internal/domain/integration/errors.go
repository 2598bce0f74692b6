package integration

import "errors"

var (
	// ErrNotFound signals a missing integration record.
	ErrNotFound = errors.New("integration: not found")
	// ErrInvalidState indicates the callback's state token is missing,
	// expired, or already consumed.
	ErrInvalidState = errors.New("integration: invalid or expired state")
	// ErrProviderMismatch indicates the callback arrived for a different
	// provider than the one that issued the state token.
	ErrProviderMismatch = errors.New("integration: provider mismatch")
	// ErrProviderDeclined indicates the provider returned an error parameter
	// on the callback (e.g. the user denied consent).
	ErrProviderDeclined = errors.New("integration: provider declined authorization")
	// ErrTokenExchange indicates the authorization-code exchange failed.
	// The exchange is never retried: an authorization code is single-use.
	ErrTokenExchange = errors.New("integration: token exchange failed")
	// ErrReauthorizationRequired indicates the provider rejected the stored
	// refresh token; the integration is flagged and the user must reconnect.
	ErrReauthorizationRequired = errors.New("integration: reauthorization required")
	// ErrRefreshUnavailable indicates a transient refresh failure after
	// bounded retries. Callers may retry later.
	ErrRefreshUnavailable = errors.New("integration: refresh temporarily unavailable")
)
