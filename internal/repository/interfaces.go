package repository

import (
	"context"
	"time"

	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/domain/integration"
)

// StateStore persists short-lived authorization state and PKCE verifiers in
// a store shared across all server processes. TTL expiry is enforced by the
// store itself: a missing key means expired or already consumed.
type StateStore interface {
	// Put stores value under key with the given TTL.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Consume atomically reads and deletes key, ruling out double-use races
	// between near-simultaneous callbacks. Returns nil when missing.
	Consume(ctx context.Context, key string) ([]byte, error)
}

// IntegrationRepository persists connected-account records. Token material
// inside EncryptedPayload is opaque to this layer.
type IntegrationRepository interface {
	Create(ctx context.Context, in integration.Integration) (integration.Integration, error)
	GetByID(ctx context.Context, id string) (integration.Integration, error)
	ListByUser(ctx context.Context, userID string) ([]integration.Integration, error)
	// UpdatePayload replaces the encrypted token payload after a refresh.
	UpdatePayload(ctx context.Context, id string, payload []byte, scope, tokenType string) error
	SetStatus(ctx context.Context, id string, status integration.Status) error
	// TouchLastUsed records that the integration's credentials were handed
	// out. Best-effort: callers log failures instead of propagating them.
	TouchLastUsed(ctx context.Context, id string) error
	// Delete is the disconnect hook; everything else about user-initiated
	// disconnect lives with the caller.
	Delete(ctx context.Context, id string) error
}
