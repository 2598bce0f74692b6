// Package lifecycle keeps stored integration access tokens valid without
// user interaction.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	oauthadapter "github.com/Pushparaj13811/flowforge-ai-sub003/internal/adapter/oauth"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/domain/integration"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/provider"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/repository"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/vault"
)

const (
	lockPrefix      = "oauth:refresh:"
	maxRefreshTries = 3
	maxLockTries    = 3
)

// Locker provides a mutual-exclusion lease keyed by integration id. A Redis
// implementation is required when multiple processes service the same
// integrations; the singleflight group already collapses callers within one
// process.
type Locker interface {
	// Acquire returns a release func and ok=true when the lease was taken,
	// ok=false when another owner holds it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// Manager is the token lifecycle manager.
type Manager struct {
	integrations repository.IntegrationRepository
	registry     *provider.Registry
	client       oauthadapter.ProviderClient
	vault        *vault.Vault
	locker       Locker
	threshold    time.Duration
	lockTTL      time.Duration
	logger       *zap.Logger

	group singleflight.Group
}

// NewManager wires the lifecycle manager. threshold is how close to expiry a
// token may get before it is proactively refreshed.
func NewManager(
	integrations repository.IntegrationRepository,
	registry *provider.Registry,
	client oauthadapter.ProviderClient,
	v *vault.Vault,
	locker Locker,
	threshold time.Duration,
	lockTTL time.Duration,
	logger *zap.Logger,
) *Manager {
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Manager{
		integrations: integrations,
		registry:     registry,
		client:       client,
		vault:        v,
		locker:       locker,
		threshold:    threshold,
		lockTTL:      lockTTL,
		logger:       logger,
	}
}

// EnsureFresh returns a token set that is valid for at least the refresh
// threshold. Concurrent calls for the same integration id collapse into a
// single upstream refresh; every caller observes the same result.
func (m *Manager) EnsureFresh(ctx context.Context, integrationID string) (vault.TokenSet, error) {
	v, err, _ := m.group.Do(integrationID, func() (any, error) {
		return m.ensureFresh(ctx, integrationID)
	})
	if err != nil {
		return vault.TokenSet{}, err
	}
	return v.(vault.TokenSet), nil
}

func (m *Manager) ensureFresh(ctx context.Context, id string) (vault.TokenSet, error) {
	rec, err := m.integrations.GetByID(ctx, id)
	if err != nil {
		return vault.TokenSet{}, err
	}

	// Decrypt failure propagates as-is: the record is corrupt or the key is
	// wrong, which callers must not confuse with "integration absent".
	ts, err := m.vault.Decrypt(rec.EncryptedPayload)
	if err != nil {
		return vault.TokenSet{}, err
	}

	if m.isFresh(ts) {
		m.touchLastUsed(rec.ID)
		return ts, nil
	}

	release, err := m.acquireLock(ctx, id)
	if err != nil {
		return vault.TokenSet{}, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release(releaseCtx); err != nil {
			m.logger.Warn("failed to release refresh lock", zap.String("integration_id", id), zap.Error(err))
		}
	}()

	// Another process may have refreshed while we waited for the lease.
	rec, err = m.integrations.GetByID(ctx, id)
	if err != nil {
		return vault.TokenSet{}, err
	}
	ts, err = m.vault.Decrypt(rec.EncryptedPayload)
	if err != nil {
		return vault.TokenSet{}, err
	}
	if m.isFresh(ts) {
		m.touchLastUsed(rec.ID)
		return ts, nil
	}

	refreshed, err := m.refresh(ctx, rec, ts)
	if err != nil {
		return vault.TokenSet{}, err
	}
	m.touchLastUsed(rec.ID)
	return refreshed, nil
}

// isFresh reports whether the token set needs no refresh. A zero expiry
// means the provider issued a non-expiring token.
func (m *Manager) isFresh(ts vault.TokenSet) bool {
	if ts.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(ts.ExpiresAt) > m.threshold
}

func (m *Manager) refresh(ctx context.Context, rec integration.Integration, ts vault.TokenSet) (vault.TokenSet, error) {
	if ts.RefreshToken == "" {
		m.flagReauthorization(ctx, rec.ID)
		return vault.TokenSet{}, fmt.Errorf("integration %s has no refresh token: %w", rec.ID, integration.ErrReauthorizationRequired)
	}

	p, err := m.registry.Lookup(rec.ProviderID)
	if err != nil {
		return vault.TokenSet{}, err
	}
	ep := oauthadapter.Endpoint{
		TokenURL:     p.TokenURL,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
	}

	resp, err := backoff.Retry(ctx, func() (*oauthadapter.TokenResponse, error) {
		resp, err := m.client.Refresh(ctx, ep, ts.RefreshToken)
		if err != nil {
			var te *oauthadapter.TokenEndpointError
			if errors.As(err, &te) && !te.Temporary() {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxRefreshTries))
	if err != nil {
		var te *oauthadapter.TokenEndpointError
		if errors.As(err, &te) && !te.Temporary() {
			// The provider rejected the grant (revoked consent, invalid
			// refresh token). Flag the record instead of retrying forever.
			m.flagReauthorization(ctx, rec.ID)
			m.logger.Warn("refresh rejected by provider",
				zap.String("integration_id", rec.ID),
				zap.String("provider", rec.ProviderID),
				zap.Int("status", te.StatusCode),
			)
			return vault.TokenSet{}, fmt.Errorf("%w: %v", integration.ErrReauthorizationRequired, err)
		}
		return vault.TokenSet{}, fmt.Errorf("%w: %v", integration.ErrRefreshUnavailable, err)
	}

	next := vault.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
		TokenType:    resp.TokenType,
	}
	// Some providers rotate the refresh token, some omit it: keep the old
	// one when no replacement arrives.
	if next.RefreshToken == "" {
		next.RefreshToken = ts.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = ts.Scope
	}
	if next.TokenType == "" {
		next.TokenType = ts.TokenType
	}
	if resp.ExpiresIn > 0 {
		next.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	}

	encrypted, err := m.vault.Encrypt(next)
	if err != nil {
		return vault.TokenSet{}, fmt.Errorf("encrypt refreshed token set: %w", err)
	}
	if err := m.integrations.UpdatePayload(ctx, rec.ID, encrypted, next.Scope, next.TokenType); err != nil {
		return vault.TokenSet{}, fmt.Errorf("persist refreshed token set: %w", err)
	}

	m.logger.Info("access token refreshed",
		zap.String("integration_id", rec.ID),
		zap.String("provider", rec.ProviderID),
		zap.Time("expires_at", next.ExpiresAt),
	)
	return next, nil
}

// acquireLock takes the cross-process refresh lease, retrying contention
// with bounded backoff before surfacing a retryable error.
func (m *Manager) acquireLock(ctx context.Context, id string) (func(context.Context) error, error) {
	key := lockPrefix + id

	return backoff.Retry(ctx, func() (func(context.Context) error, error) {
		release, ok, err := m.locker.Acquire(ctx, key, m.lockTTL)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", integration.ErrRefreshUnavailable, err))
		}
		if !ok {
			return nil, fmt.Errorf("%w: refresh lock held for integration %s", integration.ErrRefreshUnavailable, id)
		}
		return release, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(maxLockTries))
}

func (m *Manager) flagReauthorization(ctx context.Context, id string) {
	if err := m.integrations.SetStatus(ctx, id, integration.StatusReauthorizeRequired); err != nil {
		m.logger.Error("failed to flag integration for reauthorization", zap.String("integration_id", id), zap.Error(err))
	}
}

// touchLastUsed records usage as an explicit best-effort task whose failure
// is logged, not silently dropped.
func (m *Manager) touchLastUsed(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.integrations.TouchLastUsed(ctx, id); err != nil {
			m.logger.Warn("failed to record integration usage", zap.String("integration_id", id), zap.Error(err))
		}
	}()
}
