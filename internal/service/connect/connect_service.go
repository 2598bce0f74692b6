// Package connect orchestrates the OAuth authorization handshake: authorize,
// provider redirect, callback, token exchange, and vault persistence.
package connect

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	oauthadapter "github.com/Pushparaj13811/flowforge-ai-sub003/internal/adapter/oauth"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/domain/integration"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/provider"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/repository"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/vault"
)

const (
	statePrefix = "oauth:state:"
	pkcePrefix  = "oauth:pkce:"
)

// CallbackInput captures the provider callback query parameters.
type CallbackInput struct {
	ProviderID       string
	Code             string
	State            string
	ErrorParam       string
	ErrorDescription string
}

// Service is the authorization flow controller. Each attempt walks
// INITIATED -> AWAITING_CALLBACK -> EXCHANGING -> STORED or FAILED; the
// intermediate state lives entirely in the state store entry.
type Service struct {
	registry     *provider.Registry
	states       repository.StateStore
	client       oauthadapter.ProviderClient
	integrations repository.IntegrationRepository
	vault        *vault.Vault
	baseURL      string
	stateTTL     time.Duration
	logger       *zap.Logger
}

// NewService wires the flow controller.
func NewService(
	registry *provider.Registry,
	states repository.StateStore,
	client oauthadapter.ProviderClient,
	integrations repository.IntegrationRepository,
	v *vault.Vault,
	baseURL string,
	stateTTL time.Duration,
	logger *zap.Logger,
) *Service {
	if stateTTL <= 0 {
		stateTTL = 10 * time.Minute
	}
	return &Service{
		registry:     registry,
		states:       states,
		client:       client,
		integrations: integrations,
		vault:        v,
		baseURL:      strings.TrimRight(baseURL, "/"),
		stateTTL:     stateTTL,
		logger:       logger,
	}
}

// Authorize validates the provider configuration, persists the state record
// (and PKCE verifier when required), and returns the provider authorization
// URL. The caller performs the actual redirect.
func (s *Service) Authorize(ctx context.Context, userID, providerID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("authorize: user id required")
	}
	if err := s.registry.Validate(providerID); err != nil {
		return "", err
	}
	p, err := s.registry.Lookup(providerID)
	if err != nil {
		return "", err
	}

	state, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}

	record := integration.AuthorizationState{
		UserID:     userID,
		ProviderID: p.ID,
		CreatedAt:  time.Now().UTC(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	if err := s.states.Put(ctx, statePrefix+state, payload, s.stateTTL); err != nil {
		return "", fmt.Errorf("persist state: %w", err)
	}

	authURL, err := url.Parse(p.AuthURL)
	if err != nil {
		return "", fmt.Errorf("parse auth url: %w", err)
	}

	params := authURL.Query()
	params.Set("client_id", p.ClientID)
	params.Set("redirect_uri", s.redirectURI(p.ID))
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(p.Scopes, " "))
	params.Set("state", state)
	// Offline access plus forced consent so the provider issues a refresh
	// token even on repeat connects.
	params.Set("access_type", "offline")
	params.Set("prompt", "consent")

	if p.PKCE {
		verifier, err := randomToken(64)
		if err != nil {
			return "", fmt.Errorf("generate pkce verifier: %w", err)
		}
		if err := s.states.Put(ctx, pkcePrefix+state, []byte(verifier), s.stateTTL); err != nil {
			return "", fmt.Errorf("persist pkce verifier: %w", err)
		}
		params.Set("code_challenge", pkceChallenge(verifier))
		params.Set("code_challenge_method", "S256")
	}

	authURL.RawQuery = params.Encode()
	return authURL.String(), nil
}

// Callback consumes the state record, exchanges the code, encrypts the
// resulting token set, and persists the integration bound to the user who
// initiated the flow.
func (s *Service) Callback(ctx context.Context, in CallbackInput) (integration.Integration, error) {
	if in.ErrorParam != "" {
		desc := in.ErrorDescription
		if desc == "" {
			desc = in.ErrorParam
		}
		return integration.Integration{}, fmt.Errorf("%w: %s", integration.ErrProviderDeclined, desc)
	}

	record, err := s.consumeState(ctx, in.State)
	if err != nil {
		return integration.Integration{}, err
	}
	// The stored record holds the registry-normalized id; normalize the
	// callback's the same way before comparing.
	if record.ProviderID != strings.ToLower(strings.TrimSpace(in.ProviderID)) {
		return integration.Integration{}, integration.ErrProviderMismatch
	}
	if strings.TrimSpace(in.Code) == "" {
		return integration.Integration{}, fmt.Errorf("%w: missing authorization code", integration.ErrTokenExchange)
	}

	p, err := s.registry.Lookup(record.ProviderID)
	if err != nil {
		return integration.Integration{}, err
	}

	verifier, err := s.consumeVerifier(ctx, p, in.State)
	if err != nil {
		return integration.Integration{}, err
	}

	// The exchange is never retried: authorization codes are single-use.
	resp, err := s.client.ExchangeCode(ctx, oauthadapter.Endpoint{
		TokenURL:     p.TokenURL,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
	}, in.Code, verifier, s.redirectURI(p.ID))
	if err != nil {
		return integration.Integration{}, fmt.Errorf("%w: %v", integration.ErrTokenExchange, err)
	}

	ts := tokenSetFromResponse(resp, p)
	encrypted, err := s.vault.Encrypt(ts)
	if err != nil {
		return integration.Integration{}, fmt.Errorf("encrypt token set: %w", err)
	}

	created, err := s.integrations.Create(ctx, integration.Integration{
		UserID:           record.UserID,
		ProviderID:       p.ID,
		Name:             p.DisplayName,
		EncryptedPayload: encrypted,
		Scope:            ts.Scope,
		TokenType:        ts.TokenType,
		Status:           integration.StatusActive,
	})
	if err != nil {
		return integration.Integration{}, fmt.Errorf("persist integration: %w", err)
	}

	s.logger.Info("integration connected",
		zap.String("integration_id", created.ID),
		zap.String("provider", created.ProviderID),
		zap.String("user_id", created.UserID),
	)
	return created, nil
}

func (s *Service) consumeState(ctx context.Context, state string) (integration.AuthorizationState, error) {
	if strings.TrimSpace(state) == "" {
		return integration.AuthorizationState{}, integration.ErrInvalidState
	}
	raw, err := s.states.Consume(ctx, statePrefix+state)
	if err != nil {
		return integration.AuthorizationState{}, fmt.Errorf("consume state: %w", err)
	}
	if raw == nil {
		return integration.AuthorizationState{}, integration.ErrInvalidState
	}
	var record integration.AuthorizationState
	if err := json.Unmarshal(raw, &record); err != nil {
		return integration.AuthorizationState{}, fmt.Errorf("decode state: %w", err)
	}
	return record, nil
}

func (s *Service) consumeVerifier(ctx context.Context, p provider.Provider, state string) (string, error) {
	if !p.PKCE {
		return "", nil
	}
	raw, err := s.states.Consume(ctx, pkcePrefix+state)
	if err != nil {
		return "", fmt.Errorf("consume pkce verifier: %w", err)
	}
	if raw == nil {
		return "", integration.ErrInvalidState
	}
	return string(raw), nil
}

func (s *Service) redirectURI(providerID string) string {
	return s.baseURL + "/oauth/" + providerID + "/callback"
}

func tokenSetFromResponse(resp *oauthadapter.TokenResponse, p provider.Provider) vault.TokenSet {
	ts := vault.TokenSet{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
		TokenType:    resp.TokenType,
	}
	if ts.TokenType == "" {
		ts.TokenType = "Bearer"
	}
	if ts.Scope == "" && len(p.Scopes) > 0 {
		ts.Scope = strings.Join(p.Scopes, " ")
	}
	if resp.ExpiresIn > 0 {
		ts.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UTC()
	}
	return ts
}

// randomToken returns size bytes of entropy, base64url-encoded without
// padding.
func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
