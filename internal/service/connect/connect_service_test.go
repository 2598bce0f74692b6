package connect

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	oauthadapter "github.com/Pushparaj13811/flowforge-ai-sub003/internal/adapter/oauth"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/domain/integration"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/provider"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/vault"
)

func TestAuthorize_BuildsURLAndPersistsState(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rawURL, err := h.service.Authorize(ctx, "u1", "acme")
	require.NoError(t, err)

	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	require.Equal(t, "auth.acme.test", parsed.Host)

	q := parsed.Query()
	require.Equal(t, "client", q.Get("client_id"))
	require.Equal(t, "https://integrations.test/oauth/acme/callback", q.Get("redirect_uri"))
	require.Equal(t, "code", q.Get("response_type"))
	require.Equal(t, "contacts.read contacts.write", q.Get("scope"))
	require.Equal(t, "offline", q.Get("access_type"))
	require.Equal(t, "consent", q.Get("prompt"))
	require.Empty(t, q.Get("code_challenge"))

	state := q.Get("state")
	require.NotEmpty(t, state)
	// 32 bytes of entropy, base64url: 43 chars.
	require.Len(t, state, 43)

	raw, ok := h.states.peek(statePrefix + state)
	require.True(t, ok)
	require.Contains(t, string(raw), `"userId":"u1"`)
	require.Contains(t, string(raw), `"providerId":"acme"`)
}

func TestAuthorize_PKCEProviderStoresVerifier(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rawURL, err := h.service.Authorize(ctx, "u1", "pkceco")
	require.NoError(t, err)

	q := mustQuery(t, rawURL)
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	state := q.Get("state")

	verifier, ok := h.states.peek(pkcePrefix + state)
	require.True(t, ok)
	sum := sha256.Sum256(verifier)
	require.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
}

func TestAuthorize_ConfigurationErrors(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, err := h.service.Authorize(ctx, "u1", "nope")
	require.ErrorIs(t, err, provider.ErrUnknownProvider)

	_, err = h.service.Authorize(ctx, "u1", "halfbaked")
	var incomplete *provider.IncompleteConfigError
	require.ErrorAs(t, err, &incomplete)
	require.Contains(t, incomplete.Missing, "client_secret")
}

func TestCallback_EndToEnd(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rawURL, err := h.service.Authorize(ctx, "u1", "acme")
	require.NoError(t, err)
	state := mustQuery(t, rawURL).Get("state")

	h.client.response = &oauthadapter.TokenResponse{
		AccessToken:  "at1",
		RefreshToken: "rt1",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	}

	before := time.Now()
	created, err := h.service.Callback(ctx, CallbackInput{ProviderID: "acme", Code: "abc", State: state})
	require.NoError(t, err)
	require.Equal(t, "u1", created.UserID)
	require.Equal(t, "acme", created.ProviderID)
	require.Equal(t, integration.StatusActive, created.Status)
	require.Equal(t, "abc", h.client.lastCode)

	ts, err := h.vault.Decrypt(created.EncryptedPayload)
	require.NoError(t, err)
	require.Equal(t, "at1", ts.AccessToken)
	require.Equal(t, "rt1", ts.RefreshToken)
	require.WithinDuration(t, before.Add(time.Hour), ts.ExpiresAt, 5*time.Second)
	// Scope missing from the response falls back to the configured scopes.
	require.Equal(t, "contacts.read contacts.write", ts.Scope)
}

func TestCallback_StateIsSingleUse(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rawURL, err := h.service.Authorize(ctx, "u1", "acme")
	require.NoError(t, err)
	state := mustQuery(t, rawURL).Get("state")

	h.client.response = &oauthadapter.TokenResponse{AccessToken: "at1"}
	_, err = h.service.Callback(ctx, CallbackInput{ProviderID: "acme", Code: "abc", State: state})
	require.NoError(t, err)

	_, err = h.service.Callback(ctx, CallbackInput{ProviderID: "acme", Code: "abc", State: state})
	require.ErrorIs(t, err, integration.ErrInvalidState)
}

func TestCallback_UnknownStateFails(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.service.Callback(context.Background(), CallbackInput{ProviderID: "acme", Code: "abc", State: "never-issued"})
	require.ErrorIs(t, err, integration.ErrInvalidState)
	require.Zero(t, h.client.calls)
}

func TestCallback_ProviderMismatch(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rawURL, err := h.service.Authorize(ctx, "u1", "acme")
	require.NoError(t, err)
	state := mustQuery(t, rawURL).Get("state")

	_, err = h.service.Callback(ctx, CallbackInput{ProviderID: "pkceco", Code: "abc", State: state})
	require.ErrorIs(t, err, integration.ErrProviderMismatch)
	require.Zero(t, h.client.calls)
}

func TestCallback_ProviderIDNormalizedLikeRegistry(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rawURL, err := h.service.Authorize(ctx, "u1", "acme")
	require.NoError(t, err)
	state := mustQuery(t, rawURL).Get("state")

	// Casing and whitespace are normalized the same way the registry
	// normalizes catalogue ids, so this is the acme record, not a mismatch.
	h.client.response = &oauthadapter.TokenResponse{AccessToken: "at1"}
	created, err := h.service.Callback(ctx, CallbackInput{ProviderID: " Acme ", Code: "abc", State: state})
	require.NoError(t, err)
	require.Equal(t, "acme", created.ProviderID)
}

func TestCallback_ProviderError(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rawURL, err := h.service.Authorize(ctx, "u1", "acme")
	require.NoError(t, err)
	state := mustQuery(t, rawURL).Get("state")

	_, err = h.service.Callback(ctx, CallbackInput{
		ProviderID:       "acme",
		State:            state,
		ErrorParam:       "access_denied",
		ErrorDescription: "user declined",
	})
	require.ErrorIs(t, err, integration.ErrProviderDeclined)
	require.Contains(t, err.Error(), "user declined")

	// No integration was created and the state entry is left to expire via
	// its TTL.
	require.Empty(t, h.repo.items)
	_, stillThere := h.states.peek(statePrefix + state)
	require.True(t, stillThere)
}

func TestCallback_PKCEVerifierForwardedAndSingleUse(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rawURL, err := h.service.Authorize(ctx, "u1", "pkceco")
	require.NoError(t, err)
	state := mustQuery(t, rawURL).Get("state")
	storedVerifier, ok := h.states.peek(pkcePrefix + state)
	require.True(t, ok)

	h.client.response = &oauthadapter.TokenResponse{AccessToken: "at1"}
	_, err = h.service.Callback(ctx, CallbackInput{ProviderID: "pkceco", Code: "abc", State: state})
	require.NoError(t, err)
	require.Equal(t, string(storedVerifier), h.client.lastVerifier)

	_, present := h.states.peek(pkcePrefix + state)
	require.False(t, present)
}

func TestCallback_ExchangeFailureIsNotRetried(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	rawURL, err := h.service.Authorize(ctx, "u1", "acme")
	require.NoError(t, err)
	state := mustQuery(t, rawURL).Get("state")

	h.client.err = &oauthadapter.TokenEndpointError{StatusCode: 400, Body: `{"error":"invalid_grant"}`}
	_, err = h.service.Callback(ctx, CallbackInput{ProviderID: "acme", Code: "abc", State: state})
	require.ErrorIs(t, err, integration.ErrTokenExchange)
	require.Equal(t, 1, h.client.calls)
	require.Empty(t, h.repo.items)
}

// ---- Test harness and fakes ----

type testHarness struct {
	service *Service
	states  *memoryStateStore
	client  *fakeProviderClient
	repo    *fakeIntegrationRepo
	vault   *vault.Vault
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	registry, err := provider.New([]Provider{
		{
			ID:           "acme",
			DisplayName:  "Acme CRM",
			AuthURL:      "https://auth.acme.test/authorize",
			TokenURL:     "https://auth.acme.test/token",
			ClientID:     "client",
			ClientSecret: "secret",
			Scopes:       []string{"contacts.read", "contacts.write"},
		},
		{
			ID:           "pkceco",
			AuthURL:      "https://auth.pkceco.test/authorize",
			TokenURL:     "https://auth.pkceco.test/token",
			ClientID:     "client2",
			ClientSecret: "secret2",
			Scopes:       []string{"chat.send"},
			PKCE:         true,
		},
		{
			ID:       "halfbaked",
			AuthURL:  "https://auth.halfbaked.test/authorize",
			TokenURL: "https://auth.halfbaked.test/token",
			ClientID: "client3",
		},
	})
	require.NoError(t, err)

	encoded, err := vault.GenerateKey()
	require.NoError(t, err)
	key, err := vault.ParseKey(encoded)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)

	states := newMemoryStateStore()
	client := &fakeProviderClient{}
	repo := newFakeIntegrationRepo()

	svc := NewService(registry, states, client, repo, v, "https://integrations.test", 10*time.Minute, zap.NewNop())
	return &testHarness{service: svc, states: states, client: client, repo: repo, vault: v}
}

// Provider aliases keep the harness definition compact.
type Provider = provider.Provider

func mustQuery(t *testing.T, rawURL string) url.Values {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	return parsed.Query()
}

type memoryStateStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryStateStore() *memoryStateStore {
	return &memoryStateStore{data: map[string][]byte{}}
}

func (m *memoryStateStore) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryStateStore) Consume(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	delete(m.data, key)
	return value, nil
}

func (m *memoryStateStore) peek(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	return value, ok
}

type fakeProviderClient struct {
	mu           sync.Mutex
	response     *oauthadapter.TokenResponse
	err          error
	calls        int
	lastCode     string
	lastVerifier string
}

func (f *fakeProviderClient) ExchangeCode(_ context.Context, _ oauthadapter.Endpoint, code, verifier, _ string) (*oauthadapter.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCode = code
	f.lastVerifier = verifier
	if f.err != nil {
		return nil, f.err
	}
	if f.response == nil {
		return nil, fmt.Errorf("token response not configured")
	}
	resp := *f.response
	return &resp, nil
}

func (f *fakeProviderClient) Refresh(context.Context, oauthadapter.Endpoint, string) (*oauthadapter.TokenResponse, error) {
	return nil, fmt.Errorf("refresh not supported by this fake")
}

type fakeIntegrationRepo struct {
	mu    sync.Mutex
	next  int
	items map[string]integration.Integration
}

func newFakeIntegrationRepo() *fakeIntegrationRepo {
	return &fakeIntegrationRepo{next: 1, items: map[string]integration.Integration{}}
}

func (f *fakeIntegrationRepo) Create(_ context.Context, in integration.Integration) (integration.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in.ID = fmt.Sprintf("int-%d", f.next)
	f.next++
	now := time.Now().UTC()
	in.CreatedAt = now
	in.UpdatedAt = now
	f.items[in.ID] = in
	return in, nil
}

func (f *fakeIntegrationRepo) GetByID(_ context.Context, id string) (integration.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.items[id]
	if !ok {
		return integration.Integration{}, integration.ErrNotFound
	}
	return in, nil
}

func (f *fakeIntegrationRepo) ListByUser(_ context.Context, userID string) ([]integration.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []integration.Integration
	for _, in := range f.items {
		if in.UserID == userID {
			out = append(out, in)
		}
	}
	return out, nil
}

func (f *fakeIntegrationRepo) UpdatePayload(_ context.Context, id string, payload []byte, scope, tokenType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.items[id]
	if !ok {
		return integration.ErrNotFound
	}
	in.EncryptedPayload = payload
	in.Scope = scope
	in.TokenType = tokenType
	in.Status = integration.StatusActive
	in.UpdatedAt = time.Now().UTC()
	f.items[id] = in
	return nil
}

func (f *fakeIntegrationRepo) SetStatus(_ context.Context, id string, status integration.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.items[id]
	if !ok {
		return integration.ErrNotFound
	}
	in.Status = status
	f.items[id] = in
	return nil
}

func (f *fakeIntegrationRepo) TouchLastUsed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.items[id]
	if !ok {
		return integration.ErrNotFound
	}
	now := time.Now().UTC()
	in.LastUsedAt = &now
	f.items[id] = in
	return nil
}

func (f *fakeIntegrationRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return integration.ErrNotFound
	}
	delete(f.items, id)
	return nil
}
