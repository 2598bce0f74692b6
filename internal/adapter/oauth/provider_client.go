// Package oauth encapsulates outbound HTTP calls to provider token
// endpoints.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenResponse models a provider token endpoint response (RFC 6749 §5.1).
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    int64
}

// TokenEndpointError is a non-success response from a token endpoint. The
// body is retained for diagnostics; providers do not echo client secrets.
type TokenEndpointError struct {
	StatusCode int
	Body       string
}

func (e *TokenEndpointError) Error() string {
	return fmt.Sprintf("token endpoint: status=%d body=%s", e.StatusCode, e.Body)
}

// Temporary reports whether the failure is worth retrying. 4xx responses
// (invalid_grant, revoked consent) are final.
func (e *TokenEndpointError) Temporary() bool {
	return e.StatusCode >= 500
}

// Endpoint carries the subset of provider configuration the client needs.
type Endpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// ProviderClient performs code exchange and refresh grants against external
// providers.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, ep Endpoint, code, codeVerifier, redirectURI string) (*TokenResponse, error)
	Refresh(ctx context.Context, ep Endpoint, refreshToken string) (*TokenResponse, error)
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient. A nil client
// gets a 10 s timeout so a slow provider cannot hold a request forever.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{httpClient: client}
}

// ExchangeCode redeems an authorization code for a token set.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, ep Endpoint, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", ep.ClientID)
	data.Set("client_secret", ep.ClientSecret)
	if strings.TrimSpace(codeVerifier) != "" {
		data.Set("code_verifier", codeVerifier)
	}
	return c.postForm(ctx, ep.TokenURL, data)
}

// Refresh performs a refresh-token grant.
func (c *HTTPProviderClient) Refresh(ctx context.Context, ep Endpoint, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", ep.ClientID)
	data.Set("client_secret", ep.ClientSecret)
	return c.postForm(ctx, ep.TokenURL, data)
}

func (c *HTTPProviderClient) postForm(ctx context.Context, tokenURL string, data url.Values) (*TokenResponse, error) {
	if strings.TrimSpace(tokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TokenEndpointError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	token, err := parseTokenResponse(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return nil, err
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return token, nil
}

// parseTokenResponse handles JSON plus the form-encoded variant some
// providers (GitHub) return.
func parseTokenResponse(contentType string, body []byte) (*TokenResponse, error) {
	if strings.Contains(contentType, "application/x-www-form-urlencoded") || strings.Contains(contentType, "text/plain") {
		vals, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse form token response: %w", err)
		}
		token := &TokenResponse{
			AccessToken:  vals.Get("access_token"),
			RefreshToken: vals.Get("refresh_token"),
			TokenType:    vals.Get("token_type"),
			Scope:        vals.Get("scope"),
		}
		if raw := vals.Get("expires_in"); raw != "" {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				token.ExpiresIn = n
			}
		}
		return token, nil
	}

	var raw struct {
		AccessToken  string          `json:"access_token"`
		RefreshToken string          `json:"refresh_token"`
		TokenType    string          `json:"token_type"`
		Scope        string          `json:"scope"`
		ExpiresIn    json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	token := &TokenResponse{
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		TokenType:    raw.TokenType,
		Scope:        raw.Scope,
	}
	token.ExpiresIn = parseExpiresIn(raw.ExpiresIn)
	return token, nil
}

// parseExpiresIn tolerates providers that send expires_in as a string.
func parseExpiresIn(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
