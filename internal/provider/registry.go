// Package provider holds the static catalogue of OAuth providers the
// platform can connect to. The catalogue is loaded once at startup; lookups
// afterwards are plain map reads.
package provider

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownProvider signals a provider id that is not in the catalogue.
// It is distinct from a known provider with incomplete configuration.
var ErrUnknownProvider = errors.New("provider: unknown provider")

// IncompleteConfigError names the configuration fields a known provider is
// missing so callers can surface actionable setup guidance.
type IncompleteConfigError struct {
	ProviderID string
	Missing    []string
}

func (e *IncompleteConfigError) Error() string {
	return fmt.Sprintf("provider %s: missing configuration: %s", e.ProviderID, strings.Join(e.Missing, ", "))
}

// Provider describes one OAuth provider. Immutable after load.
type Provider struct {
	ID           string   `yaml:"id"`
	DisplayName  string   `yaml:"display_name"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
	PKCE         bool     `yaml:"pkce"`
}

// templates supply endpoint defaults for well-known providers so operator
// config only needs client credentials.
var templates = map[string]Provider{
	"google": {
		DisplayName: "Google",
		AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:    "https://oauth2.googleapis.com/token",
	},
	"github": {
		DisplayName: "GitHub",
		AuthURL:     "https://github.com/login/oauth/authorize",
		TokenURL:    "https://github.com/login/oauth/access_token",
	},
	"slack": {
		DisplayName: "Slack",
		AuthURL:     "https://slack.com/oauth/v2/authorize",
		TokenURL:    "https://slack.com/api/oauth.v2.access",
	},
}

// Registry is the read-only provider catalogue.
type Registry struct {
	providers map[string]Provider
}

type catalogueFile struct {
	Providers []Provider `yaml:"providers"`
}

// LoadFile reads the YAML provider catalogue. Client credentials support
// $ENV_VAR expansion so secrets can stay out of the file.
func LoadFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalogue: %w", err)
	}
	var file catalogueFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse provider catalogue: %w", err)
	}
	return New(file.Providers)
}

// New builds a registry from provider definitions, applying well-known
// endpoint templates and env expansion.
func New(providers []Provider) (*Registry, error) {
	index := make(map[string]Provider, len(providers))
	for _, p := range providers {
		p.ID = strings.ToLower(strings.TrimSpace(p.ID))
		if p.ID == "" {
			return nil, fmt.Errorf("provider catalogue: entry without id")
		}
		if _, dup := index[p.ID]; dup {
			return nil, fmt.Errorf("provider catalogue: duplicate id %q", p.ID)
		}
		if tmpl, ok := templates[p.ID]; ok {
			if p.DisplayName == "" {
				p.DisplayName = tmpl.DisplayName
			}
			if p.AuthURL == "" {
				p.AuthURL = tmpl.AuthURL
			}
			if p.TokenURL == "" {
				p.TokenURL = tmpl.TokenURL
			}
		}
		if p.DisplayName == "" {
			p.DisplayName = titleCase(p.ID)
		}
		p.ClientID = os.ExpandEnv(p.ClientID)
		p.ClientSecret = os.ExpandEnv(p.ClientSecret)
		p.Scopes = append([]string(nil), p.Scopes...)
		index[p.ID] = p
	}
	return &Registry{providers: index}, nil
}

// Lookup returns the provider definition, which may still be incomplete;
// call Validate before starting a flow with it.
func (r *Registry) Lookup(id string) (Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Provider{}, fmt.Errorf("provider %q: %w", id, ErrUnknownProvider)
	}
	return p, nil
}

// Validate reports whether a provider is fully configured. An unknown id
// returns ErrUnknownProvider; a known-but-incomplete one returns an
// IncompleteConfigError naming the missing fields.
func (r *Registry) Validate(id string) error {
	p, err := r.Lookup(id)
	if err != nil {
		return err
	}

	var missing []string
	if p.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if p.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if p.AuthURL == "" {
		missing = append(missing, "auth_url")
	}
	if p.TokenURL == "" {
		missing = append(missing, "token_url")
	}
	if len(missing) > 0 {
		return &IncompleteConfigError{ProviderID: p.ID, Missing: missing}
	}
	return nil
}

// IDs lists the catalogue's provider ids, for diagnostics.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	return out
}

func titleCase(name string) string {
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + strings.ToLower(name[1:])
}
