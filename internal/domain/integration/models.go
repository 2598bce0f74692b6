package integration

import "time"

// Status describes whether an integration's stored credentials are usable.
type Status string

const (
	// StatusActive means the stored token set is usable (possibly after a refresh).
	StatusActive Status = "active"
	// StatusReauthorizeRequired means the provider rejected the refresh token
	// and the user must run the authorization flow again.
	StatusReauthorizeRequired Status = "reauthorize_required"
)

// Integration is a connected third-party account owned by a platform user.
// The token material lives only inside EncryptedPayload; nothing on this
// struct is plaintext secret.
type Integration struct {
	ID               string
	UserID           string
	ProviderID       string
	Name             string
	EncryptedPayload []byte
	Scope            string
	TokenType        string
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastUsedAt       *time.Time
}

// AuthorizationState is the short-lived record bound to one authorization
// attempt. It is stored under oauth:state:{state} and consumed exactly once
// by the matching callback.
type AuthorizationState struct {
	UserID     string    `json:"userId"`
	ProviderID string    `json:"providerId"`
	CreatedAt  time.Time `json:"timestamp"`
}
