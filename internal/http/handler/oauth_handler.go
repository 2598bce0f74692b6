package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/domain/integration"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/http/middleware"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/provider"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/repository"
	"github.com/Pushparaj13811/flowforge-ai-sub003/internal/service/connect"
)

// OAuthHandler exposes the authorization handshake and integration
// management endpoints.
type OAuthHandler struct {
	Connect      *connect.Service
	Integrations repository.IntegrationRepository
	SettingsURL  string
	Logger       *zap.Logger
}

// NewOAuthHandler creates the handler set.
func NewOAuthHandler(connectSvc *connect.Service, integrations repository.IntegrationRepository, settingsURL string, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{
		Connect:      connectSvc,
		Integrations: integrations,
		SettingsURL:  settingsURL,
		Logger:       logger,
	}
}

// Authorize starts the OAuth handshake and redirects the browser to the
// provider's consent screen.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	userID, ok := middleware.CallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "error_description": "Caller identity required."})
		return
	}

	providerID := c.Param("provider")
	redirect, err := h.Connect.Authorize(c.Request.Context(), userID, providerID)
	if err != nil {
		var incomplete *provider.IncompleteConfigError
		switch {
		case errors.Is(err, provider.ErrUnknownProvider):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider", "error_description": "Unknown integration provider."})
		case errors.As(err, &incomplete):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":             "provider_not_configured",
				"error_description": "Provider is not fully configured.",
				"missing_fields":    incomplete.Missing,
			})
		default:
			h.Logger.Error("authorize failed", zap.String("provider", providerID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Could not start authorization."})
		}
		return
	}

	c.Redirect(http.StatusFound, redirect)
}

// Callback receives the provider redirect, finishes the handshake, and
// sends the browser back to the settings page. Errors surface as a query
// parameter because the caller is a browser, not an API client.
func (h *OAuthHandler) Callback(c *gin.Context) {
	providerID := c.Param("provider")

	rec, err := h.Connect.Callback(c.Request.Context(), connect.CallbackInput{
		ProviderID:       providerID,
		Code:             c.Query("code"),
		State:            c.Query("state"),
		ErrorParam:       c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	})
	if err != nil {
		h.Logger.Warn("oauth callback failed", zap.String("provider", providerID), zap.Error(err))
		c.Redirect(http.StatusFound, h.settingsRedirect(url.Values{
			"error":    []string{callbackErrorCode(err)},
			"provider": []string{providerID},
		}))
		return
	}

	c.Redirect(http.StatusFound, h.settingsRedirect(url.Values{
		"success":       []string{"true"},
		"provider":      []string{rec.ProviderID},
		"integrationId": []string{rec.ID},
	}))
}

// List returns the caller's integrations without any credential material.
func (h *OAuthHandler) List(c *gin.Context) {
	userID, ok := middleware.CallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "error_description": "Caller identity required."})
		return
	}

	records, err := h.Integrations.ListByUser(c.Request.Context(), userID)
	if err != nil {
		h.Logger.Error("list integrations failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Could not list integrations."})
		return
	}

	out := make([]integrationView, 0, len(records))
	for _, rec := range records {
		out = append(out, newIntegrationView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"integrations": out})
}

// Delete removes an integration the caller owns. The stored credentials go
// with it; provider-side revocation is handled elsewhere.
func (h *OAuthHandler) Delete(c *gin.Context) {
	userID, ok := middleware.CallerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "error_description": "Caller identity required."})
		return
	}

	id := c.Param("id")
	rec, err := h.Integrations.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Integration not found."})
			return
		}
		h.Logger.Error("load integration failed", zap.String("integration_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Could not delete integration."})
		return
	}
	if rec.UserID != userID {
		// Do not reveal whether the id exists for another user.
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Integration not found."})
		return
	}

	if err := h.Integrations.Delete(c.Request.Context(), id); err != nil {
		h.Logger.Error("delete integration failed", zap.String("integration_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": "Could not delete integration."})
		return
	}

	c.Status(http.StatusNoContent)
}

// Healthz reports liveness.
func (h *OAuthHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *OAuthHandler) settingsRedirect(params url.Values) string {
	base := h.SettingsURL
	if strings.Contains(base, "?") {
		return base + "&" + params.Encode()
	}
	return base + "?" + params.Encode()
}

// callbackErrorCode maps handshake failures onto the small vocabulary the
// settings page understands.
func callbackErrorCode(err error) string {
	switch {
	case errors.Is(err, integration.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, integration.ErrProviderMismatch):
		return "provider_mismatch"
	case errors.Is(err, integration.ErrTokenExchange):
		return "token_exchange_failed"
	default:
		return "callback_failed"
	}
}

type integrationView struct {
	ID         string     `json:"id"`
	Provider   string     `json:"provider"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func newIntegrationView(rec integration.Integration) integrationView {
	return integrationView{
		ID:         rec.ID,
		Provider:   rec.ProviderID,
		Name:       rec.Name,
		Status:     string(rec.Status),
		Scopes:     strings.Fields(rec.Scope),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
		LastUsedAt: rec.LastUsedAt,
	}
}
