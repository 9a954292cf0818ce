package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	apiContext "connbridge/internal/api/context"
	"connbridge/internal/api/middleware"
	"connbridge/internal/engine/credentials"
	"connbridge/internal/engine/provider"
	"connbridge/internal/engine/webhooks"
	"connbridge/internal/pkg/errors"
	"connbridge/internal/platform/audit"
	"connbridge/internal/platform/models"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
)

// Gateway is the part of the provider client the management API uses.
type Gateway interface {
	CreateSession(ctx context.Context, req provider.SessionRequest) *provider.Session
	ListIntegrations(ctx context.Context) []provider.Integration
	GetConnection(ctx context.Context, connectionID, providerConfigKey string) *provider.ConnectionDetail
	DeleteConnection(ctx context.Context, connectionID, providerConfigKey string) bool
	TriggerSync(ctx context.Context, connectionID, providerConfigKey, syncName string) *provider.SyncResult
}

type ConnectionReader interface {
	Get(ctx context.Context, connectionID string) (*models.Connection, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.Connection, error)
	Delete(ctx context.Context, connectionID string) (bool, error)
}

type SecretStore interface {
	GetSecret(ctx context.Context, connectionID string) (*models.ConnectionSecret, error)
	UpdateSecret(ctx context.Context, connectionID string, partial models.Credentials) (*models.ConnectionSecret, error)
	DeleteSecret(ctx context.Context, connectionID string) (bool, error)
}

type ConnectionHandler struct {
	connections ConnectionReader
	secrets     SecretStore
	gateway     Gateway
	audit       *audit.Logger
}

// NewConnectionHandler wires the management endpoints. connections and
// secrets may be nil when the matching store is disabled.
func NewConnectionHandler(connections ConnectionReader, secrets SecretStore, gateway Gateway, auditLogger *audit.Logger) *ConnectionHandler {
	return &ConnectionHandler{connections: connections, secrets: secrets, gateway: gateway, audit: auditLogger}
}

func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	if h.connections == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Connection store is disabled", nil)
		return
	}
	claims, _ := middleware.ClaimsFrom(r.Context())

	connections, err := h.connections.ListByOwner(r.Context(), claims.OwnerID)
	if err != nil {
		log.Error().Err(err).Str("owner_id", claims.OwnerID).Msg("failed to list connections")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list connections", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, connections)
}

func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	errors.WriteJSON(w, http.StatusOK, conn)
}

// Delete removes the connection at the provider first, then locally. The
// provider_config_key query parameter falls back to the stored connection's.
func (h *ConnectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	connectionID := connectionIDParam(r)
	claims, _ := middleware.ClaimsFrom(r.Context())
	providerConfigKey := r.URL.Query().Get("provider_config_key")

	// Ownership is only known from the connection store; without it nothing
	// is deleted.
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	if providerConfigKey == "" {
		providerConfigKey = conn.Provider
	}

	if !h.gateway.DeleteConnection(r.Context(), connectionID, providerConfigKey) {
		errors.WriteError(w, http.StatusBadGateway, errors.ErrCodeUpstream, "Provider API failed to delete the connection", nil)
		return
	}

	if _, err := h.connections.Delete(r.Context(), connectionID); err != nil {
		log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to delete connection record")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to delete connection record", nil)
		return
	}
	if h.secrets != nil {
		if _, err := h.secrets.DeleteSecret(r.Context(), connectionID); err != nil {
			log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to delete connection secret")
			errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to delete connection secret", nil)
			return
		}
	}

	h.audit.Log(r, actorOf(claims), audit.ActionConnectionDeleted, "connection", connectionID, map[string]interface{}{
		"provider_config_key": providerConfigKey,
	})
	errors.WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (h *ConnectionHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	connectionID := connectionIDParam(r)
	claims, _ := middleware.ClaimsFrom(r.Context())

	var req struct {
		ProviderConfigKey string `json:"provider_config_key"`
		SyncName          string `json:"sync_name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
			return
		}
	}

	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	if req.ProviderConfigKey == "" {
		req.ProviderConfigKey = conn.Provider
	}

	result := h.gateway.TriggerSync(r.Context(), connectionID, req.ProviderConfigKey, req.SyncName)
	if result == nil {
		errors.WriteError(w, http.StatusBadGateway, errors.ErrCodeUpstream, "Provider API failed to trigger sync", nil)
		return
	}

	h.audit.Log(r, actorOf(claims), audit.ActionSyncTriggered, "connection", connectionID, map[string]interface{}{
		"sync_name": req.SyncName,
	})
	errors.WriteJSON(w, http.StatusAccepted, result)
}

type tokenResponse struct {
	AccessToken string     `json:"access_token"`
	TokenType   string     `json:"token_type"`
	Expiry      *time.Time `json:"expiry,omitempty"`
}

// Token returns the cached OAuth2 access token of the caller's connection.
// When the secret store reports the token inside its refresh window, the
// credentials are re-fetched from the provider first; a failed re-fetch
// serves the cached token.
func (h *ConnectionHandler) Token(w http.ResponseWriter, r *http.Request) {
	if h.secrets == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Secret store is disabled", nil)
		return
	}
	claims, _ := middleware.ClaimsFrom(r.Context())
	connectionID := connectionIDParam(r)

	secret, err := h.secrets.GetSecret(r.Context(), connectionID)
	if err != nil {
		log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to load connection secret")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load credentials", nil)
		return
	}
	if secret == nil || secret.OwnerID != claims.OwnerID {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Credentials not found", nil)
		return
	}

	if checker, ok := h.secrets.(webhooks.RefreshChecker); ok {
		stale, err := checker.NeedsRefresh(r.Context(), connectionID)
		if err != nil {
			log.Warn().Err(err).Str("connection_id", connectionID).Msg("refresh check failed")
		}
		if stale {
			secret = h.refreshSecret(r.Context(), secret)
		}
	}

	tok, ok := credentials.Token(secret.Credentials)
	if !ok {
		errors.WriteError(w, http.StatusConflict, errors.ErrCodeInvalidInput, "Connection does not hold OAuth2 credentials", nil)
		return
	}

	resp := tokenResponse{AccessToken: tok.AccessToken, TokenType: tok.Type()}
	if !tok.Expiry.IsZero() {
		resp.Expiry = &tok.Expiry
	}
	errors.WriteJSON(w, http.StatusOK, resp)
}

func (h *ConnectionHandler) refreshSecret(ctx context.Context, secret *models.ConnectionSecret) *models.ConnectionSecret {
	detail := h.gateway.GetConnection(ctx, secret.ConnectionID, secret.Provider)
	if detail == nil {
		log.Warn().Str("connection_id", secret.ConnectionID).Msg("provider refresh failed; serving cached token")
		return secret
	}
	updated, err := h.secrets.UpdateSecret(ctx, secret.ConnectionID, credentials.Normalize(detail.Credentials))
	if err != nil {
		log.Error().Err(err).Str("connection_id", secret.ConnectionID).Msg("failed to store refreshed credentials")
		return secret
	}
	return updated
}

// ownedConnection loads the path's connection and writes a 404 unless it
// belongs to the caller.
func (h *ConnectionHandler) ownedConnection(w http.ResponseWriter, r *http.Request) (*models.Connection, bool) {
	if h.connections == nil {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Connection store is disabled", nil)
		return nil, false
	}
	claims, _ := middleware.ClaimsFrom(r.Context())
	connectionID := connectionIDParam(r)

	conn, err := h.connections.Get(r.Context(), connectionID)
	if err != nil {
		log.Error().Err(err).Str("connection_id", connectionID).Msg("failed to load connection")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to load connection", nil)
		return nil, false
	}
	if conn == nil || conn.OwnerID != claims.OwnerID {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Connection not found", nil)
		return nil, false
	}
	return conn, true
}

func connectionIDParam(r *http.Request) string {
	params, _ := r.Context().Value(apiContext.Params).(httprouter.Params)
	return params.ByName("connection_id")
}
