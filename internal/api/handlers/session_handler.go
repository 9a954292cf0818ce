package handlers

import (
	"encoding/json"
	"net/http"

	"connbridge/internal/api/middleware"
	"connbridge/internal/engine/provider"
	"connbridge/internal/pkg/errors"
	"connbridge/internal/platform/audit"
	"connbridge/internal/platform/auth"
)

type SessionHandler struct {
	gateway Gateway
}

func NewSessionHandler(gateway Gateway) *SessionHandler {
	return &SessionHandler{gateway: gateway}
}

// Create opens a connect session for the calling owner. The end user id sent
// to the provider is the owner id, so the auth webhook that follows can be
// attributed.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())

	var req struct {
		AllowedIntegrations []string `json:"allowed_integrations"`
		DisplayName         string   `json:"display_name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid request body", nil)
			return
		}
	}

	sessionReq := provider.SessionRequest{
		EndUser: provider.EndUser{
			ID:          claims.OwnerID,
			Email:       claims.Email,
			DisplayName: req.DisplayName,
		},
		AllowedIntegrations: req.AllowedIntegrations,
	}
	if claims.OrganizationID != "" {
		sessionReq.Organization = &provider.Organization{ID: claims.OrganizationID}
	}

	session := h.gateway.CreateSession(r.Context(), sessionReq)
	if session == nil {
		errors.WriteError(w, http.StatusBadGateway, errors.ErrCodeUpstream, "Provider API failed to create a session", nil)
		return
	}
	errors.WriteJSON(w, http.StatusCreated, session)
}

func actorOf(claims *auth.Claims) audit.Actor {
	if claims == nil {
		return audit.Actor{}
	}
	return audit.Actor{UserID: claims.OwnerID, OrganizationID: claims.OrganizationID}
}
