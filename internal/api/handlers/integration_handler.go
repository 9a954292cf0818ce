package handlers

import (
	"net/http"

	"connbridge/internal/pkg/errors"
)

type IntegrationHandler struct {
	gateway Gateway
}

func NewIntegrationHandler(gateway Gateway) *IntegrationHandler {
	return &IntegrationHandler{gateway: gateway}
}

func (h *IntegrationHandler) List(w http.ResponseWriter, r *http.Request) {
	errors.WriteJSON(w, http.StatusOK, h.gateway.ListIntegrations(r.Context()))
}
