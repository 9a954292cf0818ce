package handlers

import (
	"net/http"
	"strconv"

	"connbridge/internal/api/middleware"
	"connbridge/internal/pkg/errors"
	"connbridge/internal/platform/audit"

	"github.com/rs/zerolog/log"
)

type AuditHandler struct {
	audit *audit.Logger
}

func NewAuditHandler(auditLogger *audit.Logger) *AuditHandler {
	return &AuditHandler{audit: auditLogger}
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, _ := middleware.ClaimsFrom(r.Context())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	logs, err := h.audit.List(r.Context(), actorOf(claims), r.URL.Query().Get("action"), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list audit logs")
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to list audit logs", nil)
		return
	}
	errors.WriteJSON(w, http.StatusOK, logs)
}
