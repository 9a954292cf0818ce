package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"connbridge/internal/pkg/errors"
	"connbridge/internal/platform/database"
)

type HealthHandler struct {
	db                 *database.DB
	providerConfigured bool
}

func NewHealthHandler(db *database.DB, providerConfigured bool) *HealthHandler {
	return &HealthHandler{db: db, providerConfigured: providerConfigured}
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.db.PingContext(ctx)
		cancel()
		if err != nil {
			checks["database"] = "unhealthy: " + err.Error()
		} else {
			checks["database"] = "healthy"
		}
	}

	if h.providerConfigured {
		checks["provider"] = "configured"
	} else {
		checks["provider"] = "unhealthy: provider.base_url not set"
	}

	status := "healthy"
	for _, check := range checks {
		if strings.HasPrefix(check, "unhealthy") {
			status = "degraded"
			break
		}
	}

	response := struct {
		Status    string            `json:"status"`
		Timestamp int64             `json:"timestamp"`
		Checks    map[string]string `json:"checks"`
	}{
		Status:    status,
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	statusCode := http.StatusOK
	if status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	errors.WriteJSON(w, statusCode, response)
}
