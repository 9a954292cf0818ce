package api

import (
	"context"
	"net/http"

	apiContext "connbridge/internal/api/context"
	"connbridge/internal/api/handlers"
	"connbridge/internal/api/middleware"
	"connbridge/internal/pkg/errors"

	"github.com/julienschmidt/httprouter"
)

type Dependencies struct {
	WebhookHandler     *handlers.WebhookHandler
	SessionHandler     *handlers.SessionHandler
	IntegrationHandler *handlers.IntegrationHandler
	ConnectionHandler  *handlers.ConnectionHandler
	AuditHandler       *handlers.AuditHandler
	HealthHandler      *handlers.HealthHandler
	MetricsHandler     *handlers.MetricsHandler
	AuthMiddleware     *middleware.AuthMiddleware
	WebhookRateLimiter *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()

	router.GET("/health", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	// Provider webhooks authenticate by signature, not by bearer token.
	router.POST("/api/webhooks", chain(deps.WebhookHandler.Receive, deps.WebhookRateLimiter.Handle))

	authMid := deps.AuthMiddleware

	router.POST("/api/sessions", chain(deps.SessionHandler.Create, authMid.Handle))
	router.GET("/api/integrations", chain(deps.IntegrationHandler.List, authMid.Handle))

	router.GET("/api/connections", chain(deps.ConnectionHandler.List, authMid.Handle))
	router.GET("/api/connections/:connection_id", chain(deps.ConnectionHandler.Get, authMid.Handle))
	router.DELETE("/api/connections/:connection_id", chain(deps.ConnectionHandler.Delete, authMid.Handle))
	router.GET("/api/connections/:connection_id/token", chain(deps.ConnectionHandler.Token, authMid.Handle))
	router.POST("/api/connections/:connection_id/sync", chain(deps.ConnectionHandler.TriggerSync, authMid.Handle))

	router.GET("/api/audit", chain(deps.AuditHandler.List, authMid.Handle, middleware.RequireRole("admin", "owner")))

	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusMethodNotAllowed, errors.ErrCodeInvalidInput, "Method not allowed", nil)
	})

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
