package handlers

import (
	stderrors "errors"
	"io"
	"net/http"

	"connbridge/internal/api/middleware"
	"connbridge/internal/engine/webhooks"
	"connbridge/internal/pkg/errors"
	"connbridge/internal/platform/audit"
	"connbridge/internal/platform/config"

	"github.com/rs/zerolog/log"
)

type WebhookHandler struct {
	reconciler *webhooks.Reconciler
	audit      *audit.Logger
	metrics    *Metrics
	cfg        config.WebhookConfig
}

func NewWebhookHandler(reconciler *webhooks.Reconciler, auditLogger *audit.Logger, metrics *Metrics, cfg config.WebhookConfig) *WebhookHandler {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &WebhookHandler{reconciler: reconciler, audit: auditLogger, metrics: metrics, cfg: cfg}
}

// Receive verifies, validates and reconciles one provider webhook delivery.
// The signature is checked over the exact bytes received before the body is
// parsed.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	h.metrics.WebhooksReceived.Add(1)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			h.metrics.PayloadTooLarge.Add(1)
			errors.WriteError(w, http.StatusRequestEntityTooLarge, errors.ErrCodePayloadTooLarge, "Webhook body too large", nil)
			return
		}
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Failed to read request body", nil)
		return
	}

	signature := r.Header.Get(h.cfg.SignatureHeader)
	if err := webhooks.Verify(body, signature, h.cfg.Secret); err != nil {
		h.metrics.SignatureRejections.Add(1)
		log.Warn().
			Str("remote_ip", middleware.ClientIP(r)).
			Bool("signature_present", signature != "").
			Msg("webhook signature rejected")
		h.audit.Log(r, audit.Actor{}, audit.ActionSignatureRejected, "webhook", "", map[string]interface{}{
			"signature_present": signature != "",
			"body_bytes":        len(body),
		})
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidSignature, "Invalid webhook signature", nil)
		return
	}

	event, err := webhooks.ParseEvent(body)
	if err != nil {
		h.metrics.ValidationRejections.Add(1)
		log.Warn().Err(err).Msg("webhook event rejected")
		errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid webhook event", err.Error())
		return
	}

	result, err := h.reconciler.Reconcile(r.Context(), event)
	if err != nil {
		if stderrors.Is(err, webhooks.ErrSchemaValidation) {
			h.metrics.ValidationRejections.Add(1)
			errors.WriteError(w, http.StatusBadRequest, errors.ErrCodeInvalidInput, "Invalid webhook event", err.Error())
			return
		}
		h.metrics.ReconcileFailures.Add(1)
		errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Failed to process webhook", nil)
		return
	}

	h.metrics.WebhooksReconciled.Add(1)
	errors.WriteJSON(w, http.StatusOK, result)
}
