package handlers

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

// Metrics counts webhook outcomes since process start.
type Metrics struct {
	WebhooksReceived     atomic.Int64
	WebhooksReconciled   atomic.Int64
	SignatureRejections  atomic.Int64
	ValidationRejections atomic.Int64
	ReconcileFailures    atomic.Int64
	PayloadTooLarge      atomic.Int64
}

type MetricsHandler struct {
	metrics *Metrics
}

func NewMetricsHandler(m *Metrics) *MetricsHandler {
	return &MetricsHandler{metrics: m}
}

func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP connbridge_up Is the server up\n")
	fmt.Fprintf(w, "# TYPE connbridge_up gauge\n")
	fmt.Fprintf(w, "connbridge_up 1\n")

	fmt.Fprintf(w, "# HELP connbridge_webhooks_total Webhook deliveries by outcome\n")
	fmt.Fprintf(w, "# TYPE connbridge_webhooks_total counter\n")
	m := h.metrics
	for _, c := range []struct {
		outcome string
		value   int64
	}{
		{"received", m.WebhooksReceived.Load()},
		{"reconciled", m.WebhooksReconciled.Load()},
		{"invalid_signature", m.SignatureRejections.Load()},
		{"invalid_event", m.ValidationRejections.Load()},
		{"reconcile_failed", m.ReconcileFailures.Load()},
		{"payload_too_large", m.PayloadTooLarge.Load()},
	} {
		fmt.Fprintf(w, "connbridge_webhooks_total{outcome=%q} %d\n", c.outcome, c.value)
	}
}
