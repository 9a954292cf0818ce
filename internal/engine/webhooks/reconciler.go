package webhooks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"connbridge/internal/engine/credentials"
	"connbridge/internal/engine/provider"
	"connbridge/internal/platform/models"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FailurePolicy decides what happens when a downstream store call fails
// while reconciling an event.
type FailurePolicy int

const (
	// PolicySwallow logs store failures and still acknowledges the event.
	PolicySwallow FailurePolicy = iota
	// PolicyPropagate logs store failures and returns them to the caller,
	// so the HTTP layer answers 500 and the provider API redelivers.
	PolicyPropagate
)

func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "swallow":
		return PolicySwallow, nil
	case "propagate":
		return PolicyPropagate, nil
	default:
		return PolicySwallow, fmt.Errorf("unknown failure policy %q", s)
	}
}

func (p FailurePolicy) String() string {
	if p == PolicyPropagate {
		return "propagate"
	}
	return "swallow"
}

// ReconcileError is returned under PolicyPropagate.
type ReconcileError struct {
	Phase        string
	ConnectionID string
	Err          error
}

func (e *ReconcileError) Error() string {
	return fmt.Sprintf("reconcile %s (connection %s): %v", e.Phase, e.ConnectionID, e.Err)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

type Result struct {
	Success   bool   `json:"success"`
	EventType string `json:"eventType"`
	Operation string `json:"operation,omitempty"`
}

// Options wires the reconciler's collaborators. Any of the stores and the
// gateway may be nil; the matching steps are then skipped.
type Options struct {
	Connections ConnectionStore
	Secrets     SecretStore
	Gateway     ConnectionFetcher
	Policy      FailurePolicy
	Logger      *zerolog.Logger
}

// Reconciler applies provider lifecycle events to the local stores. It holds
// no per-event state and is safe for concurrent use.
type Reconciler struct {
	connections ConnectionStore
	secrets     SecretStore
	gateway     ConnectionFetcher
	policy      FailurePolicy
	logger      zerolog.Logger
	tracer      trace.Tracer
}

func NewReconciler(opts Options) *Reconciler {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Reconciler{
		connections: opts.Connections,
		secrets:     opts.Secrets,
		gateway:     opts.Gateway,
		policy:      opts.Policy,
		logger:      logger.With().Str("component", "reconciler").Logger(),
		tracer:      otel.Tracer("connbridge/internal/engine/webhooks"),
	}
}

func (r *Reconciler) Policy() FailurePolicy { return r.policy }

// Reconcile dispatches a validated event. Under PolicySwallow the returned
// error is always nil.
func (r *Reconciler) Reconcile(ctx context.Context, ev *WebhookEvent) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "webhooks.Reconcile", trace.WithAttributes(
		attribute.String("event.type", string(ev.Type)),
		attribute.String("event.operation", string(ev.Operation)),
		attribute.String("connection.id", ev.ConnectionID),
		attribute.String("provider.config_key", ev.ProviderConfigKey),
	))
	defer span.End()

	run := &reconcileRun{
		Reconciler: r,
		ev:         ev,
		log: r.logger.With().
			Str("event_type", string(ev.Type)).
			Str("operation", string(ev.Operation)).
			Str("connection_id", ev.ConnectionID).
			Str("provider_config_key", ev.ProviderConfigKey).
			Logger(),
	}

	var err error
	switch ev.Type {
	case EventAuth:
		err = run.auth(ctx)
	case EventSync:
		err = run.sync(ctx)
	case EventConnectionDeleted:
		err = run.deleted(ctx)
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported event type %q", ev.Type)}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failure")
		return nil, err
	}

	run.log.Debug().Msg("webhook event reconciled")
	return &Result{Success: true, EventType: string(ev.Type), Operation: string(ev.Operation)}, nil
}

// reconcileRun carries the state of one Reconcile call.
type reconcileRun struct {
	*Reconciler
	ev  *WebhookEvent
	log zerolog.Logger

	detail  *provider.ConnectionDetail
	fetched bool
}

func (r *reconcileRun) fail(phase string, err error) error {
	r.log.Error().Err(err).Str("phase", phase).Str("policy", r.policy.String()).Msg("webhook store operation failed")
	if r.policy == PolicySwallow {
		return nil
	}
	return &ReconcileError{Phase: phase, ConnectionID: r.ev.ConnectionID, Err: err}
}

// connectionDetail fetches the provider's view of the connection at most
// once per event.
func (r *reconcileRun) connectionDetail(ctx context.Context) *provider.ConnectionDetail {
	if r.gateway == nil {
		return nil
	}
	if !r.fetched {
		r.detail = r.gateway.GetConnection(ctx, r.ev.ConnectionID, r.ev.ProviderConfigKey)
		r.fetched = true
	}
	return r.detail
}

func (r *reconcileRun) auth(ctx context.Context) error {
	switch {
	case r.ev.failed():
		return r.markStatus(ctx, "mark_error", models.StatusError)
	case r.ev.Operation == OperationDeletion:
		return r.deleted(ctx)
	case r.ev.Success == nil:
		r.log.Info().Msg("auth event without success flag; nothing to do")
		return nil
	case r.ev.Operation == OperationCreation:
		return r.authCreated(ctx)
	case r.ev.Operation == OperationUpdate:
		return r.authRefreshed(ctx)
	default:
		r.log.Info().Msg("auth event without operation; nothing to do")
		return nil
	}
}

func (r *reconcileRun) authCreated(ctx context.Context) error {
	ownerID, organizationID := r.ev.owner()
	if ownerID == "" {
		r.log.Warn().Msg("auth creation without end user; connection not tracked")
		return nil
	}

	var errs []error
	if r.connections != nil {
		errs = append(errs, r.trackConnection(ctx, ownerID, organizationID))
	}
	if r.secrets != nil && r.gateway != nil {
		errs = append(errs, r.storeCredentials(ctx, ownerID, organizationID))
	}
	return errors.Join(errs...)
}

func (r *reconcileRun) trackConnection(ctx context.Context, ownerID, organizationID string) error {
	id := r.ev.ConnectionID

	existing, err := r.connections.Get(ctx, id)
	if err != nil && !errors.Is(err, models.ErrConnectionNotFound) {
		// The create below hits the unique index if the row exists.
		r.log.Warn().Err(err).Str("phase", "lookup").Msg("connection lookup failed; attempting create")
	}

	if existing != nil {
		r.log.Info().Msg("connection already tracked; reactivating")
		if _, err := r.connections.UpdateStatus(ctx, id, models.StatusActive); err != nil {
			return r.fail("reactivate", err)
		}
		if updater, ok := r.connections.(ConnectionMetadataUpdater); ok {
			merged := mergeMetadata(existing.Metadata, r.metadata(ctx))
			if _, err := updater.Update(ctx, id, merged); err != nil {
				return r.fail("metadata", err)
			}
		}
		return nil
	}

	_, err = r.connections.Create(ctx, r.ev.ProviderConfigKey, id, ownerID, organizationID, r.metadata(ctx))
	if err == nil {
		r.log.Info().Str("owner_id", ownerID).Msg("connection created")
		return nil
	}

	r.log.Warn().Err(err).Str("phase", "create").Msg("connection create failed; falling back to status update")
	if _, uerr := r.connections.UpdateStatus(ctx, id, models.StatusActive); uerr != nil {
		return r.fail("create", errors.Join(err, uerr))
	}
	return nil
}

func (r *reconcileRun) metadata(ctx context.Context) map[string]interface{} {
	md := make(map[string]interface{})
	if r.ev.Environment != "" {
		md["environment"] = r.ev.Environment
	}
	if detail := r.connectionDetail(ctx); detail != nil {
		if len(detail.ConnectionConfig) > 0 {
			md["connection_config"] = detail.ConnectionConfig
		}
		if raw, ok := detail.Credentials.Fields["raw"].(map[string]interface{}); ok {
			if public := withoutSecrets(raw); len(public) > 0 {
				md["oauth_raw"] = public
			}
		}
	}
	return md
}

func (r *reconcileRun) storeCredentials(ctx context.Context, ownerID, organizationID string) error {
	detail := r.connectionDetail(ctx)
	if detail == nil {
		return r.fail("credentials", errors.New("connection detail unavailable from provider"))
	}

	creds := credentials.Normalize(detail.Credentials)
	if _, err := r.secrets.StoreSecret(ctx, r.ev.ConnectionID, r.ev.ProviderConfigKey, creds, ownerID, organizationID); err != nil {
		return r.fail("credentials", err)
	}
	r.log.Info().Str("credential_type", string(creds.Type)).Msg("credentials stored")
	return nil
}

// authRefreshed handles a successful re-authorization or token refresh.
func (r *reconcileRun) authRefreshed(ctx context.Context) error {
	var errs []error
	if r.connections != nil {
		errs = append(errs, r.markStatus(ctx, "reactivate", models.StatusActive))
	}
	if r.secrets != nil && r.gateway != nil {
		errs = append(errs, r.refreshCredentials(ctx))
	}
	return errors.Join(errs...)
}

func (r *reconcileRun) refreshCredentials(ctx context.Context) error {
	detail := r.connectionDetail(ctx)
	if detail == nil {
		return r.fail("credentials", errors.New("connection detail unavailable from provider"))
	}
	creds := credentials.Normalize(detail.Credentials)

	_, err := r.secrets.UpdateSecret(ctx, r.ev.ConnectionID, creds)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrSecretNotFound) {
		return r.fail("credentials", err)
	}

	ownerID, organizationID := r.ev.owner()
	if ownerID == "" {
		r.log.Info().Msg("no stored secret and no end user; credentials not cached")
		return nil
	}
	if _, err := r.secrets.StoreSecret(ctx, r.ev.ConnectionID, r.ev.ProviderConfigKey, creds, ownerID, organizationID); err != nil {
		return r.fail("credentials", err)
	}
	return nil
}

func (r *reconcileRun) deleted(ctx context.Context) error {
	var errs []error
	if r.connections != nil {
		errs = append(errs, r.markStatus(ctx, "deactivate", models.StatusInactive))
	}
	if r.secrets != nil {
		if _, err := r.secrets.DeleteSecret(ctx, r.ev.ConnectionID); err != nil {
			errs = append(errs, r.fail("delete_secret", err))
		}
	}
	return errors.Join(errs...)
}

func (r *reconcileRun) sync(ctx context.Context) error {
	if r.connections == nil {
		return nil
	}
	switch {
	case r.ev.succeeded():
		return r.markStatus(ctx, "sync_status", models.StatusActive)
	case r.ev.failed():
		return r.markStatus(ctx, "sync_status", models.StatusError)
	default:
		r.log.Info().Str("sync_job_id", r.ev.SyncJobID).Msg("sync event without success flag; nothing to do")
		return nil
	}
}

// markStatus updates the connection status; an unknown connection is logged
// and ignored under every policy.
func (r *reconcileRun) markStatus(ctx context.Context, phase string, status models.ConnectionStatus) error {
	if r.connections == nil {
		return nil
	}
	_, err := r.connections.UpdateStatus(ctx, r.ev.ConnectionID, status)
	if errors.Is(err, models.ErrConnectionNotFound) {
		evt := r.log.Info().Str("status", string(status))
		if r.ev.Error != nil {
			evt = evt.Str("provider_error", r.ev.Error.Message)
		}
		evt.Msg("status change for untracked connection ignored")
		return nil
	}
	if err != nil {
		return r.fail(phase, err)
	}
	r.log.Info().Str("status", string(status)).Msg("connection status updated")
	return nil
}

// secretKeys never leave the sealed secrets store.
var secretKeys = map[string]bool{
	"access_token":       true,
	"refresh_token":      true,
	"id_token":           true,
	"token":              true,
	"oauth_token":        true,
	"oauth_token_secret": true,
	"api_key":            true,
	"apikey":             true,
	"password":           true,
	"client_secret":      true,
}

// withoutSecrets copies raw, dropping token-bearing keys at every depth.
func withoutSecrets(raw map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if secretKeys[strings.ToLower(k)] {
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			v = withoutSecrets(nested)
		}
		out[k] = v
	}
	return out
}

func mergeMetadata(current, fresh map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(current)+len(fresh))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range fresh {
		out[k] = v
	}
	return out
}
