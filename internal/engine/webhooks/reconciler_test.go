package webhooks

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"connbridge/internal/engine/credentials"
	"connbridge/internal/engine/provider"
	"connbridge/internal/platform/models"

	"github.com/rs/zerolog"
)

type createCall struct {
	ProviderConfigKey string
	ConnectionID      string
	OwnerID           string
	OrganizationID    string
	Metadata          map[string]interface{}
}

type fakeConnectionStore struct {
	mu          sync.Mutex
	connections map[string]*models.Connection
	creates     []createCall
	statuses    []models.ConnectionStatus

	getErr    error
	createErr error
	statusErr error
}

func newFakeConnectionStore() *fakeConnectionStore {
	return &fakeConnectionStore{connections: make(map[string]*models.Connection)}
}

func (f *fakeConnectionStore) Get(ctx context.Context, connectionID string) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.connections[connectionID], nil
}

func (f *fakeConnectionStore) Create(ctx context.Context, providerConfigKey, connectionID, ownerID, organizationID string, metadata map[string]interface{}) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, createCall{providerConfigKey, connectionID, ownerID, organizationID, metadata})
	if f.createErr != nil {
		return nil, f.createErr
	}
	if _, ok := f.connections[connectionID]; ok {
		return nil, models.ErrDuplicateConnection
	}
	conn := &models.Connection{
		ID:             "id-" + connectionID,
		OwnerID:        ownerID,
		OrganizationID: organizationID,
		Provider:       providerConfigKey,
		ConnectionID:   connectionID,
		Status:         models.StatusActive,
		Metadata:       metadata,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.connections[connectionID] = conn
	return conn, nil
}

func (f *fakeConnectionStore) UpdateStatus(ctx context.Context, connectionID string, status models.ConnectionStatus) (*models.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	conn, ok := f.connections[connectionID]
	if !ok {
		return nil, models.ErrConnectionNotFound
	}
	conn.Status = status
	return conn, nil
}

func (f *fakeConnectionStore) Delete(ctx context.Context, connectionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.connections[connectionID]
	delete(f.connections, connectionID)
	return ok, nil
}

func (f *fakeConnectionStore) status(connectionID string) models.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conn, ok := f.connections[connectionID]; ok {
		return conn.Status
	}
	return ""
}

// metadataStore adds the optional Update capability.
type metadataStore struct {
	*fakeConnectionStore
	updates []map[string]interface{}
}

func (m *metadataStore) Update(ctx context.Context, connectionID string, metadata map[string]interface{}) (*models.Connection, error) {
	m.updates = append(m.updates, metadata)
	m.mu.Lock()
	defer m.mu.Unlock()
	conn := m.connections[connectionID]
	conn.Metadata = metadata
	return conn, nil
}

type fakeSecretStore struct {
	secrets   map[string]*models.ConnectionSecret
	stored    int
	updated   int
	deleted   int
	storeErr  error
	deleteErr error
}

func newFakeSecretStore() *fakeSecretStore {
	return &fakeSecretStore{secrets: make(map[string]*models.ConnectionSecret)}
}

func (f *fakeSecretStore) StoreSecret(ctx context.Context, connectionID, provider string, creds models.Credentials, ownerID, organizationID string) (*models.ConnectionSecret, error) {
	f.stored++
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	s := &models.ConnectionSecret{
		ConnectionID:   connectionID,
		Provider:       provider,
		OwnerID:        ownerID,
		OrganizationID: organizationID,
		Credentials:    creds,
	}
	f.secrets[connectionID] = s
	return s, nil
}

func (f *fakeSecretStore) GetSecret(ctx context.Context, connectionID string) (*models.ConnectionSecret, error) {
	return f.secrets[connectionID], nil
}

func (f *fakeSecretStore) UpdateSecret(ctx context.Context, connectionID string, partial models.Credentials) (*models.ConnectionSecret, error) {
	f.updated++
	s, ok := f.secrets[connectionID]
	if !ok {
		return nil, models.ErrSecretNotFound
	}
	s.Credentials = s.Credentials.Merge(partial)
	return s, nil
}

func (f *fakeSecretStore) DeleteSecret(ctx context.Context, connectionID string) (bool, error) {
	f.deleted++
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	_, ok := f.secrets[connectionID]
	delete(f.secrets, connectionID)
	return ok, nil
}

type fakeGateway struct {
	detail *provider.ConnectionDetail
	calls  int
}

func (f *fakeGateway) GetConnection(ctx context.Context, connectionID, providerConfigKey string) *provider.ConnectionDetail {
	f.calls++
	return f.detail
}

func oauthDetail(accessToken string) *provider.ConnectionDetail {
	return &provider.ConnectionDetail{
		ConnectionID:      "conn-123",
		ProviderConfigKey: "slack-prod",
		Provider:          "slack",
		Credentials: credentials.Raw{
			Type: "OAUTH2",
			Fields: map[string]interface{}{
				"type":          "OAUTH2",
				"access_token":  accessToken,
				"refresh_token": "refresh",
				"raw": map[string]interface{}{
					"scope":         "chat:write",
					"access_token":  accessToken,
					"refresh_token": "refresh",
					"team":          map[string]interface{}{"id": "T123", "id_token": "jwt"},
				},
			},
		},
		ConnectionConfig: map[string]interface{}{"team_id": "T123"},
	}
}

func boolPtr(b bool) *bool { return &b }

func authCreation() *WebhookEvent {
	return &WebhookEvent{
		Type:              EventAuth,
		Operation:         OperationCreation,
		Success:           boolPtr(true),
		ConnectionID:      "conn-123",
		ProviderConfigKey: "slack-prod",
		Provider:          "slack",
		Environment:       "production",
		EndUser:           &EndUser{EndUserID: "user-123", OrganizationID: "org-456"},
	}
}

func newTestReconciler(opts Options) *Reconciler {
	nop := zerolog.Nop()
	opts.Logger = &nop
	return NewReconciler(opts)
}

func TestReconcile_AuthCreation_CreatesConnection(t *testing.T) {
	store := newFakeConnectionStore()
	r := newTestReconciler(Options{Connections: store})

	res, err := r.Reconcile(context.Background(), authCreation())
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	want := &Result{Success: true, EventType: "auth", Operation: "creation"}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("Result = %+v, want %+v", res, want)
	}

	if len(store.creates) != 1 {
		t.Fatalf("Expected 1 create, got %d", len(store.creates))
	}
	wantCall := createCall{
		ProviderConfigKey: "slack-prod",
		ConnectionID:      "conn-123",
		OwnerID:           "user-123",
		OrganizationID:    "org-456",
		Metadata:          map[string]interface{}{"environment": "production"},
	}
	if !reflect.DeepEqual(store.creates[0], wantCall) {
		t.Errorf("Create called with %+v, want %+v", store.creates[0], wantCall)
	}
}

func TestReconcile_AuthCreation_Idempotent(t *testing.T) {
	store := newFakeConnectionStore()
	r := newTestReconciler(Options{Connections: store})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := r.Reconcile(ctx, authCreation()); err != nil {
			t.Fatalf("delivery %d: Reconcile() error = %v", i+1, err)
		}
	}

	if len(store.creates) != 1 {
		t.Errorf("Expected exactly 1 create across deliveries, got %d", len(store.creates))
	}
	if len(store.connections) != 1 {
		t.Errorf("Expected 1 stored connection, got %d", len(store.connections))
	}
	if len(store.statuses) != 1 || store.statuses[0] != models.StatusActive {
		t.Errorf("Expected one ACTIVE status update on redelivery, got %v", store.statuses)
	}
}

func TestReconcile_AuthCreation_MergesMetadataOnRedelivery(t *testing.T) {
	store := &metadataStore{fakeConnectionStore: newFakeConnectionStore()}
	store.connections["conn-123"] = &models.Connection{
		ConnectionID: "conn-123",
		Status:       models.StatusError,
		Metadata:     map[string]interface{}{"label": "workspace", "environment": "staging"},
	}
	gw := &fakeGateway{detail: oauthDetail("tok")}
	r := newTestReconciler(Options{Connections: store, Gateway: gw})

	if _, err := r.Reconcile(context.Background(), authCreation()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if store.status("conn-123") != models.StatusActive {
		t.Errorf("Expected ACTIVE, got %s", store.status("conn-123"))
	}
	if len(store.updates) != 1 {
		t.Fatalf("Expected 1 metadata update, got %d", len(store.updates))
	}
	md := store.updates[0]
	if md["label"] != "workspace" || md["environment"] != "production" {
		t.Errorf("Unexpected merged metadata: %v", md)
	}
	if _, ok := md["connection_config"]; !ok {
		t.Errorf("Expected connection_config enrichment, got %v", md)
	}
}

func TestReconcile_AuthCreation_NoOwner(t *testing.T) {
	store := newFakeConnectionStore()
	secrets := newFakeSecretStore()
	gw := &fakeGateway{detail: oauthDetail("tok")}
	r := newTestReconciler(Options{Connections: store, Secrets: secrets, Gateway: gw})

	tests := []struct {
		name    string
		endUser *EndUser
	}{
		{"No end user", nil},
		{"Empty end user id", &EndUser{OrganizationID: "org-456"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := authCreation()
			ev.EndUser = tt.endUser

			res, err := r.Reconcile(context.Background(), ev)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if !res.Success {
				t.Error("Expected success")
			}
		})
	}

	if len(store.creates) != 0 || len(store.statuses) != 0 {
		t.Errorf("Expected no connection store calls, got creates=%d statuses=%d", len(store.creates), len(store.statuses))
	}
	if secrets.stored != 0 || gw.calls != 0 {
		t.Errorf("Expected no secret or gateway calls, got stored=%d gateway=%d", secrets.stored, gw.calls)
	}
}

func TestReconcile_AuthCreation_StoresCredentials(t *testing.T) {
	store := newFakeConnectionStore()
	secrets := newFakeSecretStore()
	gw := &fakeGateway{detail: oauthDetail("xoxb-access")}
	r := newTestReconciler(Options{Connections: store, Secrets: secrets, Gateway: gw})

	if _, err := r.Reconcile(context.Background(), authCreation()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if gw.calls != 1 {
		t.Errorf("Expected one gateway fetch per event, got %d", gw.calls)
	}

	secret := secrets.secrets["conn-123"]
	if secret == nil {
		t.Fatal("Expected a stored secret")
	}
	if secret.Provider != "slack-prod" || secret.OwnerID != "user-123" || secret.OrganizationID != "org-456" {
		t.Errorf("Unexpected secret ownership: %+v", secret)
	}
	if secret.Credentials.Type != models.CredentialOAuth2 || secret.Credentials.AccessToken != "xoxb-access" {
		t.Errorf("Unexpected credentials: %+v", secret.Credentials)
	}

	md := store.creates[0].Metadata
	if md["environment"] != "production" {
		t.Errorf("Expected environment metadata, got %v", md)
	}
	wantRaw := map[string]interface{}{
		"scope": "chat:write",
		"team":  map[string]interface{}{"id": "T123"},
	}
	if !reflect.DeepEqual(md["oauth_raw"], wantRaw) {
		t.Errorf("Expected oauth_raw without tokens, got %v", md["oauth_raw"])
	}
	if secret.Credentials.Raw["access_token"] != "xoxb-access" {
		t.Errorf("Expected sealed credentials to keep the raw token, got %v", secret.Credentials.Raw)
	}
}

func TestReconcile_AuthCreation_SecretsNeedGateway(t *testing.T) {
	secrets := newFakeSecretStore()
	r := newTestReconciler(Options{Secrets: secrets})

	if _, err := r.Reconcile(context.Background(), authCreation()); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if secrets.stored != 0 {
		t.Errorf("Expected no StoreSecret without a gateway, got %d", secrets.stored)
	}
}

func TestReconcile_AuthCreation_CreateFallback(t *testing.T) {
	t.Run("Duplicate on create falls back to status update", func(t *testing.T) {
		store := newFakeConnectionStore()
		store.getErr = errors.New("read replica lag")
		store.connections["conn-123"] = &models.Connection{ConnectionID: "conn-123", Status: models.StatusInactive}
		r := newTestReconciler(Options{Connections: store, Policy: PolicyPropagate})

		if _, err := r.Reconcile(context.Background(), authCreation()); err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if store.status("conn-123") != models.StatusActive {
			t.Errorf("Expected fallback to set ACTIVE, got %s", store.status("conn-123"))
		}
	})

	t.Run("Both writes fail", func(t *testing.T) {
		store := newFakeConnectionStore()
		store.createErr = errors.New("insert failed")

		swallow := newTestReconciler(Options{Connections: store})
		res, err := swallow.Reconcile(context.Background(), authCreation())
		if err != nil || !res.Success {
			t.Errorf("swallow: got res=%+v err=%v, want success", res, err)
		}

		propagate := newTestReconciler(Options{Connections: store, Policy: PolicyPropagate})
		res, err = propagate.Reconcile(context.Background(), authCreation())
		if err == nil {
			t.Fatalf("propagate: expected error, got %+v", res)
		}
		var rerr *ReconcileError
		if !errors.As(err, &rerr) {
			t.Fatalf("Expected *ReconcileError, got %T", err)
		}
		if rerr.Phase != "create" || rerr.ConnectionID != "conn-123" {
			t.Errorf("Unexpected error context: %+v", rerr)
		}
		if !errors.Is(err, models.ErrConnectionNotFound) {
			t.Errorf("Expected the status fallback error to be joined, got %v", err)
		}
	})
}

func TestReconcile_FailurePolicy(t *testing.T) {
	storeErr := errors.New("disk full")

	tests := []struct {
		name    string
		policy  FailurePolicy
		wantErr bool
	}{
		{"Swallow", PolicySwallow, false},
		{"Propagate", PolicyPropagate, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeConnectionStore()
			secrets := newFakeSecretStore()
			secrets.storeErr = storeErr
			gw := &fakeGateway{detail: oauthDetail("tok")}
			r := newTestReconciler(Options{Connections: store, Secrets: secrets, Gateway: gw, Policy: tt.policy})

			res, err := r.Reconcile(context.Background(), authCreation())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Reconcile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, storeErr) {
					t.Errorf("Expected wrapped store error, got %v", err)
				}
				return
			}
			if !res.Success {
				t.Error("Expected success under swallow policy")
			}
			if len(store.creates) != 1 {
				t.Error("Expected the connection write to run despite the secret failure")
			}
		})
	}
}

func TestReconcile_StatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		eventType EventType
		operation Operation
		success   *bool
		want      models.ConnectionStatus
	}{
		{"Sync success", EventSync, "", boolPtr(true), models.StatusActive},
		{"Sync failure", EventSync, "", boolPtr(false), models.StatusError},
		{"Connection deleted", EventConnectionDeleted, "", nil, models.StatusInactive},
		{"Auth failure", EventAuth, OperationCreation, boolPtr(false), models.StatusError},
		{"Auth refresh failure", EventAuth, OperationUpdate, boolPtr(false), models.StatusError},
		{"Auth refresh", EventAuth, OperationUpdate, boolPtr(true), models.StatusActive},
		{"Auth deletion", EventAuth, OperationDeletion, boolPtr(true), models.StatusInactive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeConnectionStore()
			store.connections["conn-123"] = &models.Connection{ConnectionID: "conn-123", Status: models.StatusExpired}
			r := newTestReconciler(Options{Connections: store})

			ev := &WebhookEvent{
				Type:              tt.eventType,
				Operation:         tt.operation,
				Success:           tt.success,
				ConnectionID:      "conn-123",
				ProviderConfigKey: "slack-prod",
				Provider:          "slack",
			}
			res, err := r.Reconcile(context.Background(), ev)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if res.EventType != string(tt.eventType) {
				t.Errorf("EventType = %s, want %s", res.EventType, tt.eventType)
			}
			if got := store.status("conn-123"); got != tt.want {
				t.Errorf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReconcile_MissingConnectionIgnored(t *testing.T) {
	for _, policy := range []FailurePolicy{PolicySwallow, PolicyPropagate} {
		t.Run(policy.String(), func(t *testing.T) {
			store := newFakeConnectionStore()
			r := newTestReconciler(Options{Connections: store, Policy: policy})

			ev := &WebhookEvent{
				Type:              EventAuth,
				Operation:         OperationCreation,
				Success:           boolPtr(false),
				ConnectionID:      "conn-unknown",
				ProviderConfigKey: "slack-prod",
				Provider:          "slack",
				Error:             &EventError{Message: "user denied access"},
			}
			res, err := r.Reconcile(context.Background(), ev)
			if err != nil {
				t.Fatalf("Reconcile() error = %v", err)
			}
			if !res.Success {
				t.Error("Expected success")
			}
		})
	}
}

func TestReconcile_SyncWithoutSuccessFlag(t *testing.T) {
	store := newFakeConnectionStore()
	store.connections["conn-123"] = &models.Connection{ConnectionID: "conn-123", Status: models.StatusError}
	r := newTestReconciler(Options{Connections: store})

	ev := &WebhookEvent{Type: EventSync, ConnectionID: "conn-123", ProviderConfigKey: "k", Provider: "p", SyncJobID: "job-1"}
	if _, err := r.Reconcile(context.Background(), ev); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(store.statuses) != 0 {
		t.Errorf("Expected no status write, got %v", store.statuses)
	}
}

func TestReconcile_ConnectionDeleted_Independent(t *testing.T) {
	store := newFakeConnectionStore()
	store.statusErr = errors.New("connection store down")
	secrets := newFakeSecretStore()
	secrets.secrets["conn-123"] = &models.ConnectionSecret{ConnectionID: "conn-123"}
	r := newTestReconciler(Options{Connections: store, Secrets: secrets, Policy: PolicyPropagate})

	ev := &WebhookEvent{Type: EventConnectionDeleted, ConnectionID: "conn-123", ProviderConfigKey: "slack-prod", Provider: "slack"}
	_, err := r.Reconcile(context.Background(), ev)

	if secrets.deleted != 1 {
		t.Errorf("Expected secret deletion despite status failure, got %d", secrets.deleted)
	}
	if _, ok := secrets.secrets["conn-123"]; ok {
		t.Error("Expected secret to be removed")
	}

	var rerr *ReconcileError
	if !errors.As(err, &rerr) || rerr.Phase != "deactivate" {
		t.Errorf("Expected deactivate ReconcileError, got %v", err)
	}
}

func TestReconcile_AuthRefresh_UpdatesCredentials(t *testing.T) {
	secrets := newFakeSecretStore()
	secrets.secrets["conn-123"] = &models.ConnectionSecret{
		ConnectionID: "conn-123",
		Credentials:  models.Credentials{Type: models.CredentialOAuth2, AccessToken: "old", RefreshToken: "keep"},
	}
	gw := &fakeGateway{detail: oauthDetail("new")}
	r := newTestReconciler(Options{Secrets: secrets, Gateway: gw})

	ev := authCreation()
	ev.Operation = OperationUpdate
	if _, err := r.Reconcile(context.Background(), ev); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}

	if secrets.updated != 1 || secrets.stored != 0 {
		t.Errorf("Expected one update and no store, got updated=%d stored=%d", secrets.updated, secrets.stored)
	}
	if got := secrets.secrets["conn-123"].Credentials.AccessToken; got != "new" {
		t.Errorf("AccessToken = %s, want new", got)
	}
}

func TestReconcile_AuthRefresh_StoresWhenMissing(t *testing.T) {
	secrets := newFakeSecretStore()
	gw := &fakeGateway{detail: oauthDetail("new")}
	r := newTestReconciler(Options{Secrets: secrets, Gateway: gw})

	ev := authCreation()
	ev.Operation = OperationUpdate
	if _, err := r.Reconcile(context.Background(), ev); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if secrets.stored != 1 {
		t.Errorf("Expected fallback StoreSecret, got %d", secrets.stored)
	}
}

func TestReconcile_GracefulDegradation(t *testing.T) {
	r := newTestReconciler(Options{})

	events := []*WebhookEvent{
		authCreation(),
		{Type: EventAuth, Operation: OperationCreation, Success: boolPtr(false), ConnectionID: "c", ProviderConfigKey: "k", Provider: "p"},
		{Type: EventAuth, Operation: OperationUpdate, Success: boolPtr(true), ConnectionID: "c", ProviderConfigKey: "k", Provider: "p"},
		{Type: EventAuth, ConnectionID: "c", ProviderConfigKey: "k", Provider: "p"},
		{Type: EventSync, Success: boolPtr(true), ConnectionID: "c", ProviderConfigKey: "k", Provider: "p"},
		{Type: EventSync, Success: boolPtr(false), ConnectionID: "c", ProviderConfigKey: "k", Provider: "p"},
		{Type: EventConnectionDeleted, ConnectionID: "c", ProviderConfigKey: "k", Provider: "p"},
	}

	for _, ev := range events {
		res, err := r.Reconcile(context.Background(), ev)
		if err != nil {
			t.Fatalf("%s/%s: Reconcile() error = %v", ev.Type, ev.Operation, err)
		}
		want := &Result{Success: true, EventType: string(ev.Type), Operation: string(ev.Operation)}
		if !reflect.DeepEqual(res, want) {
			t.Errorf("Result = %+v, want %+v", res, want)
		}
	}
}

func TestReconcile_UnsupportedType(t *testing.T) {
	r := newTestReconciler(Options{})
	_, err := r.Reconcile(context.Background(), &WebhookEvent{Type: "invalid.type", ConnectionID: "c"})
	if !errors.Is(err, ErrSchemaValidation) {
		t.Errorf("Expected ErrSchemaValidation, got %v", err)
	}
}

func TestParseFailurePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", PolicySwallow, false},
		{"swallow", PolicySwallow, false},
		{"propagate", PolicyPropagate, false},
		{"retry", PolicySwallow, true},
	}

	for _, tt := range tests {
		got, err := ParseFailurePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFailurePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}
