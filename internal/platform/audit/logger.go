package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"connbridge/internal/platform/database"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	ActionSignatureRejected = "webhook.signature_rejected"
	ActionConnectionDeleted = "connection.deleted"
	ActionSyncTriggered     = "connection.sync_triggered"
)

type AuditLog struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	UserID         string                 `json:"user_id"`
	Action         string                 `json:"action"`
	ResourceType   string                 `json:"resource_type"`
	ResourceID     string                 `json:"resource_id"`
	Metadata       map[string]interface{} `json:"metadata"`
	IPAddress      string                 `json:"ip_address"`
	UserAgent      string                 `json:"user_agent"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Actor is who an entry is attributed to. Webhook entries have none.
type Actor struct {
	UserID         string
	OrganizationID string
}

type Logger struct {
	db *database.DB
}

func NewLogger(db *database.DB) *Logger {
	return &Logger{db: db}
}

// Log records an entry for r. Write failures are logged, never returned, so
// auditing cannot fail the request being audited.
func (l *Logger) Log(r *http.Request, actor Actor, action, resourceType, resourceID string, metadata map[string]interface{}) {
	if l == nil || l.db == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaJSON, _ := json.Marshal(metadata)

	entry := &AuditLog{
		ID:             "audit_" + uuid.New().String(),
		OrganizationID: actor.OrganizationID,
		UserID:         actor.UserID,
		Action:         action,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		Metadata:       metadata,
		IPAddress:      r.RemoteAddr,
		UserAgent:      r.UserAgent(),
		CreatedAt:      time.Now().UTC(),
	}

	query := `
		INSERT INTO audit_logs (id, organization_id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := l.db.ExecContext(r.Context(), l.db.Rebind(query), entry.ID, entry.OrganizationID, entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID, string(metaJSON), entry.IPAddress, entry.UserAgent, entry.CreatedAt)
	if err != nil {
		log.Error().Err(err).Str("action", action).Str("resource_id", resourceID).Msg("failed to write audit log")
	}
}

// List returns the newest entries visible to actor: entries attributed to
// the actor's organization (or, without one, to the actor) plus unattributed
// webhook entries.
func (l *Logger) List(ctx context.Context, actor Actor, action string, limit int) ([]*AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, organization_id, user_id, action, resource_type, resource_id, metadata, ip_address, user_agent, created_at
		FROM audit_logs WHERE `
	var args []interface{}
	if actor.OrganizationID != "" {
		query += `(organization_id = ? OR (organization_id = '' AND resource_type = 'webhook'))`
		args = append(args, actor.OrganizationID)
	} else {
		query += `((organization_id = '' AND user_id = ?) OR (organization_id = '' AND resource_type = 'webhook'))`
		args = append(args, actor.UserID)
	}
	if action != "" {
		query += ` AND action = ?`
		args = append(args, action)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*AuditLog{}
	for rows.Next() {
		var e AuditLog
		var metaStr string
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &metaStr, &e.IPAddress, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaStr), &e.Metadata); err != nil {
			log.Warn().Err(err).Str("audit_id", e.ID).Msg("undecodable audit metadata")
		}
		logs = append(logs, &e)
	}
	return logs, rows.Err()
}
