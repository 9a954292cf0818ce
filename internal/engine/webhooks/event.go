package webhooks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

type EventType string

const (
	EventAuth              EventType = "auth"
	EventSync              EventType = "sync"
	EventConnectionDeleted EventType = "connection.deleted"
)

type Operation string

const (
	OperationCreation Operation = "creation"
	OperationDeletion Operation = "deletion"
	OperationUpdate   Operation = "update"
)

type EndUser struct {
	EndUserID      string `json:"endUserId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

type EventError struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// WebhookEvent is a validated lifecycle notification from the provider API.
// Success is tri-state: nil means the provider did not say.
type WebhookEvent struct {
	Type              EventType       `json:"type"`
	Operation         Operation       `json:"operation,omitempty"`
	Success           *bool           `json:"success,omitempty"`
	ConnectionID      string          `json:"connectionId"`
	ProviderConfigKey string          `json:"providerConfigKey"`
	Provider          string          `json:"provider"`
	Environment       string          `json:"environment,omitempty"`
	SyncJobID         string          `json:"syncJobId,omitempty"`
	EndUser           *EndUser        `json:"endUser,omitempty"`
	Error             *EventError     `json:"error,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
	CreatedAt         string          `json:"createdAt,omitempty"`
}

func (e *WebhookEvent) succeeded() bool {
	return e.Success != nil && *e.Success
}

func (e *WebhookEvent) failed() bool {
	return e.Success != nil && !*e.Success
}

func (e *WebhookEvent) owner() (ownerID, organizationID string) {
	if e.EndUser == nil {
		return "", ""
	}
	return e.EndUser.EndUserID, e.EndUser.OrganizationID
}

var ErrSchemaValidation = errors.New("webhook event failed schema validation")

// ValidationError reports why a body was rejected. It matches
// ErrSchemaValidation with errors.Is.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return "invalid webhook event: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrSchemaValidation }

const eventSchemaURL = "https://connbridge.local/schemas/webhook-event.json"

const eventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "connectionId", "providerConfigKey", "provider"],
  "properties": {
    "type": {"enum": ["auth", "sync", "connection.deleted"]},
    "operation": {"enum": ["creation", "deletion", "update", null]},
    "success": {"type": ["boolean", "null"]},
    "connectionId": {"type": "string", "minLength": 1},
    "providerConfigKey": {"type": "string", "minLength": 1},
    "provider": {"type": "string", "minLength": 1},
    "environment": {"type": ["string", "null"]},
    "syncJobId": {"type": ["string", "null"]},
    "createdAt": {"type": ["string", "null"]},
    "endUser": {
      "type": ["object", "null"],
      "properties": {
        "endUserId": {"type": ["string", "null"]},
        "organizationId": {"type": ["string", "null"]}
      }
    },
    "error": {
      "type": ["object", "null"],
      "required": ["message"],
      "properties": {
        "message": {"type": "string"},
        "code": {"type": ["string", "null"]},
        "type": {"type": ["string", "null"]},
        "description": {"type": ["string", "null"]}
      }
    }
  }
}`

var compiledEventSchema = mustCompileEventSchema()

func mustCompileEventSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(eventSchema)))
	if err != nil {
		panic(fmt.Sprintf("webhooks: parse event schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(eventSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("webhooks: add event schema: %v", err))
	}
	sch, err := c.Compile(eventSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("webhooks: compile event schema: %v", err))
	}
	return sch
}

// ParseEvent validates body against the event schema and decodes it. Call it
// only after the signature over the same bytes has been verified.
func ParseEvent(body []byte) (*WebhookEvent, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, &ValidationError{Reason: "malformed JSON", Err: err}
	}

	if err := compiledEventSchema.Validate(inst); err != nil {
		return nil, &ValidationError{Reason: err.Error(), Err: err}
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, &ValidationError{Reason: "unexpected field type", Err: err}
	}
	return &event, nil
}
