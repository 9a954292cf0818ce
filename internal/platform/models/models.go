package models

import (
	"errors"
	"time"
)

var (
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrDuplicateConnection = errors.New("connection already exists")
	ErrSecretNotFound      = errors.New("connection secret not found")
)

type ConnectionStatus string

const (
	StatusActive   ConnectionStatus = "ACTIVE"
	StatusInactive ConnectionStatus = "INACTIVE"
	StatusError    ConnectionStatus = "ERROR"
	StatusExpired  ConnectionStatus = "EXPIRED"
)

func (s ConnectionStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusError, StatusExpired:
		return true
	}
	return false
}

// Connection is a tracked link between an owner and one authorized
// external-service account. Provider holds the providerConfigKey, not the
// generic provider name.
type Connection struct {
	ID             string                 `json:"id"`
	OwnerID        string                 `json:"owner_id"`
	OrganizationID string                 `json:"organization_id,omitempty"`
	Provider       string                 `json:"provider"`
	ConnectionID   string                 `json:"connection_id"`
	Status         ConnectionStatus       `json:"status"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

type CredentialType string

const (
	CredentialOAuth2 CredentialType = "OAUTH2"
	CredentialOAuth1 CredentialType = "OAUTH1"
	CredentialAPIKey CredentialType = "API_KEY"
	CredentialBasic  CredentialType = "BASIC"
	CredentialCustom CredentialType = "CUSTOM"
)

// Credentials is the canonical credential shape. Only the fields relevant to
// Type are populated; Raw keeps provider-specific extras.
type Credentials struct {
	Type         CredentialType         `json:"type"`
	AccessToken  string                 `json:"access_token,omitempty"`
	RefreshToken string                 `json:"refresh_token,omitempty"`
	ExpiresAt    string                 `json:"expires_at,omitempty"`
	APIKey       string                 `json:"api_key,omitempty"`
	Username     string                 `json:"username,omitempty"`
	Password     string                 `json:"password,omitempty"`
	Raw          map[string]interface{} `json:"raw,omitempty"`
}

// Merge returns c with every non-empty field of partial applied on top.
// Raw entries are merged key by key.
func (c Credentials) Merge(partial Credentials) Credentials {
	out := c
	if partial.Type != "" {
		out.Type = partial.Type
	}
	if partial.AccessToken != "" {
		out.AccessToken = partial.AccessToken
	}
	if partial.RefreshToken != "" {
		out.RefreshToken = partial.RefreshToken
	}
	if partial.ExpiresAt != "" {
		out.ExpiresAt = partial.ExpiresAt
	}
	if partial.APIKey != "" {
		out.APIKey = partial.APIKey
	}
	if partial.Username != "" {
		out.Username = partial.Username
	}
	if partial.Password != "" {
		out.Password = partial.Password
	}
	if len(partial.Raw) > 0 {
		raw := make(map[string]interface{}, len(c.Raw)+len(partial.Raw))
		for k, v := range c.Raw {
			raw[k] = v
		}
		for k, v := range partial.Raw {
			raw[k] = v
		}
		out.Raw = raw
	}
	return out
}

// ConnectionSecret is the credential payload cached for one connection.
type ConnectionSecret struct {
	ConnectionID    string                 `json:"connection_id"`
	Provider        string                 `json:"provider"`
	OwnerID         string                 `json:"owner_id"`
	OrganizationID  string                 `json:"organization_id,omitempty"`
	Credentials     Credentials            `json:"credentials"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	LastRefreshedAt *time.Time             `json:"last_refreshed_at,omitempty"`
}
