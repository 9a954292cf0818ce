package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"connbridge/internal/engine/credentials"
	"connbridge/internal/platform/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client talks to the provider API. No method returns an error: failures are
// logged and reported as nil, false or an empty slice.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	logger     zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(cfg config.ProviderConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.Logger.With().Str("component", "provider").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type EndUser struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

type Organization struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

type SessionRequest struct {
	EndUser             EndUser       `json:"end_user"`
	Organization        *Organization `json:"organization,omitempty"`
	AllowedIntegrations []string      `json:"allowed_integrations,omitempty"`
}

type Session struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

type Integration struct {
	UniqueKey   string    `json:"unique_key"`
	Provider    string    `json:"provider"`
	DisplayName string    `json:"display_name,omitempty"`
	Logo        string    `json:"logo,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConnectionDetail is the provider's full view of a connection, including
// its raw credentials.
type ConnectionDetail struct {
	ID                int64                  `json:"id,omitempty"`
	ConnectionID      string                 `json:"connection_id"`
	ProviderConfigKey string                 `json:"provider_config_key"`
	Provider          string                 `json:"provider"`
	Credentials       credentials.Raw        `json:"credentials"`
	ConnectionConfig  map[string]interface{} `json:"connection_config,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	EndUser           *EndUser               `json:"end_user,omitempty"`
	CreatedAt         string                 `json:"created_at,omitempty"`
}

type SyncResult struct {
	Success bool `json:"success"`
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

func (c *Client) CreateSession(ctx context.Context, req SessionRequest) *Session {
	var resp dataEnvelope[Session]
	if err := c.do(ctx, http.MethodPost, "/connect/sessions", nil, req, &resp); err != nil {
		c.logger.Error().Err(err).Str("method", "CreateSession").Str("end_user_id", req.EndUser.ID).Msg("provider request failed")
		return nil
	}
	return &resp.Data
}

func (c *Client) ListIntegrations(ctx context.Context) []Integration {
	var resp dataEnvelope[[]Integration]
	if err := c.do(ctx, http.MethodGet, "/integrations", nil, nil, &resp); err != nil {
		c.logger.Error().Err(err).Str("method", "ListIntegrations").Msg("provider request failed")
		return []Integration{}
	}
	if resp.Data == nil {
		return []Integration{}
	}
	return resp.Data
}

func (c *Client) GetConnection(ctx context.Context, connectionID, providerConfigKey string) *ConnectionDetail {
	q := url.Values{}
	q.Set("provider_config_key", providerConfigKey)

	var detail ConnectionDetail
	if err := c.do(ctx, http.MethodGet, "/connection/"+url.PathEscape(connectionID), q, nil, &detail); err != nil {
		c.logger.Error().Err(err).Str("method", "GetConnection").Str("connection_id", connectionID).Msg("provider request failed")
		return nil
	}
	return &detail
}

// DeleteConnection removes the connection at the provider. providerConfigKey
// may be empty.
func (c *Client) DeleteConnection(ctx context.Context, connectionID, providerConfigKey string) bool {
	var q url.Values
	if providerConfigKey != "" {
		q = url.Values{}
		q.Set("provider_config_key", providerConfigKey)
	}
	if err := c.do(ctx, http.MethodDelete, "/connection/"+url.PathEscape(connectionID), q, nil, nil); err != nil {
		c.logger.Error().Err(err).Str("method", "DeleteConnection").Str("connection_id", connectionID).Msg("provider request failed")
		return false
	}
	return true
}

// TriggerSync starts syncName, or every sync of the connection when syncName
// is empty.
func (c *Client) TriggerSync(ctx context.Context, connectionID, providerConfigKey, syncName string) *SyncResult {
	body := map[string]interface{}{
		"connection_id":       connectionID,
		"provider_config_key": providerConfigKey,
		"syncs":               []string{},
	}
	if syncName != "" {
		body["syncs"] = []string{syncName}
	}

	var result SyncResult
	if err := c.do(ctx, http.MethodPost, "/sync/trigger", nil, body, &result); err != nil {
		c.logger.Error().Err(err).Str("method", "TriggerSync").Str("connection_id", connectionID).Msg("provider request failed")
		return nil
	}
	return &result
}

// StatusError is returned internally for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	if c.baseURL == "" {
		return fmt.Errorf("provider base URL not configured")
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
