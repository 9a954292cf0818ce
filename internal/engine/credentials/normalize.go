package credentials

import (
	"encoding/json"
	"strings"
	"time"

	"connbridge/internal/platform/models"
)

// Raw credential type discriminators as sent by the provider API.
const (
	RawOAuth2            = "OAUTH2"
	RawOAuth2ClientCreds = "OAUTH2_CC"
	RawOAuth1            = "OAUTH1"
	RawAPIKey            = "API_KEY"
	RawBasic             = "BASIC"
)

// isoMillis matches JavaScript's Date.prototype.toISOString output.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Raw is the provider API's credential object, tagged by Type. Fields holds
// every key of the original object, including "type".
type Raw struct {
	Type   string
	Fields map[string]interface{}
}

func (r *Raw) UnmarshalJSON(data []byte) error {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.Fields = fields
	r.Type, _ = fields["type"].(string)
	return nil
}

func (r Raw) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Fields)
}

// Normalize converts a raw provider credential into the canonical shape.
// Unknown types map to CUSTOM with the whole object kept in Raw.
func Normalize(raw Raw) models.Credentials {
	switch strings.ToUpper(raw.Type) {
	case RawOAuth2:
		return models.Credentials{
			Type:         models.CredentialOAuth2,
			AccessToken:  raw.str("access_token"),
			RefreshToken: raw.str("refresh_token"),
			ExpiresAt:    FormatExpiry(raw.Fields["expires_at"]),
			Raw:          raw.nested("raw"),
		}
	case RawOAuth2ClientCreds:
		return models.Credentials{
			Type:        models.CredentialOAuth2,
			AccessToken: raw.str("token"),
			ExpiresAt:   FormatExpiry(raw.Fields["expires_at"]),
			Raw:         raw.nested("raw"),
		}
	case RawOAuth1:
		extras := raw.nested("raw")
		if extras == nil {
			extras = make(map[string]interface{}, 2)
		}
		extras["oauth_token"] = raw.Fields["oauth_token"]
		extras["oauth_token_secret"] = raw.Fields["oauth_token_secret"]
		return models.Credentials{
			Type:        models.CredentialOAuth1,
			AccessToken: raw.str("oauth_token"),
			Raw:         extras,
		}
	case RawAPIKey:
		return models.Credentials{
			Type:   models.CredentialAPIKey,
			APIKey: raw.str("apiKey", "api_key"),
		}
	case RawBasic:
		return models.Credentials{
			Type:     models.CredentialBasic,
			Username: raw.str("username"),
			Password: raw.str("password"),
		}
	default:
		custom := make(map[string]interface{}, len(raw.Fields))
		for k, v := range raw.Fields {
			custom[k] = v
		}
		return models.Credentials{
			Type: models.CredentialCustom,
			Raw:  custom,
		}
	}
}

// FormatExpiry renders an expiry value as an ISO-8601 UTC string. Strings pass
// through untouched, numbers are read as Unix seconds.
func FormatExpiry(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(isoMillis)
	case *time.Time:
		if t == nil || t.IsZero() {
			return ""
		}
		return t.UTC().Format(isoMillis)
	case float64:
		return time.Unix(int64(t), 0).UTC().Format(isoMillis)
	case int64:
		return time.Unix(t, 0).UTC().Format(isoMillis)
	case int:
		return time.Unix(int64(t), 0).UTC().Format(isoMillis)
	default:
		return ""
	}
}

func (r Raw) str(keys ...string) string {
	for _, k := range keys {
		if s, ok := r.Fields[k].(string); ok {
			return s
		}
	}
	return ""
}

func (r Raw) nested(key string) map[string]interface{} {
	m, ok := r.Fields[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
