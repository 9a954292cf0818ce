package credentials

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"connbridge/internal/platform/models"
)

func TestNormalize(t *testing.T) {
	expiry := time.Date(2030, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))

	tests := []struct {
		name string
		raw  Raw
		want models.Credentials
	}{
		{
			name: "OAuth2",
			raw: Raw{Type: "OAUTH2", Fields: map[string]interface{}{
				"type":          "OAUTH2",
				"access_token":  "at",
				"refresh_token": "rt",
				"expires_at":    expiry,
				"raw":           map[string]interface{}{"scope": "chat:write"},
			}},
			want: models.Credentials{
				Type:         models.CredentialOAuth2,
				AccessToken:  "at",
				RefreshToken: "rt",
				ExpiresAt:    "2030-01-02T02:04:05.000Z",
				Raw:          map[string]interface{}{"scope": "chat:write"},
			},
		},
		{
			name: "OAuth2 client credentials",
			raw: Raw{Type: "OAUTH2_CC", Fields: map[string]interface{}{
				"type":       "OAUTH2_CC",
				"token":      "cc-token",
				"expires_at": "2030-01-01T00:00:00.000Z",
			}},
			want: models.Credentials{
				Type:        models.CredentialOAuth2,
				AccessToken: "cc-token",
				ExpiresAt:   "2030-01-01T00:00:00.000Z",
			},
		},
		{
			name: "OAuth1",
			raw: Raw{Type: "OAUTH1", Fields: map[string]interface{}{
				"type":               "OAUTH1",
				"oauth_token":        "ot",
				"oauth_token_secret": "ots",
			}},
			want: models.Credentials{
				Type:        models.CredentialOAuth1,
				AccessToken: "ot",
				Raw: map[string]interface{}{
					"oauth_token":        "ot",
					"oauth_token_secret": "ots",
				},
			},
		},
		{
			name: "API key",
			raw: Raw{Type: "API_KEY", Fields: map[string]interface{}{
				"type":   "API_KEY",
				"apiKey": "key-123",
			}},
			want: models.Credentials{
				Type:   models.CredentialAPIKey,
				APIKey: "key-123",
			},
		},
		{
			name: "Basic",
			raw: Raw{Type: "BASIC", Fields: map[string]interface{}{
				"type":     "BASIC",
				"username": "alice",
				"password": "s3cret",
			}},
			want: models.Credentials{
				Type:     models.CredentialBasic,
				Username: "alice",
				Password: "s3cret",
			},
		},
		{
			name: "Unknown type",
			raw: Raw{Type: "TBA", Fields: map[string]interface{}{
				"type":   "TBA",
				"tenant": "acme",
			}},
			want: models.Credentials{
				Type: models.CredentialCustom,
				Raw: map[string]interface{}{
					"type":   "TBA",
					"tenant": "acme",
				},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Normalize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRaw_UnmarshalJSON(t *testing.T) {
	var raw Raw
	body := `{"type":"OAUTH2","access_token":"at","expires_at":"2030-01-01T00:00:00.000Z"}`
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if raw.Type != "OAUTH2" {
		t.Errorf("Expected type OAUTH2, got %s", raw.Type)
	}

	creds := Normalize(raw)
	if creds.AccessToken != "at" || creds.ExpiresAt != "2030-01-01T00:00:00.000Z" {
		t.Errorf("Unexpected credentials: %+v", creds)
	}
}

func TestFormatExpiry(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 123000000, time.UTC)

	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"Nil", nil, ""},
		{"String passthrough", "2024-05-06T07:08:09Z", "2024-05-06T07:08:09Z"},
		{"Time", ts, "2024-05-06T07:08:09.123Z"},
		{"Time pointer", &ts, "2024-05-06T07:08:09.123Z"},
		{"Unix seconds", float64(0), "1970-01-01T00:00:00.000Z"},
		{"Zero time", time.Time{}, ""},
		{"Unsupported", true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatExpiry(tt.in); got != tt.want {
				t.Errorf("FormatExpiry() = %q, want %q", got, tt.want)
			}
		})
	}
}
