package credentials

import (
	"time"

	"connbridge/internal/platform/models"

	"golang.org/x/oauth2"
)

// Token exposes OAUTH2 credentials as an oauth2.Token so callers can build
// an authenticated http.Client with oauth2.StaticTokenSource.
func Token(c models.Credentials) (*oauth2.Token, bool) {
	if c.Type != models.CredentialOAuth2 || c.AccessToken == "" {
		return nil, false
	}
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
	}
	if expiry, ok := ExpiryTime(c); ok {
		tok.Expiry = expiry
	}
	return tok, true
}

// ExpiryTime parses ExpiresAt. ok is false when there is no parseable expiry.
func ExpiryTime(c models.Credentials) (time.Time, bool) {
	if c.ExpiresAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, c.ExpiresAt)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Expiring reports whether c expires within window of now. Credentials
// without an expiry never need a refresh.
func Expiring(c models.Credentials, window time.Duration, now time.Time) bool {
	expiry, ok := ExpiryTime(c)
	if !ok {
		return false
	}
	return !expiry.After(now.Add(window))
}
