// Package iracing contains the access layer for the iRacing data API: the
// password_limited OAuth exchange with masked credentials, the process-wide
// rate-limit tracker, a thin HTTP client for the data endpoints, and the
// Session that owns the single live authenticated client.
package iracing

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Sentinel errors shared across the access layer. Callers branch on these
// with errors.Is rather than inspecting strings.
var (
	// ErrUnavailable means the provider cannot be reached right now for an
	// expected reason (rate-limited, missing credentials). Callers back off
	// or skip; it is never an alarm condition.
	ErrUnavailable = errors.New("iracing: unavailable")

	// ErrTokenInvalid means the provider rejected the current access token.
	ErrTokenInvalid = errors.New("iracing: access token invalid")

	// ErrBadResponse means the provider returned a payload we could not decode.
	ErrBadResponse = errors.New("iracing: malformed response")

	// ErrTransient covers retriable provider faults (429/502/503/504, timeouts).
	ErrTransient = errors.New("iracing: transient provider fault")
)

// RateLimitError is returned by Authenticate when the token endpoint reports
// the OAuth rate limit exceeded. The raw error_description is kept so the
// Tracker can parse the retry/reset windows out of it.
type RateLimitError struct {
	Description string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("iracing: oauth rate limit exceeded: %s", e.Description)
}

// MaskSecret masks a secret using an identity string per the provider's
// handshake: normalize the identity (trim + lowercase), concatenate
// secret||identity with no separator, SHA-256, base64.
func MaskSecret(secret, identity string) string {
	normalized := strings.ToLower(strings.TrimSpace(identity))
	sum := sha256.Sum256([]byte(secret + normalized))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Credentials holds everything the password_limited grant needs.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// Complete reports whether all four credential fields are present.
func (c Credentials) Complete() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.Username != "" && c.Password != ""
}

// TokenResult is the token endpoint's success payload.
type TokenResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// oauthScope is the only scope the data API grant accepts.
const oauthScope = "iracing.auth"

// defaultTokenTTL applies when the provider omits expires_in.
const defaultTokenTTL = 86400

// Authenticate performs the password_limited OAuth exchange. Both the client
// secret and the password are masked before leaving the process. A 401 whose
// error_description mentions the rate limit is returned as *RateLimitError;
// every other non-200 is a plain error.
func Authenticate(ctx context.Context, hc *http.Client, tokenURL string, creds Credentials) (*TokenResult, error) {
	if !creds.Complete() {
		return nil, errors.New("missing oauth credentials")
	}
	form := url.Values{}
	form.Set("grant_type", "password_limited")
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", MaskSecret(creds.ClientSecret, creds.ClientID))
	form.Set("username", creds.Username)
	form.Set("password", MaskSecret(creds.Password, creds.Username))
	form.Set("scope", oauthScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		b, _ := io.ReadAll(resp.Body)
		var payload struct {
			ErrorDescription string `json:"error_description"`
		}
		if err := json.Unmarshal(b, &payload); err == nil &&
			strings.Contains(strings.ToLower(payload.ErrorDescription), "rate limit exceeded") {
			return nil, &RateLimitError{Description: payload.ErrorDescription}
		}
		return nil, fmt.Errorf("oauth authentication failed: %s: %s", resp.Status, string(b))
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("oauth authentication failed: %s: %s", resp.Status, string(b))
	}

	var res TokenResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", ErrBadResponse, err)
	}
	if res.AccessToken == "" {
		return nil, errors.New("empty access_token in oauth response")
	}
	if res.ExpiresIn <= 0 {
		res.ExpiresIn = defaultTokenTTL
	}
	return &res, nil
}
