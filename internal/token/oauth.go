package token

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// OAuthConfig names the fixed parameters of the authorization server.
type OAuthConfig struct {
	AuthorizeURL string
	TokenURL     string
	ClientID     string
	RedirectURI  string
	Scopes       []string
}

// DefaultOAuthConfig returns the parameters used for model-provider login.
func DefaultOAuthConfig() OAuthConfig {
	return OAuthConfig{
		AuthorizeURL: "https://claude.ai/oauth/authorize",
		TokenURL:     "https://console.anthropic.com/v1/oauth/token",
		ClientID:     "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		RedirectURI:  "https://console.anthropic.com/oauth/code/callback",
		Scopes:       []string{"org:create_api_key", "user:profile", "user:inference"},
	}
}

// BuildAuthorizeURL constructs the authorization request. The state parameter
// carries the verifier so the pasted code can be bound to it on exchange.
func BuildAuthorizeURL(cfg OAuthConfig, pkce PKCE) (*url.URL, error) {
	u, err := url.Parse(cfg.AuthorizeURL)
	if err != nil {
		return nil, fmt.Errorf("parse authorize url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("authorize url %q must be absolute", cfg.AuthorizeURL)
	}
	q := u.Query()
	q.Set("code", "true")
	q.Set("client_id", cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", cfg.RedirectURI)
	q.Set("scope", strings.Join(cfg.Scopes, " "))
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", pkce.Verifier)
	u.RawQuery = q.Encode()
	return u, nil
}

// ParseAuthorizationCode splits the "code#state" string shown on the callback
// page. A bare code yields an empty state.
func ParseAuthorizationCode(raw string) (code, state string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", errors.New("authorization code is empty")
	}
	code, state, _ = strings.Cut(raw, "#")
	code = strings.TrimSpace(code)
	if code == "" {
		return "", "", fmt.Errorf("authorization code missing in %q", raw)
	}
	return code, strings.TrimSpace(state), nil
}

// Tokens is the token endpoint response.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExchangeError reports a non-2xx token endpoint response.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("token exchange failed: HTTP %d", e.Status)
	}
	return fmt.Sprintf("token exchange failed: HTTP %d: %s", e.Status, e.Body)
}

// ErrStateMismatch is returned when the state pasted with the code does not
// match the verifier of the attempt being completed.
var ErrStateMismatch = errors.New("authorization state does not match this login attempt")

const maxErrorBody = 512

// Exchange trades an authorization code for tokens. A non-empty state must
// equal the verifier.
func Exchange(ctx context.Context, client *http.Client, cfg OAuthConfig, code, state, verifier string) (Tokens, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if state != "" && state != verifier {
		return Tokens{}, ErrStateMismatch
	}
	if state == "" {
		state = verifier
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         state,
		"client_id":     cfg.ClientID,
		"redirect_uri":  cfg.RedirectURI,
		"code_verifier": verifier,
	})
	if err != nil {
		return Tokens{}, fmt.Errorf("encode token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return Tokens{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Tokens{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Tokens{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text := strings.TrimSpace(string(raw))
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody] + "..."
		}
		return Tokens{}, &ExchangeError{Status: resp.StatusCode, Body: text}
	}

	var tokens Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("decode token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return Tokens{}, errors.New("token response did not include an access token")
	}
	return tokens, nil
}

// AuthProfilePath is where the workload looks for provider credentials,
// relative to the state directory's config folder.
const AuthProfilePath = "agents/default/agent/auth-profiles.json"

type authProfiles struct {
	Version  int                    `json:"version"`
	Profiles map[string]authProfile `json:"profiles"`
}

type authProfile struct {
	Type      string `json:"type"`
	Provider  string `json:"provider"`
	Access    string `json:"access"`
	Refresh   string `json:"refresh,omitempty"`
	ExpiresAt int64  `json:"expires,omitempty"`
}

// WriteAuthProfile stores tokens under configDir so the workload picks them up
// on its next start. The file is written 0600.
func WriteAuthProfile(configDir string, tokens Tokens, now time.Time) (string, error) {
	path := filepath.Join(configDir, filepath.FromSlash(AuthProfilePath))
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create auth profile dir: %w", err)
	}
	profile := authProfile{
		Type:     "oauth",
		Provider: "anthropic",
		Access:   tokens.AccessToken,
		Refresh:  tokens.RefreshToken,
	}
	if tokens.ExpiresIn > 0 {
		profile.ExpiresAt = now.Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli()
	}
	data, err := json.MarshalIndent(authProfiles{
		Version:  1,
		Profiles: map[string]authProfile{"anthropic:default": profile},
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode auth profile: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write auth profile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("install auth profile: %w", err)
	}
	return path, nil
}
