package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/strongdm/berth/internal/configstore"
	"github.com/strongdm/berth/internal/statedir"
	"github.com/strongdm/berth/internal/token"
)

func tokenServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["code"] == "" || body["code_verifier"] == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-123","refresh_token":"rt-456","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthLoginWithCode(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := tokenServer(t, &hits)
	tc := newTestCLI(t, "", fmt.Sprintf("\n[oauth]\ntoken_url = %q\n", srv.URL))

	if err := tc.run("auth", "login", "--code", "code-abc"); err != nil {
		t.Fatalf("auth login: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("token endpoint hit %d times", hits.Load())
	}
	dir := statedir.New(tc.stateDir, "")
	data, err := os.ReadFile(dir.AuthProfilePath())
	if err != nil {
		t.Fatalf("auth profile: %v", err)
	}
	if !strings.Contains(string(data), "at-123") {
		t.Fatalf("profile missing access token:\n%s", data)
	}
	if !strings.Contains(tc.out.String(), "berth restart") {
		t.Fatalf("expected restart hint, got %q", tc.out.String())
	}
	if tc.fake.Count("xdg-open") != 0 {
		t.Fatalf("browser must not open when --code is given")
	}

	tc.out = &syncBuffer{}
	tc.env.out = tc.out
	if err := tc.run("auth", "status"); err != nil {
		t.Fatalf("auth status: %v", err)
	}
	if !strings.HasPrefix(tc.out.String(), "Logged in") {
		t.Fatalf("status output %q", tc.out.String())
	}
}

func TestAuthLoginPromptRejectsForeignState(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := tokenServer(t, &hits)
	tc := newTestCLI(t, "code-abc#not-my-verifier\n", fmt.Sprintf("\n[oauth]\ntoken_url = %q\n", srv.URL))

	err := tc.run("auth", "login", "--no-browser")
	if !errors.Is(err, token.ErrStateMismatch) {
		t.Fatalf("expected state mismatch, got %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("token endpoint must not be called")
	}
	if !strings.Contains(tc.out.String(), "code_challenge=") {
		t.Fatalf("authorization URL not printed:\n%s", tc.out.String())
	}
	if tc.fake.Count("xdg-open") != 0 {
		t.Fatalf("--no-browser must not open a browser")
	}
}

func TestAuthStatusNotLoggedIn(t *testing.T) {
	t.Parallel()

	tc := newTestCLI(t, "", "")
	if err := tc.run("auth", "status"); err != nil {
		t.Fatalf("auth status: %v", err)
	}
	if !strings.Contains(tc.out.String(), "Not logged in") {
		t.Fatalf("status output %q", tc.out.String())
	}
}

func TestOAuthConfigOverlay(t *testing.T) {
	t.Parallel()

	def := token.DefaultOAuthConfig()
	got := oauthConfig(configstore.OAuthConfig{TokenURL: "http://127.0.0.1:1/token", Scopes: []string{"a"}})
	if got.TokenURL != "http://127.0.0.1:1/token" || len(got.Scopes) != 1 {
		t.Fatalf("overrides lost: %+v", got)
	}
	if got.ClientID != def.ClientID || got.AuthorizeURL != def.AuthorizeURL || got.RedirectURI != def.RedirectURI {
		t.Fatalf("defaults lost: %+v", got)
	}
}

func TestPromptEmpty(t *testing.T) {
	t.Parallel()

	if _, err := prompt(strings.NewReader("\n"), &syncBuffer{}, "code: "); err == nil {
		t.Fatalf("expected an error for an empty answer")
	}
	got, err := prompt(strings.NewReader("  abc#def \n"), &syncBuffer{}, "code: ")
	if err != nil || got != "abc#def" {
		t.Fatalf("got %q, %v", got, err)
	}
}
