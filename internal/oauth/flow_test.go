package oauth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/cinephile/accountsync/pkg/errors"
	"github.com/cinephile/accountsync/pkg/httpclient"
)

func testFlowConfig(tokenURL string) Config {
	return Config{
		ClientID:        "client-1",
		ClientSecret:    "secret-1",
		AuthURL:         "https://auth.example.com/authorize",
		TokenURL:        tokenURL,
		Scopes:          "openid email profile",
		RedirectTimeout: 3 * time.Second,
	}
}

func newTestFlow(t *testing.T, tokenURL string) *Flow {
	t.Helper()
	httpc := httpclient.New(httpclient.Config{
		Timeout:         5 * time.Second,
		MaxRetries:      0,
		MaxConnsPerHost: 10,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewFlow(testFlowConfig(tokenURL), httpc, logger)
}

// browserHook simulates the user completing (or fumbling) authorization in
// the browser: it parses the authorization URL and immediately drives the
// redirect back to the loopback listener.
func browserHook(t *testing.T, transform func(redirectURI, state string) string) func(string) error {
	t.Helper()
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)
		q := u.Query()

		redirect := transform(q.Get("redirect_uri"), q.Get("state"))
		go func() {
			client := &http.Client{Timeout: 2 * time.Second}
			resp, err := client.Get(redirect)
			if err == nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}
		}()
		return nil
	}
}

func TestFlow_Success(t *testing.T) {
	var verifierSeen atomic.Value
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "the-auth-code", r.PostForm.Get("code"))
		assert.Equal(t, "client-1", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret-1", r.PostForm.Get("client_secret"))
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Regexp(t, `^http://localhost:\d+$`, r.PostForm.Get("redirect_uri"))
		verifierSeen.Store(r.PostForm.Get("code_verifier"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-1",
			"id_token":     "google-id-token",
			"expires_in":   3599,
			"token_type":   "Bearer",
		})
	}))
	defer tokenServer.Close()

	flow := newTestFlow(t, tokenServer.URL)
	flow.openBrowser = browserHook(t, func(redirectURI, state string) string {
		return redirectURI + "/?code=the-auth-code&state=" + url.QueryEscape(state)
	})

	result, err := flow.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "google-id-token", result.Token.IDToken)
	assert.Equal(t, "access-1", result.Token.AccessToken)
	assert.Regexp(t, `^http://localhost:\d+$`, result.RedirectURI)

	verifier, _ := verifierSeen.Load().(string)
	assert.GreaterOrEqual(t, len(verifier), 43, "exchange must send the PKCE verifier")
}

func TestFlow_StateMismatchIsSecurityError(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
	}))
	defer tokenServer.Close()

	flow := newTestFlow(t, tokenServer.URL)
	flow.openBrowser = browserHook(t, func(redirectURI, state string) string {
		return redirectURI + "/?code=the-auth-code&state=forged-state"
	})

	_, err := flow.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSecurity)
	assert.Equal(t, int32(0), tokenCalls.Load(), "a forged state must never reach the token endpoint")
}

func TestFlow_ForgedStateWithErrorParam(t *testing.T) {
	var tokenCalls atomic.Int32
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
	}))
	defer tokenServer.Close()

	flow := newTestFlow(t, tokenServer.URL)
	flow.openBrowser = browserHook(t, func(redirectURI, state string) string {
		return redirectURI + "/?error=access_denied&state=forged-state"
	})

	_, err := flow.Run(context.Background())

	// A failed state check outranks whatever else the redirect carries.
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSecurity)
	assert.NotErrorIs(t, err, apperrors.ErrRemote)
	assert.Equal(t, int32(0), tokenCalls.Load())
}

func TestFlow_ProviderErrorParam(t *testing.T) {
	flow := newTestFlow(t, "http://unused")
	flow.openBrowser = browserHook(t, func(redirectURI, state string) string {
		return redirectURI + "/?error=access_denied&state=" + url.QueryEscape(state)
	})

	_, err := flow.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRemote)
	assert.Equal(t, "ACCESS_DENIED", apperrors.RemoteCode(err))
}

func TestFlow_MissingCodeIsProtocolError(t *testing.T) {
	flow := newTestFlow(t, "http://unused")
	flow.openBrowser = browserHook(t, func(redirectURI, state string) string {
		return redirectURI + "/?state=" + url.QueryEscape(state)
	})

	_, err := flow.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestFlow_RedirectTimeout(t *testing.T) {
	flow := newTestFlow(t, "http://unused")
	flow.cfg.RedirectTimeout = 100 * time.Millisecond
	flow.openBrowser = func(string) error { return nil } // user never completes

	start := time.Now()
	_, err := flow.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrCanceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFlow_BrowserLaunchFailure(t *testing.T) {
	flow := newTestFlow(t, "http://unused")
	flow.openBrowser = func(string) error { return assert.AnError }

	_, err := flow.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "open browser")
}

func TestFlow_TokenEndpointRejection(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "Bad authorization code.",
		})
	}))
	defer tokenServer.Close()

	flow := newTestFlow(t, tokenServer.URL)
	flow.openBrowser = browserHook(t, func(redirectURI, state string) string {
		return redirectURI + "/?code=stale-code&state=" + url.QueryEscape(state)
	})

	_, err := flow.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRemote)
	assert.Equal(t, "INVALID_GRANT", apperrors.RemoteCode(err))
}

func TestFlow_TokenResponseMissingIDToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "access-1"})
	}))
	defer tokenServer.Close()

	flow := newTestFlow(t, tokenServer.URL)
	flow.openBrowser = browserHook(t, func(redirectURI, state string) string {
		return redirectURI + "/?code=the-auth-code&state=" + url.QueryEscape(state)
	})

	_, err := flow.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestFlow_FreshSecretsPerRun(t *testing.T) {
	var states []string
	flow := newTestFlow(t, "http://unused")
	flow.cfg.RedirectTimeout = 50 * time.Millisecond
	flow.openBrowser = func(authURL string) error {
		u, _ := url.Parse(authURL)
		states = append(states, u.Query().Get("state"))
		return nil // let the run time out
	}

	_, _ = flow.Run(context.Background())
	_, _ = flow.Run(context.Background())

	require.Len(t, states, 2)
	assert.NotEqual(t, states[0], states[1])
}
