package identity

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

func newTestBroker(t *testing.T, serverURL string) *Broker {
	t.Helper()
	httpc := httpclient.New(httpclient.Config{
		Timeout:         5 * time.Second,
		MaxRetries:      0,
		MaxConnsPerHost: 10,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroker(httpc, "test-api-key", serverURL, logger)
}

func writeAuthResponse(w http.ResponseWriter, overrides map[string]string) {
	resp := map[string]string{
		"idToken":      "id-token-1",
		"refreshToken": "refresh-token-1",
		"localId":      "uid-1",
		"email":        "alice@example.com",
		"displayName":  "",
	}
	for k, v := range overrides {
		resp[k] = v
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func decodePayload(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
	return payload
}

func TestSignUp_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts:signUp", r.URL.Path)
		assert.Equal(t, "test-api-key", r.URL.Query().Get("key"))

		payload := decodePayload(t, r)
		assert.Equal(t, "alice@example.com", payload["email"])
		assert.Equal(t, "hunter22", payload["password"])
		assert.Equal(t, true, payload["returnSecureToken"])

		writeAuthResponse(w, nil)
	}))
	defer server.Close()

	broker := newTestBroker(t, server.URL)
	result, err := broker.SignUp(context.Background(), "alice@example.com", "hunter22")

	require.NoError(t, err)
	assert.Equal(t, "uid-1", result.UID)
	assert.Equal(t, "alice@example.com", result.Email)
	assert.Equal(t, "id-token-1", result.IDToken)
	assert.Equal(t, "refresh-token-1", result.RefreshToken)
}

func TestSignUp_ValidationBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	broker := newTestBroker(t, server.URL)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"missing email", "", "hunter22"},
		{"bad email", "not-an-email", "hunter22"},
		{"missing password", "alice@example.com", ""},
		{"short password", "alice@example.com", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := broker.SignUp(context.Background(), tt.email, tt.password)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
	assert.Equal(t, int32(0), calls.Load(), "invalid input must never reach the network")
}

func TestSignUp_EmailExists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"EMAIL_EXISTS"}}`))
	}))
	defer server.Close()

	broker := newTestBroker(t, server.URL)
	_, err := broker.SignUp(context.Background(), "alice@example.com", "hunter22")

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRemote)
	assert.Equal(t, "EMAIL_EXISTS", apperrors.RemoteCode(err))
}

func TestSignInWithPassword_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts:signInWithPassword", r.URL.Path)
		writeAuthResponse(w, map[string]string{"displayName": "Alice"})
	}))
	defer server.Close()

	broker := newTestBroker(t, server.URL)
	result, err := broker.SignInWithPassword(context.Background(), "alice@example.com", "hunter22")

	require.NoError(t, err)
	assert.Equal(t, "Alice", result.DisplayName)
}

func TestSignInWithPassword_InvalidCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"INVALID_LOGIN_CREDENTIALS"}}`))
	}))
	defer server.Close()

	broker := newTestBroker(t, server.URL)
	_, err := broker.SignInWithPassword(context.Background(), "alice@example.com", "wrong-password")

	require.Error(t, err)
	assert.Equal(t, "INVALID_LOGIN_CREDENTIALS", apperrors.RemoteCode(err))
}

func TestSignInWithGoogleToken_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts:signInWithIdp", r.URL.Path)

		payload := decodePayload(t, r)
		postBody, err := url.ParseQuery(payload["postBody"].(string))
		require.NoError(t, err)
		assert.Equal(t, "google-oidc-token", postBody.Get("id_token"))
		assert.Equal(t, "google.com", postBody.Get("providerId"))
		assert.Equal(t, "http://localhost:37841", payload["requestUri"])
		assert.Equal(t, true, payload["returnSecureToken"])
		assert.Equal(t, true, payload["returnIdpCredential"])

		writeAuthResponse(w, map[string]string{"displayName": "Alice G"})
	}))
	defer server.Close()

	broker := newTestBroker(t, server.URL)
	result, err := broker.SignInWithGoogleToken(context.Background(), "google-oidc-token", "http://localhost:37841")

	require.NoError(t, err)
	assert.Equal(t, "uid-1", result.UID)
	assert.Equal(t, "Alice G", result.DisplayName)
}

func TestSignInWithGoogleToken_EmptyToken(t *testing.T) {
	broker := newTestBroker(t, "http://unused")
	_, err := broker.SignInWithGoogleToken(context.Background(), "", "http://localhost:1")

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestUpdateAccount_DisplayName(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts:update", r.URL.Path)

		payload := decodePayload(t, r)
		assert.Equal(t, "id-token-1", payload["idToken"])
		assert.Equal(t, "New Name", payload["displayName"])
		assert.NotContains(t, payload, "email")
		assert.NotContains(t, payload, "password")

		writeAuthResponse(w, map[string]string{
			"idToken":     "id-token-2",
			"displayName": "New Name",
		})
	}))
	defer server.Close()

	broker := newTestBroker(t, server.URL)
	name := "New Name"
	result, err := broker.UpdateAccount(context.Background(), "id-token-1", AccountUpdate{DisplayName: &name})

	require.NoError(t, err)
	assert.Equal(t, "New Name", result.DisplayName)
	assert.Equal(t, "id-token-2", result.IDToken, "reissued token must be surfaced")
}

func TestUpdateAccount_NoAttributes(t *testing.T) {
	broker := newTestBroker(t, "http://unused")
	_, err := broker.UpdateAccount(context.Background(), "id-token-1", AccountUpdate{})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestUpdateAccount_InvalidPhotoURL(t *testing.T) {
	broker := newTestBroker(t, "http://unused")
	bad := "not a url"
	_, err := broker.UpdateAccount(context.Background(), "id-token-1", AccountUpdate{PhotoURL: &bad})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestUpdateAccount_MissingIDToken(t *testing.T) {
	broker := newTestBroker(t, "http://unused")
	name := "X"
	_, err := broker.UpdateAccount(context.Background(), "", AccountUpdate{DisplayName: &name})

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCall_MissingTokenIsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"localId": "uid-1"})
	}))
	defer server.Close()

	broker := newTestBroker(t, server.URL)
	_, err := broker.SignInWithPassword(context.Background(), "alice@example.com", "hunter22")

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestCall_MalformedJSONIsProtocolError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{{{`))
	}))
	defer server.Close()

	broker := newTestBroker(t, server.URL)
	_, err := broker.SignInWithPassword(context.Background(), "alice@example.com", "hunter22")

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProtocol)
}

func TestCall_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // Closed before use.

	broker := newTestBroker(t, server.URL)
	_, err := broker.SignInWithPassword(context.Background(), "alice@example.com", "hunter22")

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
}
