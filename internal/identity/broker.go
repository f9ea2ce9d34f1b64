package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	apperrors "github.com/cinephile/accountsync/pkg/errors"
	"github.com/cinephile/accountsync/pkg/httpclient"
	"github.com/cinephile/accountsync/pkg/validator"
)

// HTTPPoster is the outbound HTTP surface the broker needs. Both the
// retrying client and its circuit-breaker wrapper satisfy it.
type HTTPPoster interface {
	Post(ctx context.Context, url string, contentType string, body io.Reader) (*http.Response, error)
}

// Broker bridges the subsystem to the identity platform's REST API.
// Every operation is a POST to accounts:<op> carrying the project API key.
type Broker struct {
	http    HTTPPoster
	apiKey  string
	baseURL string
	logger  *slog.Logger
}

// NewBroker creates an identity broker.
func NewBroker(httpPoster HTTPPoster, apiKey, baseURL string, logger *slog.Logger) *Broker {
	return &Broker{
		http:    httpPoster,
		apiKey:  apiKey,
		baseURL: baseURL,
		logger:  logger,
	}
}

// AuthResult is the normalized outcome of any identity operation that
// yields tokens.
type AuthResult struct {
	UID          string
	Email        string
	DisplayName  string
	PhotoURL     string
	IDToken      string
	RefreshToken string
}

// AccountUpdate describes the attribute changes for an accounts:update call.
// Nil fields are left untouched.
type AccountUpdate struct {
	DisplayName *string
	PhotoURL    *string
	Email       *string
	Password    *string
}

type credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

type accountUpdateInput struct {
	Email    string `validate:"omitempty,email"`
	Password string `validate:"omitempty,min=6"`
	PhotoURL string `validate:"omitempty,url"`
}

// authResponse is the identity platform's token envelope.
type authResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PhotoURL     string `json:"photoUrl"`
}

// SignUp registers a new email/password account.
func (b *Broker) SignUp(ctx context.Context, email, password string) (*AuthResult, error) {
	if err := validator.Validate(credentials{Email: email, Password: password}); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	resp, err := b.call(ctx, "signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
	if err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}

	b.logger.InfoContext(ctx, "account registered", slog.String("uid", resp.LocalID))
	return resp.toResult(), nil
}

// SignInWithPassword authenticates an existing email/password account.
func (b *Broker) SignInWithPassword(ctx context.Context, email, password string) (*AuthResult, error) {
	if err := validator.Validate(credentials{Email: email, Password: password}); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	resp, err := b.call(ctx, "signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	})
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	b.logger.InfoContext(ctx, "password sign-in succeeded", slog.String("uid", resp.LocalID))
	return resp.toResult(), nil
}

// SignInWithGoogleToken federates a Google OIDC token into a platform
// session. requestURI is the redirect URI the token was obtained with.
func (b *Broker) SignInWithGoogleToken(ctx context.Context, googleIDToken, requestURI string) (*AuthResult, error) {
	if googleIDToken == "" {
		return nil, apperrors.Validation("google id token is required")
	}

	postBody := url.Values{
		"id_token":   {googleIDToken},
		"providerId": {"google.com"},
	}
	resp, err := b.call(ctx, "signInWithIdp", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          requestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	})
	if err != nil {
		return nil, fmt.Errorf("federated sign-in: %w", err)
	}

	b.logger.InfoContext(ctx, "federated sign-in succeeded", slog.String("uid", resp.LocalID))
	return resp.toResult(), nil
}

// UpdateAccount changes account attributes. The platform reissues tokens on
// every update; the caller should adopt the returned ID token.
func (b *Broker) UpdateAccount(ctx context.Context, idToken string, upd AccountUpdate) (*AuthResult, error) {
	if idToken == "" {
		return nil, apperrors.Validation("id token is required")
	}

	input := accountUpdateInput{}
	payload := map[string]any{
		"idToken":           idToken,
		"returnSecureToken": true,
	}
	if upd.DisplayName != nil {
		payload["displayName"] = *upd.DisplayName
	}
	if upd.PhotoURL != nil {
		input.PhotoURL = *upd.PhotoURL
		payload["photoUrl"] = *upd.PhotoURL
	}
	if upd.Email != nil {
		input.Email = *upd.Email
		payload["email"] = *upd.Email
	}
	if upd.Password != nil {
		input.Password = *upd.Password
		payload["password"] = *upd.Password
	}
	if len(payload) == 2 {
		return nil, apperrors.Validation("no account attributes to update")
	}
	if err := validator.Validate(input); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	resp, err := b.call(ctx, "update", payload)
	if err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}

	b.logger.InfoContext(ctx, "account updated", slog.String("uid", resp.LocalID))
	return resp.toResult(), nil
}

func (b *Broker) call(ctx context.Context, op string, payload map[string]any) (*authResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", op, err)
	}

	endpoint := fmt.Sprintf("%s/accounts:%s?key=%s", b.baseURL, op, url.QueryEscape(b.apiKey))
	resp, err := b.http.Post(ctx, endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Network(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpclient.ParseResponseError(resp, "identity")
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperrors.Protocol(fmt.Sprintf("malformed identity response: %v", err))
	}
	if parsed.IDToken == "" || parsed.LocalID == "" {
		return nil, apperrors.Protocol("identity response missing idToken or localId")
	}
	return &parsed, nil
}

func (r *authResponse) toResult() *AuthResult {
	return &AuthResult{
		UID:          r.LocalID,
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		PhotoURL:     r.PhotoURL,
		IDToken:      r.IDToken,
		RefreshToken: r.RefreshToken,
	}
}
