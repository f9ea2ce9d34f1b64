package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/browser"

	apperrors "github.com/cinephile/accountsync/pkg/errors"
)

// HTTPPoster is the outbound HTTP surface the flow needs for the code
// exchange.
type HTTPPoster interface {
	Post(ctx context.Context, url string, contentType string, body io.Reader) (*http.Response, error)
}

// Config holds the OAuth2 client settings for the browser flow.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       string

	// RedirectTimeout bounds how long the flow waits for the user to finish
	// in the browser.
	RedirectTimeout time.Duration
}

// TokenResponse is the provider's token endpoint payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
}

// Result is the outcome of a completed flow. RedirectURI is the loopback
// URI the code was delivered to; the identity platform wants it echoed in
// the federation call.
type Result struct {
	Token       TokenResponse
	RedirectURI string
}

// tokenError is the token endpoint's error envelope, which differs from the
// identity and docstore backends ("error" is a bare string).
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Flow runs the authorization-code-with-PKCE dance: ephemeral secrets,
// loopback listener, system browser, redirect, code exchange. Every run
// gets fresh secrets, and every exit path tears the listener down.
type Flow struct {
	cfg    Config
	http   HTTPPoster
	logger *slog.Logger

	// Test hooks.
	openBrowser func(url string) error
	newState    func() string
	newVerifier func() (string, error)
}

// NewFlow creates a browser sign-in flow.
func NewFlow(cfg Config, httpPoster HTTPPoster, logger *slog.Logger) *Flow {
	return &Flow{
		cfg:         cfg,
		http:        httpPoster,
		logger:      logger,
		openBrowser: browser.OpenURL,
		newState:    uuid.NewString,
		newVerifier: GenerateVerifier,
	}
}

// Run executes the flow from browser launch to token exchange.
func (f *Flow) Run(ctx context.Context) (*Result, error) {
	verifier, err := f.newVerifier()
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}
	state := f.newState()

	listener, err := NewListener(state, f.logger)
	if err != nil {
		return nil, fmt.Errorf("start redirect listener: %w", err)
	}
	defer func() { _ = listener.Close() }()

	redirectURI := listener.RedirectURI()
	authURL := f.authorizationURL(redirectURI, Challenge(verifier), state)

	f.logger.InfoContext(ctx, "opening browser for authorization",
		slog.Int("redirect_port", listener.Port()),
	)
	if err := f.openBrowser(authURL); err != nil {
		return nil, fmt.Errorf("open browser: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, f.cfg.RedirectTimeout)
	defer cancel()
	cb, err := listener.Wait(waitCtx)
	if err != nil {
		return nil, err
	}

	// State integrity comes first: a redirect that fails the state check is
	// untrusted in its entirety, whatever else it carries.
	if !StatesEqual(state, cb.State) {
		return nil, apperrors.Security("state parameter mismatch on authorization redirect")
	}
	if cb.ErrorCode != "" {
		return nil, apperrors.Remote(strings.ToUpper(cb.ErrorCode), "authorization was refused by the provider")
	}
	if cb.Code == "" {
		return nil, apperrors.Protocol("authorization redirect carried no code")
	}

	token, err := f.exchangeCode(ctx, cb.Code, verifier, redirectURI)
	if err != nil {
		return nil, err
	}

	f.logger.InfoContext(ctx, "authorization code exchanged")
	return &Result{Token: *token, RedirectURI: redirectURI}, nil
}

func (f *Flow) authorizationURL(redirectURI, challenge, state string) string {
	query := url.Values{
		"client_id":             {f.cfg.ClientID},
		"redirect_uri":          {redirectURI},
		"response_type":         {"code"},
		"scope":                 {f.cfg.Scopes},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return f.cfg.AuthURL + "?" + query.Encode()
}

func (f *Flow) exchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenResponse, error) {
	form := url.Values{
		"code":          {code},
		"client_id":     {f.cfg.ClientID},
		"client_secret": {f.cfg.ClientSecret},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
		"grant_type":    {"authorization_code"},
	}

	resp, err := f.http.Post(ctx, f.cfg.TokenURL, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.Network(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Protocol(fmt.Sprintf("unreadable token response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		if json.Unmarshal(body, &te) == nil && te.Error != "" {
			return nil, apperrors.Remote(strings.ToUpper(te.Error), te.ErrorDescription)
		}
		return nil, apperrors.Protocol(fmt.Sprintf("token endpoint returned status %d", resp.StatusCode))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, apperrors.Protocol(fmt.Sprintf("malformed token response: %v", err))
	}
	if token.IDToken == "" {
		return nil, apperrors.Protocol("token response missing id_token")
	}
	return &token, nil
}
