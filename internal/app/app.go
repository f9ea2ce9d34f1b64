package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cinephile/accountsync/internal/config"
	"github.com/cinephile/accountsync/internal/docstore"
	"github.com/cinephile/accountsync/internal/identity"
	"github.com/cinephile/accountsync/internal/oauth"
	"github.com/cinephile/accountsync/internal/session"
	apperrors "github.com/cinephile/accountsync/pkg/errors"
	"github.com/cinephile/accountsync/pkg/httpclient"
	"github.com/cinephile/accountsync/pkg/tracing"
)

// App wires together the identity broker, the document store client, the
// session cache and the browser sign-in flow. It is the single entry point
// embedding applications use.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	broker   *identity.Broker
	store    *docstore.Client
	cache    *session.Cache
	notifier *session.Notifier
	tracer   trace.Tracer

	// newFlow builds a fresh browser flow per sign-in attempt; each run
	// needs its own listener and secrets.
	newFlow func() *oauth.Flow

	tracerShutdown func(context.Context) error
}

// NewApp creates an application instance with all dependencies wired.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "accountsync",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.HTTPTimeout
	httpCfg.MaxRetries = cfg.HTTPMaxRetries
	httpc := httpclient.New(httpCfg)

	// Each remote backend gets its own breaker so an identity outage does
	// not trip document store traffic, and vice versa.
	identityHTTP := httpclient.NewCircuitBreakerClient(httpc,
		httpclient.DefaultCircuitBreakerConfig("identity"), logger)
	docstoreHTTP := httpclient.NewCircuitBreakerClient(httpc,
		httpclient.DefaultCircuitBreakerConfig("docstore"), logger)

	broker := identity.NewBroker(identityHTTP, cfg.IdentityAPIKey, cfg.IdentityBaseURL, logger)

	codec := docstore.NewCodec(logger)
	store := docstore.NewClient(docstoreHTTP, codec, cfg.DocstoreBaseURL, cfg.ProjectID, logger)

	notifier := session.NewNotifier(logger)
	cache := session.NewCache(store, notifier, logger, cfg.DataDir)

	flowCfg := oauth.Config{
		ClientID:        cfg.OAuthClientID,
		ClientSecret:    cfg.OAuthClientSecret,
		AuthURL:         cfg.OAuthAuthURL,
		TokenURL:        cfg.OAuthTokenURL,
		Scopes:          cfg.OAuthScopes,
		RedirectTimeout: cfg.RedirectTimeout,
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		broker:   broker,
		store:    store,
		cache:    cache,
		notifier: notifier,
		tracer:   tracing.Tracer("accountsync"),
		newFlow: func() *oauth.Flow {
			return oauth.NewFlow(flowCfg, identityHTTP, logger)
		},
		tracerShutdown: tracerShutdown,
	}, nil
}

// Session returns the session cache for reads and list mutations.
func (a *App) Session() *session.Cache {
	return a.cache
}

// Subscribe registers a listener for session change events.
func (a *App) Subscribe() (<-chan session.Event, func()) {
	return a.notifier.Subscribe()
}

// --- Sign-in operations ---

// SignUp registers a new email/password account and establishes a session
// for it, provisioning the default profile document.
func (a *App) SignUp(ctx context.Context, email, password string) error {
	ctx, span := a.tracer.Start(ctx, "SignUp")
	defer span.End()

	result, err := a.broker.SignUp(ctx, email, password)
	if err != nil {
		return err
	}
	return a.establish(ctx, result, false)
}

// SignInWithPassword authenticates an existing email/password account and
// establishes its session.
func (a *App) SignInWithPassword(ctx context.Context, email, password string) error {
	ctx, span := a.tracer.Start(ctx, "SignInWithPassword")
	defer span.End()

	result, err := a.broker.SignInWithPassword(ctx, email, password)
	if err != nil {
		return err
	}
	return a.establish(ctx, result, false)
}

// SignInWithGoogle runs the browser authorization flow, federates the
// resulting Google token into a platform session, and establishes it.
func (a *App) SignInWithGoogle(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "SignInWithGoogle")
	defer span.End()

	if !a.cfg.OAuthConfigured() {
		return apperrors.Validation("google sign-in is not configured")
	}

	flowResult, err := a.newFlow().Run(ctx)
	if err != nil {
		return err
	}

	result, err := a.broker.SignInWithGoogleToken(ctx, flowResult.Token.IDToken, flowResult.RedirectURI)
	if err != nil {
		return err
	}
	return a.establish(ctx, result, true)
}

// SignOut clears the session.
func (a *App) SignOut() {
	a.cache.Clear()
}

func (a *App) establish(ctx context.Context, result *identity.AuthResult, google bool) error {
	created, err := a.cache.Establish(ctx, session.Identity{
		UID:          result.UID,
		Email:        result.Email,
		DisplayName:  result.DisplayName,
		IDToken:      result.IDToken,
		RefreshToken: result.RefreshToken,
		GoogleSignIn: google,
	})
	if err != nil {
		return err
	}
	if created {
		a.logger.InfoContext(ctx, "provisioned profile for first sign-in",
			slog.String("uid", result.UID),
		)
	}
	return nil
}

// --- Account updates ---

// UpdateDisplayName changes the account display name at the identity
// platform, adopts the reissued token, and patches the profile document.
func (a *App) UpdateDisplayName(ctx context.Context, name string) error {
	ctx, span := a.tracer.Start(ctx, "UpdateDisplayName")
	defer span.End()

	if _, err := a.updateAccount(ctx, identity.AccountUpdate{DisplayName: &name}); err != nil {
		return err
	}
	return a.cache.SetDisplayName(ctx, name)
}

// UpdateEmail changes the account email and patches the profile document.
func (a *App) UpdateEmail(ctx context.Context, email string) error {
	ctx, span := a.tracer.Start(ctx, "UpdateEmail")
	defer span.End()

	if _, err := a.updateAccount(ctx, identity.AccountUpdate{Email: &email}); err != nil {
		return err
	}
	return a.cache.SetEmail(ctx, email)
}

// UpdatePassword changes the account password. The profile document holds
// no password material, so only the session token moves.
func (a *App) UpdatePassword(ctx context.Context, password string) error {
	ctx, span := a.tracer.Start(ctx, "UpdatePassword")
	defer span.End()

	_, err := a.updateAccount(ctx, identity.AccountUpdate{Password: &password})
	return err
}

func (a *App) updateAccount(ctx context.Context, upd identity.AccountUpdate) (*identity.AuthResult, error) {
	idToken := a.cache.IDToken()
	if idToken == "" {
		return nil, apperrors.Validation("no authenticated session")
	}

	result, err := a.broker.UpdateAccount(ctx, idToken, upd)
	if err != nil {
		return nil, err
	}

	// The platform reissues tokens on every update; adopt the fresh one.
	a.cache.UpdateIDToken(result.IDToken)
	return result, nil
}

// TokenExpiresWithin reports whether the session's bearer token expires
// inside the window. A signed-out session or an unparseable token counts
// as expiring.
func (a *App) TokenExpiresWithin(window time.Duration) bool {
	idToken := a.cache.IDToken()
	if idToken == "" {
		return true
	}
	claims, err := identity.ParseIDTokenClaims(idToken)
	if err != nil {
		a.logger.Warn("could not parse session token claims", slog.String("error", err.Error()))
		return true
	}
	return claims.ExpiresWithin(window)
}

// Shutdown flushes pending telemetry.
func (a *App) Shutdown(ctx context.Context) error {
	if a.tracerShutdown == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.tracerShutdown(shutdownCtx); err != nil {
		return fmt.Errorf("tracer shutdown: %w", err)
	}
	return nil
}
