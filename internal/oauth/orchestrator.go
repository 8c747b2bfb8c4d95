package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/profile"
	"github.com/TaraftarCell/oauth2-demo/internal/providers"
	"github.com/TaraftarCell/oauth2-demo/internal/users"
	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	defaultStateTTL        = 10 * time.Minute
	defaultProviderTimeout = 10 * time.Second
	callbackPathPrefix     = "/auth/callback/"
)

var (
	// ErrInvalidConfig indicates the orchestrator was built without a required dependency.
	ErrInvalidConfig = errors.New("oauth: invalid orchestrator config")
	// ErrUnknownProvider indicates the provider id is not in the registry.
	ErrUnknownProvider = errors.New("oauth: unknown provider")
	// ErrInvalidState indicates the callback state was missing, replayed, expired or bound to another provider.
	ErrInvalidState = errors.New("oauth: invalid state")
	// ErrTokenExchangeFailed indicates the token endpoint did not return a usable access token.
	ErrTokenExchangeFailed = errors.New("oauth: token exchange failed")
	// ErrUserinfoFailed indicates the userinfo request failed.
	ErrUserinfoFailed = errors.New("oauth: userinfo request failed")
	// ErrProviderTimeout marks a provider round trip that hit the timeout; the login may be retried.
	ErrProviderTimeout = errors.New("oauth: provider timeout")
)

// Machine-readable login failure codes.
const (
	CodeInvalidState        = "invalid_state"
	CodeTokenExchangeFailed = "token_exchange_failed"
	CodeUserinfoFailed      = "userinfo_failed"
	CodeMissingSubject      = "missing_subject"
	CodeUnknownProvider     = "unknown_provider"
	CodeDiscoveryFailed     = "discovery_failed"
	CodeProviderTimeout     = "provider_timeout"
	CodeAccessDenied        = "access_denied"
	CodeLoginFailed         = "login_failed"
)

// Config wires the orchestrator dependencies.
type Config struct {
	Registry        *providers.Registry
	Resolver        *providers.Resolver
	Store           PendingStore
	RedirectBaseURL string
	StateTTL        time.Duration
	ProviderTimeout time.Duration
	HTTPClient      *http.Client
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Orchestrator drives the authorization-code flow with PKCE.
type Orchestrator struct {
	registry        *providers.Registry
	resolver        *providers.Resolver
	store           PendingStore
	redirectBaseURL string
	stateTTL        time.Duration
	providerTimeout time.Duration
	httpClient      *http.Client
	now             func() time.Time
	logger          *zap.Logger
}

// Completion is the outcome of a successful callback.
type Completion struct {
	Identity profile.CanonicalIdentity
	Grant    users.Grant
}

// NewOrchestrator validates cfg and applies defaults.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrInvalidConfig)
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: resolver is required", ErrInvalidConfig)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: pending store is required", ErrInvalidConfig)
	}
	redirectBase := strings.TrimRight(strings.TrimSpace(cfg.RedirectBaseURL), "/")
	if redirectBase == "" {
		return nil, fmt.Errorf("%w: redirect base url is required", ErrInvalidConfig)
	}
	stateTTL := cfg.StateTTL
	if stateTTL <= 0 {
		stateTTL = defaultStateTTL
	}
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:        cfg.Registry,
		resolver:        cfg.Resolver,
		store:           cfg.Store,
		redirectBaseURL: redirectBase,
		stateTTL:        stateTTL,
		providerTimeout: timeout,
		httpClient:      httpClient,
		now:             clock,
		logger:          logger,
	}, nil
}

// RedirectURL is the callback URI registered with providerID.
func (o *Orchestrator) RedirectURL(providerID string) string {
	return o.redirectBaseURL + callbackPathPrefix + providerID
}

// BeginLogin records a pending authorization and returns the provider URL the
// user agent should be sent to.
func (o *Orchestrator) BeginLogin(ctx context.Context, providerID string) (string, error) {
	cfg, err := o.registry.Get(providerID)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	endpoints, err := o.resolver.Resolve(ctx, cfg)
	if err != nil {
		return "", err
	}

	state, err := newState()
	if err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	now := o.now().UTC()
	pending := PendingAuthorization{
		State:     state,
		Provider:  cfg.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(o.stateTTL),
	}
	var options []oauth2.AuthCodeOption
	if cfg.PKCERequired {
		pair := newPKCEPair()
		pending.CodeVerifier = pair.Verifier
		pending.CodeChallenge = pair.Challenge
		options = append(options,
			oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
			oauth2.SetAuthURLParam("code_challenge_method", ChallengeMethodS256),
		)
	}
	if err := o.store.Save(ctx, pending); err != nil {
		return "", fmt.Errorf("oauth: save pending authorization: %w", err)
	}

	return o.oauthConfig(cfg, endpoints).AuthCodeURL(state, options...), nil
}

// CompleteLogin consumes the pending authorization named by state, redeems
// code and returns the normalized identity with its grant.
func (o *Orchestrator) CompleteLogin(ctx context.Context, providerID, code, state string) (Completion, error) {
	cfg, err := o.registry.Get(providerID)
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	if strings.TrimSpace(state) == "" {
		return Completion{}, fmt.Errorf("%w: state is empty", ErrInvalidState)
	}

	pending, err := o.store.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return Completion{}, fmt.Errorf("%w: %w", ErrInvalidState, err)
		}
		return Completion{}, fmt.Errorf("oauth: consume pending authorization: %w", err)
	}
	if pending.Provider != cfg.ID {
		o.logger.Info("state presented to a different provider",
			zap.String("provider", cfg.ID),
			zap.String("issued_for", pending.Provider),
		)
		return Completion{}, fmt.Errorf("%w: issued for another provider", ErrInvalidState)
	}
	now := o.now().UTC()
	if !now.Before(pending.ExpiresAt) {
		return Completion{}, fmt.Errorf("%w: expired", ErrInvalidState)
	}
	if strings.TrimSpace(code) == "" {
		return Completion{}, fmt.Errorf("%w: authorization code is empty", ErrTokenExchangeFailed)
	}

	endpoints, err := o.resolver.Resolve(ctx, cfg)
	if err != nil {
		return Completion{}, err
	}

	callCtx, cancel := context.WithTimeout(oidc.ClientContext(ctx, o.httpClient), o.providerTimeout)
	defer cancel()

	var exchangeOptions []oauth2.AuthCodeOption
	if pending.CodeVerifier != "" {
		exchangeOptions = append(exchangeOptions, oauth2.VerifierOption(pending.CodeVerifier))
	}
	token, err := o.oauthConfig(cfg, endpoints).Exchange(callCtx, code, exchangeOptions...)
	if err != nil {
		return Completion{}, providerFailure(ErrTokenExchangeFailed, err)
	}
	if token.AccessToken == "" {
		return Completion{}, fmt.Errorf("%w: access token missing", ErrTokenExchangeFailed)
	}

	claims, err := o.fetchUserinfo(callCtx, endpoints, token)
	if err != nil {
		return Completion{}, providerFailure(ErrUserinfoFailed, err)
	}

	identity, err := profile.Normalize(cfg.ID, claims, now)
	if err != nil {
		o.logger.Warn("userinfo response without subject", zap.String("provider", cfg.ID))
		return Completion{}, err
	}

	return Completion{
		Identity: identity,
		Grant: users.Grant{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			TokenType:    token.Type(),
			Scope:        grantedScope(token, cfg.Scopes),
			ExpiresAt:    token.Expiry,
		},
	}, nil
}

// AbandonLogin destroys the pending authorization named by state when the
// provider reports a failure instead of a code. Unknown states are ignored.
func (o *Orchestrator) AbandonLogin(ctx context.Context, providerID, state string) error {
	if strings.TrimSpace(state) == "" {
		return nil
	}
	pending, err := o.store.Consume(ctx, state)
	if errors.Is(err, ErrStateNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("oauth: consume pending authorization: %w", err)
	}
	if pending.Provider != providerID {
		o.logger.Info("abandoned state belonged to a different provider",
			zap.String("provider", providerID),
			zap.String("issued_for", pending.Provider),
		)
	}
	return nil
}

func (o *Orchestrator) oauthConfig(cfg providers.Config, endpoints providers.Endpoints) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  o.RedirectURL(cfg.ID),
		Scopes:       cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  endpoints.AuthorizationURL,
			TokenURL: endpoints.TokenURL,
		},
	}
}

func (o *Orchestrator) fetchUserinfo(ctx context.Context, endpoints providers.Endpoints, token *oauth2.Token) (map[string]any, error) {
	providerConfig := &oidc.ProviderConfig{
		IssuerURL:   endpoints.Issuer,
		AuthURL:     endpoints.AuthorizationURL,
		TokenURL:    endpoints.TokenURL,
		UserInfoURL: endpoints.UserinfoURL,
		JWKSURL:     endpoints.JWKSURL,
		Algorithms:  endpoints.SigningAlgorithms,
	}
	info, err := providerConfig.NewProvider(ctx).UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if err := info.Claims(&raw); err != nil {
		return nil, fmt.Errorf("decode userinfo claims: %w", err)
	}
	// Numeric subjects must survive without float rounding.
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	claims := map[string]any{}
	if err := decoder.Decode(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo claims: %w", err)
	}
	return claims, nil
}

func providerFailure(kind error, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %w: %w", kind, ErrProviderTimeout, err)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func grantedScope(token *oauth2.Token, requested []string) string {
	if scope, ok := token.Extra("scope").(string); ok && scope != "" {
		return scope
	}
	return strings.Join(requested, " ")
}

// ErrorCode maps a login error onto the machine code shown to the user agent.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrUnknownProvider):
		return CodeUnknownProvider
	case errors.Is(err, profile.ErrMissingSubject):
		return CodeMissingSubject
	case errors.Is(err, ErrProviderTimeout):
		return CodeProviderTimeout
	case errors.Is(err, providers.ErrDiscoveryFailed):
		return CodeDiscoveryFailed
	case errors.Is(err, ErrTokenExchangeFailed):
		return CodeTokenExchangeFailed
	case errors.Is(err, ErrUserinfoFailed):
		return CodeUserinfoFailed
	default:
		return CodeLoginFailed
	}
}
