package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultDiscoveryTimeout = 10 * time.Second
	maxDiscoveryDocument    = 1 << 20

	// SourceDiscovery marks endpoints that came from the provider metadata document.
	SourceDiscovery = "discovery"
	// SourceOverrides marks endpoints built solely from configured overrides.
	SourceOverrides = "overrides"
)

// ErrDiscoveryFailed marks every failure to produce usable provider endpoints.
var ErrDiscoveryFailed = errors.New("providers: discovery failed")

// DiscoveryError wraps the cause of a failed endpoint resolution.
type DiscoveryError struct {
	ProviderID string
	Err        error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrDiscoveryFailed, e.ProviderID, e.Err)
}

func (e *DiscoveryError) Unwrap() []error {
	return []error{ErrDiscoveryFailed, e.Err}
}

// Endpoints are the resolved protocol endpoints of a provider.
type Endpoints struct {
	Issuer            string
	AuthorizationURL  string
	TokenURL          string
	UserinfoURL       string
	JWKSURL           string
	SigningAlgorithms []string
	Source            string
}

// ResolverConfig configures the discovery resolver.
type ResolverConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// RefreshInterval bounds how long a resolved document is trusted. Zero keeps
	// it for the process lifetime.
	RefreshInterval time.Duration
	Logger          *zap.Logger
}

// Resolver fetches and caches provider discovery documents.
type Resolver struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
	cache      *gocache.Cache
	group      singleflight.Group
}

type discoveryDocument struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	UserinfoEndpoint      string   `json:"userinfo_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	IDTokenSigningAlgs    []string `json:"id_token_signing_alg_values_supported"`
}

// NewResolver constructs a Resolver with defaults applied.
func NewResolver(cfg ResolverConfig) *Resolver {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDiscoveryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	expiration := gocache.NoExpiration
	cleanup := time.Duration(0)
	if cfg.RefreshInterval > 0 {
		expiration = cfg.RefreshInterval
		cleanup = cfg.RefreshInterval
	}
	return &Resolver{
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
		cache:      gocache.New(expiration, cleanup),
	}
}

// Resolve returns the endpoints for cfg, fetching the discovery document on
// first use. Concurrent first calls for one provider share a single fetch.
func (r *Resolver) Resolve(ctx context.Context, cfg Config) (Endpoints, error) {
	if cached, ok := r.lookup(cfg.ID); ok {
		return cached, nil
	}
	value, err, _ := r.group.Do(cfg.ID, func() (interface{}, error) {
		if cached, ok := r.lookup(cfg.ID); ok {
			return cached, nil
		}
		// The fetch is shared by every waiter, so one caller going away must
		// not fail the rest. r.timeout still bounds it.
		endpoints, resolveErr := r.resolve(context.WithoutCancel(ctx), cfg)
		if resolveErr != nil {
			return Endpoints{}, resolveErr
		}
		r.cache.Set(cfg.ID, endpoints, gocache.DefaultExpiration)
		return endpoints, nil
	})
	if err != nil {
		return Endpoints{}, err
	}
	return value.(Endpoints), nil
}

// Warm resolves every registered provider. Failures are logged and left for
// lazy resolution at first login.
func (r *Resolver) Warm(ctx context.Context, registry *Registry) {
	for _, id := range registry.IDs() {
		cfg, err := registry.Get(id)
		if err != nil {
			continue
		}
		endpoints, err := r.Resolve(ctx, cfg)
		if err != nil {
			r.logger.Warn("provider discovery failed", zap.String("provider", id), zap.Error(err))
			continue
		}
		r.logger.Info("provider endpoints resolved",
			zap.String("provider", id),
			zap.String("source", endpoints.Source),
			zap.String("issuer", endpoints.Issuer),
		)
	}
}

func (r *Resolver) lookup(id string) (Endpoints, bool) {
	value, ok := r.cache.Get(id)
	if !ok {
		return Endpoints{}, false
	}
	endpoints, ok := value.(Endpoints)
	return endpoints, ok
}

func (r *Resolver) resolve(ctx context.Context, cfg Config) (Endpoints, error) {
	document, fetchErr := r.fetch(ctx, cfg.DiscoveryURL)
	if fetchErr == nil {
		if cfg.IssuerValidation && !sameIssuer(document.Issuer, cfg.IssuerURL) {
			return Endpoints{}, &DiscoveryError{
				ProviderID: cfg.ID,
				Err:        fmt.Errorf("issuer %q does not match configured %q", document.Issuer, cfg.IssuerURL),
			}
		}
		return mergeEndpoints(cfg, document), nil
	}

	if cfg.AuthorizationURL == "" || cfg.TokenURL == "" {
		return Endpoints{}, &DiscoveryError{ProviderID: cfg.ID, Err: fetchErr}
	}
	r.logger.Warn("provider discovery unavailable, using configured endpoints",
		zap.String("provider", cfg.ID),
		zap.Error(fetchErr),
	)
	endpoints := Endpoints{
		Issuer:            cfg.IssuerURL,
		AuthorizationURL:  cfg.AuthorizationURL,
		TokenURL:          cfg.TokenURL,
		UserinfoURL:       cfg.UserinfoURL,
		SigningAlgorithms: cfg.SigningAlgorithms,
		Source:            SourceOverrides,
	}
	return endpoints, nil
}

func (r *Resolver) fetch(ctx context.Context, discoveryURL string) (discoveryDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return discoveryDocument{}, err
	}
	req.Header.Set("Accept", "application/json")

	response, err := r.httpClient.Do(req)
	if err != nil {
		return discoveryDocument{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return discoveryDocument{}, fmt.Errorf("discovery request returned status %d", response.StatusCode)
	}

	var document discoveryDocument
	decoder := json.NewDecoder(io.LimitReader(response.Body, maxDiscoveryDocument))
	if err := decoder.Decode(&document); err != nil {
		return discoveryDocument{}, fmt.Errorf("decode discovery document: %w", err)
	}
	if document.Issuer == "" || document.AuthorizationEndpoint == "" || document.TokenEndpoint == "" {
		return discoveryDocument{}, errors.New("discovery document missing issuer, authorization or token endpoint")
	}
	return document, nil
}

func mergeEndpoints(cfg Config, document discoveryDocument) Endpoints {
	// Without issuer validation the document issuer is untrusted.
	issuer := cfg.IssuerURL
	if cfg.IssuerValidation {
		issuer = document.Issuer
	}
	endpoints := Endpoints{
		Issuer:            issuer,
		AuthorizationURL:  firstNonEmpty(cfg.AuthorizationURL, document.AuthorizationEndpoint),
		TokenURL:          firstNonEmpty(cfg.TokenURL, document.TokenEndpoint),
		UserinfoURL:       firstNonEmpty(cfg.UserinfoURL, document.UserinfoEndpoint),
		JWKSURL:           document.JWKSURI,
		SigningAlgorithms: document.IDTokenSigningAlgs,
		Source:            SourceDiscovery,
	}
	if len(cfg.SigningAlgorithms) > 0 {
		endpoints.SigningAlgorithms = cfg.SigningAlgorithms
	}
	if cfg.SigningDisabled {
		endpoints.SigningAlgorithms = nil
		endpoints.JWKSURL = ""
	}
	return endpoints
}

func sameIssuer(left, right string) bool {
	return strings.TrimSuffix(left, "/") == strings.TrimSuffix(right, "/")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
