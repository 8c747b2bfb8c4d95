package providers

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrProviderNotFound indicates the requested provider id is not registered.
	ErrProviderNotFound = errors.New("providers: provider not found")
	// ErrInvalidProvider marks every load-time validation failure.
	ErrInvalidProvider = errors.New("providers: invalid provider config")
)

// Config describes a single upstream identity provider. It is immutable once
// the registry is built.
type Config struct {
	ID                string
	DisplayName       string
	ClientID          string
	ClientSecret      string
	IssuerURL         string
	DiscoveryURL      string
	AuthorizationURL  string
	TokenURL          string
	UserinfoURL       string
	Scopes            []string
	PKCERequired      bool
	IssuerValidation  bool
	SigningAlgorithms []string
	SigningDisabled   bool
}

// ConfigurationError reports a provider that cannot be used safely.
type ConfigurationError struct {
	ProviderID string
	Field      string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.ProviderID == "" {
		return fmt.Sprintf("%v: %s %s", ErrInvalidProvider, e.Field, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s %s", ErrInvalidProvider, e.ProviderID, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidProvider
}

// Registry is the validated, read-only set of providers known to the process.
type Registry struct {
	order     []string
	providers map[string]Config
}

// NewRegistry validates every provider and fails on the first problem found.
func NewRegistry(configs []Config) (*Registry, error) {
	if len(configs) == 0 {
		return nil, &ConfigurationError{Field: "providers", Reason: "must not be empty"}
	}
	registry := &Registry{
		order:     make([]string, 0, len(configs)),
		providers: make(map[string]Config, len(configs)),
	}
	for _, cfg := range configs {
		normalized, err := normalizeConfig(cfg)
		if err != nil {
			return nil, err
		}
		if _, exists := registry.providers[normalized.ID]; exists {
			return nil, &ConfigurationError{ProviderID: normalized.ID, Field: "id", Reason: "is duplicated"}
		}
		registry.order = append(registry.order, normalized.ID)
		registry.providers[normalized.ID] = normalized
	}
	return registry, nil
}

// Get returns the provider registered under id.
func (r *Registry) Get(id string) (Config, error) {
	cfg, ok := r.providers[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Config{}, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	return cfg, nil
}

// IDs lists provider ids in load order.
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

func normalizeConfig(cfg Config) (Config, error) {
	id := strings.ToLower(strings.TrimSpace(cfg.ID))
	if id == "" {
		return Config{}, &ConfigurationError{Field: "id", Reason: "is required"}
	}
	out := Config{
		ID:                id,
		DisplayName:       strings.TrimSpace(cfg.DisplayName),
		ClientID:          strings.TrimSpace(cfg.ClientID),
		ClientSecret:      strings.TrimSpace(cfg.ClientSecret),
		IssuerURL:         strings.TrimSpace(cfg.IssuerURL),
		DiscoveryURL:      strings.TrimSpace(cfg.DiscoveryURL),
		AuthorizationURL:  strings.TrimSpace(cfg.AuthorizationURL),
		TokenURL:          strings.TrimSpace(cfg.TokenURL),
		UserinfoURL:       strings.TrimSpace(cfg.UserinfoURL),
		PKCERequired:      cfg.PKCERequired,
		IssuerValidation:  cfg.IssuerValidation,
		SigningDisabled:   cfg.SigningDisabled,
		SigningAlgorithms: compact(cfg.SigningAlgorithms),
		Scopes:            compact(cfg.Scopes),
	}
	if out.DisplayName == "" {
		out.DisplayName = id
	}
	if out.ClientID == "" {
		return Config{}, &ConfigurationError{ProviderID: id, Field: "client_id", Reason: "is required"}
	}
	if out.ClientSecret == "" {
		return Config{}, &ConfigurationError{ProviderID: id, Field: "client_secret", Reason: "is required"}
	}
	if !isAbsoluteHTTPURL(out.IssuerURL) {
		return Config{}, &ConfigurationError{ProviderID: id, Field: "issuer", Reason: "must be an absolute http(s) URL"}
	}
	if len(out.Scopes) == 0 {
		return Config{}, &ConfigurationError{ProviderID: id, Field: "scopes", Reason: "must contain at least one scope"}
	}
	if out.DiscoveryURL == "" {
		out.DiscoveryURL = strings.TrimSuffix(out.IssuerURL, "/") + "/.well-known/openid-configuration"
	}
	optional := map[string]string{
		"discovery_url":     out.DiscoveryURL,
		"authorization_url": out.AuthorizationURL,
		"token_url":         out.TokenURL,
		"userinfo_url":      out.UserinfoURL,
	}
	for field, value := range optional {
		if value != "" && !isAbsoluteHTTPURL(value) {
			return Config{}, &ConfigurationError{ProviderID: id, Field: field, Reason: "must be an absolute http(s) URL"}
		}
	}
	if out.SigningDisabled {
		out.SigningAlgorithms = nil
	}
	return out, nil
}

// compact trims entries, drops blanks and duplicates, and keeps first-seen order.
func compact(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, field := range strings.Fields(value) {
			if _, ok := seen[field]; ok {
				continue
			}
			seen[field] = struct{}{}
			out = append(out, field)
		}
	}
	return out
}

func isAbsoluteHTTPURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}
	return parsed.Host != ""
}
