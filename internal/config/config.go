package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/providers"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "OAUTH2DEMO"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultPublicURL         = "http://localhost:8080"
	defaultHomePath          = "/"
	defaultErrorPath         = "/auth/error"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "oauth2-demo.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultSessionIssuer     = "oauth2-demo"
	defaultSessionCookieName = "oauth2_demo_session"
	defaultSessionTTL        = 30 * 24 * time.Hour
	defaultStateTTL          = 10 * time.Minute
	defaultProviderTimeout   = 10 * time.Second
	defaultSweepInterval     = 5 * time.Minute

	// Legacy deployment variable carrying the shared identity platform base URL.
	legacyBaseURLEnv = "TARAFTARCELL_OAUTH_URL"
)

// State store backends.
const (
	StateStoreDatabase = "database"
	StateStoreRedis    = "redis"
)

// Built-in provider ids enabled by default.
var defaultProviders = []string{"fenertalk", "galatalk"}

var defaultDisplayNames = map[string]string{
	"fenertalk": "Fenertalk",
	"galatalk":  "Galatalk",
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	PublicURL      string
	HomePath       string
	ErrorPath      string
	AllowedOrigins []string
	LogLevel       string
	LogEncoding    string
	Database       DatabaseConfig
	Session        SessionConfig
	OAuth          OAuthConfig
	Redis          RedisConfig
	Providers      []providers.Config
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// SessionConfig describes session token signing and the session cookie.
type SessionConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
	CookieSecure  bool
	TTL           time.Duration
}

// OAuthConfig holds settings shared by every provider login.
type OAuthConfig struct {
	BaseURL                  string
	StateTTL                 time.Duration
	ProviderTimeout          time.Duration
	SweepInterval            time.Duration
	StateStore               string
	DiscoveryRefreshInterval time.Duration
}

// RedisConfig addresses the optional pending-state redis.
type RedisConfig struct {
	Address   string
	DB        int
	KeyPrefix string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.public_url", defaultPublicURL)
	configViper.SetDefault("http.home_path", defaultHomePath)
	configViper.SetDefault("http.error_path", defaultErrorPath)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultSessionCookieName)
	configViper.SetDefault("session.cookie_secure", false)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("oauth.state_ttl", defaultStateTTL)
	configViper.SetDefault("oauth.provider_timeout", defaultProviderTimeout)
	configViper.SetDefault("oauth.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("oauth.state_store", StateStoreDatabase)
	configViper.SetDefault("discovery.refresh_interval", time.Duration(0))
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("providers.enabled", defaultProviders)

	_ = configViper.BindEnv("oauth.base_url", envPrefix+"_OAUTH_BASE_URL", legacyBaseURLEnv)
	for _, id := range defaultProviders {
		bindProviderEnv(configViper, id)
	}
}

// bindProviderEnv accepts both the prefixed names and the legacy
// AUTH_<ID>_CLIENT_ID style names for provider credentials.
func bindProviderEnv(configViper *viper.Viper, id string) {
	upper := strings.ToUpper(id)
	for _, field := range []string{"client_id", "client_secret"} {
		key := fmt.Sprintf("providers.%s.%s", id, field)
		prefixed := fmt.Sprintf("%s_PROVIDERS_%s_%s", envPrefix, upper, strings.ToUpper(field))
		legacy := fmt.Sprintf("AUTH_%s_%s", upper, strings.ToUpper(field))
		_ = configViper.BindEnv(key, prefixed, legacy)
	}
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		PublicURL:      strings.TrimRight(strings.TrimSpace(configViper.GetString("http.public_url")), "/"),
		HomePath:       configViper.GetString("http.home_path"),
		ErrorPath:      configViper.GetString("http.error_path"),
		AllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			DSN:    configViper.GetString("database.dsn"),
		},
		Session: SessionConfig{
			SigningSecret: configViper.GetString("session.signing_secret"),
			Issuer:        configViper.GetString("session.issuer"),
			CookieName:    configViper.GetString("session.cookie_name"),
			CookieSecure:  configViper.GetBool("session.cookie_secure"),
			TTL:           configViper.GetDuration("session.ttl"),
		},
		OAuth: OAuthConfig{
			BaseURL:                  strings.TrimRight(strings.TrimSpace(configViper.GetString("oauth.base_url")), "/"),
			StateTTL:                 configViper.GetDuration("oauth.state_ttl"),
			ProviderTimeout:          configViper.GetDuration("oauth.provider_timeout"),
			SweepInterval:            configViper.GetDuration("oauth.sweep_interval"),
			StateStore:               strings.ToLower(strings.TrimSpace(configViper.GetString("oauth.state_store"))),
			DiscoveryRefreshInterval: configViper.GetDuration("discovery.refresh_interval"),
		},
		Redis: RedisConfig{
			Address:   configViper.GetString("redis.address"),
			DB:        configViper.GetInt("redis.db"),
			KeyPrefix: configViper.GetString("redis.key_prefix"),
		},
	}

	for _, id := range splitList(configViper.GetStringSlice("providers.enabled")) {
		id = strings.ToLower(id)
		bindProviderEnv(configViper, id)
		cfg.Providers = append(cfg.Providers, loadProvider(configViper, id, cfg.OAuth.BaseURL))
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// loadProvider reads providers.<id>.* and fills endpoints left unset from the
// shared identity platform base URL.
func loadProvider(configViper *viper.Viper, id, baseURL string) providers.Config {
	key := func(field string) string {
		return fmt.Sprintf("providers.%s.%s", id, field)
	}

	pkce := true
	if configViper.IsSet(key("pkce")) {
		pkce = configViper.GetBool(key("pkce"))
	}
	scopes := splitList(configViper.GetStringSlice(key("scopes")))
	if len(scopes) == 0 {
		scopes = []string{"profile", "email", id + ".read", id + ".write"}
	}
	displayName := configViper.GetString(key("name"))
	if displayName == "" {
		displayName = defaultDisplayNames[id]
	}

	provider := providers.Config{
		ID:                id,
		DisplayName:       displayName,
		ClientID:          configViper.GetString(key("client_id")),
		ClientSecret:      configViper.GetString(key("client_secret")),
		IssuerURL:         configViper.GetString(key("issuer_url")),
		DiscoveryURL:      configViper.GetString(key("discovery_url")),
		AuthorizationURL:  configViper.GetString(key("authorization_url")),
		TokenURL:          configViper.GetString(key("token_url")),
		UserinfoURL:       configViper.GetString(key("userinfo_url")),
		Scopes:            scopes,
		PKCERequired:      pkce,
		IssuerValidation:  configViper.GetBool(key("issuer_validation")),
		SigningAlgorithms: splitList(configViper.GetStringSlice(key("signing_algorithms"))),
		SigningDisabled:   configViper.GetBool(key("signing_disabled")),
	}

	if baseURL != "" {
		provider.IssuerURL = firstNonEmpty(provider.IssuerURL, baseURL+"/")
		provider.DiscoveryURL = firstNonEmpty(provider.DiscoveryURL, baseURL+"/.well-known/openid-configuration")
		provider.AuthorizationURL = firstNonEmpty(provider.AuthorizationURL, baseURL+"/oauth2/authorize")
		provider.TokenURL = firstNonEmpty(provider.TokenURL, baseURL+"/oauth2/token")
		provider.UserinfoURL = firstNonEmpty(provider.UserinfoURL, baseURL+"/oauth2/userinfo")
	}
	return provider
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Session.SigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.Session.CookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres")
	}
	parsed, err := url.Parse(c.PublicURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("http.public_url must be an absolute http(s) URL")
	}
	switch c.OAuth.StateStore {
	case StateStoreDatabase:
	case StateStoreRedis:
		if strings.TrimSpace(c.Redis.Address) == "" {
			return fmt.Errorf("redis.address is required when oauth.state_store is redis")
		}
	default:
		return fmt.Errorf("oauth.state_store must be database or redis")
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("providers.enabled must list at least one provider")
	}
	return nil
}

// splitList accepts both repeated values and comma separated strings, which
// is how list values arrive from the environment.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			for _, field := range strings.Fields(part) {
				out = append(out, field)
			}
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
