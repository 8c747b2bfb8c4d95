// Package oauthtest runs an in-process identity provider that speaks the
// subset of OAuth2/OIDC the login flow relies on: discovery, authorization
// with S256 PKCE, code redemption and userinfo.
package oauthtest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/providers"
)

const (
	ClientID     = "demo-client"
	ClientSecret = "demo-secret"
)

type authorization struct {
	challenge   string
	redirectURI string
	scope       string
}

// Provider is a fake identity provider backed by httptest.
type Provider struct {
	server *httptest.Server

	mu               sync.Mutex
	codes            map[string]authorization
	accessTokens     map[string]bool
	claims           map[string]any
	tokenStatus      int
	userinfoStatus   int
	tokenDelay       time.Duration
	discoveryStatus  int
	discoveryCount   int
	tokenCount       int
	lastVerifier     string
	omitAccessToken  bool
	lastAuthorizeURL *url.URL
}

// NewProvider starts the provider and stops it when t finishes.
func NewProvider(t testing.TB) *Provider {
	t.Helper()
	provider := &Provider{
		codes:        map[string]authorization{},
		accessTokens: map[string]bool{},
		claims:       map[string]any{"sub": "abc123"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", provider.handleDiscovery)
	mux.HandleFunc("/oauth2/authorize", provider.handleAuthorize)
	mux.HandleFunc("/oauth2/token", provider.handleToken)
	mux.HandleFunc("/oauth2/userinfo", provider.handleUserinfo)
	provider.server = httptest.NewServer(mux)
	t.Cleanup(provider.server.Close)
	return provider
}

// URL is the provider base URL.
func (p *Provider) URL() string {
	return p.server.URL
}

// Config returns a provider registration pointing at this server.
func (p *Provider) Config(id string) providers.Config {
	return providers.Config{
		ID:           id,
		DisplayName:  id,
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		IssuerURL:    p.server.URL + "/",
		Scopes:       []string{"profile", "email", id + ".read", id + ".write"},
		PKCERequired: true,
	}
}

// SetClaims replaces the userinfo claims returned for every access token.
func (p *Provider) SetClaims(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claims = claims
}

// FailToken makes the token endpoint answer with status.
func (p *Provider) FailToken(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
}

// FailUserinfo makes the userinfo endpoint answer with status.
func (p *Provider) FailUserinfo(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfoStatus = status
}

// FailDiscovery makes the discovery endpoint answer with status.
func (p *Provider) FailDiscovery(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryStatus = status
}

// DelayToken stalls the token endpoint before it answers.
func (p *Provider) DelayToken(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenDelay = delay
}

// OmitAccessToken makes the token endpoint answer 200 without an access token.
func (p *Provider) OmitAccessToken() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitAccessToken = true
}

func (p *Provider) DiscoveryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveryCount
}

func (p *Provider) TokenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCount
}

// LastVerifier is the code_verifier of the most recent token request.
func (p *Provider) LastVerifier() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastVerifier
}

// LastAuthorizeURL is the most recent authorization request received.
func (p *Provider) LastAuthorizeURL() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastAuthorizeURL
}

// Approve follows authURL as a consenting user would and returns the callback
// URL the provider redirected to.
func (p *Provider) Approve(authURL string) (*url.URL, error) {
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	response, err := client.Get(authURL)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("authorize returned status %d", response.StatusCode)
	}
	return url.Parse(response.Header.Get("Location"))
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.discoveryCount++
	status := p.discoveryStatus
	p.mu.Unlock()
	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.server.URL + "/",
		"authorization_endpoint":                p.server.URL + "/oauth2/authorize",
		"token_endpoint":                        p.server.URL + "/oauth2/token",
		"userinfo_endpoint":                     p.server.URL + "/oauth2/userinfo",
		"jwks_uri":                              p.server.URL + "/oauth2/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	p.mu.Lock()
	p.lastAuthorizeURL = r.URL
	p.mu.Unlock()

	if query.Get("client_id") != ClientID || query.Get("response_type") != "code" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if query.Get("code_challenge") != "" && query.Get("code_challenge_method") != "S256" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	redirectURI, err := url.Parse(query.Get("redirect_uri"))
	if err != nil || redirectURI.Scheme == "" {
		http.Error(w, "invalid_redirect_uri", http.StatusBadRequest)
		return
	}

	code := randomValue()
	p.mu.Lock()
	p.codes[code] = authorization{
		challenge:   query.Get("code_challenge"),
		redirectURI: redirectURI.String(),
		scope:       query.Get("scope"),
	}
	p.mu.Unlock()

	values := redirectURI.Query()
	values.Set("code", code)
	values.Set("state", query.Get("state"))
	redirectURI.RawQuery = values.Encode()
	http.Redirect(w, r, redirectURI.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	p.mu.Lock()
	p.tokenCount++
	status := p.tokenStatus
	delay := p.tokenDelay
	omit := p.omitAccessToken
	p.lastVerifier = r.PostForm.Get("code_verifier")
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"error": "server_error"})
		return
	}

	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}
	if clientID != ClientID || clientSecret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	grant, found := p.codes[code]
	delete(p.codes, code)
	p.mu.Unlock()
	if !found || grant.redirectURI != r.PostForm.Get("redirect_uri") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}
	if grant.challenge != "" && s256(r.PostForm.Get("code_verifier")) != grant.challenge {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "pkce verification failed"})
		return
	}

	accessToken := randomValue()
	p.mu.Lock()
	p.accessTokens[accessToken] = true
	p.mu.Unlock()

	body := map[string]any{
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": randomValue(),
		"scope":         grant.scope,
	}
	if !omit {
		body["access_token"] = accessToken
	}
	writeJSON(w, http.StatusOK, body)
}

func (p *Provider) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	status := p.userinfoStatus
	claims := p.claims
	p.mu.Unlock()
	if status != 0 {
		http.Error(w, "userinfo unavailable", status)
		return
	}

	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	p.mu.Lock()
	known := p.accessTokens[header[len(prefix):]]
	p.mu.Unlock()
	if !known {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomValue() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
