package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/oauth/oauthtest"
	"github.com/TaraftarCell/oauth2-demo/internal/profile"
	"github.com/TaraftarCell/oauth2-demo/internal/providers"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testRedirectBase = "https://app.example.com"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	idp          *oauthtest.Provider
	db           *gorm.DB
	clock        *testClock
	orchestrator *Orchestrator
}

type harnessOption func(*Config, []providers.Config)

func withProviderTimeout(timeout time.Duration) harnessOption {
	return func(cfg *Config, _ []providers.Config) {
		cfg.ProviderTimeout = timeout
	}
}

func withoutPKCE() harnessOption {
	return func(_ *Config, configs []providers.Config) {
		for i := range configs {
			configs[i].PKCERequired = false
		}
	}
}

func openStateDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "state.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&PendingAuthorization{}); err != nil {
		t.Fatalf("failed to migrate pending authorizations: %v", err)
	}
	return db
}

func newHarness(t *testing.T, options ...harnessOption) *harness {
	t.Helper()
	idp := oauthtest.NewProvider(t)
	db := openStateDatabase(t)
	store, err := NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	clock := &testClock{now: time.Now().UTC()}

	configs := []providers.Config{idp.Config("fenertalk"), idp.Config("galatalk")}
	cfg := Config{
		Resolver:        providers.NewResolver(providers.ResolverConfig{Timeout: 2 * time.Second}),
		Store:           store,
		RedirectBaseURL: testRedirectBase + "/",
		Clock:           clock.Now,
		Logger:          zap.NewNop(),
	}
	for _, option := range options {
		option(&cfg, configs)
	}
	registry, err := providers.NewRegistry(configs)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	cfg.Registry = registry

	orchestrator, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}
	return &harness{idp: idp, db: db, clock: clock, orchestrator: orchestrator}
}

func (h *harness) begin(t *testing.T, providerID string) (string, string) {
	t.Helper()
	authURL, err := h.orchestrator.BeginLogin(context.Background(), providerID)
	if err != nil {
		t.Fatalf("begin login failed: %v", err)
	}
	callback, err := h.idp.Approve(authURL)
	if err != nil {
		t.Fatalf("provider rejected authorization request: %v", err)
	}
	query := callback.Query()
	return query.Get("code"), query.Get("state")
}

func (h *harness) pending(t *testing.T, state string) (PendingAuthorization, bool) {
	t.Helper()
	var pending PendingAuthorization
	err := h.db.Where("state = ?", state).Take(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return PendingAuthorization{}, false
	}
	if err != nil {
		t.Fatalf("failed to load pending authorization: %v", err)
	}
	return pending, true
}

func TestBeginLoginBuildsAuthorizationURL(t *testing.T) {
	h := newHarness(t)

	authURL, err := h.orchestrator.BeginLogin(context.Background(), "Fenertalk")
	if err != nil {
		t.Fatalf("begin login failed: %v", err)
	}
	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("invalid authorization url: %v", err)
	}
	if got := parsed.Scheme + "://" + parsed.Host + parsed.Path; got != h.idp.URL()+"/oauth2/authorize" {
		t.Fatalf("unexpected authorization endpoint %q", got)
	}

	query := parsed.Query()
	expectations := map[string]string{
		"response_type":         "code",
		"client_id":             oauthtest.ClientID,
		"redirect_uri":          testRedirectBase + "/auth/callback/fenertalk",
		"scope":                 "profile email fenertalk.read fenertalk.write",
		"code_challenge_method": "S256",
	}
	for key, want := range expectations {
		if got := query.Get(key); got != want {
			t.Fatalf("expected %s=%q, got %q", key, want, got)
		}
	}

	state := query.Get("state")
	if len(state) != 43 {
		t.Fatalf("expected 32 byte base64url state, got %q", state)
	}
	pending, ok := h.pending(t, state)
	if !ok {
		t.Fatalf("expected pending authorization to be persisted")
	}
	if pending.Provider != "fenertalk" {
		t.Fatalf("expected pending authorization bound to fenertalk, got %q", pending.Provider)
	}
	if pending.CodeVerifier == "" || pending.CodeVerifier == pending.CodeChallenge {
		t.Fatalf("expected distinct verifier and challenge, got %#v", pending)
	}
	if query.Get("code_challenge") != ComputeS256Challenge(pending.CodeVerifier) {
		t.Fatalf("expected challenge derived from stored verifier")
	}
	if got := pending.ExpiresAt.Sub(pending.CreatedAt); got != defaultStateTTL {
		t.Fatalf("expected default state ttl, got %v", got)
	}
}

func TestBeginLoginWithoutPKCEOmitsChallenge(t *testing.T) {
	h := newHarness(t, withoutPKCE())

	code, state := h.begin(t, "galatalk")
	authorizeURL := h.idp.LastAuthorizeURL()
	if authorizeURL.Query().Get("code_challenge") != "" {
		t.Fatalf("expected no code challenge without pkce")
	}
	if _, err := h.orchestrator.CompleteLogin(context.Background(), "galatalk", code, state); err != nil {
		t.Fatalf("complete login failed: %v", err)
	}
	if h.idp.LastVerifier() != "" {
		t.Fatalf("expected no code verifier to be sent")
	}
}

func TestBeginLoginGeneratesUniqueStateAndVerifier(t *testing.T) {
	h := newHarness(t)

	states := map[string]bool{}
	verifiers := map[string]bool{}
	for i := 0; i < 20; i++ {
		authURL, err := h.orchestrator.BeginLogin(context.Background(), "fenertalk")
		if err != nil {
			t.Fatalf("begin login failed: %v", err)
		}
		parsed, _ := url.Parse(authURL)
		state := parsed.Query().Get("state")
		pending, ok := h.pending(t, state)
		if !ok {
			t.Fatalf("expected pending authorization for %q", state)
		}
		if states[state] || verifiers[pending.CodeVerifier] {
			t.Fatalf("expected fresh state and verifier on attempt %d", i)
		}
		states[state] = true
		verifiers[pending.CodeVerifier] = true
	}
}

func TestBeginLoginRejectsUnknownProvider(t *testing.T) {
	h := newHarness(t)

	_, err := h.orchestrator.BeginLogin(context.Background(), "besiktalk")
	if ErrorCode(err) != CodeUnknownProvider {
		t.Fatalf("expected unknown_provider, got %v", err)
	}
}

func TestBeginLoginReportsDiscoveryFailure(t *testing.T) {
	h := newHarness(t)
	h.idp.FailDiscovery(http.StatusServiceUnavailable)

	_, err := h.orchestrator.BeginLogin(context.Background(), "fenertalk")
	if ErrorCode(err) != CodeDiscoveryFailed {
		t.Fatalf("expected discovery_failed, got %v", err)
	}
	var count int64
	h.db.Model(&PendingAuthorization{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no pending authorization after discovery failure, got %d", count)
	}
}

func TestCompleteLoginReturnsIdentityAndGrant(t *testing.T) {
	h := newHarness(t)
	h.idp.SetClaims(map[string]any{
		"sub":            "abc123",
		"email":          "a@x.com",
		"given_name":     "Ali",
		"email_verified": true,
	})

	code, state := h.begin(t, "fenertalk")
	pending, _ := h.pending(t, state)

	completion, err := h.orchestrator.CompleteLogin(context.Background(), "fenertalk", code, state)
	if err != nil {
		t.Fatalf("complete login failed: %v", err)
	}
	identity := completion.Identity
	if identity.Provider != "fenertalk" || identity.Subject != "abc123" {
		t.Fatalf("unexpected identity %#v", identity)
	}
	if identity.Email != "a@x.com" || identity.Name != "Ali" {
		t.Fatalf("unexpected profile fields %#v", identity)
	}
	if identity.EmailVerifiedAt == nil || !identity.EmailVerifiedAt.Equal(h.clock.Now()) {
		t.Fatalf("expected email verified at login time, got %v", identity.EmailVerifiedAt)
	}
	if completion.Grant.AccessToken == "" || completion.Grant.RefreshToken == "" {
		t.Fatalf("expected grant tokens, got %#v", completion.Grant)
	}
	if completion.Grant.Scope != "profile email fenertalk.read fenertalk.write" {
		t.Fatalf("unexpected granted scope %q", completion.Grant.Scope)
	}
	if completion.Grant.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", completion.Grant.TokenType)
	}
	if h.idp.LastVerifier() != pending.CodeVerifier {
		t.Fatalf("expected stored verifier to be sent to the token endpoint")
	}
	if _, ok := h.pending(t, state); ok {
		t.Fatalf("expected pending authorization to be consumed")
	}
}

func TestCompleteLoginRejectsReplayedState(t *testing.T) {
	h := newHarness(t)

	code, state := h.begin(t, "fenertalk")
	if _, err := h.orchestrator.CompleteLogin(context.Background(), "fenertalk", code, state); err != nil {
		t.Fatalf("first completion failed: %v", err)
	}
	tokenCalls := h.idp.TokenCount()

	_, err := h.orchestrator.CompleteLogin(context.Background(), "fenertalk", code, state)
	if !errors.Is(err, ErrInvalidState) || ErrorCode(err) != CodeInvalidState {
		t.Fatalf("expected invalid_state on replay, got %v", err)
	}
	if h.idp.TokenCount() != tokenCalls {
		t.Fatalf("expected replay to stop before the token endpoint")
	}
}

func TestAbandonLoginDestroysPendingAuthorization(t *testing.T) {
	h := newHarness(t)

	code, state := h.begin(t, "fenertalk")
	if err := h.orchestrator.AbandonLogin(context.Background(), "fenertalk", state); err != nil {
		t.Fatalf("abandon login failed: %v", err)
	}
	if _, ok := h.pending(t, state); ok {
		t.Fatalf("expected pending authorization to be destroyed")
	}

	_, err := h.orchestrator.CompleteLogin(context.Background(), "fenertalk", code, state)
	if ErrorCode(err) != CodeInvalidState {
		t.Fatalf("expected invalid_state after abandon, got %v", err)
	}
	if h.idp.TokenCount() != 0 {
		t.Fatalf("expected no code exchange for an abandoned state")
	}

	for _, unknown := range []string{"", "never-issued", state} {
		if err := h.orchestrator.AbandonLogin(context.Background(), "fenertalk", unknown); err != nil {
			t.Fatalf("expected abandon of %q to be a no-op, got %v", unknown, err)
		}
	}
}

func TestCompleteLoginKeepsLargeNumericSubjectExact(t *testing.T) {
	h := newHarness(t)
	h.idp.SetClaims(map[string]any{"sub": json.Number("9007199254740993")})

	code, state := h.begin(t, "fenertalk")
	completion, err := h.orchestrator.CompleteLogin(context.Background(), "fenertalk", code, state)
	if err != nil {
		t.Fatalf("complete login failed: %v", err)
	}
	if completion.Identity.Subject != "9007199254740993" {
		t.Fatalf("expected subject digits to be preserved, got %q", completion.Identity.Subject)
	}
}

func TestCompleteLoginConcurrentCallbacksSucceedOnce(t *testing.T) {
	h := newHarness(t)
	code, state := h.begin(t, "fenertalk")

	const callers = 5
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orchestrator.CompleteLogin(context.Background(), "fenertalk", code, state)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		case ErrorCode(err) != CodeInvalidState:
			t.Fatalf("expected losers to fail with invalid_state, got %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful completion, got %d", successes)
	}
}

func TestCompleteLoginRejectsInvalidStates(t *testing.T) {
	testCases := []struct {
		name    string
		prepare func(t *testing.T, h *harness) (provider, code, state string)
	}{
		{
			name: "empty",
			prepare: func(t *testing.T, h *harness) (string, string, string) {
				return "fenertalk", "code", ""
			},
		},
		{
			name: "never issued",
			prepare: func(t *testing.T, h *harness) (string, string, string) {
				return "fenertalk", "code", "forged-state"
			},
		},
		{
			name: "other provider",
			prepare: func(t *testing.T, h *harness) (string, string, string) {
				code, state := h.begin(t, "fenertalk")
				return "galatalk", code, state
			},
		},
		{
			name: "expired",
			prepare: func(t *testing.T, h *harness) (string, string, string) {
				code, state := h.begin(t, "fenertalk")
				h.clock.Advance(defaultStateTTL + time.Second)
				return "fenertalk", code, state
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := newHarness(t)
			provider, code, state := testCase.prepare(t, h)
			_, err := h.orchestrator.CompleteLogin(context.Background(), provider, code, state)
			if ErrorCode(err) != CodeInvalidState {
				t.Fatalf("expected invalid_state, got %v", err)
			}
			if h.idp.TokenCount() != 0 {
				t.Fatalf("expected no token request for an invalid state")
			}
		})
	}
}

func TestCompleteLoginStateBoundToOtherProviderIsBurned(t *testing.T) {
	h := newHarness(t)
	code, state := h.begin(t, "fenertalk")

	if _, err := h.orchestrator.CompleteLogin(context.Background(), "galatalk", code, state); ErrorCode(err) != CodeInvalidState {
		t.Fatalf("expected invalid_state for cross-provider callback, got %v", err)
	}
	if _, err := h.orchestrator.CompleteLogin(context.Background(), "fenertalk", code, state); ErrorCode(err) != CodeInvalidState {
		t.Fatalf("expected state to be unusable after a mismatched callback, got %v", err)
	}
}

func TestCompleteLoginProviderFailures(t *testing.T) {
	testCases := []struct {
		name     string
		options  []harnessOption
		arrange  func(idp *oauthtest.Provider)
		wantCode string
		wantErr  error
	}{
		{
			name:     "token endpoint error",
			arrange:  func(idp *oauthtest.Provider) { idp.FailToken(http.StatusInternalServerError) },
			wantCode: CodeTokenExchangeFailed,
			wantErr:  ErrTokenExchangeFailed,
		},
		{
			name:     "token response without access token",
			arrange:  func(idp *oauthtest.Provider) { idp.OmitAccessToken() },
			wantCode: CodeTokenExchangeFailed,
			wantErr:  ErrTokenExchangeFailed,
		},
		{
			name:     "userinfo error",
			arrange:  func(idp *oauthtest.Provider) { idp.FailUserinfo(http.StatusBadGateway) },
			wantCode: CodeUserinfoFailed,
			wantErr:  ErrUserinfoFailed,
		},
		{
			name:     "userinfo without subject",
			arrange:  func(idp *oauthtest.Provider) { idp.SetClaims(map[string]any{"email": "a@x.com"}) },
			wantCode: CodeMissingSubject,
			wantErr:  profile.ErrMissingSubject,
		},
		{
			name:     "token endpoint timeout",
			options:  []harnessOption{withProviderTimeout(50 * time.Millisecond)},
			arrange:  func(idp *oauthtest.Provider) { idp.DelayToken(2 * time.Second) },
			wantCode: CodeProviderTimeout,
			wantErr:  ErrTokenExchangeFailed,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := newHarness(t, testCase.options...)
			code, state := h.begin(t, "fenertalk")
			testCase.arrange(h.idp)

			completion, err := h.orchestrator.CompleteLogin(context.Background(), "fenertalk", code, state)
			if err == nil {
				t.Fatalf("expected failure, got completion %#v", completion)
			}
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if got := ErrorCode(err); got != testCase.wantCode {
				t.Fatalf("expected code %q, got %q (%v)", testCase.wantCode, got, err)
			}
		})
	}
}

func TestErrorCodeMapping(t *testing.T) {
	testCases := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("%w: replay", ErrInvalidState), want: CodeInvalidState},
		{err: fmt.Errorf("%w: x", ErrUnknownProvider), want: CodeUnknownProvider},
		{err: profile.ErrMissingSubject, want: CodeMissingSubject},
		{err: &providers.DiscoveryError{ProviderID: "fenertalk", Err: errors.New("down")}, want: CodeDiscoveryFailed},
		{err: fmt.Errorf("%w: %w", ErrUserinfoFailed, ErrProviderTimeout), want: CodeProviderTimeout},
		{err: fmt.Errorf("%w: 500", ErrTokenExchangeFailed), want: CodeTokenExchangeFailed},
		{err: fmt.Errorf("%w: 502", ErrUserinfoFailed), want: CodeUserinfoFailed},
		{err: errors.New("database is locked"), want: CodeLoginFailed},
	}
	for _, testCase := range testCases {
		if got := ErrorCode(testCase.err); got != testCase.want {
			t.Fatalf("ErrorCode(%v) = %q, want %q", testCase.err, got, testCase.want)
		}
	}
}

func TestNewOrchestratorValidatesConfig(t *testing.T) {
	if _, err := NewOrchestrator(Config{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}
