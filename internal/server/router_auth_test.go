package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/auth"
	"github.com/TaraftarCell/oauth2-demo/internal/oauth"
	"github.com/TaraftarCell/oauth2-demo/internal/profile"
	"github.com/TaraftarCell/oauth2-demo/internal/providers"
	"github.com/TaraftarCell/oauth2-demo/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubOrchestrator struct {
	completion  oauth.Completion
	completeErr error
	completed   int
	abandoned   []string
}

func (s *stubOrchestrator) BeginLogin(_ context.Context, providerID string) (string, error) {
	return "https://idp.example.com/oauth2/authorize?provider=" + providerID, nil
}

func (s *stubOrchestrator) CompleteLogin(context.Context, string, string, string) (oauth.Completion, error) {
	s.completed++
	return s.completion, s.completeErr
}

func (s *stubOrchestrator) AbandonLogin(_ context.Context, _ string, state string) error {
	s.abandoned = append(s.abandoned, state)
	return nil
}

type stubLinker struct {
	userID  string
	linkErr error
}

func (s *stubLinker) LinkAndUpsert(context.Context, profile.CanonicalIdentity, users.Grant) (string, error) {
	return s.userID, s.linkErr
}

func (s *stubLinker) GetUser(_ context.Context, userID string) (users.User, error) {
	return users.User{ID: userID}, nil
}

type stubSessions struct {
	validateErr error
	issued      []string
}

func (s *stubSessions) Issue(_ context.Context, userID string) (string, time.Time, error) {
	s.issued = append(s.issued, userID)
	return "token-" + userID, time.Now().Add(time.Hour), nil
}

func (s *stubSessions) ValidateRequest(*http.Request) (string, error) {
	return "", s.validateErr
}

func (s *stubSessions) Revoke(context.Context, string) error {
	return nil
}

func (s *stubSessions) CookieName() string {
	return "app_session"
}

func newStubHandler(t *testing.T, orchestrator *stubOrchestrator, linker *stubLinker, sessions *stubSessions, logger *zap.Logger) *httpHandler {
	t.Helper()
	registry, err := providers.NewRegistry([]providers.Config{{
		ID:           "fenertalk",
		ClientID:     "client",
		ClientSecret: "secret",
		IssuerURL:    "https://idp.example.com/",
		Scopes:       []string{"profile"},
		PKCERequired: true,
	}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return &httpHandler{
		registry:     registry,
		orchestrator: orchestrator,
		users:        linker,
		sessions:     sessions,
		logger:       logger,
		homePath:     defaultHomePath,
		errorPath:    defaultErrorPath,
	}
}

func newCallbackContext(target string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, target, http.NoBody)
	ctx.Params = gin.Params{{Key: "provider", Value: "fenertalk"}}
	return ctx, recorder
}

func TestCallbackLogsFailuresAtCodeLevel(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantCode  string
		wantLevel zapcore.Level
	}{
		{name: "invalid state", err: oauth.ErrInvalidState, wantCode: oauth.CodeInvalidState, wantLevel: zapcore.InfoLevel},
		{name: "token exchange", err: fmt.Errorf("%w: status 500", oauth.ErrTokenExchangeFailed), wantCode: oauth.CodeTokenExchangeFailed, wantLevel: zapcore.WarnLevel},
		{name: "userinfo", err: fmt.Errorf("%w: status 502", oauth.ErrUserinfoFailed), wantCode: oauth.CodeUserinfoFailed, wantLevel: zapcore.WarnLevel},
		{name: "missing subject", err: profile.ErrMissingSubject, wantCode: oauth.CodeMissingSubject, wantLevel: zapcore.WarnLevel},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			sessions := &stubSessions{}
			handler := newStubHandler(t, &stubOrchestrator{completeErr: testCase.err}, &stubLinker{userID: "user-1"}, sessions, zap.New(core))
			ctx, recorder := newCallbackContext("/auth/callback/fenertalk?code=c&state=s")

			handler.handleCallback(ctx)

			if recorder.Code != http.StatusFound {
				t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusFound)
			}
			if location := recorder.Header().Get("Location"); location != "/auth/error?error="+testCase.wantCode {
				t.Fatalf("unexpected redirect %q", location)
			}
			if len(recorder.Result().Cookies()) != 0 || len(sessions.issued) != 0 {
				t.Fatalf("expected no session for a failed callback")
			}
			entries := logs.All()
			if len(entries) != 1 {
				t.Fatalf("expected exactly one log entry, got %d", len(entries))
			}
			if entries[0].Level != testCase.wantLevel {
				t.Fatalf("expected %s level, got %s", testCase.wantLevel, entries[0].Level)
			}
			if entries[0].ContextMap()["code"] != testCase.wantCode {
				t.Fatalf("expected code field %q, got %v", testCase.wantCode, entries[0].ContextMap())
			}
		})
	}
}

func TestCallbackLogsLinkFailureAtErrorLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sessions := &stubSessions{}
	handler := newStubHandler(t, &stubOrchestrator{}, &stubLinker{linkErr: errors.New("database locked")}, sessions, zap.New(core))
	ctx, recorder := newCallbackContext("/auth/callback/fenertalk?code=c&state=s")

	handler.handleCallback(ctx)

	if location := recorder.Header().Get("Location"); location != "/auth/error?error=login_failed" {
		t.Fatalf("unexpected redirect %q", location)
	}
	if len(sessions.issued) != 0 {
		t.Fatalf("expected no session when linking fails")
	}
	entries := logs.FilterLevelExact(zapcore.ErrorLevel).All()
	if len(entries) != 1 || entries[0].Message != "login failed" {
		t.Fatalf("expected one error entry, got %v", logs.All())
	}
}

func TestCallbackProviderErrorSkipsExchange(t *testing.T) {
	orchestrator := &stubOrchestrator{}
	handler := newStubHandler(t, orchestrator, &stubLinker{userID: "user-1"}, &stubSessions{}, zap.NewNop())
	ctx, recorder := newCallbackContext("/auth/callback/fenertalk?error=access_denied&state=s")

	handler.handleCallback(ctx)

	if location := recorder.Header().Get("Location"); location != "/auth/error?error=access_denied" {
		t.Fatalf("unexpected redirect %q", location)
	}
	if orchestrator.completed != 0 {
		t.Fatalf("expected no code exchange after provider error")
	}
	if len(orchestrator.abandoned) != 1 || orchestrator.abandoned[0] != "s" {
		t.Fatalf("expected the pending state to be abandoned, got %v", orchestrator.abandoned)
	}
}

func TestCallbackSetsSessionCookie(t *testing.T) {
	sessions := &stubSessions{}
	handler := newStubHandler(t, &stubOrchestrator{}, &stubLinker{userID: "user-1"}, sessions, zap.NewNop())
	handler.cookieSecure = true
	ctx, recorder := newCallbackContext("/auth/callback/fenertalk?code=c&state=s")

	handler.handleCallback(ctx)

	if recorder.Code != http.StatusFound || recorder.Header().Get("Location") != "/" {
		t.Fatalf("expected redirect home, got %d %q", recorder.Code, recorder.Header().Get("Location"))
	}
	cookies := recorder.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != "app_session" || cookie.Value != "token-user-1" {
		t.Fatalf("unexpected cookie %#v", cookie)
	}
	if !cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteLaxMode || cookie.Path != "/" {
		t.Fatalf("unexpected cookie attributes %#v", cookie)
	}
	if cookie.MaxAge <= 0 {
		t.Fatalf("expected a positive max age, got %d", cookie.MaxAge)
	}
}

func TestSessionLogsValidationFailures(t *testing.T) {
	testCases := []struct {
		name      string
		err       error
		wantLevel zapcore.Level
		wantLogs  int
	}{
		{name: "missing cookie", err: auth.ErrMissingSessionToken, wantLogs: 0},
		{name: "expired", err: auth.ErrSessionExpired, wantLevel: zapcore.DebugLevel, wantLogs: 1},
		{name: "unexpected", err: errors.New("database closed"), wantLevel: zapcore.InfoLevel, wantLogs: 1},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			handler := newStubHandler(t, &stubOrchestrator{}, &stubLinker{}, &stubSessions{validateErr: testCase.err}, zap.New(core))
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			ctx.Request = httptest.NewRequest(http.MethodGet, "/api/session", http.NoBody)

			handler.handleSession(ctx)

			if recorder.Code != http.StatusOK {
				t.Fatalf("unexpected status %d", recorder.Code)
			}
			if !strings.Contains(recorder.Body.String(), `"authenticated":false`) {
				t.Fatalf("expected unauthenticated payload, got %s", recorder.Body.String())
			}
			entries := logs.All()
			if len(entries) != testCase.wantLogs {
				t.Fatalf("expected %d log entries, got %d", testCase.wantLogs, len(entries))
			}
			if testCase.wantLogs == 1 && entries[0].Level != testCase.wantLevel {
				t.Fatalf("expected %s level, got %s", testCase.wantLevel, entries[0].Level)
			}
		})
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingRegistry) {
		t.Fatalf("expected missing registry error, got %v", err)
	}
}
