package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/auth"
	"github.com/TaraftarCell/oauth2-demo/internal/metrics"
	"github.com/TaraftarCell/oauth2-demo/internal/oauth"
	"github.com/TaraftarCell/oauth2-demo/internal/profile"
	"github.com/TaraftarCell/oauth2-demo/internal/providers"
	"github.com/TaraftarCell/oauth2-demo/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultHomePath    = "/"
	defaultErrorPath   = "/auth/error"
	loginPathPrefix    = "/auth/login/"
	loginFailedMessage = "login failed, please retry"
	unknownProviderTag = "unknown"
)

var (
	errMissingRegistry     = errors.New("provider registry dependency required")
	errMissingOrchestrator = errors.New("login orchestrator dependency required")
	errMissingLinker       = errors.New("identity linker dependency required")
	errMissingSessions     = errors.New("session manager dependency required")
)

// LoginOrchestrator runs the provider side of a login.
type LoginOrchestrator interface {
	BeginLogin(ctx context.Context, providerID string) (string, error)
	CompleteLogin(ctx context.Context, providerID, code, state string) (oauth.Completion, error)
	AbandonLogin(ctx context.Context, providerID, state string) error
}

// IdentityLinker maps provider identities onto local users.
type IdentityLinker interface {
	LinkAndUpsert(ctx context.Context, identity profile.CanonicalIdentity, grant users.Grant) (string, error)
	GetUser(ctx context.Context, userID string) (users.User, error)
}

// SessionIssuer issues and resolves local sessions.
type SessionIssuer interface {
	Issue(ctx context.Context, userID string) (string, time.Time, error)
	ValidateRequest(r *http.Request) (string, error)
	Revoke(ctx context.Context, token string) error
	CookieName() string
}

type Dependencies struct {
	Registry       *providers.Registry
	Orchestrator   LoginOrchestrator
	Users          IdentityLinker
	Sessions       SessionIssuer
	Metrics        *metrics.Recorder
	Logger         *zap.Logger
	HomePath       string
	ErrorPath      string
	CookieSecure   bool
	AllowedOrigins []string
	HealthCheck    func(ctx context.Context) error
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Orchestrator == nil {
		return nil, errMissingOrchestrator
	}
	if deps.Users == nil {
		return nil, errMissingLinker
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	if len(deps.AllowedOrigins) > 0 {
		router.Use(corsMiddleware(deps.AllowedOrigins))
	}

	handler := &httpHandler{
		registry:     deps.Registry,
		orchestrator: deps.Orchestrator,
		users:        deps.Users,
		sessions:     deps.Sessions,
		metrics:      deps.Metrics,
		logger:       logger,
		homePath:     firstNonEmpty(deps.HomePath, defaultHomePath),
		errorPath:    firstNonEmpty(deps.ErrorPath, defaultErrorPath),
		cookieSecure: deps.CookieSecure,
		healthCheck:  deps.HealthCheck,
	}

	router.GET("/auth/login/:provider", handler.handleLogin)
	router.GET("/auth/callback/:provider", handler.handleCallback)
	router.POST("/auth/signout", handler.handleSignOut)
	router.GET("/auth/error", handler.handleLoginError)
	router.GET("/auth/providers", handler.handleProviders)
	router.GET("/api/session", handler.handleSession)
	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	registry     *providers.Registry
	orchestrator LoginOrchestrator
	users        IdentityLinker
	sessions     SessionIssuer
	metrics      *metrics.Recorder
	logger       *zap.Logger
	homePath     string
	errorPath    string
	cookieSecure bool
	healthCheck  func(ctx context.Context) error
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	providerID := c.Param("provider")
	cfg, err := h.registry.Get(providerID)
	if err != nil {
		h.failLogin(c, unknownProviderTag, oauth.CodeUnknownProvider, err)
		return
	}
	h.metrics.LoginStarted(cfg.ID)

	authURL, err := h.orchestrator.BeginLogin(c.Request.Context(), cfg.ID)
	if err != nil {
		h.failLogin(c, cfg.ID, oauth.ErrorCode(err), err)
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

func (h *httpHandler) handleCallback(c *gin.Context) {
	providerID := c.Param("provider")
	cfg, err := h.registry.Get(providerID)
	if err != nil {
		h.failLogin(c, unknownProviderTag, oauth.CodeUnknownProvider, err)
		return
	}

	if providerError := c.Query("error"); providerError != "" {
		h.logger.Info("provider denied authorization",
			zap.String("provider", cfg.ID),
			zap.String("provider_error", providerError),
		)
		if err := h.orchestrator.AbandonLogin(c.Request.Context(), cfg.ID, c.Query("state")); err != nil {
			h.logger.Warn("failed to discard pending authorization", zap.String("provider", cfg.ID), zap.Error(err))
		}
		h.metrics.LoginFinished(cfg.ID, oauth.CodeAccessDenied)
		h.redirectToError(c, oauth.CodeAccessDenied)
		return
	}

	ctx := c.Request.Context()
	completion, err := h.orchestrator.CompleteLogin(ctx, cfg.ID, c.Query("code"), c.Query("state"))
	if err != nil {
		h.failLogin(c, cfg.ID, oauth.ErrorCode(err), err)
		return
	}

	userID, err := h.users.LinkAndUpsert(ctx, completion.Identity, completion.Grant)
	if err != nil {
		h.failLogin(c, cfg.ID, oauth.CodeLoginFailed, err)
		return
	}

	token, expiresAt, err := h.sessions.Issue(ctx, userID)
	if err != nil {
		h.failLogin(c, cfg.ID, oauth.CodeLoginFailed, err)
		return
	}

	h.setSessionCookie(c, token, expiresAt)
	h.metrics.LoginFinished(cfg.ID, metrics.ResultSucceeded)
	h.logger.Info("login succeeded", zap.String("provider", cfg.ID), zap.String("user_id", userID))
	c.Redirect(http.StatusFound, h.homePath)
}

// failLogin records the outcome and sends the user agent to the error page.
// Only the machine code leaves the server.
func (h *httpHandler) failLogin(c *gin.Context, providerID, code string, err error) {
	fields := []zap.Field{
		zap.String("provider", providerID),
		zap.String("code", code),
		zap.Error(err),
	}
	switch code {
	case oauth.CodeInvalidState, oauth.CodeUnknownProvider:
		h.logger.Info("login rejected", fields...)
	case oauth.CodeLoginFailed:
		h.logger.Error("login failed", fields...)
	default:
		h.logger.Warn("login failed", fields...)
	}
	h.metrics.LoginFinished(providerID, code)
	h.redirectToError(c, code)
}

func (h *httpHandler) redirectToError(c *gin.Context, code string) {
	target := h.errorPath + "?error=" + url.QueryEscape(code)
	c.Redirect(http.StatusFound, target)
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	if cookie, err := c.Request.Cookie(h.sessions.CookieName()); err == nil && cookie.Value != "" {
		if err := h.sessions.Revoke(c.Request.Context(), cookie.Value); err != nil {
			h.logger.Info("session revoke failed", zap.Error(err))
		}
	}
	h.clearSessionCookie(c)
	c.Redirect(http.StatusSeeOther, h.homePath)
}

var knownErrorCodes = map[string]bool{
	oauth.CodeInvalidState:        true,
	oauth.CodeTokenExchangeFailed: true,
	oauth.CodeUserinfoFailed:      true,
	oauth.CodeMissingSubject:      true,
	oauth.CodeUnknownProvider:     true,
	oauth.CodeDiscoveryFailed:     true,
	oauth.CodeProviderTimeout:     true,
	oauth.CodeAccessDenied:        true,
	oauth.CodeLoginFailed:         true,
}

func (h *httpHandler) handleLoginError(c *gin.Context) {
	code := c.Query("error")
	if !knownErrorCodes[code] {
		code = oauth.CodeLoginFailed
	}
	c.JSON(http.StatusOK, gin.H{
		"error":   code,
		"message": loginFailedMessage,
	})
}

type providerPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	LoginURL string `json:"login_url"`
}

func (h *httpHandler) handleProviders(c *gin.Context) {
	ids := h.registry.IDs()
	response := make([]providerPayload, 0, len(ids))
	for _, id := range ids {
		cfg, err := h.registry.Get(id)
		if err != nil {
			continue
		}
		response = append(response, providerPayload{
			ID:       cfg.ID,
			Name:     cfg.DisplayName,
			LoginURL: loginPathPrefix + cfg.ID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": response})
}

type accountPayload struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
	Scope    string `json:"scope"`
}

type userPayload struct {
	ID              string           `json:"id"`
	Name            string           `json:"name,omitempty"`
	Email           string           `json:"email,omitempty"`
	Image           string           `json:"image,omitempty"`
	EmailVerifiedAt *time.Time       `json:"email_verified_at,omitempty"`
	GivenName       string           `json:"given_name,omitempty"`
	FamilyName      string           `json:"family_name,omitempty"`
	Username        string           `json:"username,omitempty"`
	Accounts        []accountPayload `json:"accounts"`
}

type sessionPayload struct {
	Authenticated bool         `json:"authenticated"`
	User          *userPayload `json:"user,omitempty"`
}

func (h *httpHandler) handleSession(c *gin.Context) {
	userID, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		h.logSessionFailure(err)
		c.JSON(http.StatusOK, sessionPayload{})
		return
	}

	user, err := h.users.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			c.JSON(http.StatusOK, sessionPayload{})
			return
		}
		h.logger.Error("failed to load session user", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_unavailable"})
		return
	}

	payload := &userPayload{
		ID:              user.ID,
		Name:            user.Name,
		Email:           user.Email,
		Image:           user.AvatarURL,
		EmailVerifiedAt: user.EmailVerifiedAt,
		GivenName:       user.GivenName,
		FamilyName:      user.FamilyName,
		Username:        user.Username,
		Accounts:        make([]accountPayload, 0, len(user.Accounts)),
	}
	for _, account := range user.Accounts {
		payload.Accounts = append(payload.Accounts, accountPayload{
			Provider: account.Provider,
			Subject:  account.Subject,
			Scope:    account.Scope,
		})
	}
	c.JSON(http.StatusOK, sessionPayload{Authenticated: true, User: payload})
}

func (h *httpHandler) logSessionFailure(err error) {
	switch {
	case errors.Is(err, auth.ErrMissingSessionToken):
		return
	case errors.Is(err, auth.ErrSessionExpired), errors.Is(err, auth.ErrSessionNotFound):
		h.logger.Debug("session validation failed", zap.Error(err))
	default:
		h.logger.Info("session validation failed", zap.Error(err))
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) setSessionCookie(c *gin.Context, token string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.sessions.CookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expiresAt.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *httpHandler) clearSessionCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.sessions.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
