package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/metrics"
	"github.com/TaraftarCell/oauth2-demo/internal/users"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSessionTTL        = 30 * 24 * time.Hour
	defaultSessionIssuer     = "oauth2-demo"
	defaultSessionCookieName = "oauth2_demo_session"
)

// Session event labels reported to metrics.
const (
	sessionEventIssued   = "issued"
	sessionEventRevoked  = "revoked"
	sessionEventExpired  = "expired"
	sessionEventRejected = "rejected"
)

var (
	ErrMissingSessionDatabase   = errors.New("session manager: database required")
	ErrMissingSessionSigningKey = errors.New("session manager: signing key required")
	ErrMissingSessionUser       = errors.New("session manager: user id required")
	ErrMissingSessionToken      = errors.New("session manager: token required")
	// ErrSessionNotFound covers forged, malformed, revoked and unknown sessions.
	ErrSessionNotFound = errors.New("session manager: session not found")
	ErrSessionExpired  = errors.New("session manager: session expired")
)

// Session is the server-side record behind a session token.
type Session struct {
	ID        string     `gorm:"column:id;primaryKey;size:64"`
	UserID    string     `gorm:"column:user_id;size:64;not null;index"`
	User      users.User `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
	CreatedAt time.Time  `gorm:"column:created_at;not null"`
	ExpiresAt time.Time  `gorm:"column:expires_at;not null;index"`
}

// TableName exposes the table backing sessions.
func (Session) TableName() string {
	return "sessions"
}

// SessionManagerConfig describes how sessions are stored and signed.
type SessionManagerConfig struct {
	Database      *gorm.DB
	SigningSecret []byte
	Issuer        string
	CookieName    string
	TTL           time.Duration
	Clock         func() time.Time
	NewID         func() (string, error)
	Logger        *zap.Logger
	Metrics       *metrics.Recorder
}

// SessionManager issues, validates and revokes database-backed sessions.
type SessionManager struct {
	db         *gorm.DB
	codec      sessionTokenCodec
	cookieName string
	ttl        time.Duration
	clock      func() time.Time
	newID      func() (string, error)
	logger     *zap.Logger
	metrics    *metrics.Recorder
}

// NewSessionManager constructs a SessionManager with defaults applied.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Database == nil {
		return nil, ErrMissingSessionDatabase
	}
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = defaultSessionCookieName
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = newSessionID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		db: cfg.Database,
		codec: sessionTokenCodec{
			signingSecret: append([]byte(nil), cfg.SigningSecret...),
			issuer:        issuer,
			clock:         clock,
		},
		cookieName: cookieName,
		ttl:        ttl,
		clock:      clock,
		newID:      newID,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

func newSessionID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// CookieName returns the cookie name configured for session lookups.
func (m *SessionManager) CookieName() string {
	return m.cookieName
}

// Issue persists a new session for userID and returns its signed token.
func (m *SessionManager) Issue(ctx context.Context, userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, ErrMissingSessionUser
	}
	sessionID, err := m.newID()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session manager: generate id: %w", err)
	}

	// JWT timestamps have second precision; keep the row in step with the token.
	now := m.clock().UTC().Truncate(time.Second)
	expiresAt := now.Add(m.ttl)
	session := Session{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := m.db.WithContext(ctx).Omit("User").Create(&session).Error; err != nil {
		return "", time.Time{}, fmt.Errorf("session manager: persist session: %w", err)
	}

	token, err := m.codec.sign(sessionID, userID, now, expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	m.metrics.SessionEvent(sessionEventIssued)
	return token, expiresAt, nil
}

// Validate resolves a session token to its user id. Any failure means the
// caller is unauthenticated.
func (m *SessionManager) Validate(ctx context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", ErrMissingSessionToken
	}
	claims, err := m.codec.parse(token, false)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			m.metrics.SessionEvent(sessionEventExpired)
			return "", ErrSessionExpired
		}
		m.metrics.SessionEvent(sessionEventRejected)
		m.logger.Debug("session token rejected", zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}

	var session Session
	err = m.db.WithContext(ctx).Where("id = ?", claims.ID).Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m.metrics.SessionEvent(sessionEventRejected)
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("session manager: load session: %w", err)
	}
	if session.UserID != claims.Subject {
		m.metrics.SessionEvent(sessionEventRejected)
		return "", ErrSessionNotFound
	}
	if !m.clock().UTC().Before(session.ExpiresAt) {
		m.metrics.SessionEvent(sessionEventExpired)
		return "", ErrSessionExpired
	}
	return session.UserID, nil
}

// ValidateRequest extracts the configured cookie from the request and validates it.
func (m *SessionManager) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingSessionToken
	}
	cookie, err := r.Cookie(m.cookieName)
	if err != nil || cookie == nil {
		return "", ErrMissingSessionToken
	}
	return m.Validate(r.Context(), cookie.Value)
}

// Revoke deletes the session named by token. Expired tokens are accepted;
// tokens naming no session are a no-op.
func (m *SessionManager) Revoke(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	claims, err := m.codec.parse(token, true)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	result := m.db.WithContext(ctx).Where("id = ?", claims.ID).Delete(&Session{})
	if result.Error != nil {
		return fmt.Errorf("session manager: delete session: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		m.metrics.SessionEvent(sessionEventRevoked)
	}
	return nil
}

// DeleteExpired removes every session whose expiry is at or before now.
func (m *SessionManager) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := m.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&Session{})
	return result.RowsAffected, result.Error
}
