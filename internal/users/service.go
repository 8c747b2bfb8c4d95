package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/metrics"
	"github.com/TaraftarCell/oauth2-demo/internal/profile"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates the identity did not carry a provider and subject.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no user exists for the requested id.
	ErrUserNotFound = errors.New("users: user not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

const (
	opServiceNew = "users.service.new"
	opLink       = "users.link"
	opGetUser    = "users.get_user"
	opDeleteUser = "users.delete_user"
)

// ServiceError carries a dotted operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies required for identity linking.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Metrics    *metrics.Recorder
}

// Service links provider identities to local users.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	metrics    *metrics.Recorder
}

// NewService constructs the identity linker.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// LinkAndUpsert resolves identity to a local user id, creating the user and
// account on first login. Given name, family name and username are refreshed
// from the provider on every login; that refresh is best-effort and never
// fails the call.
func (s *Service) LinkAndUpsert(ctx context.Context, identity profile.CanonicalIdentity, grant Grant) (string, error) {
	provider := normalize(identity.Provider)
	subject := normalize(identity.Subject)
	if provider == "" || subject == "" {
		return "", ErrInvalidIdentity
	}

	var userID string
	account, err := s.findAccount(ctx, provider, subject)
	switch {
	case err == nil:
		userID = account.UserID
	case errors.Is(err, gorm.ErrRecordNotFound):
		created, createErr := s.createLinkedUser(ctx, identity, grant)
		if createErr == nil {
			userID = created
			break
		}
		// A concurrent first login may have won the unique (provider, subject)
		// insert; take the update path against its row.
		existing, lookupErr := s.findAccount(ctx, provider, subject)
		if lookupErr != nil {
			return "", newServiceError(opLink, "create_failed", createErr)
		}
		s.logger.Debug("account created concurrently, reusing existing link",
			zap.String("provider", provider),
			zap.String("user_id", existing.UserID),
			zap.Error(createErr),
		)
		userID = existing.UserID
	default:
		return "", newServiceError(opLink, "lookup_failed", err)
	}

	if err := s.updateProfile(ctx, userID, provider, subject, identity, grant); err != nil {
		s.logger.Warn("profile update failed",
			zap.String("provider", provider),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		s.metrics.ProfileUpdateFailed(provider)
	}
	return userID, nil
}

// GetUser loads a user with its linked accounts.
func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Preload("Accounts").
		Where("id = ?", normalize(userID)).
		Take(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, newServiceError(opGetUser, "query_failed", err)
	}
	return user, nil
}

// DeleteUser removes a user together with every account it owns.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&Account{}).Error; err != nil {
			return newServiceError(opDeleteUser, "accounts_failed", err)
		}
		result := tx.Where("id = ?", userID).Delete(&User{})
		if result.Error != nil {
			return newServiceError(opDeleteUser, "user_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}

func (s *Service) findAccount(ctx context.Context, provider, subject string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		Take(&account).
		Error
	return account, err
}

func (s *Service) createLinkedUser(ctx context.Context, identity profile.CanonicalIdentity, grant Grant) (string, error) {
	userID, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}
	accountID, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}

	user := User{
		ID:              userID,
		Name:            normalize(identity.Name),
		Email:           normalize(identity.Email),
		AvatarURL:       normalize(identity.AvatarURL),
		EmailVerifiedAt: identity.EmailVerifiedAt,
	}
	account := Account{
		ID:           accountID,
		UserID:       userID,
		Provider:     normalize(identity.Provider),
		Subject:      normalize(identity.Subject),
		Scope:        grant.Scope,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    grant.TokenType,
		ExpiresAt:    grant.expiresAtPtr(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		return tx.Create(&account).Error
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("user created",
		zap.String("provider", account.Provider),
		zap.String("user_id", userID),
	)
	return userID, nil
}

func (s *Service) updateProfile(ctx context.Context, userID, provider, subject string, identity profile.CanonicalIdentity, grant Grant) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&User{}).
			Where("id = ?", userID).
			Updates(map[string]interface{}{
				"given_name":  normalize(identity.GivenName),
				"family_name": normalize(identity.FamilyName),
				"username":    normalize(identity.PreferredUsername),
				"updated_at":  now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUserNotFound
		}

		accountUpdates := map[string]interface{}{
			"scope":      grant.Scope,
			"token_type": grant.TokenType,
			"expires_at": grant.expiresAtPtr(),
			"updated_at": now,
		}
		if grant.AccessToken != "" {
			accountUpdates["access_token"] = grant.AccessToken
		}
		if grant.RefreshToken != "" {
			accountUpdates["refresh_token"] = grant.RefreshToken
		}
		return tx.Model(&Account{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(accountUpdates).
			Error
	})
}
