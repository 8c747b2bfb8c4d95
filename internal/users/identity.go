package users

import (
	"strings"
	"time"
)

// User is the local account holder. Profile fields set at creation are kept
// unless the provider is the documented source of truth for them.
type User struct {
	ID              string     `gorm:"column:id;primaryKey;size:64"`
	Name            string     `gorm:"column:name;size:320"`
	Email           string     `gorm:"column:email;size:320;index"`
	AvatarURL       string     `gorm:"column:avatar_url;size:1024"`
	EmailVerifiedAt *time.Time `gorm:"column:email_verified_at"`
	GivenName       string     `gorm:"column:given_name;size:190"`
	FamilyName      string     `gorm:"column:family_name;size:190"`
	Username        string     `gorm:"column:username;size:190"`
	CreatedAt       time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time  `gorm:"column:updated_at;autoUpdateTime"`
	Accounts        []Account  `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Account links a provider subject to exactly one User.
type Account struct {
	ID           string     `gorm:"column:id;primaryKey;size:64"`
	UserID       string     `gorm:"column:user_id;size:64;not null;index"`
	Provider     string     `gorm:"column:provider;size:64;not null;uniqueIndex:idx_accounts_provider_subject"`
	Subject      string     `gorm:"column:subject;size:190;not null;uniqueIndex:idx_accounts_provider_subject"`
	Scope        string     `gorm:"column:scope;size:1024"`
	AccessToken  string     `gorm:"column:access_token;type:text"`
	RefreshToken string     `gorm:"column:refresh_token;type:text"`
	TokenType    string     `gorm:"column:token_type;size:32"`
	ExpiresAt    *time.Time `gorm:"column:expires_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing provider accounts.
func (Account) TableName() string {
	return "accounts"
}

// Grant carries the token metadata kept on an Account for later refresh.
type Grant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresAt    time.Time
}

func (g Grant) expiresAtPtr() *time.Time {
	if g.ExpiresAt.IsZero() {
		return nil
	}
	expiresAt := g.ExpiresAt.UTC()
	return &expiresAt
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
