package oauth

import (
	"context"
	"errors"
	"time"
)

// ErrStateNotFound indicates the state was never issued or was already consumed.
var ErrStateNotFound = errors.New("oauth: pending authorization not found")

// PendingAuthorization is the server-side half of an in-flight login. It is
// created by BeginLogin and destroyed by the first CompleteLogin that names it.
type PendingAuthorization struct {
	State         string    `gorm:"column:state;primaryKey;size:128" json:"state"`
	Provider      string    `gorm:"column:provider;size:64;not null" json:"provider"`
	CodeVerifier  string    `gorm:"column:code_verifier;size:128" json:"code_verifier,omitempty"`
	CodeChallenge string    `gorm:"column:code_challenge;size:128" json:"code_challenge,omitempty"`
	CreatedAt     time.Time `gorm:"column:created_at;not null" json:"created_at"`
	ExpiresAt     time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
}

// TableName exposes the table backing pending authorizations.
func (PendingAuthorization) TableName() string {
	return "pending_authorizations"
}

// PendingStore persists pending authorizations between the login redirect and
// the callback. Consume must be atomic: of two concurrent calls with the same
// state at most one returns the record.
type PendingStore interface {
	Save(ctx context.Context, pending PendingAuthorization) error
	Consume(ctx context.Context, state string) (PendingAuthorization, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
