package oauth

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("oauth: database handle is required")

// GormStore keeps pending authorizations in the relational store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Save(ctx context.Context, pending PendingAuthorization) error {
	return s.db.WithContext(ctx).Create(&pending).Error
}

// Consume loads and deletes the record in one transaction. The delete must
// remove exactly one row, so a concurrent consumer that read the same row
// loses.
func (s *GormStore) Consume(ctx context.Context, state string) (PendingAuthorization, error) {
	var pending PendingAuthorization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("state = ?", state).Take(&pending).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStateNotFound
			}
			return err
		}
		result := tx.Where("state = ?", state).Delete(&PendingAuthorization{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return ErrStateNotFound
		}
		return nil
	})
	if err != nil {
		return PendingAuthorization{}, err
	}
	return pending, nil
}

func (s *GormStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&PendingAuthorization{})
	return result.RowsAffected, result.Error
}
