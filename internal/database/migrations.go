package database

import (
	"errors"
	"time"

	"github.com/TaraftarCell/oauth2-demo/internal/auth"
	"github.com/TaraftarCell/oauth2-demo/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseAccountProvider = "2026-10-01_lowercase_account_provider"
	migrationDropOrphanSessions       = "2026-10-01_drop_orphan_sessions"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseAccountProvider, apply: lowercaseAccountProvider},
		{name: migrationDropOrphanSessions, apply: dropOrphanSessions},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Provider ids are matched case-sensitively; older rows may carry the display casing.
func lowercaseAccountProvider(db *gorm.DB) error {
	return db.Model(&users.Account{}).
		Where("provider <> LOWER(provider)").
		Update("provider", gorm.Expr("LOWER(provider)")).Error
}

// Sessions written before foreign keys were enforced may outlive their user.
func dropOrphanSessions(db *gorm.DB) error {
	return db.Where("user_id NOT IN (?)", db.Model(&users.User{}).Select("id")).
		Delete(&auth.Session{}).Error
}
