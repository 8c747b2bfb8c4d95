package database

import (
	"fmt"
	"strings"

	"github.com/TaraftarCell/oauth2-demo/internal/auth"
	"github.com/TaraftarCell/oauth2-demo/internal/oauth"
	"github.com/TaraftarCell/oauth2-demo/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const sqliteForeignKeysPragma = "_pragma=foreign_keys(1)"

// Open connects to the configured store and brings the schema up to date.
// SQLite is the single-instance default; postgres lets several API
// instances share users, sessions and pending logins.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		db, err = openSQLite(dsn)
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&users.User{},
		&users.Account{},
		&auth.Session{},
		&oauth.PendingAuthorization{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", db.Dialector.Name()))
	return db, nil
}

func openSQLite(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// sqliteDSN turns on foreign key enforcement so sessions and accounts are
// removed together with their user.
func sqliteDSN(path string) string {
	if strings.Contains(path, "foreign_keys") {
		return path
	}
	if strings.Contains(path, "?") {
		return path + "&" + sqliteForeignKeysPragma
	}
	return path + "?" + sqliteForeignKeysPragma
}
