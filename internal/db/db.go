package db

import (
	"errors"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"roamii/internal/config"
)

// Connect opens the key-value database named by APP_DATABASE_URL.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	return Open(cfg.DatabaseURL)
}

// Open opens a GORM connection for url and migrates the key-value table.
// url is a postgres:// or postgresql:// URL, or sqlite:<path or DSN>.
func Open(url string) (*gorm.DB, error) {
	dsn := strings.TrimSpace(url)
	if dsn == "" {
		return nil, errors.New("APP_DATABASE_URL is required for the kv store backend")
	}

	var dialector gorm.Dialector
	gcfg := &gorm.Config{}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		// PrepareStmt: true prevents the GORM postgres migrator from forcing simple protocol
		// for "SELECT * FROM table LIMIT 1", which would otherwise trigger "insufficient arguments".
		dialector = postgres.Open(dsn)
		gcfg.PrepareStmt = true
	case strings.HasPrefix(dsn, "sqlite:"):
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite:"))
	default:
		return nil, errors.New("APP_DATABASE_URL must be a postgres://, postgresql:// or sqlite: URL")
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&KVEntry{}); err != nil {
		return nil, err
	}
	return db, nil
}
