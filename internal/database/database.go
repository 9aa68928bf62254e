package database

import (
	"fmt"

	"github.com/mx-space/newsletter/internal/config"
	"github.com/mx-space/newsletter/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance.
var DB *gorm.DB

// Connect opens a MySQL connection and optionally runs auto-migration.
func Connect(cfg *config.AppConfig, autoMigrate bool) (*gorm.DB, error) {
	db, err := Open(mysql.New(mysql.Config{
		DSN:               cfg.DSN,
		DefaultStringSize: 191,
	}), resolveLogLevel(cfg))
	if err != nil {
		return nil, err
	}

	if autoMigrate {
		if err := Migrate(db); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	DB = db
	return db, nil
}

// Open wraps gorm.Open with the settings every store relies on. TranslateError
// turns unique-key violations into gorm.ErrDuplicatedKey, which the nonce
// ledger and delivery marks use to detect a second consumer.
func Open(dialector gorm.Dialector, logLevel logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

func resolveLogLevel(cfg *config.AppConfig) logger.LogLevel {
	if cfg.IsDev() {
		return logger.Info
	}
	return logger.Warn
}

// Migrate runs GORM auto-migration for all models.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.SubscriberModel{},
		&models.ArticleModel{},
		&models.SurveyAnswerModel{},
		&models.NonceModel{},
		&models.DeliveryMarkModel{},
	)
}
