package db

import (
	"fmt"
	"log"

	"custody-backend/internal/config"
	"custody-backend/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the Postgres connection and migrates the schema.
func Connect(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	gdb, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	log.Println("✅ Database connected successfully")

	if err := gdb.AutoMigrate(
		&models.User{},
		&models.DepositIntent{},
		&models.LedgerTransaction{},
		&models.ReferralEarning{},
		&models.PaymentRetryRecord{},
		&models.PlatformSetting{},
	); err != nil {
		return nil, fmt.Errorf("AutoMigrate failed: %w", err)
	}

	log.Println("✅ Database schema migrated successfully")
	return gdb, nil
}
