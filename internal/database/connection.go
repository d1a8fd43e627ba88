// Package database persists audit metadata (session connect/disconnect,
// call lifecycle events, TURN credential issuance) via GORM/Postgres,
// adapted from the teacher's internal/database package. It deliberately
// does not persist CallRecord state or call content — that's the
// service's explicit Non-goal of no persistent call history.
package database

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// DB is the process-wide GORM handle, set by Init.
var DB *gorm.DB

// Init opens the Postgres connection at dsn, tunes the pool, and runs
// migrations, mirroring the teacher's internal/database.Init shape.
func Init(logger logging.LeveledLogger, dsn string) error {
	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	logger.Infof("database: connection established")

	if err := runMigrations(logger); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func runMigrations(logger logging.LeveledLogger) error {
	logger.Infof("database: running migrations")
	if err := DB.AutoMigrate(&AuditLogEntry{}, &TurnCredentialIssuance{}); err != nil {
		return fmt.Errorf("auto migration failed: %w", err)
	}
	logger.Infof("database: migrations complete")
	return nil
}

// Close releases the underlying connection pool.
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RecordAuditEvent inserts a single audit log row. clientID is the
// primary actor, peerID the other party (if any, "" otherwise).
func RecordAuditEvent(event, clientID, peerID string, detail []byte) error {
	if DB == nil {
		return nil
	}
	entry := AuditLogEntry{
		ID:        uuid.NewString(),
		Event:     event,
		ClientID:  clientID,
		PeerID:    peerID,
		Detail:    datatypes.JSON(detail),
		CreatedAt: time.Now(),
	}
	return DB.Create(&entry).Error
}

// RecordTurnIssuance inserts a TURN credential issuance row.
func RecordTurnIssuance(clientID, username string, expiresAt time.Time) error {
	if DB == nil {
		return nil
	}
	entry := TurnCredentialIssuance{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Username:  username,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Now(),
	}
	return DB.Create(&entry).Error
}
