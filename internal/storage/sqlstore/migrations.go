package sqlstore

import (
	"fmt"
	"time"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Migrations rules:
//
//  1. IDs are numerical timestamps that must sort ascending (YYYYMMDD_HHMM).
//  2. Models are declared inline so later changes to deviceModel cannot
//     alter what an old migration creates.
//  3. Migrations must be backwards compatible.
func migrations() []*gormigrate.Migration {
	return []*gormigrate.Migration{
		migrate20261019(),
	}
}

func migrate20261019() *gormigrate.Migration {
	type Device struct {
		ID             uuid.UUID         `gorm:"type:uuid;primaryKey"`
		Name           string            `gorm:"size:255"`
		Active         bool              `gorm:"not null;index"`
		UserID         *string           `gorm:"size:255;index"`
		DateCreated    time.Time         `gorm:"not null"`
		DeviceID       *string           `gorm:"size:150;index"`
		RegistrationID string            `gorm:"type:text;not null;index"`
		Type           string            `gorm:"size:10;not null"`
		Extra          map[string]string `gorm:"serializer:json"`
	}
	return &gormigrate.Migration{
		ID: "20261019_0000",
		Migrate: func(tx *gorm.DB) error {
			return tx.Table("devices").AutoMigrate(&Device{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable("devices")
		},
	}
}

const uniqueTokenIndex = "idx_devices_registration_id_unique"

// Migrate applies every pending migration. The unique token index is a
// deployment choice, so it is created or dropped outside the migration list.
func Migrate(db *gorm.DB, uniqueRegistrationID bool) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, migrations())
	if err := m.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate devices: %w", err)
	}

	var stmt string
	if uniqueRegistrationID {
		stmt = fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON devices (registration_id)", uniqueTokenIndex)
	} else {
		stmt = fmt.Sprintf("DROP INDEX IF EXISTS %s", uniqueTokenIndex)
	}
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to configure registration_id uniqueness: %w", err)
	}
	return nil
}
