package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
	"gorm.io/gorm"
)

// maxInParams keeps IN lists well below the bind-parameter ceilings of
// SQLite (999) and Postgres (65535).
const maxInParams = 500

// deviceModel mirrors the schema created by the migrations.
type deviceModel struct {
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

func (deviceModel) TableName() string { return "devices" }

var updatableColumns = []string{"name", "active", "user_id", "device_id", "registration_id", "type", "extra"}

// Store implements dispatch.DeviceStore on top of gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "SQLDeviceStore")}
}

func (s *Store) Create(ctx context.Context, device *dispatch.Device) error {
	if device.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		device.ID = id
	}
	if device.DateCreated.IsZero() {
		device.DateCreated = time.Now().UTC()
	}

	m := toModel(device)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if IsDuplicateError(err) {
			return fmt.Errorf("%w: %v", dispatch.ErrDuplicateToken, err)
		}
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, device *dispatch.Device) error {
	if device.ID == uuid.Nil {
		return dispatch.ErrDeviceNotFound
	}
	m := toModel(device)
	res := s.db.WithContext(ctx).Model(&m).Select(updatableColumns).Updates(&m)
	if res.Error != nil {
		if IsDuplicateError(res.Error) {
			return fmt.Errorf("%w: %v", dispatch.ErrDuplicateToken, res.Error)
		}
		return fmt.Errorf("failed to update device %s: %w", device.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return dispatch.ErrDeviceNotFound
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*dispatch.Device, error) {
	var m deviceModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, dispatch.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to get device %s: %w", id, err)
	}
	d := m.toDevice()
	return &d, nil
}

// List returns matching devices ordered by ID.
func (s *Store) List(ctx context.Context, filter dispatch.DeviceFilter) ([]dispatch.Device, error) {
	var models []deviceModel
	err := applyFilter(s.db.WithContext(ctx), filter).Order("id ASC").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	devices := make([]dispatch.Device, len(models))
	for i := range models {
		devices[i] = models[i].toDevice()
	}
	return devices, nil
}

func (s *Store) ListTokens(ctx context.Context, filter dispatch.DeviceFilter) ([]string, error) {
	tokens := []string{}
	err := applyFilter(s.db.WithContext(ctx).Model(&deviceModel{}), filter).
		Order("id ASC").
		Pluck("registration_id", &tokens).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}

func (s *Store) SetActive(ctx context.Context, filter dispatch.DeviceFilter, active bool) (int64, error) {
	res := applyFilter(s.db.WithContext(ctx).Model(&deviceModel{}), filter).Update("active", active)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to set active=%t: %w", active, res.Error)
	}
	return res.RowsAffected, nil
}

// Deactivate clears the active flag on every record holding one of tokens.
// Records that are already inactive are not counted.
func (s *Store) Deactivate(ctx context.Context, tokens []string) (int64, error) {
	var total int64
	for chunk := range slices.Chunk(tokens, maxInParams) {
		res := s.db.WithContext(ctx).Model(&deviceModel{}).
			Where("registration_id IN ? AND active = ?", chunk, true).
			Update("active", false)
		if res.Error != nil {
			return total, fmt.Errorf("failed to deactivate tokens: %w", res.Error)
		}
		total += res.RowsAffected
	}
	return total, nil
}

func (s *Store) DeleteTokens(ctx context.Context, tokens []string) (int64, error) {
	var total int64
	for chunk := range slices.Chunk(tokens, maxInParams) {
		res := s.db.WithContext(ctx).Where("registration_id IN ?", chunk).Delete(&deviceModel{})
		if res.Error != nil {
			return total, fmt.Errorf("failed to delete tokens: %w", res.Error)
		}
		total += res.RowsAffected
	}
	return total, nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&deviceModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete device %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return dispatch.ErrDeviceNotFound
	}
	return nil
}

func (s *Store) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: user id is required", dispatch.ErrInvalidDevice)
	}
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&deviceModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete devices for user: %w", res.Error)
	}
	s.logger.Info("Deleted devices for user", "user_id", userID, "rows", res.RowsAffected)
	return res.RowsAffected, nil
}

// applyFilter always adds a predicate so an empty filter is an explicit
// whole-table operation rather than a gorm missing-WHERE error.
func applyFilter(db *gorm.DB, f dispatch.DeviceFilter) *gorm.DB {
	db = db.Where("1 = 1")
	if f.Active != nil {
		db = db.Where("active = ?", *f.Active)
	}
	if f.UserID != "" {
		db = db.Where("user_id = ?", f.UserID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		db = db.Where("type IN ?", types)
	}
	if len(f.RegistrationIDs) > 0 {
		db = db.Where("registration_id IN ?", f.RegistrationIDs)
	}
	if len(f.IDs) > 0 {
		db = db.Where("id IN ?", f.IDs)
	}
	if len(f.ExcludeIDs) > 0 {
		db = db.Where("id NOT IN ?", f.ExcludeIDs)
	}
	return db
}

func toModel(d *dispatch.Device) deviceModel {
	return deviceModel{
		ID:             d.ID,
		Name:           d.Name,
		Active:         d.Active,
		UserID:         nullable(d.UserID),
		DateCreated:    d.DateCreated,
		DeviceID:       nullable(d.DeviceID),
		RegistrationID: d.RegistrationID,
		Type:           string(d.Type),
		Extra:          d.Extra,
	}
}

func (m *deviceModel) toDevice() dispatch.Device {
	d := dispatch.Device{
		ID:             m.ID,
		Name:           m.Name,
		Active:         m.Active,
		DateCreated:    m.DateCreated,
		RegistrationID: m.RegistrationID,
		Type:           dispatch.DeviceType(m.Type),
		Extra:          m.Extra,
	}
	if m.UserID != nil {
		d.UserID = *m.UserID
	}
	if m.DeviceID != nil {
		d.DeviceID = *m.DeviceID
	}
	return d
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
