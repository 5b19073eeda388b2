// Package registration applies the registry's write policies on top of a
// device store: validation, token uniqueness and one-device-per-user.
package registration

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-device-registry/pkg/dispatch"
)

// Options mirror the registry policy settings.
type Options struct {
	// OneDevicePerUser deactivates an owner's other devices whenever one of
	// their devices is written as active.
	OneDevicePerUser bool
	// UpdateOnDuplicateRegID turns a registration with a known token into an
	// in-place update of the existing record.
	UpdateOnDuplicateRegID bool
}

type Registrar struct {
	store  dispatch.DeviceStore
	opts   Options
	logger *slog.Logger
}

func NewRegistrar(store dispatch.DeviceStore, opts Options, logger *slog.Logger) *Registrar {
	return &Registrar{
		store:  store,
		opts:   opts,
		logger: logger.With("component", "Registrar"),
	}
}

// Register creates a device record, or updates the record already holding
// the token when UpdateOnDuplicateRegID is set. On return device holds the
// stored state.
func (r *Registrar) Register(ctx context.Context, device *dispatch.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}

	existing, err := r.store.List(ctx, dispatch.DeviceFilter{RegistrationIDs: []string{device.RegistrationID}})
	if err != nil {
		return fmt.Errorf("failed to look up token: %w", err)
	}

	if r.opts.UpdateOnDuplicateRegID && len(existing) > 0 {
		target := existing[0]
		applyMutable(&target, device)
		if err := r.store.Update(ctx, &target); err != nil {
			return err
		}
		*device = target
		r.logger.Debug("Re-registered existing token", "device_id", device.ID)
		return r.enforceSingleActive(ctx, device)
	}

	if err := r.claimToken(ctx, device, existing); err != nil {
		return err
	}
	if err := r.store.Create(ctx, device); err != nil {
		return err
	}
	r.logger.Debug("Registered device", "device_id", device.ID, "type", device.Type)
	return r.enforceSingleActive(ctx, device)
}

// Update overwrites the mutable fields of an existing record.
func (r *Registrar) Update(ctx context.Context, device *dispatch.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	if !r.opts.UpdateOnDuplicateRegID {
		others, err := r.store.List(ctx, dispatch.DeviceFilter{
			RegistrationIDs: []string{device.RegistrationID},
			ExcludeIDs:      []uuid.UUID{device.ID},
		})
		if err != nil {
			return fmt.Errorf("failed to look up token: %w", err)
		}
		if err := r.claimToken(ctx, device, others); err != nil {
			return err
		}
	}
	if err := r.store.Update(ctx, device); err != nil {
		return err
	}
	return r.enforceSingleActive(ctx, device)
}

func (r *Registrar) Get(ctx context.Context, id uuid.UUID) (*dispatch.Device, error) {
	return r.store.Get(ctx, id)
}

func (r *Registrar) List(ctx context.Context, filter dispatch.DeviceFilter) ([]dispatch.Device, error) {
	return r.store.List(ctx, filter)
}

// SetActive is the administrative enable/disable over a selection.
func (r *Registrar) SetActive(ctx context.Context, filter dispatch.DeviceFilter, active bool) (int64, error) {
	n, err := r.store.SetActive(ctx, filter, active)
	if err != nil {
		return 0, err
	}
	r.logger.Info("Set device activity", "active", active, "rows", n)
	return n, nil
}

func (r *Registrar) Delete(ctx context.Context, id uuid.UUID) error {
	return r.store.Delete(ctx, id)
}

// DeleteForUser removes every device owned by userID.
func (r *Registrar) DeleteForUser(ctx context.Context, userID string) (int64, error) {
	return r.store.DeleteForUser(ctx, userID)
}

// claimToken enforces token uniqueness against records that already hold it.
// An owner takes the token over from other owners; the same owner holding it
// twice, or an anonymous caller meeting any holder, is a conflict.
func (r *Registrar) claimToken(ctx context.Context, device *dispatch.Device, holders []dispatch.Device) error {
	if len(holders) == 0 {
		return nil
	}
	if device.UserID == "" {
		return fmt.Errorf("%w: %s", dispatch.ErrDuplicateToken, holders[0].ID)
	}

	var displaced []uuid.UUID
	for _, h := range holders {
		if h.UserID == device.UserID {
			return fmt.Errorf("%w: %s", dispatch.ErrDuplicateToken, h.ID)
		}
		if h.Active {
			displaced = append(displaced, h.ID)
		}
	}
	if len(displaced) == 0 {
		return nil
	}
	if _, err := r.store.SetActive(ctx, dispatch.DeviceFilter{IDs: displaced}, false); err != nil {
		return fmt.Errorf("failed to deactivate previous token holders: %w", err)
	}
	r.logger.Info("Token moved to new owner", "deactivated", len(displaced))
	return nil
}

func (r *Registrar) enforceSingleActive(ctx context.Context, device *dispatch.Device) error {
	if !r.opts.OneDevicePerUser || !device.Active || device.UserID == "" {
		return nil
	}
	active := true
	n, err := r.store.SetActive(ctx, dispatch.DeviceFilter{
		Active:     &active,
		UserID:     device.UserID,
		ExcludeIDs: []uuid.UUID{device.ID},
	}, false)
	if err != nil {
		return fmt.Errorf("failed to deactivate sibling devices: %w", err)
	}
	if n > 0 {
		r.logger.Info("Deactivated sibling devices", "user_id", device.UserID, "rows", n)
	}
	return nil
}

func applyMutable(dst, src *dispatch.Device) {
	dst.Type = src.Type
	dst.Name = src.Name
	dst.DeviceID = src.DeviceID
	dst.UserID = src.UserID
	dst.Active = src.Active
	dst.Extra = src.Extra
}
