// Package dispatch contains the public contracts and domain models shared by the
// device registry, the push backends and the send engine.
package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDeviceNotFound is returned by stores when a lookup matches nothing.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDuplicateToken is returned when a registration token is already taken.
	ErrDuplicateToken = errors.New("registration token already registered")
	// ErrInvalidDevice is returned for records that fail local validation.
	ErrInvalidDevice = errors.New("invalid device")
)

type DeviceType string

const (
	DeviceTypeIOS     DeviceType = "ios"
	DeviceTypeAndroid DeviceType = "android"
	DeviceTypeWeb     DeviceType = "web"
)

func (t DeviceType) Valid() bool {
	switch t {
	case DeviceTypeIOS, DeviceTypeAndroid, DeviceTypeWeb:
		return true
	}
	return false
}

// Device is a registered push endpoint.
type Device struct {
	ID             uuid.UUID         `json:"id"`
	RegistrationID string            `json:"registration_id"`
	Type           DeviceType        `json:"type"`
	Name           string            `json:"name,omitempty"`
	DeviceID       string            `json:"device_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Active         bool              `json:"active"`
	DateCreated    time.Time         `json:"date_created"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// Validate checks the fields a client must supply.
func (d *Device) Validate() error {
	if d.RegistrationID == "" {
		return fmt.Errorf("%w: registration_id is required", ErrInvalidDevice)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDevice, d.Type)
	}
	return nil
}

func (d *Device) String() string {
	switch {
	case d.Name != "":
		return d.Name
	case d.DeviceID != "":
		return d.DeviceID
	case d.UserID != "":
		return fmt.Sprintf("device for %s", d.UserID)
	}
	return "device for unknown user"
}

// DeviceFilter selects device records. Zero-value fields do not constrain.
type DeviceFilter struct {
	Active          *bool        `json:"active,omitempty"`
	UserID          string       `json:"user_id,omitempty"`
	Types           []DeviceType `json:"types,omitempty"`
	RegistrationIDs []string     `json:"registration_ids,omitempty"`
	IDs             []uuid.UUID  `json:"ids,omitempty"`
	ExcludeIDs      []uuid.UUID  `json:"exclude_ids,omitempty"`
}

// ActiveOnly returns a copy of f restricted to active devices.
func (f DeviceFilter) ActiveOnly() DeviceFilter {
	active := true
	f.Active = &active
	return f
}

// Matches evaluates the filter in memory.
func (f DeviceFilter) Matches(d Device) bool {
	if f.Active != nil && d.Active != *f.Active {
		return false
	}
	if f.UserID != "" && d.UserID != f.UserID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, d.Type) {
		return false
	}
	if len(f.RegistrationIDs) > 0 && !slices.Contains(f.RegistrationIDs, d.RegistrationID) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, d.ID) {
		return false
	}
	if slices.Contains(f.ExcludeIDs, d.ID) {
		return false
	}
	return true
}

// SortDevices orders devices by ID, which for UUIDv7 keys is creation order.
func SortDevices(devices []Device) {
	slices.SortStableFunc(devices, func(a, b Device) int {
		return slices.Compare(a.ID[:], b.ID[:])
	})
}

// Tokens extracts registration ids preserving order.
func Tokens(devices []Device) []string {
	tokens := make([]string, 0, len(devices))
	for _, d := range devices {
		tokens = append(tokens, d.RegistrationID)
	}
	return tokens
}
