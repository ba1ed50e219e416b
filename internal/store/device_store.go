package store

import (
	"context"
	"errors"
	"time"
)

// DeviceStatus is the connection state persisted on a device record.
type DeviceStatus string

const (
	DeviceStatusConnected    DeviceStatus = "connected"
	DeviceStatusDisconnected DeviceStatus = "disconnected"
	DeviceStatusPending      DeviceStatus = "pending"
)

// ErrDeviceNotFound is returned by Update when no record matches.
var ErrDeviceNotFound = errors.New("device record not found")

// DeviceRecord is the durable state of a physical device.
// UserID is nil while the device is unclaimed.
type DeviceRecord struct {
	ID               string       `db:"id" json:"id"`
	DeviceID         string       `db:"device_id" json:"deviceId"`
	Name             string       `db:"name" json:"name"`
	Status           DeviceStatus `db:"status" json:"status"`
	UserID           *string      `db:"user_id" json:"userId,omitempty"`
	ConnectionKey    string       `db:"connection_key" json:"-"`
	LastConnected    *time.Time   `db:"last_connected" json:"lastConnected,omitempty"`
	LastDisconnected *time.Time   `db:"last_disconnected" json:"lastDisconnected,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time    `db:"updated_at" json:"updatedAt"`
}

// Claimed reports whether a user owns the device.
func (d *DeviceRecord) Claimed() bool {
	return d.UserID != nil && *d.UserID != ""
}

// DefaultDeviceName builds the display name given to a device on first pairing.
func DefaultDeviceName(deviceID string) string {
	short := []rune(deviceID)
	if len(short) > 6 {
		short = short[:6]
	}
	return "Device-" + string(short)
}

// DeviceStore persists device records. The pairing layer reads and updates
// records through it but does not own the schema.
type DeviceStore interface {
	// FindByDeviceID returns (nil, nil) when no record exists.
	FindByDeviceID(ctx context.Context, deviceID string) (*DeviceRecord, error)
	// Create inserts a record, filling ID and timestamps when empty.
	Create(ctx context.Context, d *DeviceRecord) error
	// Update writes all mutable fields of d, matched by ID.
	Update(ctx context.Context, d *DeviceRecord) error
	// UpdateStatus sets status and the matching last_connected or
	// last_disconnected time, leaving owner and key alone. A device without
	// a record is not an error.
	UpdateStatus(ctx context.Context, deviceID string, status DeviceStatus, at time.Time) error
}

// DeviceLister is implemented by stores that can enumerate a user's devices.
type DeviceLister interface {
	// ListByUser returns the devices owned by userID without their keys.
	ListByUser(ctx context.Context, userID string) ([]DeviceRecord, error)
}
