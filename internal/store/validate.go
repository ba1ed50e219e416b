package store

import "fmt"

// MaxUserIDLength is the maximum allowed length for user identifier strings.
// Matches the VARCHAR(255) constraint in the database schema.
const MaxUserIDLength = 255

// MaxDeviceIDLength matches the devices.device_id column.
const MaxDeviceIDLength = 128

// ValidateUserID checks that a user identifier does not exceed MaxUserIDLength.
func ValidateUserID(id string) error {
	if len(id) > MaxUserIDLength {
		return fmt.Errorf("user identifier too long: %d chars (max %d)", len(id), MaxUserIDLength)
	}
	return nil
}

// ValidateDeviceID checks that a device identifier is present and fits the schema.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("device identifier is required")
	}
	if len(id) > MaxDeviceIDLength {
		return fmt.Errorf("device identifier too long: %d chars (max %d)", len(id), MaxDeviceIDLength)
	}
	return nil
}
