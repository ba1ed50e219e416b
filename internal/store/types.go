package store

import "github.com/google/uuid"

// GenNewID generates a new UUID v7 (time-ordered) as a string.
func GenNewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// StoreConfig configures the store layer.
type StoreConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver string

	// DSN is the connection string (Postgres URL or SQLite file path).
	DSN string

	// EncryptionKey is the AES-256 key used to seal connection keys at rest.
	// If empty, connection keys are stored in plain text.
	EncryptionKey string

	// MaxOpenConns bounds the pool; 0 keeps the driver default.
	MaxOpenConns int
}
