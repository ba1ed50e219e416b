package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/devlink/internal/crypto"
	"github.com/nextlevelbuilder/devlink/internal/store"
)

const deviceColumns = `id, device_id, name, status, user_id, connection_key,
	last_connected, last_disconnected, created_at, updated_at`

// DeviceStore implements store.DeviceStore.
type DeviceStore struct {
	db     *sqlx.DB
	sealer *crypto.Sealer
	now    func() time.Time
}

var (
	_ store.DeviceStore  = (*DeviceStore)(nil)
	_ store.DeviceLister = (*DeviceStore)(nil)
)

// NewDeviceStore wraps db. sealer may be nil (connection keys kept in plain text).
func NewDeviceStore(db *sqlx.DB, sealer *crypto.Sealer) *DeviceStore {
	return &DeviceStore{db: db, sealer: sealer, now: nowUTC}
}

func (s *DeviceStore) FindByDeviceID(ctx context.Context, deviceID string) (*store.DeviceRecord, error) {
	var d store.DeviceRecord
	q := s.db.Rebind("SELECT " + deviceColumns + " FROM devices WHERE device_id = ?")
	if err := s.db.GetContext(ctx, &d, q, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find device %s: %w", deviceID, err)
	}

	key, err := s.sealer.Open(d.ConnectionKey)
	if err != nil {
		return nil, fmt.Errorf("open connection key for %s: %w", deviceID, err)
	}
	d.ConnectionKey = key
	return &d, nil
}

func (s *DeviceStore) Create(ctx context.Context, d *store.DeviceRecord) error {
	if err := store.ValidateDeviceID(d.DeviceID); err != nil {
		return err
	}
	now := s.now()
	if d.ID == "" {
		d.ID = store.GenNewID()
	}
	if d.Name == "" {
		d.Name = store.DefaultDeviceName(d.DeviceID)
	}
	if d.Status == "" {
		d.Status = store.DeviceStatusDisconnected
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	row, err := s.sealed(d)
	if err != nil {
		return err
	}

	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`)
		 VALUES (:id, :device_id, :name, :status, :user_id, :connection_key,
		         :last_connected, :last_disconnected, :created_at, :updated_at)`,
		row,
	)
	if err != nil {
		return fmt.Errorf("create device %s: %w", d.DeviceID, err)
	}
	return nil
}

func (s *DeviceStore) Update(ctx context.Context, d *store.DeviceRecord) error {
	if d.ID == "" {
		return fmt.Errorf("update device %s: missing id", d.DeviceID)
	}
	d.UpdatedAt = s.now()

	row, err := s.sealed(d)
	if err != nil {
		return err
	}

	res, err := s.db.NamedExecContext(ctx,
		`UPDATE devices SET
			device_id = :device_id, name = :name, status = :status, user_id = :user_id,
			connection_key = :connection_key, last_connected = :last_connected,
			last_disconnected = :last_disconnected, updated_at = :updated_at
		 WHERE id = :id`,
		row,
	)
	if err != nil {
		return fmt.Errorf("update device %s: %w", d.DeviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrDeviceNotFound
	}
	return nil
}

// UpdateStatus touches only the status columns so it cannot race a pairing
// write of user_id or connection_key.
func (s *DeviceStore) UpdateStatus(ctx context.Context, deviceID string, status store.DeviceStatus, at time.Time) error {
	at = at.UTC().Truncate(time.Microsecond)
	column := "last_disconnected"
	if status == store.DeviceStatusConnected {
		column = "last_connected"
	}
	q := s.db.Rebind("UPDATE devices SET status = ?, " + column + " = ?, updated_at = ? WHERE device_id = ?")
	if _, err := s.db.ExecContext(ctx, q, string(status), at, s.now(), deviceID); err != nil {
		return fmt.Errorf("update status of device %s: %w", deviceID, err)
	}
	return nil
}

// ListByUser returns the devices owned by userID, newest first.
func (s *DeviceStore) ListByUser(ctx context.Context, userID string) ([]store.DeviceRecord, error) {
	var rows []store.DeviceRecord
	q := s.db.Rebind("SELECT " + deviceColumns + " FROM devices WHERE user_id = ? ORDER BY created_at DESC")
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("list devices for user: %w", err)
	}
	for i := range rows {
		rows[i].ConnectionKey = ""
	}
	if rows == nil {
		return []store.DeviceRecord{}, nil
	}
	return rows, nil
}

// sealed returns a copy of d with the connection key encrypted for storage,
// leaving the caller's record untouched.
func (s *DeviceStore) sealed(d *store.DeviceRecord) (*store.DeviceRecord, error) {
	row := *d
	key, err := s.sealer.Seal(d.ConnectionKey)
	if err != nil {
		return nil, fmt.Errorf("seal connection key: %w", err)
	}
	row.ConnectionKey = key
	if row.LastConnected != nil {
		t := row.LastConnected.UTC()
		row.LastConnected = &t
	}
	if row.LastDisconnected != nil {
		t := row.LastDisconnected.UTC()
		row.LastDisconnected = &t
	}
	return &row, nil
}

func nowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
