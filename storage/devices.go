package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDeviceNotFound is returned when a device ID has no row.
var ErrDeviceNotFound = errors.New("storage: device not found")

// Device is a persisted pairing peer.
type Device struct {
	DeviceID      string
	DeviceName    string
	Platform      string
	SyncEnabled   bool
	RelayOverride string
	PairedAt      time.Time
	LastSeenAt    *time.Time
}

// SaveDevice inserts a device row, or updates the name and platform if the
// device was paired before.
func (s *Store) SaveDevice(d Device) error {
	if d.PairedAt.IsZero() {
		d.PairedAt = time.Now()
	}
	_, err := s.db.Exec(`
INSERT INTO devices (device_id, device_name, platform, sync_enabled, relay_override, paired_timestamp)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
  device_name = excluded.device_name,
  platform    = excluded.platform
`, d.DeviceID, d.DeviceName, d.Platform, boolToInt(d.SyncEnabled), d.RelayOverride, d.PairedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save device %s: %w", d.DeviceID, err)
	}
	return nil
}

// GetDevice looks up one device by ID.
func (s *Store) GetDevice(deviceID string) (Device, error) {
	row := s.db.QueryRow(`
SELECT device_id, device_name, platform, sync_enabled, relay_override, paired_timestamp, last_seen_timestamp
FROM devices WHERE device_id = ?
`, deviceID)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	return d, nil
}

// ListDevices returns all paired devices ordered by pairing time.
func (s *Store) ListDevices() ([]Device, error) {
	rows, err := s.db.Query(`
SELECT device_id, device_name, platform, sync_enabled, relay_override, paired_timestamp, last_seen_timestamp
FROM devices ORDER BY paired_timestamp ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return devices, nil
}

// RenameDevice updates the display name of a paired device.
func (s *Store) RenameDevice(deviceID, name string) error {
	return s.updateDevice(deviceID, "UPDATE devices SET device_name = ? WHERE device_id = ?", name)
}

// SetDeviceSyncEnabled toggles the per-device sync flag.
func (s *Store) SetDeviceSyncEnabled(deviceID string, enabled bool) error {
	return s.updateDevice(deviceID, "UPDATE devices SET sync_enabled = ? WHERE device_id = ?", boolToInt(enabled))
}

// SetDeviceRelayOverride sets a per-device relay URL, empty to clear.
func (s *Store) SetDeviceRelayOverride(deviceID, relayURL string) error {
	return s.updateDevice(deviceID, "UPDATE devices SET relay_override = ? WHERE device_id = ?", relayURL)
}

// TouchDevice records when the device was last reachable.
func (s *Store) TouchDevice(deviceID string, at time.Time) error {
	return s.updateDevice(deviceID, "UPDATE devices SET last_seen_timestamp = ? WHERE device_id = ?", at.UnixMilli())
}

// RemoveDevice deletes a device row. Removing an unknown device is not an
// error.
func (s *Store) RemoveDevice(deviceID string) error {
	if _, err := s.db.Exec("DELETE FROM devices WHERE device_id = ?", deviceID); err != nil {
		return fmt.Errorf("remove device %s: %w", deviceID, err)
	}
	return nil
}

func (s *Store) updateDevice(deviceID, query string, value any) error {
	res, err := s.db.Exec(query, value, deviceID)
	if err != nil {
		return fmt.Errorf("update device %s: %w", deviceID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update device %s: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var (
		d           Device
		syncEnabled int
		pairedAt    int64
		lastSeen    sql.NullInt64
	)
	err := row.Scan(&d.DeviceID, &d.DeviceName, &d.Platform, &syncEnabled, &d.RelayOverride, &pairedAt, &lastSeen)
	if err != nil {
		return Device{}, err
	}
	d.SyncEnabled = syncEnabled != 0
	d.PairedAt = time.UnixMilli(pairedAt)
	if lastSeen.Valid {
		t := time.UnixMilli(lastSeen.Int64)
		d.LastSeenAt = &t
	}
	return d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
