// Package registry tracks paired devices and their reachability.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clipsync/storage"
)

var (
	// ErrSelfDevice is returned when the local device tries to register
	// itself as a peer.
	ErrSelfDevice = errors.New("registry: cannot pair a device with itself")
	// ErrDeviceNotFound mirrors the storage sentinel for callers that do
	// not import storage directly.
	ErrDeviceNotFound = storage.ErrDeviceNotFound
)

// Device is a paired peer together with its volatile reachability state.
type Device struct {
	storage.Device
	Online bool
}

// Registry persists paired devices in the store and keeps reachability in
// memory. Reachability is owned by the transport and never written to disk.
type Registry struct {
	store   *storage.Store
	localID string
	log     *slog.Logger

	mu     sync.RWMutex
	online map[string]bool
}

// New creates a registry backed by the given store.
func New(store *storage.Store, localDeviceID string, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:   store,
		localID: localDeviceID,
		log:     log,
		online:  make(map[string]bool),
	}
}

// Pair records a newly paired device. Pairing the same device again
// refreshes its name and platform but keeps the original pairing time and
// any local settings. Pairing the local device is rejected.
func (r *Registry) Pair(deviceID, deviceName, platform string) error {
	if deviceID == r.localID {
		return ErrSelfDevice
	}
	err := r.store.SaveDevice(storage.Device{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Platform:    platform,
		SyncEnabled: true,
		PairedAt:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("pair device: %w", err)
	}
	r.log.Info("device paired", "device_id", deviceID, "device_name", deviceName)
	return nil
}

// Unpair removes a device. The caller is responsible for discarding the
// device's session keys and closing its connections.
func (r *Registry) Unpair(deviceID string) error {
	if err := r.store.RemoveDevice(deviceID); err != nil {
		return fmt.Errorf("unpair device: %w", err)
	}
	r.mu.Lock()
	delete(r.online, deviceID)
	r.mu.Unlock()
	r.log.Info("device unpaired", "device_id", deviceID)
	return nil
}

// Get returns one paired device with its reachability.
func (r *Registry) Get(deviceID string) (Device, error) {
	row, err := r.store.GetDevice(deviceID)
	if err != nil {
		return Device{}, err
	}
	r.mu.RLock()
	online := r.online[deviceID]
	r.mu.RUnlock()
	return Device{Device: row, Online: online}, nil
}

// Devices returns all paired devices with reachability filled in.
func (r *Registry) Devices() ([]Device, error) {
	rows, err := r.store.ListDevices()
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	devices := make([]Device, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, Device{Device: row, Online: r.online[row.DeviceID]})
	}
	return devices, nil
}

// SyncTargets returns the devices that should currently receive clipboard
// updates: paired, sync enabled, and reachable.
func (r *Registry) SyncTargets() ([]Device, error) {
	devices, err := r.Devices()
	if err != nil {
		return nil, err
	}
	targets := devices[:0]
	for _, d := range devices {
		if d.SyncEnabled && d.Online {
			targets = append(targets, d)
		}
	}
	return targets, nil
}

// Rename changes a device's display name. Sessions and connections are
// untouched.
func (r *Registry) Rename(deviceID, name string) error {
	return r.store.RenameDevice(deviceID, name)
}

// SetSyncEnabled toggles syncing for one device without affecting its
// pairing or connection.
func (r *Registry) SetSyncEnabled(deviceID string, enabled bool) error {
	return r.store.SetDeviceSyncEnabled(deviceID, enabled)
}

// SetRelayOverride points one device at a specific relay URL, empty to use
// the global relay.
func (r *Registry) SetRelayOverride(deviceID, relayURL string) error {
	return r.store.SetDeviceRelayOverride(deviceID, relayURL)
}

// SetOnline updates a device's reachability. Going online also stamps the
// last seen time.
func (r *Registry) SetOnline(deviceID string, online bool) {
	r.mu.Lock()
	prev := r.online[deviceID]
	if online {
		r.online[deviceID] = true
	} else {
		delete(r.online, deviceID)
	}
	r.mu.Unlock()

	if online && !prev {
		if err := r.store.TouchDevice(deviceID, time.Now()); err != nil && !errors.Is(err, ErrDeviceNotFound) {
			r.log.Warn("failed to record last seen time", "device_id", deviceID, "error", err)
		}
	}
}

// IsOnline reports whether the transport currently reaches the device.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[deviceID]
}

// IsPaired reports whether the device ID belongs to a paired device.
func (r *Registry) IsPaired(deviceID string) bool {
	_, err := r.store.GetDevice(deviceID)
	return err == nil
}
