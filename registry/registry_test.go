package registry

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"clipsync/storage"
)

const (
	localDevice = "1111111111111111111111111111111111111111111111111111111111111111"
	peerDevice  = "2222222222222222222222222222222222222222222222222222222222222222"
	otherDevice = "3333333333333333333333333333333333333333333333333333333333333333"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, localDevice, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPairAndListDevices(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Pair(peerDevice, "Phone", "android"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
	if err := reg.Pair(otherDevice, "Desktop", "windows"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}

	devices, err := reg.Devices()
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("Devices returned %d entries, want 2", len(devices))
	}
	for _, d := range devices {
		if !d.SyncEnabled {
			t.Errorf("new pairing %s should default to sync enabled", d.DeviceID)
		}
		if d.Online {
			t.Errorf("new pairing %s should start offline", d.DeviceID)
		}
	}
}

func TestPairSelfRejected(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Pair(localDevice, "Me", "linux"); !errors.Is(err, ErrSelfDevice) {
		t.Fatalf("pairing the local device: got %v, want ErrSelfDevice", err)
	}
}

func TestRepairKeepsLocalSettings(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Pair(peerDevice, "Phone", "android"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
	if err := reg.SetSyncEnabled(peerDevice, false); err != nil {
		t.Fatalf("SetSyncEnabled failed: %v", err)
	}

	if err := reg.Pair(peerDevice, "Phone Renamed", "android"); err != nil {
		t.Fatalf("re-Pair failed: %v", err)
	}

	d, err := reg.Get(peerDevice)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if d.DeviceName != "Phone Renamed" {
		t.Errorf("DeviceName = %q, want refreshed name", d.DeviceName)
	}
	if d.SyncEnabled {
		t.Errorf("re-pairing must not reset the sync toggle")
	}
}

func TestSyncTargets(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Pair(peerDevice, "Phone", "android"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
	if err := reg.Pair(otherDevice, "Desktop", "windows"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}

	targets, err := reg.SyncTargets()
	if err != nil {
		t.Fatalf("SyncTargets failed: %v", err)
	}
	if len(targets) != 0 {
		t.Fatalf("offline devices must not be sync targets, got %d", len(targets))
	}

	reg.SetOnline(peerDevice, true)
	reg.SetOnline(otherDevice, true)
	if err := reg.SetSyncEnabled(otherDevice, false); err != nil {
		t.Fatalf("SetSyncEnabled failed: %v", err)
	}

	targets, err = reg.SyncTargets()
	if err != nil {
		t.Fatalf("SyncTargets failed: %v", err)
	}
	if len(targets) != 1 || targets[0].DeviceID != peerDevice {
		t.Fatalf("unexpected sync targets: %+v", targets)
	}
}

func TestOnlineStateTracksLastSeen(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Pair(peerDevice, "Phone", "android"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}

	if reg.IsOnline(peerDevice) {
		t.Fatalf("device should start offline")
	}
	reg.SetOnline(peerDevice, true)
	if !reg.IsOnline(peerDevice) {
		t.Fatalf("device should be online after SetOnline(true)")
	}

	d, err := reg.Get(peerDevice)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if d.LastSeenAt == nil {
		t.Fatalf("going online should stamp last seen")
	}

	reg.SetOnline(peerDevice, false)
	if reg.IsOnline(peerDevice) {
		t.Fatalf("device should be offline after SetOnline(false)")
	}
}

func TestUnpairClearsOnlineState(t *testing.T) {
	reg := newTestRegistry(t)

	if err := reg.Pair(peerDevice, "Phone", "android"); err != nil {
		t.Fatalf("Pair failed: %v", err)
	}
	reg.SetOnline(peerDevice, true)

	if err := reg.Unpair(peerDevice); err != nil {
		t.Fatalf("Unpair failed: %v", err)
	}
	if reg.IsPaired(peerDevice) {
		t.Fatalf("device should not be paired after Unpair")
	}
	if reg.IsOnline(peerDevice) {
		t.Fatalf("device should not be online after Unpair")
	}
	if _, err := reg.Get(peerDevice); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Get after Unpair: got %v, want ErrDeviceNotFound", err)
	}
}
