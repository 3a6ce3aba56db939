package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return store
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer store.Close()

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("user_version = %d, want %d", version, len(migrations))
	}
}

func TestDeviceLifecycle(t *testing.T) {
	store := openTestStore(t)

	dev := Device{
		DeviceID:    "aa11",
		DeviceName:  "Laptop",
		Platform:    "linux",
		SyncEnabled: true,
		PairedAt:    time.UnixMilli(1700000000000),
	}
	if err := store.SaveDevice(dev); err != nil {
		t.Fatalf("SaveDevice failed: %v", err)
	}

	got, err := store.GetDevice("aa11")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.DeviceName != "Laptop" || !got.SyncEnabled || got.Platform != "linux" {
		t.Fatalf("unexpected device row: %+v", got)
	}
	if got.LastSeenAt != nil {
		t.Fatalf("fresh device should have no last seen time")
	}

	if err := store.RenameDevice("aa11", "Work Laptop"); err != nil {
		t.Fatalf("RenameDevice failed: %v", err)
	}
	if err := store.SetDeviceSyncEnabled("aa11", false); err != nil {
		t.Fatalf("SetDeviceSyncEnabled failed: %v", err)
	}
	seen := time.UnixMilli(1700000123456)
	if err := store.TouchDevice("aa11", seen); err != nil {
		t.Fatalf("TouchDevice failed: %v", err)
	}

	got, err = store.GetDevice("aa11")
	if err != nil {
		t.Fatalf("GetDevice after update failed: %v", err)
	}
	if got.DeviceName != "Work Laptop" {
		t.Errorf("DeviceName = %q, want %q", got.DeviceName, "Work Laptop")
	}
	if got.SyncEnabled {
		t.Errorf("SyncEnabled should be false after toggle")
	}
	if got.LastSeenAt == nil || !got.LastSeenAt.Equal(seen) {
		t.Errorf("LastSeenAt = %v, want %v", got.LastSeenAt, seen)
	}

	if err := store.RemoveDevice("aa11"); err != nil {
		t.Fatalf("RemoveDevice failed: %v", err)
	}
	if _, err := store.GetDevice("aa11"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("GetDevice after remove: got %v, want ErrDeviceNotFound", err)
	}
	if err := store.RemoveDevice("aa11"); err != nil {
		t.Fatalf("removing an unknown device should be a no-op, got %v", err)
	}
}

func TestUpdateUnknownDevice(t *testing.T) {
	store := openTestStore(t)

	if err := store.RenameDevice("missing", "x"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("RenameDevice: got %v, want ErrDeviceNotFound", err)
	}
	if err := store.SetDeviceSyncEnabled("missing", true); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("SetDeviceSyncEnabled: got %v, want ErrDeviceNotFound", err)
	}
}

func TestSaveDeviceUpsertKeepsPairingTime(t *testing.T) {
	store := openTestStore(t)

	first := time.UnixMilli(1700000000000)
	if err := store.SaveDevice(Device{DeviceID: "bb22", DeviceName: "Phone", SyncEnabled: true, PairedAt: first}); err != nil {
		t.Fatalf("SaveDevice failed: %v", err)
	}
	if err := store.SaveDevice(Device{DeviceID: "bb22", DeviceName: "Phone 2", Platform: "android", SyncEnabled: true, PairedAt: first.Add(time.Hour)}); err != nil {
		t.Fatalf("SaveDevice upsert failed: %v", err)
	}

	got, err := store.GetDevice("bb22")
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.DeviceName != "Phone 2" || got.Platform != "android" {
		t.Errorf("upsert should refresh name and platform, got %+v", got)
	}
	if !got.PairedAt.Equal(first) {
		t.Errorf("upsert must keep the original pairing time, got %v", got.PairedAt)
	}
}

func TestHistoryOrderingAndPrune(t *testing.T) {
	store := openTestStore(t)

	base := time.UnixMilli(1700000000000)
	for i := 0; i < 5; i++ {
		e := HistoryEntry{
			ID:               fmt.Sprintf("entry-%d", i),
			ContentType:      "text",
			ContentHash:      fmt.Sprintf("hash-%d", i),
			SealedPayload:    []byte{byte(i)},
			OriginDeviceID:   "aa11",
			LogicalTimestamp: base.UnixMilli() + int64(i),
			CreatedAt:        base.Add(time.Duration(i) * time.Hour),
		}
		if err := store.AppendHistory(e); err != nil {
			t.Fatalf("AppendHistory %d failed: %v", i, err)
		}
	}

	latest, err := store.LatestHistory()
	if err != nil {
		t.Fatalf("LatestHistory failed: %v", err)
	}
	if latest.ID != "entry-4" {
		t.Fatalf("LatestHistory = %s, want entry-4", latest.ID)
	}

	entries, err := store.ListHistory(3)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(entries) != 3 || entries[0].ID != "entry-4" || entries[2].ID != "entry-2" {
		t.Fatalf("unexpected history order: %+v", entries)
	}

	removed, err := store.PruneHistory(base.Add(90*time.Minute), 3)
	if err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("PruneHistory removed %d rows, want 2", removed)
	}

	entries, err = store.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory after prune failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("history length after prune = %d, want 3", len(entries))
	}
	for _, e := range entries {
		if e.ID == "entry-0" || e.ID == "entry-1" {
			t.Fatalf("entry %s should have been pruned by age", e.ID)
		}
	}
}

func TestHistoryPruneByCount(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 10; i++ {
		e := HistoryEntry{
			ID:               fmt.Sprintf("entry-%d", i),
			ContentType:      "text",
			ContentHash:      "h",
			SealedPayload:    []byte("x"),
			OriginDeviceID:   "aa11",
			LogicalTimestamp: int64(i),
			CreatedAt:        time.UnixMilli(int64(i)),
		}
		if err := store.AppendHistory(e); err != nil {
			t.Fatalf("AppendHistory failed: %v", err)
		}
	}

	removed, err := store.PruneHistory(time.Time{}, 4)
	if err != nil {
		t.Fatalf("PruneHistory failed: %v", err)
	}
	if removed != 6 {
		t.Fatalf("PruneHistory removed %d rows, want 6", removed)
	}

	entries, err := store.ListHistory(100)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(entries) != 4 || entries[0].ID != "entry-9" || entries[3].ID != "entry-6" {
		t.Fatalf("unexpected survivors after count prune: %+v", entries)
	}
}

func TestLatestHistoryEmpty(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.LatestHistory(); !errors.Is(err, ErrHistoryEmpty) {
		t.Fatalf("LatestHistory on empty table: got %v, want ErrHistoryEmpty", err)
	}

	if err := store.ClearHistory(); err != nil {
		t.Fatalf("ClearHistory on empty table failed: %v", err)
	}
}
