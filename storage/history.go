package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrHistoryEmpty is returned when no history rows exist.
var ErrHistoryEmpty = errors.New("storage: clipboard history is empty")

// HistoryEntry is one stored clipboard item. SealedPayload holds the
// content encrypted with the local storage key; plaintext never touches
// disk.
type HistoryEntry struct {
	ID               string
	ContentType      string
	ContentHash      string
	SealedPayload    []byte
	OriginDeviceID   string
	LogicalTimestamp int64
	CreatedAt        time.Time
}

// AppendHistory inserts a new history entry.
func (s *Store) AppendHistory(e HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
INSERT INTO clipboard_history (id, content_type, content_hash, sealed_payload, origin_device_id, logical_timestamp, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.ID, e.ContentType, e.ContentHash, e.SealedPayload, e.OriginDeviceID, e.LogicalTimestamp, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append history entry %s: %w", e.ID, err)
	}
	return nil
}

// LatestHistory returns the entry with the highest logical timestamp,
// breaking ties on origin device ID.
func (s *Store) LatestHistory() (HistoryEntry, error) {
	row := s.db.QueryRow(`
SELECT id, content_type, content_hash, sealed_payload, origin_device_id, logical_timestamp, created_at
FROM clipboard_history
ORDER BY logical_timestamp DESC, origin_device_id DESC
LIMIT 1
`)
	e, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return HistoryEntry{}, ErrHistoryEmpty
	}
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("load latest history entry: %w", err)
	}
	return e, nil
}

// ListHistory returns up to limit entries, newest first.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(`
SELECT id, content_type, content_hash, sealed_payload, origin_device_id, logical_timestamp, created_at
FROM clipboard_history
ORDER BY logical_timestamp DESC, origin_device_id DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return entries, nil
}

// PruneHistory removes entries created before cutoff, then trims the table
// down to maxEntries keeping the newest. Either bound can be disabled by
// passing a zero cutoff or maxEntries <= 0.
func (s *Store) PruneHistory(cutoff time.Time, maxEntries int) (int64, error) {
	var removed int64

	if !cutoff.IsZero() {
		res, err := s.db.Exec("DELETE FROM clipboard_history WHERE created_at < ?", cutoff.UnixMilli())
		if err != nil {
			return removed, fmt.Errorf("prune history by age: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	if maxEntries > 0 {
		res, err := s.db.Exec(`
DELETE FROM clipboard_history WHERE id NOT IN (
  SELECT id FROM clipboard_history
  ORDER BY logical_timestamp DESC, origin_device_id DESC
  LIMIT ?
)
`, maxEntries)
		if err != nil {
			return removed, fmt.Errorf("prune history by count: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}

	return removed, nil
}

// ClearHistory removes all history rows.
func (s *Store) ClearHistory() error {
	if _, err := s.db.Exec("DELETE FROM clipboard_history"); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func scanHistory(row rowScanner) (HistoryEntry, error) {
	var (
		e         HistoryEntry
		createdAt int64
	)
	err := row.Scan(&e.ID, &e.ContentType, &e.ContentHash, &e.SealedPayload, &e.OriginDeviceID, &e.LogicalTimestamp, &createdAt)
	if err != nil {
		return HistoryEntry{}, err
	}
	e.CreatedAt = time.UnixMilli(createdAt)
	return e, nil
}
