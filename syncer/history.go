package syncer

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clipsync/crypto"
	"clipsync/protocol"
	"clipsync/storage"
)

// HistoryItem is a decrypted clipboard history entry.
type HistoryItem struct {
	ID             string
	ContentType    protocol.ContentType
	Payload        []byte
	OriginDeviceID string
	Timestamp      int64
	StoredAt       time.Time
}

func (e *Engine) recordHistoryLocked(rec protocol.Record) {
	if e.store == nil || !e.policy.HistoryEnabled {
		return
	}

	id := uuid.NewString()
	sealed, err := crypto.Seal(e.storageKey, rec.Payload, []byte(id))
	if err != nil {
		e.log.Warn("failed to seal history payload", "error", err)
		return
	}

	entry := storage.HistoryEntry{
		ID:               id,
		ContentType:      rec.ContentType.String(),
		ContentHash:      hex.EncodeToString(rec.ContentHash[:]),
		SealedPayload:    sealed,
		OriginDeviceID:   rec.OriginID,
		LogicalTimestamp: rec.Timestamp,
	}
	if err := e.store.AppendHistory(entry); err != nil {
		e.log.Warn("failed to record clipboard history", "error", err)
		return
	}

	e.appendCount++
	if e.appendCount >= pruneEvery {
		e.appendCount = 0
		e.pruneHistoryLocked()
	}
}

func (e *Engine) pruneHistoryLocked() {
	var cutoff time.Time
	if e.policy.HistoryMaxAge > 0 {
		cutoff = e.now().Add(-e.policy.HistoryMaxAge)
	}
	removed, err := e.store.PruneHistory(cutoff, e.policy.HistoryMaxEntries)
	if err != nil {
		e.log.Warn("history prune failed", "error", err)
		return
	}
	if removed > 0 {
		e.log.Debug("pruned clipboard history", "removed", removed)
	}
}

// PruneHistory applies the retention policy immediately.
func (e *Engine) PruneHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return
	}
	e.pruneHistoryLocked()
}

// History returns up to limit decrypted entries, newest first.
func (e *Engine) History(limit int) ([]HistoryItem, error) {
	if e.store == nil {
		return nil, nil
	}
	entries, err := e.store.ListHistory(limit)
	if err != nil {
		return nil, err
	}

	items := make([]HistoryItem, 0, len(entries))
	for _, entry := range entries {
		rec, err := e.openEntry(entry)
		if err != nil {
			e.log.Warn("skipping undecryptable history entry", "id", entry.ID, "error", err)
			continue
		}
		items = append(items, HistoryItem{
			ID:             entry.ID,
			ContentType:    rec.ContentType,
			Payload:        rec.Payload,
			OriginDeviceID: entry.OriginDeviceID,
			Timestamp:      entry.LogicalTimestamp,
			StoredAt:       entry.CreatedAt,
		})
	}
	return items, nil
}

// ClearHistory removes all stored entries.
func (e *Engine) ClearHistory() error {
	if e.store == nil {
		return nil
	}
	return e.store.ClearHistory()
}

func (e *Engine) openEntry(entry storage.HistoryEntry) (protocol.Record, error) {
	payload, err := crypto.Open(e.storageKey, entry.SealedPayload, []byte(entry.ID))
	if err != nil {
		return protocol.Record{}, fmt.Errorf("open history entry %s: %w", entry.ID, err)
	}
	contentType, err := protocol.ParseContentType(entry.ContentType)
	if err != nil {
		return protocol.Record{}, err
	}
	return protocol.NewRecord(contentType, payload, entry.OriginDeviceID, entry.LogicalTimestamp), nil
}
