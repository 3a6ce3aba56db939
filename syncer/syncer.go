// Package syncer holds the clipboard state machine: it coalesces local
// changes, resolves conflicts with remote updates, records history, and
// hands outgoing records to the transport.
package syncer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clipsync/clipboard"
	"clipsync/protocol"
	"clipsync/storage"
)

// Apply rejection reasons reported back in acknowledgements.
const (
	ReasonStale        = "stale"
	ReasonDuplicate    = "duplicate"
	ReasonHashMismatch = "hash_mismatch"
	ReasonTooLarge     = "too_large"
)

// pruneEvery batches retention pruning instead of running it per append.
const pruneEvery = 32

// Policy controls what the engine syncs and keeps.
type Policy struct {
	AutoSync          bool
	SyncText          bool
	SyncImages        bool
	SyncFiles         bool
	MaxItemSize       int
	HistoryEnabled    bool
	HistoryMaxAge     time.Duration
	HistoryMaxEntries int
	Debounce          time.Duration
}

// BroadcastFunc delivers a committed local record to all eligible peers.
type BroadcastFunc func(rec protocol.Record)

// EventKind classifies engine events.
type EventKind int

const (
	// EventLocalCommit fires when a local change is committed after
	// debouncing.
	EventLocalCommit EventKind = iota
	// EventRemoteApplied fires when a peer's update wins and replaces the
	// clipboard.
	EventRemoteApplied
	// EventRemoteRejected fires when a peer's update loses conflict
	// resolution or fails validation.
	EventRemoteRejected
)

// Event describes one state change, delivered in commit order.
type Event struct {
	Kind   EventKind
	Record protocol.Record
	PeerID string
	Reason string
}

// Engine is the clipboard synchronization core. All state transitions go
// through its mutex, so applying updates from several peers concurrently
// is safe and order independent.
type Engine struct {
	localID    string
	clip       clipboard.Clipboard
	store      *storage.Store
	storageKey []byte
	broadcast  BroadcastFunc
	markSeen   func(text string)
	log        *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	policy      Policy
	current     *protocol.Record
	pending     *protocol.Record
	timer       *time.Timer
	lastLocalTS int64
	appendCount int

	events chan Event
}

// Options carries the engine's collaborators. Store and StorageKey may be
// nil to disable history. MarkSeen, when set, is called before writing
// remote content to the clipboard so the watcher does not echo it back.
type Options struct {
	LocalDeviceID string
	Clipboard     clipboard.Clipboard
	Store         *storage.Store
	StorageKey    []byte
	Broadcast     BroadcastFunc
	MarkSeen      func(text string)
	Logger        *slog.Logger
}

// New creates an engine with the given policy.
func New(opts Options, policy Policy) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		localID:    opts.LocalDeviceID,
		clip:       opts.Clipboard,
		store:      opts.Store,
		storageKey: opts.StorageKey,
		broadcast:  opts.Broadcast,
		markSeen:   opts.MarkSeen,
		log:        log,
		now:        time.Now,
		policy:     policy,
		events:     make(chan Event, 64),
	}
}

// Events returns the ordered event stream. The channel is never closed.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// SetPolicy swaps the active policy. In-flight debounced changes keep the
// old debounce window.
func (e *Engine) SetPolicy(policy Policy) {
	e.mu.Lock()
	e.policy = policy
	e.mu.Unlock()
}

// Current returns the clipboard record the engine currently holds, if any.
func (e *Engine) Current() (protocol.Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return protocol.Record{}, false
	}
	return *e.current, true
}

// Restore loads the most recent history entry into the engine without
// broadcasting it. Called once at startup.
func (e *Engine) Restore() error {
	if e.store == nil {
		return nil
	}
	entry, err := e.store.LatestHistory()
	if errors.Is(err, storage.ErrHistoryEmpty) {
		return nil
	}
	if err != nil {
		return err
	}
	rec, err := e.openEntry(entry)
	if err != nil {
		return fmt.Errorf("restore clipboard state: %w", err)
	}

	e.mu.Lock()
	e.current = &rec
	if rec.Timestamp > e.lastLocalTS {
		e.lastLocalTS = rec.Timestamp
	}
	e.mu.Unlock()
	return nil
}

// LocalChange registers new local clipboard content. Rapid successive
// calls within the debounce window collapse into a single commit carrying
// the final content.
func (e *Engine) LocalChange(payload []byte) {
	contentType := protocol.DetectContentType(payload)

	e.mu.Lock()
	defer e.mu.Unlock()

	ts := e.now().UnixMilli()
	if ts <= e.lastLocalTS {
		ts = e.lastLocalTS + 1
	}
	e.lastLocalTS = ts

	rec := protocol.NewRecord(contentType, payload, e.localID, ts)
	if e.current != nil && e.current.ContentHash == rec.ContentHash {
		return
	}
	if e.pending != nil && e.pending.ContentHash == rec.ContentHash {
		e.pending.Timestamp = ts
		return
	}

	e.pending = &rec
	debounce := e.policy.Debounce
	if debounce <= 0 {
		e.commitLocked()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(debounce, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.commitLocked()
	})
}

// Flush commits any debounced change immediately.
func (e *Engine) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.commitLocked()
}

func (e *Engine) commitLocked() {
	if e.pending == nil {
		return
	}
	rec := *e.pending
	e.pending = nil
	e.timer = nil
	e.current = &rec

	e.recordHistoryLocked(rec)
	e.emit(Event{Kind: EventLocalCommit, Record: rec})

	if !e.shouldBroadcastLocked(rec) {
		return
	}
	if e.broadcast != nil {
		go e.broadcast(rec)
	}
	e.log.Debug("local clipboard committed",
		"content_type", rec.ContentType.String(),
		"size", len(rec.Payload),
		"timestamp", rec.Timestamp)
}

func (e *Engine) shouldBroadcastLocked(rec protocol.Record) bool {
	p := e.policy
	if !p.AutoSync {
		return false
	}
	if p.MaxItemSize > 0 && len(rec.Payload) > p.MaxItemSize {
		e.log.Debug("skipping broadcast of oversized item", "size", len(rec.Payload))
		return false
	}
	switch rec.ContentType {
	case protocol.ContentText, protocol.ContentRichText, protocol.ContentURL:
		return p.SyncText
	case protocol.ContentImage:
		return p.SyncImages
	case protocol.ContentFile:
		return p.SyncFiles
	default:
		return false
	}
}

// ApplyRemote resolves a peer's update against the current state. The
// newest timestamp wins; on equal timestamps the higher origin device ID
// wins, so every device converges to the same value regardless of arrival
// order. The returned reason is empty when the update was applied.
func (e *Engine) ApplyRemote(peerID string, rec protocol.Record) (bool, string) {
	if !rec.VerifyHash() {
		e.emit(Event{Kind: EventRemoteRejected, Record: rec, PeerID: peerID, Reason: ReasonHashMismatch})
		return false, ReasonHashMismatch
	}
	e.mu.Lock()
	maxSize := e.policy.MaxItemSize
	e.mu.Unlock()
	if maxSize > 0 && len(rec.Payload) > maxSize {
		e.emit(Event{Kind: EventRemoteRejected, Record: rec, PeerID: peerID, Reason: ReasonTooLarge})
		return false, ReasonTooLarge
	}

	e.mu.Lock()
	if e.current != nil {
		if e.current.ContentHash == rec.ContentHash {
			e.mu.Unlock()
			return false, ReasonDuplicate
		}
		if !rec.Supersedes(*e.current) {
			e.mu.Unlock()
			e.emit(Event{Kind: EventRemoteRejected, Record: rec, PeerID: peerID, Reason: ReasonStale})
			return false, ReasonStale
		}
	}

	e.current = &rec
	e.pending = nil
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if rec.Timestamp > e.lastLocalTS {
		e.lastLocalTS = rec.Timestamp
	}
	e.recordHistoryLocked(rec)
	e.mu.Unlock()

	e.writeClipboard(rec)
	e.emit(Event{Kind: EventRemoteApplied, Record: rec, PeerID: peerID})
	e.log.Info("applied remote clipboard update",
		"peer", peerID,
		"content_type", rec.ContentType.String(),
		"timestamp", rec.Timestamp)
	return true, ""
}

func (e *Engine) writeClipboard(rec protocol.Record) {
	if e.clip == nil {
		return
	}
	switch rec.ContentType {
	case protocol.ContentText, protocol.ContentRichText, protocol.ContentURL:
		text := string(rec.Payload)
		if e.markSeen != nil {
			e.markSeen(text)
		}
		if err := e.clip.WriteText(text); err != nil {
			e.log.Warn("failed to write clipboard", "error", err)
		}
	default:
		// Non-text content stays in history; the platform shell decides
		// how to expose it.
	}
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
		e.log.Warn("event stream full, dropping event", "kind", ev.Kind)
	}
}
