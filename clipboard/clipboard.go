// Package clipboard wraps system clipboard access behind a small interface
// so the sync engine can be tested without a display server.
package clipboard

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/atotto/clipboard"
)

// Clipboard reads and writes the local clipboard. Only text is supported
// by the system backend; other content types arrive over the wire.
type Clipboard interface {
	ReadText() (string, error)
	WriteText(text string) error
}

// System is backed by the OS clipboard.
type System struct{}

func (System) ReadText() (string, error) {
	text, err := clipboard.ReadAll()
	if err != nil {
		return "", fmt.Errorf("read system clipboard: %w", err)
	}
	return text, nil
}

func (System) WriteText(text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("write system clipboard: %w", err)
	}
	return nil
}

// Memory is an in-process clipboard used in tests.
type Memory struct {
	mu   sync.Mutex
	text string
}

func (m *Memory) ReadText() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.text, nil
}

func (m *Memory) WriteText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	return nil
}

// DefaultPollInterval is how often the watcher samples the clipboard.
const DefaultPollInterval = 500 * time.Millisecond

// Watcher polls a clipboard and invokes a callback when its content
// changes. Polling is the only portable change signal across platforms.
type Watcher struct {
	clip     Clipboard
	interval time.Duration
	onChange func(text string)

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	primed   bool
}

// NewWatcher creates a watcher. onChange runs on the watcher goroutine.
func NewWatcher(clip Clipboard, interval time.Duration, onChange func(text string)) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{clip: clip, interval: interval, onChange: onChange}
}

// Ignore marks content as already seen so a programmatic write does not
// loop back through onChange.
func (w *Watcher) Ignore(text string) {
	w.mu.Lock()
	w.lastHash = sha256.Sum256([]byte(text))
	w.primed = true
	w.mu.Unlock()
}

// Run polls until the context is cancelled. The clipboard content at start
// is treated as already seen.
func (w *Watcher) Run(ctx context.Context) {
	if text, err := w.clip.ReadText(); err == nil {
		w.Ignore(text)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	text, err := w.clip.ReadText()
	if err != nil {
		return
	}
	if text == "" {
		return
	}

	hash := sha256.Sum256([]byte(text))
	w.mu.Lock()
	changed := !w.primed || hash != w.lastHash
	w.lastHash = hash
	w.primed = true
	w.mu.Unlock()

	if changed && w.onChange != nil {
		w.onChange(text)
	}
}
