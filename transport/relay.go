package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"clipsync/crypto"
)

// ErrRelayUnavailable indicates no authenticated relay connection exists.
var ErrRelayUnavailable = errors.New("transport: relay unavailable")

// relayEnvelope is the JSON message exchanged with the relay. The relay
// routes frames blindly by device ID; frame contents stay end-to-end
// encrypted.
type relayEnvelope struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Signature []byte `json:"signature,omitempty"`
	Frame     []byte `json:"frame,omitempty"`
}

const (
	relayMsgAuth  = "auth"
	relayMsgFrame = "frame"
)

func relayAuthSigningData(deviceID string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("clipsync-relay-auth:%s:%d", deviceID, timestamp))
}

// relayClient maintains one authenticated websocket to a relay and fans
// inbound frames out to the manager.
type relayClient struct {
	url      string
	identity *crypto.Identity
	onFrame  func(from string, frame []byte)
	log      *slog.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	wmu    sync.Mutex
	isDone bool
	doneCh chan struct{}
}

func newRelayClient(ctx context.Context, url string, identity *crypto.Identity, onFrame func(string, []byte), log *slog.Logger) *relayClient {
	rc := &relayClient{
		url:      url,
		identity: identity,
		onFrame:  onFrame,
		log:      log,
		doneCh:   make(chan struct{}),
	}
	go rc.run(ctx)
	return rc
}

// run dials the relay, re-dialing through one bounded backoff cycle. A
// successful connection resets the cycle; exhausting it terminates the
// client.
func (rc *relayClient) run(ctx context.Context) {
	defer rc.close()

	for attempt := 0; attempt <= len(reconnectSchedule); attempt++ {
		if ctx.Err() != nil {
			return
		}

		ws, err := rc.dial(ctx)
		if err != nil {
			rc.log.Debug("relay dial failed", "url", rc.url, "error", err)
		} else {
			rc.mu.Lock()
			rc.ws = ws
			rc.mu.Unlock()
			rc.log.Info("relay connected", "url", rc.url)

			rc.readLoop(ctx, ws)

			rc.mu.Lock()
			rc.ws = nil
			rc.mu.Unlock()
			rc.log.Info("relay disconnected", "url", rc.url)
			attempt = 0
		}

		if attempt == len(reconnectSchedule) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectSchedule[attempt]):
		}
	}
}

func (rc *relayClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, rc.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	now := time.Now().UnixMilli()
	deviceID := rc.identity.DeviceID()
	auth := relayEnvelope{
		Type:      relayMsgAuth,
		From:      deviceID,
		Timestamp: now,
		Signature: rc.identity.Sign(relayAuthSigningData(deviceID, now)),
	}
	if err := ws.WriteJSON(auth); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("authenticate with relay: %w", err)
	}

	return ws, nil
}

func (rc *relayClient) readLoop(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		var env relayEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Type != relayMsgFrame || env.From == "" || len(env.Frame) == 0 {
			continue
		}
		if rc.onFrame != nil {
			rc.onFrame(env.From, env.Frame)
		}
	}
}

// send routes one frame through the relay.
func (rc *relayClient) send(to string, frame []byte) error {
	rc.mu.Lock()
	ws := rc.ws
	rc.mu.Unlock()
	if ws == nil {
		return ErrRelayUnavailable
	}

	env := relayEnvelope{
		Type:  relayMsgFrame,
		From:  rc.identity.DeviceID(),
		To:    to,
		Frame: frame,
	}
	rc.wmu.Lock()
	defer rc.wmu.Unlock()
	if err := ws.WriteJSON(env); err != nil {
		return fmt.Errorf("write relay frame: %w", err)
	}
	return nil
}

func (rc *relayClient) connected() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.ws != nil
}

func (rc *relayClient) done() <-chan struct{} {
	return rc.doneCh
}

func (rc *relayClient) closed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.isDone
}

func (rc *relayClient) close() {
	rc.mu.Lock()
	if rc.isDone {
		rc.mu.Unlock()
		return
	}
	rc.isDone = true
	ws := rc.ws
	rc.ws = nil
	rc.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	close(rc.doneCh)
}
