package transport

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"clipsync/crypto"
)

// testRelay is a minimal blind-routing relay: it verifies the auth
// signature, then forwards frame envelopes to the addressed device.
type testRelay struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*websocket.Conn
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	relay := &testRelay{clients: make(map[string]*websocket.Conn)}
	relay.server = httptest.NewServer(http.HandlerFunc(relay.handle))
	t.Cleanup(relay.server.Close)
	return relay
}

func (r *testRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *testRelay) handle(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var auth relayEnvelope
	if err := ws.ReadJSON(&auth); err != nil || auth.Type != relayMsgAuth {
		return
	}
	if !crypto.VerifyFrom(auth.From, relayAuthSigningData(auth.From, auth.Timestamp), auth.Signature) {
		return
	}

	r.mu.Lock()
	r.clients[auth.From] = ws
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.clients, auth.From)
		r.mu.Unlock()
	}()

	for {
		var env relayEnvelope
		if err := ws.ReadJSON(&env); err != nil {
			return
		}
		if env.Type != relayMsgFrame {
			continue
		}
		env.From = auth.From
		r.mu.Lock()
		target := r.clients[env.To]
		r.mu.Unlock()
		if target != nil {
			_ = target.WriteJSON(env)
		}
	}
}

func TestRelayFallbackDeliversFrames(t *testing.T) {
	relay := newTestRelay(t)
	allowAll := func(string) bool { return true }

	// Neither node can resolve the other, so the relay is the only path.
	nodeA := newTestNode(t, allowAll, relay.url())
	nodeB := newTestNode(t, allowAll, relay.url())

	// Both nodes must hold a relay connection: A to receive, B to send.
	nodeA.manager.Connect(nodeB.identity.DeviceID())
	nodeB.manager.Connect(nodeA.identity.DeviceID())
	waitForStatus(t, nodeB.manager, nodeA.identity.DeviceID(), StatusRelay)
	waitForStatus(t, nodeA.manager, nodeB.identity.DeviceID(), StatusRelay)

	deadline := time.Now().Add(3 * time.Second)
	for {
		err := nodeB.manager.Send(nodeA.identity.DeviceID(), []byte("via relay"))
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Send via relay never succeeded: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case got := <-nodeA.frames:
		if got.peerID != nodeB.identity.DeviceID() || !bytes.Equal(got.frame, []byte("via relay")) {
			t.Fatalf("unexpected relayed frame: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("A never received the relayed frame")
	}
}

func TestRelayDropsFramesFromUnpairedDevices(t *testing.T) {
	relay := newTestRelay(t)

	nodeA := newTestNode(t, func(string) bool { return false }, relay.url())
	nodeB := newTestNode(t, func(string) bool { return true }, relay.url())

	nodeA.manager.Connect(nodeB.identity.DeviceID())
	nodeB.manager.Connect(nodeA.identity.DeviceID())
	waitForStatus(t, nodeB.manager, nodeA.identity.DeviceID(), StatusRelay)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := nodeB.manager.Send(nodeA.identity.DeviceID(), []byte("ignored")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Skip("relay connection not established in time")
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case got := <-nodeA.frames:
		t.Fatalf("unpaired relay frame surfaced: %+v", got)
	case <-time.After(200 * time.Millisecond):
	}
}
