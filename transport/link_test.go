package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"clipsync/crypto"
)

func TestLinkFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	payload := []byte("frame payload")
	if err := WriteLinkFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteLinkFrame failed: %v", err)
	}

	got, err := ReadLinkFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadLinkFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: %q != %q", got, payload)
	}
}

func TestLinkFrameKeepAlive(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteLinkFrame(&buffer, nil); err != nil {
		t.Fatalf("WriteLinkFrame failed: %v", err)
	}
	if buffer.Len() != 4 {
		t.Fatalf("keepalive frame length = %d, want 4", buffer.Len())
	}

	got, err := ReadLinkFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadLinkFrame failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("keepalive payload length = %d, want 0", len(got))
	}
}

func TestLinkFrameRejectsOversized(t *testing.T) {
	var buffer bytes.Buffer
	oversized := make([]byte, MaxLinkFrame+1)
	if err := WriteLinkFrame(&buffer, oversized); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("WriteLinkFrame: got %v, want ErrFrameTooLarge", err)
	}

	// A forged oversized length prefix must be rejected before allocation.
	buffer.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadLinkFrame(&buffer); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadLinkFrame: got %v, want ErrFrameTooLarge", err)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	identity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}

	payload, err := buildHello(identity)
	if err != nil {
		t.Fatalf("buildHello failed: %v", err)
	}

	peerID, err := verifyHello(payload, time.Now())
	if err != nil {
		t.Fatalf("verifyHello failed: %v", err)
	}
	if peerID != identity.DeviceID() {
		t.Fatalf("verified device ID = %s, want %s", peerID, identity.DeviceID())
	}
}

func TestHelloRejectsStaleTimestamp(t *testing.T) {
	identity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}

	payload, err := buildHello(identity)
	if err != nil {
		t.Fatalf("buildHello failed: %v", err)
	}

	if _, err := verifyHello(payload, time.Now().Add(time.Hour)); !errors.Is(err, ErrHelloRejected) {
		t.Fatalf("stale hello: got %v, want ErrHelloRejected", err)
	}
}

func TestHelloRejectsForgedSignature(t *testing.T) {
	identity, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}
	impostor, err := crypto.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}

	// An impostor claims the victim's device ID but can only sign with its
	// own key.
	now := time.Now().UnixMilli()
	forged := helloMessage{
		DeviceID:  identity.DeviceID(),
		Timestamp: now,
		Signature: impostor.Sign(helloSigningData(identity.DeviceID(), now)),
	}
	encoded, err := json.Marshal(forged)
	if err != nil {
		t.Fatalf("encode forged hello: %v", err)
	}
	if _, err := verifyHello(encoded, time.Now()); !errors.Is(err, ErrHelloRejected) {
		t.Fatalf("forged hello: got %v, want ErrHelloRejected", err)
	}
}
