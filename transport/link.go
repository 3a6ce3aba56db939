// Package transport moves encrypted protocol frames between devices, over
// direct TCP on the local network or through a relay when no direct path
// exists.
package transport

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"clipsync/crypto"
)

const (
	// MaxLinkFrame bounds one length-prefixed link frame. Protocol frames
	// are already capped by the codec; this is the outer transport bound.
	MaxLinkFrame = 16 << 20
	// helloMaxSkew bounds how stale a hello timestamp may be.
	helloMaxSkew = 2 * time.Minute
)

var (
	// ErrFrameTooLarge indicates an outer frame exceeded MaxLinkFrame.
	ErrFrameTooLarge = errors.New("transport: frame too large")
	// ErrHelloRejected indicates peer authentication failed during link setup.
	ErrHelloRejected = errors.New("transport: hello rejected")
)

// WriteLinkFrame writes one length-prefixed frame. A zero-length frame is
// a keepalive.
func WriteLinkFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxLinkFrame {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadLinkFrame reads one length-prefixed frame.
func ReadLinkFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxLinkFrame {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadLinkFrameWithTimeout reads a frame with an optional read deadline.
func ReadLinkFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadLinkFrame(conn)
}

// helloMessage authenticates a link endpoint. The device ID is the hex
// public key, so the signature is self-certifying.
type helloMessage struct {
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
	Signature []byte `json:"signature"`
}

func helloSigningData(deviceID string, timestamp int64) []byte {
	return []byte(fmt.Sprintf("clipsync-hello:%s:%d", deviceID, timestamp))
}

func buildHello(identity *crypto.Identity) ([]byte, error) {
	now := time.Now().UnixMilli()
	msg := helloMessage{
		DeviceID:  identity.DeviceID(),
		Timestamp: now,
		Signature: identity.Sign(helloSigningData(identity.DeviceID(), now)),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode hello: %w", err)
	}
	return payload, nil
}

// verifyHello checks the signature and freshness of a received hello and
// returns the authenticated peer device ID.
func verifyHello(payload []byte, now time.Time) (string, error) {
	var msg helloMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return "", fmt.Errorf("%w: malformed hello", ErrHelloRejected)
	}

	age := now.Sub(time.UnixMilli(msg.Timestamp))
	if age > helloMaxSkew || age < -helloMaxSkew {
		return "", fmt.Errorf("%w: stale hello timestamp", ErrHelloRejected)
	}
	if !crypto.VerifyFrom(msg.DeviceID, helloSigningData(msg.DeviceID, msg.Timestamp), msg.Signature) {
		return "", fmt.Errorf("%w: bad hello signature", ErrHelloRejected)
	}
	return msg.DeviceID, nil
}
