// Package pairing establishes mutual trust between two devices via a 6-digit
// code or QR payload, producing a shared session root key on both sides.
package pairing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"clipsync/protocol"
)

// SessionTTL is the pairing session lifetime.
const SessionTTL = 5 * time.Minute

var (
	// ErrPairingExpired indicates completion was attempted after expiry.
	ErrPairingExpired = errors.New("pairing: session expired")
	// ErrPairingMismatch indicates the supplied code does not match.
	ErrPairingMismatch = errors.New("pairing: code mismatch")
	// ErrPairingAuthentication indicates key confirmation failed.
	ErrPairingAuthentication = errors.New("pairing: key confirmation failed")
	// ErrNoActiveSession indicates no pairing session is in progress.
	ErrNoActiveSession = errors.New("pairing: no active session")
	// ErrSelfPairing indicates a device attempted to pair with itself.
	ErrSelfPairing = errors.New("pairing: device cannot pair with itself")
)

// State is the handshake lifecycle state on the initiating device.
type State string

const (
	StateIdle         State = "idle"
	StateAwaitingPeer State = "awaiting_peer"
	StateKeyExchange  State = "key_exchange"
	StateConfirmed    State = "confirmed"
	StateExpired      State = "expired"
	StateRejected     State = "rejected"
)

// Payload is the QR encoding of a pairing offer. The code path carries the
// same logical fields through the rendezvous advertisement, so both paths
// resolve to one handshake.
type Payload struct {
	Version    int    `json:"v"`
	Code       string `json:"code"`
	PublicKey  []byte `json:"pk"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"name"`
	ExpiresAt  int64  `json:"exp"`
	Rendezvous string `json:"rdv,omitempty"`
}

// ParsePayload decodes a QR payload.
func ParsePayload(qrData []byte) (Payload, error) {
	return parsePayload(qrData, true)
}

// ParseAdvertisement decodes a rendezvous advertisement: the same fields
// as a QR payload but with the code redacted. The typed code supplies the
// missing secret.
func ParseAdvertisement(data []byte) (Payload, error) {
	return parsePayload(data, false)
}

func parsePayload(qrData []byte, requireCode bool) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(qrData, &payload); err != nil {
		return Payload{}, fmt.Errorf("parse QR payload: %w", err)
	}
	if payload.Version != protocol.Version {
		return Payload{}, fmt.Errorf("parse QR payload: unsupported version %d", payload.Version)
	}
	if requireCode && len(payload.Code) != codeLength {
		return Payload{}, fmt.Errorf("parse QR payload: invalid code")
	}
	if len(payload.PublicKey) != 32 {
		return Payload{}, fmt.Errorf("parse QR payload: invalid public key length %d", len(payload.PublicKey))
	}
	return payload, nil
}

const codeLength = 6

// generateCode returns a uniformly random 6-digit decimal code.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// transcript binds the handshake to its exact inputs. It is symmetric: both
// sides hash the same bytes regardless of role.
func transcript(code string, pubA, pubB []byte, idA, idB string) []byte {
	if string(pubA) > string(pubB) {
		pubA, pubB = pubB, pubA
	}
	if idA > idB {
		idA, idB = idB, idA
	}

	h := sha256.New()
	h.Write([]byte("clipsync-pairing-v1"))
	h.Write([]byte(code))
	h.Write(pubA)
	h.Write(pubB)
	h.Write([]byte(idA))
	h.Write([]byte(idB))
	return h.Sum(nil)
}

const (
	confirmLabelInitiator = "initiator-confirm"
	confirmLabelResponder = "responder-confirm"
)

func confirmMAC(confirmKey []byte, label string, transcript []byte) []byte {
	mac := hmac.New(sha256.New, confirmKey)
	mac.Write([]byte(label))
	mac.Write(transcript)
	return mac.Sum(nil)
}

func verifyConfirmMAC(confirmKey []byte, label string, transcript, received []byte) bool {
	return hmac.Equal(confirmMAC(confirmKey, label, transcript), received)
}
