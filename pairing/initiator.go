package pairing

import (
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"clipsync/crypto"
	"clipsync/protocol"
)

// Offer is what the initiating device displays or encodes for the peer.
type Offer struct {
	Code      string
	QRData    []byte
	ExpiresAt time.Time
}

// Response is the responding device's half of the key exchange.
type Response struct {
	Code       string
	DeviceID   string
	DeviceName string
	PublicKey  []byte
	Confirm    []byte
}

// Confirmation is the initiator's key-confirmation MAC, returned to the
// responder to prove both sides derived the same secret.
type Confirmation struct {
	Confirm []byte
}

// Result is a completed handshake: the trusted peer and the session root key.
type Result struct {
	PeerDeviceID   string
	PeerDeviceName string
	RootKey        []byte
}

type session struct {
	code      string
	ephemeral *ecdh.PrivateKey
	publicKey []byte
	expiresAt time.Time
}

// Manager owns the single active pairing session on the initiating device.
// Starting a new session supersedes the previous one immediately; the old
// code becomes invalid at that moment, not at its original expiry.
type Manager struct {
	deviceID   string
	deviceName string
	rendezvous string

	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	active *session
	state  State
}

// NewManager creates a pairing manager for the local identity.
func NewManager(deviceID, deviceName, rendezvous string) *Manager {
	return &Manager{
		deviceID:   deviceID,
		deviceName: deviceName,
		rendezvous: rendezvous,
		ttl:        SessionTTL,
		now:        time.Now,
		state:      StateIdle,
	}
}

// State returns the current handshake state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start creates a fresh pairing session and returns its offer.
func (m *Manager) Start() (Offer, error) {
	code, err := generateCode()
	if err != nil {
		return Offer{}, err
	}
	ephemeral, publicKey, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return Offer{}, err
	}

	expiresAt := m.now().Add(m.ttl)
	payload := Payload{
		Version:    protocol.Version,
		Code:       code,
		PublicKey:  publicKey,
		DeviceID:   m.deviceID,
		DeviceName: m.deviceName,
		ExpiresAt:  expiresAt.Unix(),
		Rendezvous: m.rendezvous,
	}
	qrData, err := json.Marshal(payload)
	if err != nil {
		return Offer{}, fmt.Errorf("marshal QR payload: %w", err)
	}

	m.mu.Lock()
	m.active = &session{
		code:      code,
		ephemeral: ephemeral,
		publicKey: publicKey,
		expiresAt: expiresAt,
	}
	m.state = StateAwaitingPeer
	m.mu.Unlock()

	return Offer{Code: code, QRData: qrData, ExpiresAt: expiresAt}, nil
}

// Payload returns the active session's advertisement payload for the code
// path rendezvous. The code and QR paths share these fields.
func (m *Manager) Payload() (Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return Payload{}, ErrNoActiveSession
	}
	return Payload{
		Version:    protocol.Version,
		Code:       m.active.code,
		PublicKey:  m.active.publicKey,
		DeviceID:   m.deviceID,
		DeviceName: m.deviceName,
		ExpiresAt:  m.active.expiresAt.Unix(),
		Rendezvous: m.rendezvous,
	}, nil
}

// Complete validates the responder's exchange and finishes the handshake.
// On success the pairing session is destroyed and the derived root key is
// returned together with the initiator's confirmation MAC for the peer.
func (m *Manager) Complete(response Response) (Result, Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return Result{}, Confirmation{}, ErrNoActiveSession
	}
	if response.DeviceID == m.deviceID {
		return Result{}, Confirmation{}, ErrSelfPairing
	}
	if m.now().After(m.active.expiresAt) {
		m.active = nil
		m.state = StateExpired
		return Result{}, Confirmation{}, ErrPairingExpired
	}
	if !codesEqual(m.active.code, response.Code) {
		m.active = nil
		m.state = StateRejected
		return Result{}, Confirmation{}, ErrPairingMismatch
	}

	m.state = StateKeyExchange

	peerPublic, err := crypto.ParseX25519PublicKey(response.PublicKey)
	if err != nil {
		m.active = nil
		m.state = StateRejected
		return Result{}, Confirmation{}, fmt.Errorf("%w: %v", ErrPairingAuthentication, err)
	}
	shared, err := crypto.ComputeSharedSecret(m.active.ephemeral, peerPublic)
	if err != nil {
		m.active = nil
		m.state = StateRejected
		return Result{}, Confirmation{}, fmt.Errorf("%w: %v", ErrPairingAuthentication, err)
	}

	ts := transcript(m.active.code, m.active.publicKey, response.PublicKey, m.deviceID, response.DeviceID)
	confirmKey, err := crypto.DeriveConfirmationKey(shared, ts)
	if err != nil {
		m.active = nil
		m.state = StateRejected
		return Result{}, Confirmation{}, err
	}
	if !verifyConfirmMAC(confirmKey, confirmLabelResponder, ts, response.Confirm) {
		m.active = nil
		m.state = StateRejected
		return Result{}, Confirmation{}, ErrPairingAuthentication
	}

	rootKey, err := crypto.DeriveSessionKey(shared, ts)
	if err != nil {
		m.active = nil
		m.state = StateRejected
		return Result{}, Confirmation{}, err
	}

	confirmation := Confirmation{Confirm: confirmMAC(confirmKey, confirmLabelInitiator, ts)}
	m.active = nil
	m.state = StateConfirmed

	return Result{
		PeerDeviceID:   response.DeviceID,
		PeerDeviceName: response.DeviceName,
		RootKey:        rootKey,
	}, confirmation, nil
}

// Cancel destroys the active session, if any. The ephemeral key is dropped
// with it.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = nil
	m.state = StateIdle
}
