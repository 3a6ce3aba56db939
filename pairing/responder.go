package pairing

import (
	"fmt"
	"time"

	"clipsync/crypto"
)

// Responder is the responding side of one handshake. It lives from
// RespondWithCode/RespondWithQR until the initiator's confirmation arrives.
type Responder struct {
	peerDeviceID   string
	peerDeviceName string
	transcript     []byte
	confirmKey     []byte
	rootKey        []byte
}

// RespondWithQR completes the responder's half of pairing from scanned QR
// data. It validates expiry, derives the shared secret, and returns the
// Response to transmit to the initiator.
func RespondWithQR(localDeviceID, localDeviceName string, qrData []byte) (*Responder, Response, error) {
	payload, err := ParsePayload(qrData)
	if err != nil {
		return nil, Response{}, err
	}
	return respond(localDeviceID, localDeviceName, payload.Code, payload)
}

// RespondWithCode completes the responder's half of pairing from a typed
// code plus the initiator's advertised payload (resolved via rendezvous).
// The typed code must match the advertised one.
func RespondWithCode(localDeviceID, localDeviceName, code string, advertised Payload) (*Responder, Response, error) {
	if !codesEqual(code, advertised.Code) {
		return nil, Response{}, ErrPairingMismatch
	}
	return respond(localDeviceID, localDeviceName, code, advertised)
}

// RespondWithTypedCode pairs using a user-typed code against a rendezvous
// advertisement that omits the code. The typed code enters the transcript,
// so a wrong code surfaces as an authentication failure at the initiator
// rather than a local mismatch.
func RespondWithTypedCode(localDeviceID, localDeviceName, code string, advertised Payload) (*Responder, Response, error) {
	return respond(localDeviceID, localDeviceName, code, advertised)
}

func respond(localDeviceID, localDeviceName, code string, payload Payload) (*Responder, Response, error) {
	if payload.DeviceID == localDeviceID {
		return nil, Response{}, ErrSelfPairing
	}
	if time.Now().Unix() > payload.ExpiresAt {
		return nil, Response{}, ErrPairingExpired
	}

	peerPublic, err := crypto.ParseX25519PublicKey(payload.PublicKey)
	if err != nil {
		return nil, Response{}, fmt.Errorf("%w: %v", ErrPairingAuthentication, err)
	}

	ephemeral, publicKey, err := crypto.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, Response{}, err
	}
	shared, err := crypto.ComputeSharedSecret(ephemeral, peerPublic)
	if err != nil {
		return nil, Response{}, fmt.Errorf("%w: %v", ErrPairingAuthentication, err)
	}

	ts := transcript(code, payload.PublicKey, publicKey, payload.DeviceID, localDeviceID)
	confirmKey, err := crypto.DeriveConfirmationKey(shared, ts)
	if err != nil {
		return nil, Response{}, err
	}
	rootKey, err := crypto.DeriveSessionKey(shared, ts)
	if err != nil {
		return nil, Response{}, err
	}

	responder := &Responder{
		peerDeviceID:   payload.DeviceID,
		peerDeviceName: payload.DeviceName,
		transcript:     ts,
		confirmKey:     confirmKey,
		rootKey:        rootKey,
	}
	response := Response{
		Code:       code,
		DeviceID:   localDeviceID,
		DeviceName: localDeviceName,
		PublicKey:  publicKey,
		Confirm:    confirmMAC(confirmKey, confirmLabelResponder, ts),
	}
	return responder, response, nil
}

// VerifyInitiator checks the initiator's confirmation MAC and, on success,
// yields the completed handshake result.
func (r *Responder) VerifyInitiator(confirmation Confirmation) (Result, error) {
	if !verifyConfirmMAC(r.confirmKey, confirmLabelInitiator, r.transcript, confirmation.Confirm) {
		return Result{}, ErrPairingAuthentication
	}
	return Result{
		PeerDeviceID:   r.peerDeviceID,
		PeerDeviceName: r.peerDeviceName,
		RootKey:        r.rootKey,
	}, nil
}
