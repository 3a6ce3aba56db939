package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"clipsync/crypto"
)

// Version is the current wire protocol version.
const Version = 1

// MessageType identifies the frame payload kind.
type MessageType uint8

const (
	MsgPing      MessageType = 0x01
	MsgPong      MessageType = 0x02
	MsgClipboard MessageType = 0x10
	MsgAck       MessageType = 0x11
	MsgError     MessageType = 0xFF
)

func (t MessageType) valid() bool {
	switch t {
	case MsgPing, MsgPong, MsgClipboard, MsgAck, MsgError:
		return true
	default:
		return false
	}
}

// Frame layout, big endian:
//
//	version(2) type(1) content_type(1) sequence(8) sender(32) payload_len(4)
//	nonce(12) ciphertext(N) tag(16)
//
// The fixed header is the AEAD associated data, so any header tampering
// fails authentication before the payload is interpreted.
const headerSize = 2 + 1 + 1 + 8 + senderIDSize + 4

const senderIDSize = 32

var (
	// ErrDecryption indicates the frame does not authenticate under any
	// offered session key.
	ErrDecryption = errors.New("protocol: decryption failed")
	// ErrMalformedFrame indicates a truncated or structurally invalid frame.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrPayloadTooLarge indicates the payload exceeds the configured limit.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	// ErrUnsupportedVersion indicates an unknown protocol version.
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
)

// Header is the unencrypted frame prefix used for routing and dispatch.
type Header struct {
	Version     uint16
	Type        MessageType
	ContentType ContentType
	Sequence    uint64
	SenderID    string
	PayloadLen  uint32
}

// Ack confirms receipt and application of a clipboard record.
type Ack struct {
	Sequence    uint64   `cbor:"1,keyasint"`
	ContentHash [32]byte `cbor:"2,keyasint"`
	Applied     bool     `cbor:"3,keyasint"`
	Reason      string   `cbor:"4,keyasint,omitempty"`
}

// Codec frames, encrypts, and decodes sync messages.
type Codec struct {
	// MaxPayloadBytes bounds the plaintext payload size, enforced on both
	// encode and decode. Zero means DefaultMaxPayloadBytes.
	MaxPayloadBytes int64
}

// DefaultMaxPayloadBytes is the payload ceiling when no setting is supplied.
const DefaultMaxPayloadBytes = 10 * 1024 * 1024

func (c *Codec) maxPayload() int64 {
	if c == nil || c.MaxPayloadBytes <= 0 {
		return DefaultMaxPayloadBytes
	}
	return c.MaxPayloadBytes
}

// EncodeRecord seals a clipboard record into a transmittable frame.
func (c *Codec) EncodeRecord(record Record, sequence uint64, sessionKey []byte) ([]byte, error) {
	if int64(len(record.Payload)) > c.maxPayload() {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(record.Payload), c.maxPayload())
	}
	if !record.ContentType.valid() {
		return nil, fmt.Errorf("%w: invalid content type %d", ErrMalformedFrame, record.ContentType)
	}

	plaintext, err := cbor.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return c.encode(MsgClipboard, record.ContentType, record.OriginID, sequence, plaintext, sessionKey)
}

// DecodeRecord authenticates and decrypts a clipboard frame. Keys are tried
// in order; a session's current key first, then its grace key.
func (c *Codec) DecodeRecord(frame []byte, sessionKeys ...[]byte) (Record, error) {
	header, plaintext, err := c.decode(frame, sessionKeys)
	if err != nil {
		return Record{}, err
	}
	if header.Type != MsgClipboard {
		return Record{}, fmt.Errorf("%w: expected clipboard frame, got type 0x%02x", ErrMalformedFrame, uint8(header.Type))
	}

	var record Record
	if err := cbor.Unmarshal(plaintext, &record); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if int64(len(record.Payload)) > c.maxPayload() {
		return Record{}, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(record.Payload), c.maxPayload())
	}
	if !record.VerifyHash() {
		return Record{}, fmt.Errorf("%w: content hash mismatch", ErrMalformedFrame)
	}
	return record, nil
}

// EncodeAck seals an acknowledgment frame.
func (c *Codec) EncodeAck(ack Ack, senderID string, sequence uint64, sessionKey []byte) ([]byte, error) {
	plaintext, err := cbor.Marshal(ack)
	if err != nil {
		return nil, fmt.Errorf("marshal ack: %w", err)
	}
	return c.encode(MsgAck, ContentText, senderID, sequence, plaintext, sessionKey)
}

// DecodeAck authenticates and decrypts an acknowledgment frame.
func (c *Codec) DecodeAck(frame []byte, sessionKeys ...[]byte) (Ack, error) {
	header, plaintext, err := c.decode(frame, sessionKeys)
	if err != nil {
		return Ack{}, err
	}
	if header.Type != MsgAck {
		return Ack{}, fmt.Errorf("%w: expected ack frame, got type 0x%02x", ErrMalformedFrame, uint8(header.Type))
	}

	var ack Ack
	if err := cbor.Unmarshal(plaintext, &ack); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ack, nil
}

// EncodePing seals an empty keep-alive frame.
func (c *Codec) EncodePing(senderID string, sequence uint64, sessionKey []byte) ([]byte, error) {
	return c.encode(MsgPing, ContentText, senderID, sequence, nil, sessionKey)
}

// EncodePong seals a keep-alive response frame.
func (c *Codec) EncodePong(senderID string, sequence uint64, sessionKey []byte) ([]byte, error) {
	return c.encode(MsgPong, ContentText, senderID, sequence, nil, sessionKey)
}

// DecodeSignal authenticates a ping, pong, or error frame and returns its
// header. The sequence number in the header is only trustworthy after this
// succeeds.
func (c *Codec) DecodeSignal(frame []byte, sessionKeys ...[]byte) (Header, error) {
	header, _, err := c.decode(frame, sessionKeys)
	if err != nil {
		return Header{}, err
	}
	switch header.Type {
	case MsgPing, MsgPong, MsgError:
		return header, nil
	default:
		return Header{}, fmt.Errorf("%w: expected signal frame, got type 0x%02x", ErrMalformedFrame, uint8(header.Type))
	}
}

// ParseHeader reads the unencrypted frame prefix without decrypting. Relay
// and dispatch paths use it for routing only; nothing in the header is
// trusted until the AEAD tag verifies.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < headerSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedFrame, len(frame))
	}

	header := Header{
		Version:     binary.BigEndian.Uint16(frame[0:2]),
		Type:        MessageType(frame[2]),
		ContentType: ContentType(frame[3]),
		Sequence:    binary.BigEndian.Uint64(frame[4:12]),
		SenderID:    hex.EncodeToString(frame[12 : 12+senderIDSize]),
		PayloadLen:  binary.BigEndian.Uint32(frame[12+senderIDSize : headerSize]),
	}

	if header.Version != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, header.Version)
	}
	if !header.Type.valid() {
		return Header{}, fmt.Errorf("%w: unknown message type 0x%02x", ErrMalformedFrame, frame[2])
	}
	return header, nil
}

func (c *Codec) encode(msgType MessageType, contentType ContentType, senderID string, sequence uint64, plaintext, sessionKey []byte) ([]byte, error) {
	sender, err := hex.DecodeString(senderID)
	if err != nil || len(sender) != senderIDSize {
		return nil, fmt.Errorf("%w: invalid sender ID %q", ErrMalformedFrame, senderID)
	}

	sealedLen := crypto.NonceSize + len(plaintext) + crypto.TagSize
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint16(header[0:2], Version)
	header[2] = byte(msgType)
	header[3] = byte(contentType)
	binary.BigEndian.PutUint64(header[4:12], sequence)
	copy(header[12:12+senderIDSize], sender)
	binary.BigEndian.PutUint32(header[12+senderIDSize:headerSize], uint32(sealedLen))

	sealed, err := crypto.Seal(sessionKey, plaintext, header)
	if err != nil {
		return nil, err
	}
	return append(header, sealed...), nil
}

func (c *Codec) decode(frame []byte, sessionKeys [][]byte) (Header, []byte, error) {
	header, err := ParseHeader(frame)
	if err != nil {
		return Header{}, nil, err
	}

	if int64(header.PayloadLen) > c.maxPayload()+crypto.NonceSize+crypto.TagSize+maxRecordEnvelope {
		return Header{}, nil, fmt.Errorf("%w: sealed payload %d bytes", ErrPayloadTooLarge, header.PayloadLen)
	}
	if len(frame) != headerSize+int(header.PayloadLen) {
		return Header{}, nil, fmt.Errorf("%w: payload length mismatch", ErrMalformedFrame)
	}

	sealed := frame[headerSize:]
	for _, key := range sessionKeys {
		plaintext, err := crypto.Open(key, sealed, frame[:headerSize])
		if err == nil {
			return header, plaintext, nil
		}
	}
	return Header{}, nil, ErrDecryption
}

// maxRecordEnvelope is slack for CBOR record fields beyond the raw payload
// (origin ID, hash, map keys).
const maxRecordEnvelope = 512
