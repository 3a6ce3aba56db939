package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"clipsync/crypto"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func testDeviceID(t *testing.T, fill byte) string {
	t.Helper()
	raw := bytes.Repeat([]byte{fill}, 32)
	return hex.EncodeToString(raw)
}

func TestRecordFrameRoundTrip(t *testing.T) {
	codec := &Codec{}
	key := testKey(t)
	origin := testDeviceID(t, 0xA1)

	for _, contentType := range []ContentType{ContentText, ContentRichText, ContentImage, ContentFile, ContentURL} {
		record := NewRecord(contentType, []byte("clipboard payload"), origin, time.Now().UnixMilli())

		frame, err := codec.EncodeRecord(record, 7, key)
		if err != nil {
			t.Fatalf("EncodeRecord(%s): %v", contentType, err)
		}

		decoded, err := codec.DecodeRecord(frame, key)
		if err != nil {
			t.Fatalf("DecodeRecord(%s): %v", contentType, err)
		}
		if decoded.ContentType != record.ContentType {
			t.Fatalf("content type mismatch: got %s want %s", decoded.ContentType, record.ContentType)
		}
		if !bytes.Equal(decoded.Payload, record.Payload) {
			t.Fatalf("payload mismatch for %s", contentType)
		}
		if decoded.OriginID != origin {
			t.Fatalf("origin mismatch: got %q", decoded.OriginID)
		}
		if decoded.Timestamp != record.Timestamp {
			t.Fatalf("timestamp mismatch")
		}
		if decoded.ContentHash != record.ContentHash {
			t.Fatalf("content hash mismatch")
		}
	}
}

func TestMaxPayloadRoundTrip(t *testing.T) {
	codec := &Codec{MaxPayloadBytes: 4096}
	key := testKey(t)

	payload := make([]byte, 4096)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("generate payload: %v", err)
	}
	record := NewRecord(ContentFile, payload, testDeviceID(t, 0x01), 1)

	frame, err := codec.EncodeRecord(record, 1, key)
	if err != nil {
		t.Fatalf("EncodeRecord at limit: %v", err)
	}
	decoded, err := codec.DecodeRecord(frame, key)
	if err != nil {
		t.Fatalf("DecodeRecord at limit: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Fatalf("payload mismatch at limit")
	}
}

func TestOversizedPayloadRejected(t *testing.T) {
	key := testKey(t)
	origin := testDeviceID(t, 0x02)

	small := &Codec{MaxPayloadBytes: 64}
	record := NewRecord(ContentText, make([]byte, 65), origin, 1)
	if _, err := small.EncodeRecord(record, 1, key); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on encode, got %v", err)
	}

	// A peer with a larger limit can produce frames we must reject on decode.
	big := &Codec{MaxPayloadBytes: 1024}
	frame, err := big.EncodeRecord(record, 1, key)
	if err != nil {
		t.Fatalf("encode with larger limit: %v", err)
	}
	if _, err := small.DecodeRecord(frame, key); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on decode, got %v", err)
	}
}

func TestWrongKeyFailsDecryption(t *testing.T) {
	codec := &Codec{}
	record := NewRecord(ContentText, []byte("secret"), testDeviceID(t, 0x03), 1)

	frame, err := codec.EncodeRecord(record, 1, testKey(t))
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	if _, err := codec.DecodeRecord(frame, testKey(t)); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestSecondKeyDecodesDuringGrace(t *testing.T) {
	codec := &Codec{}
	oldKey := testKey(t)
	newKey := testKey(t)
	record := NewRecord(ContentText, []byte("in flight"), testDeviceID(t, 0x04), 1)

	frame, err := codec.EncodeRecord(record, 1, oldKey)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	if _, err := codec.DecodeRecord(frame, newKey, oldKey); err != nil {
		t.Fatalf("expected grace key to decode, got %v", err)
	}
	if _, err := codec.DecodeRecord(frame, newKey); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption after grace key removed, got %v", err)
	}
}

func TestTamperedHeaderFailsAuthentication(t *testing.T) {
	codec := &Codec{}
	key := testKey(t)
	record := NewRecord(ContentText, []byte("payload"), testDeviceID(t, 0x05), 1)

	frame, err := codec.EncodeRecord(record, 1, key)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	// Flip the content type byte in the clear header.
	frame[3] = byte(ContentImage)
	if _, err := codec.DecodeRecord(frame, key); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestTruncatedFrameRejected(t *testing.T) {
	codec := &Codec{}
	key := testKey(t)
	record := NewRecord(ContentText, []byte("payload"), testDeviceID(t, 0x06), 1)

	frame, err := codec.EncodeRecord(record, 1, key)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	if _, err := codec.DecodeRecord(frame[:10], key); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for short frame, got %v", err)
	}
	if _, err := codec.DecodeRecord(frame[:len(frame)-5], key); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for truncated payload, got %v", err)
	}
}

func TestUnknownVersionRejected(t *testing.T) {
	codec := &Codec{}
	key := testKey(t)
	record := NewRecord(ContentText, []byte("payload"), testDeviceID(t, 0x07), 1)

	frame, err := codec.EncodeRecord(record, 1, key)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	frame[0] = 0xFF
	frame[1] = 0xFF
	if _, err := codec.DecodeRecord(frame, key); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestParseHeaderExposesRoutingFields(t *testing.T) {
	codec := &Codec{}
	key := testKey(t)
	origin := testDeviceID(t, 0x08)
	record := NewRecord(ContentURL, []byte("https://example.com"), origin, 1)

	frame, err := codec.EncodeRecord(record, 42, key)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	header, err := ParseHeader(frame)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if header.Type != MsgClipboard {
		t.Fatalf("unexpected message type 0x%02x", uint8(header.Type))
	}
	if header.Sequence != 42 {
		t.Fatalf("unexpected sequence %d", header.Sequence)
	}
	if header.SenderID != origin {
		t.Fatalf("unexpected sender %q", header.SenderID)
	}
}

func TestAckRoundTrip(t *testing.T) {
	codec := &Codec{}
	key := testKey(t)
	sender := testDeviceID(t, 0x09)

	ack := Ack{Sequence: 9, ContentHash: [32]byte{1, 2, 3}, Applied: false, Reason: "content type filtered"}
	frame, err := codec.EncodeAck(ack, sender, 10, key)
	if err != nil {
		t.Fatalf("EncodeAck: %v", err)
	}

	decoded, err := codec.DecodeAck(frame, key)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if decoded.Sequence != ack.Sequence || decoded.Applied != ack.Applied || decoded.Reason != ack.Reason {
		t.Fatalf("ack mismatch: %+v", decoded)
	}
	if decoded.ContentHash != ack.ContentHash {
		t.Fatalf("ack hash mismatch")
	}
}

func TestRecordDecodableAfterSenderRotation(t *testing.T) {
	codec := &Codec{}
	origin := testDeviceID(t, 0xB2)
	root := testKey(t)

	sender, err := crypto.NewSession(origin, root, crypto.SessionPolicy{})
	if err != nil {
		t.Fatalf("new sender session: %v", err)
	}
	receiver, err := crypto.NewSession(origin, root, crypto.SessionPolicy{})
	if err != nil {
		t.Fatalf("new receiver session: %v", err)
	}

	if err := sender.Rotate(); err != nil {
		t.Fatalf("rotate sender: %v", err)
	}
	record := NewRecord(ContentText, []byte("post-rotation"), origin, time.Now().UnixMilli())
	frame, err := codec.EncodeRecord(record, 9, sender.Key())
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}

	if _, err := codec.DecodeRecord(frame, receiver.DecryptionKeys()...); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption before resync, got %v", err)
	}

	var decoded Record
	ok := receiver.Resync(func(key []byte) bool {
		rec, decodeErr := codec.DecodeRecord(frame, key)
		if decodeErr != nil {
			return false
		}
		decoded = rec
		return true
	})
	if !ok {
		t.Fatalf("receiver failed to resync to the sender's epoch")
	}
	if !bytes.Equal(decoded.Payload, record.Payload) {
		t.Fatalf("payload mismatch after resync")
	}

	if _, err := codec.DecodeRecord(frame, receiver.DecryptionKeys()...); err != nil {
		t.Fatalf("frame must decode with session keys after resync: %v", err)
	}
}

func TestSignalFrameAuthenticates(t *testing.T) {
	codec := &Codec{}
	key := testKey(t)
	sender := testDeviceID(t, 0xC3)

	ping, err := codec.EncodePing(sender, 4, key)
	if err != nil {
		t.Fatalf("EncodePing: %v", err)
	}

	header, err := codec.DecodeSignal(ping, key)
	if err != nil {
		t.Fatalf("DecodeSignal: %v", err)
	}
	if header.Type != MsgPing || header.Sequence != 4 {
		t.Fatalf("unexpected signal header: type 0x%02x seq %d", uint8(header.Type), header.Sequence)
	}

	if _, err := codec.DecodeSignal(ping, testKey(t)); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption with wrong key, got %v", err)
	}

	record := NewRecord(ContentText, []byte("x"), sender, 1)
	frame, err := codec.EncodeRecord(record, 5, key)
	if err != nil {
		t.Fatalf("EncodeRecord: %v", err)
	}
	if _, err := codec.DecodeSignal(frame, key); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame for non-signal frame, got %v", err)
	}
}
