package protocol

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ContentType classifies clipboard payloads on the wire.
type ContentType uint8

const (
	ContentText ContentType = iota
	ContentRichText
	ContentImage
	ContentFile
	ContentURL
)

// String returns the settings/wire name of the content type.
func (ct ContentType) String() string {
	switch ct {
	case ContentText:
		return "text"
	case ContentRichText:
		return "rich_text"
	case ContentImage:
		return "image"
	case ContentFile:
		return "file"
	case ContentURL:
		return "url"
	default:
		return fmt.Sprintf("content_type(%d)", uint8(ct))
	}
}

// MIMEType returns the canonical MIME type for the content type.
func (ct ContentType) MIMEType() string {
	switch ct {
	case ContentText:
		return "text/plain"
	case ContentRichText:
		return "text/html"
	case ContentImage:
		return "image/png"
	case ContentFile:
		return "application/octet-stream"
	case ContentURL:
		return "text/uri-list"
	default:
		return "application/octet-stream"
	}
}

func (ct ContentType) valid() bool {
	return ct <= ContentURL
}

// ParseContentType maps a settings/wire name back to its content type.
func ParseContentType(name string) (ContentType, error) {
	switch name {
	case "text":
		return ContentText, nil
	case "rich_text":
		return ContentRichText, nil
	case "image":
		return ContentImage, nil
	case "file":
		return ContentFile, nil
	case "url":
		return ContentURL, nil
	default:
		return 0, fmt.Errorf("unknown content type %q", name)
	}
}

// Record is one immutable clipboard state. A newer record supersedes an
// older one; records themselves are never mutated.
type Record struct {
	ContentType ContentType `cbor:"1,keyasint"`
	Payload     []byte      `cbor:"2,keyasint"`
	OriginID    string      `cbor:"3,keyasint"`
	Timestamp   int64       `cbor:"4,keyasint"`
	ContentHash [32]byte    `cbor:"5,keyasint"`
}

// NewRecord builds a record and stamps its content hash.
func NewRecord(contentType ContentType, payload []byte, originID string, timestamp int64) Record {
	return Record{
		ContentType: contentType,
		Payload:     payload,
		OriginID:    originID,
		Timestamp:   timestamp,
		ContentHash: sha256.Sum256(payload),
	}
}

// VerifyHash reports whether the payload still matches the recorded hash.
func (r Record) VerifyHash() bool {
	return sha256.Sum256(r.Payload) == r.ContentHash
}

// Supersedes implements last-write-wins ordering: newer timestamp wins, ties
// broken lexicographically by origin device ID. The comparison is total, so
// applying records in any arrival order converges on the same winner.
func (r Record) Supersedes(other Record) bool {
	if r.Timestamp != other.Timestamp {
		return r.Timestamp > other.Timestamp
	}
	return r.OriginID > other.OriginID
}

// IsURL reports whether text looks like a URL.
func IsURL(text string) bool {
	trimmed := strings.TrimSpace(text)
	return strings.HasPrefix(trimmed, "http://") ||
		strings.HasPrefix(trimmed, "https://") ||
		strings.HasPrefix(trimmed, "ftp://") ||
		strings.HasPrefix(trimmed, "file://")
}

// DetectContentType classifies raw clipboard bytes.
func DetectContentType(data []byte) ContentType {
	switch {
	case len(data) >= 4 && data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return ContentImage // PNG
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return ContentImage // JPEG
	case len(data) >= 6 && (string(data[:6]) == "GIF87a" || string(data[:6]) == "GIF89a"):
		return ContentImage
	case len(data) > 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return ContentImage
	}

	if utf8.Valid(data) {
		text := string(data)
		lower := strings.ToLower(text)
		if strings.Contains(lower, "<!doctype html") || strings.Contains(lower, "<html") {
			return ContentRichText
		}
		if IsURL(text) {
			return ContentURL
		}
		return ContentText
	}

	return ContentFile
}
