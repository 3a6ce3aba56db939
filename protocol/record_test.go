package protocol

import (
	"testing"
)

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want ContentType
	}{
		{"png magic", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}, ContentImage},
		{"jpeg magic", []byte{0xFF, 0xD8, 0xFF, 0xE0}, ContentImage},
		{"gif magic", []byte("GIF89a trailing"), ContentImage},
		{"plain text", []byte("Hello, World!"), ContentText},
		{"url", []byte("https://example.com"), ContentURL},
		{"url padded", []byte("  https://example.com  "), ContentURL},
		{"html", []byte("<html><body>hi</body></html>"), ContentRichText},
		{"binary", []byte{0x00, 0x01, 0xFE, 0xFF, 0x80}, ContentFile},
	}

	for _, tt := range tests {
		if got := DetectContentType(tt.data); got != tt.want {
			t.Errorf("%s: got %s want %s", tt.name, got, tt.want)
		}
	}
}

func TestIsURL(t *testing.T) {
	if !IsURL("https://example.com") || !IsURL("http://test.org/path") {
		t.Fatalf("expected http(s) prefixes to be URLs")
	}
	if IsURL("not a url") || IsURL("example.com") {
		t.Fatalf("expected bare text to not be a URL")
	}
}

func TestSupersedesOrdering(t *testing.T) {
	older := NewRecord(ContentText, []byte("a"), "bb", 100)
	newer := NewRecord(ContentText, []byte("b"), "aa", 200)

	if !newer.Supersedes(older) {
		t.Fatalf("newer timestamp must win")
	}
	if older.Supersedes(newer) {
		t.Fatalf("older timestamp must lose")
	}

	// Equal timestamps: higher device ID wins, deterministically.
	tieLow := NewRecord(ContentText, []byte("a"), "aa", 100)
	tieHigh := NewRecord(ContentText, []byte("b"), "bb", 100)
	if !tieHigh.Supersedes(tieLow) {
		t.Fatalf("tie must break by device ID")
	}
	if tieLow.Supersedes(tieHigh) {
		t.Fatalf("tie break must be asymmetric")
	}
}

func TestRecordHash(t *testing.T) {
	record := NewRecord(ContentText, []byte("payload"), "id", 1)
	if !record.VerifyHash() {
		t.Fatalf("fresh record must verify")
	}

	record.Payload = []byte("tampered")
	if record.VerifyHash() {
		t.Fatalf("tampered record must not verify")
	}
}
