package msgcipher

import (
	"bytes"
	"testing"
)

func TestPadding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		msg     []byte
		wantLen int
	}{
		{"empty", nil, 160},
		{"short", []byte("hello"), 160},
		{"one less than block", bytes.Repeat([]byte{1}, 159), 160},
		{"exact block", bytes.Repeat([]byte{1}, 160), 320},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			padded := Pad(tc.msg)
			if len(padded) != tc.wantLen {
				t.Fatalf("unexpected padded len: got %d, want %d", len(padded), tc.wantLen)
			}
			got := Unpad(padded, 3)
			if !bytes.Equal(got, tc.msg) {
				t.Fatalf("unexpected unpadded msg: got %x, want %x", got, tc.msg)
			}
		})
	}
}

func TestUnpadMalformed(t *testing.T) {
	t.Parallel()

	// Old sessions are never padded.
	padded := Pad([]byte("hello"))
	if got := Unpad(padded, 1); !bytes.Equal(got, padded) {
		t.Fatalf("version 1 plaintext was modified")
	}

	// Trailing byte that is neither zero nor the terminator.
	msg := []byte{0x80, 0x00, 0x07}
	if got := Unpad(msg, 3); !bytes.Equal(got, msg) {
		t.Fatalf("malformed padding was stripped: %x", got)
	}
}
