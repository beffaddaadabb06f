package crypto

import (
	"strings"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"short key is stretched", "secret"},
		{"exact 32 byte key", strings.Repeat("k", 32)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor([]byte(tt.key))
			if err != nil {
				t.Fatalf("NewEncryptor() error = %v", err)
			}
			sealed, err := enc.Encrypt("ya29.access-token")
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if !IsEncrypted(sealed) {
				t.Errorf("IsEncrypted(%q) = false", sealed)
			}
			got, err := enc.Decrypt(sealed)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if got != "ya29.access-token" {
				t.Errorf("Decrypt() = %q", got)
			}
		})
	}
}

func TestEncryptor_WrongKey(t *testing.T) {
	a, _ := NewEncryptor([]byte("key-a"))
	b, _ := NewEncryptor([]byte("key-b"))
	sealed, _ := a.Encrypt("refresh")
	if _, err := b.Decrypt(sealed); err != ErrDecryptionFailed {
		t.Errorf("Decrypt() error = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptor_EmptyAndGarbage(t *testing.T) {
	enc, _ := NewEncryptor([]byte("k"))
	if got, err := enc.Encrypt(""); got != "" || err != nil {
		t.Errorf("Encrypt(\"\") = %q, %v", got, err)
	}
	if _, err := enc.Decrypt("c2hvcnQ="); err != ErrInvalidCiphertext {
		t.Errorf("Decrypt(short) error = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := NewEncryptor(nil); err != ErrMissingKey {
		t.Errorf("NewEncryptor(nil) error = %v", err)
	}
}
