package secrets

import (
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	k := NewKeeper("correct horse battery staple")

	sealed, err := k.Encrypt("AKIA-secret-key-material")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Fatalf("sealed value %q missing marker", sealed)
	}
	if strings.Contains(sealed, "secret-key-material") {
		t.Error("ciphertext leaks plaintext")
	}

	plain, err := k.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "AKIA-secret-key-material" {
		t.Errorf("got %q", plain)
	}
}

func TestPlaintextPassthrough(t *testing.T) {
	k := NewKeeper("pw")

	got, err := k.Decrypt("legacy-plaintext-secret")
	if err != nil {
		t.Fatal(err)
	}
	if got != "legacy-plaintext-secret" {
		t.Errorf("got %q", got)
	}

	sealed, err := k.Encrypt("")
	if err != nil || sealed != "" {
		t.Errorf("empty secret: %q, %v", sealed, err)
	}
}

func TestWrongPassphrase(t *testing.T) {
	sealed, err := NewKeeper("right").Encrypt("payload")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewKeeper("wrong").Decrypt(sealed); err == nil {
		t.Error("expected a decryption error")
	}
}
