// Package secrets encrypts storage credentials at rest. S3 secret keys
// live in the index database; rows written by a keeper carry ciphertext,
// and backends receive the decrypted value only at construction time.
package secrets

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// encPrefix marks a stored value as ciphertext. Values without it are
// treated as plaintext, which keeps databases written before encryption
// was enabled readable.
const encPrefix = "age1:"

// Keeper seals and opens short secret strings with age's scrypt-based
// passphrase encryption.
type Keeper struct {
	passphrase string
}

func NewKeeper(passphrase string) *Keeper {
	return &Keeper{passphrase: passphrase}
}

// Encrypt seals plain for storage. Empty input stays empty.
func (k *Keeper) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	recipient, err := age.NewScryptRecipient(k.passphrase)
	if err != nil {
		return "", fmt.Errorf("creating scrypt recipient: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, plain); err != nil {
		return "", fmt.Errorf("encrypting secret: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}

	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt opens a stored value. Plaintext values pass through unchanged.
func (k *Keeper) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding stored secret: %w", err)
	}

	identity, err := age.NewScryptIdentity(k.passphrase)
	if err != nil {
		return "", fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return "", fmt.Errorf("decrypting secret: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted secret: %w", err)
	}
	return string(plain), nil
}

// IsEncrypted reports whether a stored value is ciphertext.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, encPrefix)
}
