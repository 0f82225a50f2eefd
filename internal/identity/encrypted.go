package identity

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
)

// SaveEncrypted writes the identity atomically, encrypted with the
// passphrase using age's scrypt-based passphrase encryption.
func (i *Identity) SaveEncrypted(path, passphrase string) error {
	data, err := i.marshal()
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("encrypting identity: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted identity: %w", err)
	}

	return writeFileAtomic(path, buf.Bytes(), 0o600)
}

// LoadEncrypted reads a passphrase-protected identity from path. The NodeID
// invariant is re-checked after decryption.
func LoadEncrypted(path, passphrase string) (*Identity, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	id, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), id)
	if err != nil {
		return nil, fmt.Errorf("decrypting identity: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted identity: %w", err)
	}
	return unmarshalIdentity(data)
}
