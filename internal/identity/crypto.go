package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// SessionKeyLen is the length of a derived session key.
const SessionKeyLen = 32

// sessionInfo binds derived keys to this protocol version.
const sessionInfo = "archipel-session-v1"

// GenerateDHKeyPair creates an X25519 key pair. Used for both static and
// per-handshake ephemeral keys.
func GenerateDHKeyPair() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, fmt.Errorf("generating dh private key: %w", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, fmt.Errorf("deriving dh public key: %w", err)
	}
	copy(pub[:], p)
	return pub, priv, nil
}

// DH performs an X25519 operation, yielding a 32-byte shared secret.
func DH(priv, pub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("dh operation: %w", err)
	}
	return shared, nil
}

// DeriveSessionKey derives a 32-byte session key from the two DH outputs of
// the handshake (ephemeral×ephemeral, static×static) via HKDF-SHA256. Both
// sides concatenate in the same order and therefore derive the same key.
func DeriveSessionKey(dhEphemeral, dhStatic []byte) ([]byte, error) {
	secret := make([]byte, 0, len(dhEphemeral)+len(dhStatic))
	secret = append(secret, dhEphemeral...)
	secret = append(secret, dhStatic...)

	key := make([]byte, SessionKeyLen)
	r := hkdf.New(sha256.New, secret, nil, []byte(sessionInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	return key, nil
}

// Seal AEAD-encrypts plaintext under key with a fresh random 12-byte nonce.
// The returned ciphertext includes the 16-byte tag.
func Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating aead: %w", err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// Open AEAD-decrypts ciphertext. It returns ok=false on tag failure or
// malformed input.
func Open(key, nonce, ciphertext []byte) (plaintext []byte, ok bool) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, false
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, false
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	return pt, true
}
