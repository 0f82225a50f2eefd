// Package identity manages a node's long-term key material: an Ed25519
// signing key pair for identity assertions and an X25519 key pair for key
// agreement. The stable node identifier is SHA-256 of the signing public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// NodeID is the stable 32-byte identifier of a participant. It is rendered
// as lowercase hex in wire payloads and carried raw in frame headers.
type NodeID [32]byte

// Hex renders the id as lowercase hex.
func (id NodeID) Hex() string { return hex.EncodeToString(id[:]) }

// Short returns the first 8 hex characters, for logs.
func (id NodeID) Short() string { return id.Hex()[:8] }

// ParseNodeID decodes a 64-character lowercase hex NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing node id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("parsing node id: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NodeIDFromSigningPub derives the NodeID from a signing public key.
func NodeIDFromSigningPub(pub ed25519.PublicKey) NodeID {
	return NodeID(sha256.Sum256(pub))
}

// Identity is a node's long-term key material.
type Identity struct {
	NodeID      NodeID
	SigningPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey
	DHPub       [32]byte
	dhPriv      [32]byte
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	dhPub, dhPriv, err := GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}
	return &Identity{
		NodeID:      NodeIDFromSigningPub(pub),
		SigningPub:  pub,
		signingPriv: priv,
		DHPub:       dhPub,
		dhPriv:      dhPriv,
	}, nil
}

// Sign signs msg with the node's signing key.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.signingPriv, msg)
}

// Verify checks sig over msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// DH performs an X25519 operation between the node's static private key and
// the given public key.
func (i *Identity) DH(peerPub [32]byte) ([]byte, error) {
	return DH(i.dhPriv, peerPub)
}

// identityFile is the on-disk JSON encoding.
type identityFile struct {
	NodeID      string `json:"nodeId"`
	SigningPub  string `json:"signingPub"`
	SigningPriv string `json:"signingPriv"`
	DHPub       string `json:"dhPub"`
	DHPriv      string `json:"dhPriv"`
}

func (i *Identity) marshal() ([]byte, error) {
	return json.MarshalIndent(identityFile{
		NodeID:      i.NodeID.Hex(),
		SigningPub:  base64.StdEncoding.EncodeToString(i.SigningPub),
		SigningPriv: base64.StdEncoding.EncodeToString(i.signingPriv),
		DHPub:       base64.StdEncoding.EncodeToString(i.DHPub[:]),
		DHPriv:      base64.StdEncoding.EncodeToString(i.dhPriv[:]),
	}, "", "  ")
}

func unmarshalIdentity(data []byte) (*Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(f.SigningPub)
	if err != nil {
		return nil, fmt.Errorf("decoding signing public key: %w", err)
	}
	priv, err := base64.StdEncoding.DecodeString(f.SigningPriv)
	if err != nil {
		return nil, fmt.Errorf("decoding signing private key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity file has malformed signing keys")
	}
	dhPub, err := decode32(f.DHPub)
	if err != nil {
		return nil, fmt.Errorf("decoding dh public key: %w", err)
	}
	dhPriv, err := decode32(f.DHPriv)
	if err != nil {
		return nil, fmt.Errorf("decoding dh private key: %w", err)
	}

	id := &Identity{
		NodeID:      NodeIDFromSigningPub(pub),
		SigningPub:  pub,
		signingPriv: priv,
		DHPub:       dhPub,
		dhPriv:      dhPriv,
	}

	// The persisted id must equal hash(signingPub) on every load.
	if f.NodeID != id.NodeID.Hex() {
		return nil, fmt.Errorf("identity file node id %s does not match hash of signing key %s", f.NodeID, id.NodeID.Hex())
	}
	return id, nil
}

func decode32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Save writes the identity atomically (temp file + rename).
func (i *Identity) Save(path string) error {
	data, err := i.marshal()
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	return writeFileAtomic(path, data, 0o600)
}

// Load reads an identity from path, re-checking the NodeID invariant.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	return unmarshalIdentity(data)
}

// LoadOrGenerate loads the identity at path, generating and persisting a
// fresh one when the file does not exist.
func LoadOrGenerate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing identity file: %w", err)
	}
	return nil
}
