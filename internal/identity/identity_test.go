package identity_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"archipel/internal/identity"
)

func TestIdentity(t *testing.T) {
	t.Run("node id is hash of signing key", func(t *testing.T) {
		id, err := identity.Generate()
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if id.NodeID != identity.NodeIDFromSigningPub(id.SigningPub) {
			t.Errorf("NodeID does not equal hash of signing public key")
		}
	})

	t.Run("sign and verify", func(t *testing.T) {
		id, _ := identity.Generate()
		msg := []byte("hello archipel")
		sig := id.Sign(msg)

		if !identity.Verify(id.SigningPub, msg, sig) {
			t.Errorf("Verify() = false for valid signature")
		}
		if identity.Verify(id.SigningPub, []byte("tampered"), sig) {
			t.Errorf("Verify() = true for tampered message")
		}
	})

	t.Run("persists and reloads", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "identity.json")
		id, _ := identity.Generate()
		if err := id.Save(path); err != nil {
			t.Fatalf("Save() error = %v", err)
		}

		loaded, err := identity.Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if loaded.NodeID != id.NodeID {
			t.Errorf("loaded NodeID = %s, want %s", loaded.NodeID.Hex(), id.NodeID.Hex())
		}
		if loaded.DHPub != id.DHPub {
			t.Errorf("loaded DH public key differs")
		}

		// Signatures from the reloaded identity must verify under the
		// original public key.
		sig := loaded.Sign([]byte("x"))
		if !identity.Verify(id.SigningPub, []byte("x"), sig) {
			t.Errorf("signature from reloaded identity does not verify")
		}
	})

	t.Run("load or generate is stable", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "identity.json")
		first, err := identity.LoadOrGenerate(path)
		if err != nil {
			t.Fatalf("LoadOrGenerate() error = %v", err)
		}
		second, err := identity.LoadOrGenerate(path)
		if err != nil {
			t.Fatalf("LoadOrGenerate() second call error = %v", err)
		}
		if first.NodeID != second.NodeID {
			t.Errorf("identity changed across loads")
		}
	})

	t.Run("parse node id round-trip", func(t *testing.T) {
		id, _ := identity.Generate()
		parsed, err := identity.ParseNodeID(id.NodeID.Hex())
		if err != nil {
			t.Fatalf("ParseNodeID() error = %v", err)
		}
		if parsed != id.NodeID {
			t.Errorf("ParseNodeID() = %s, want %s", parsed.Hex(), id.NodeID.Hex())
		}
	})

	t.Run("encrypted persistence round-trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "identity.age")
		id, _ := identity.Generate()
		if err := id.SaveEncrypted(path, "open sesame"); err != nil {
			t.Fatalf("SaveEncrypted() error = %v", err)
		}

		loaded, err := identity.LoadEncrypted(path, "open sesame")
		if err != nil {
			t.Fatalf("LoadEncrypted() error = %v", err)
		}
		if loaded.NodeID != id.NodeID {
			t.Errorf("loaded NodeID differs after encrypted round-trip")
		}

		if _, err := identity.LoadEncrypted(path, "wrong"); err == nil {
			t.Errorf("LoadEncrypted() with wrong passphrase succeeded")
		}
	})
}

func TestCrypto(t *testing.T) {
	t.Run("dh agreement", func(t *testing.T) {
		aPub, aPriv, err := identity.GenerateDHKeyPair()
		if err != nil {
			t.Fatalf("GenerateDHKeyPair() error = %v", err)
		}
		bPub, bPriv, _ := identity.GenerateDHKeyPair()

		s1, err := identity.DH(aPriv, bPub)
		if err != nil {
			t.Fatalf("DH() error = %v", err)
		}
		s2, err := identity.DH(bPriv, aPub)
		if err != nil {
			t.Fatalf("DH() error = %v", err)
		}
		if !bytes.Equal(s1, s2) {
			t.Errorf("DH outputs differ between sides")
		}
		if len(s1) != 32 {
			t.Errorf("shared secret length = %d, want 32", len(s1))
		}
	})

	t.Run("session key derivation is deterministic", func(t *testing.T) {
		dh1 := bytes.Repeat([]byte{0x11}, 32)
		dh2 := bytes.Repeat([]byte{0x22}, 32)

		k1, err := identity.DeriveSessionKey(dh1, dh2)
		if err != nil {
			t.Fatalf("DeriveSessionKey() error = %v", err)
		}
		k2, _ := identity.DeriveSessionKey(dh1, dh2)
		if !bytes.Equal(k1, k2) {
			t.Errorf("derivation is not deterministic")
		}
		if len(k1) != identity.SessionKeyLen {
			t.Errorf("key length = %d, want %d", len(k1), identity.SessionKeyLen)
		}

		// Order matters: swapped inputs must yield a different key.
		swapped, _ := identity.DeriveSessionKey(dh2, dh1)
		if bytes.Equal(k1, swapped) {
			t.Errorf("swapped DH inputs produced the same key")
		}
	})

	t.Run("aead round-trip", func(t *testing.T) {
		key := bytes.Repeat([]byte{0x42}, identity.SessionKeyLen)
		nonce, ct, err := identity.Seal(key, []byte("secret"))
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if len(nonce) != 12 {
			t.Errorf("nonce length = %d, want 12", len(nonce))
		}
		if len(ct) != len("secret")+16 {
			t.Errorf("ciphertext length = %d, want plaintext+16", len(ct))
		}
		if bytes.Contains(ct, []byte("secret")) {
			t.Errorf("ciphertext contains plaintext")
		}

		pt, ok := identity.Open(key, nonce, ct)
		if !ok {
			t.Fatalf("Open() failed on valid ciphertext")
		}
		if string(pt) != "secret" {
			t.Errorf("Open() = %q, want %q", pt, "secret")
		}
	})

	t.Run("aead tag failure returns not ok", func(t *testing.T) {
		key := bytes.Repeat([]byte{0x42}, identity.SessionKeyLen)
		nonce, ct, _ := identity.Seal(key, []byte("secret"))
		ct[0] ^= 0x01
		if _, ok := identity.Open(key, nonce, ct); ok {
			t.Errorf("Open() succeeded on tampered ciphertext")
		}

		otherKey := bytes.Repeat([]byte{0x43}, identity.SessionKeyLen)
		ct[0] ^= 0x01 // restore
		if _, ok := identity.Open(otherKey, nonce, ct); ok {
			t.Errorf("Open() succeeded under wrong key")
		}
	})
}
