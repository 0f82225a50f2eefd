package trust_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"archipel/internal/identity"
	"archipel/internal/store"
	"archipel/internal/trust"
)

func genKeys(t *testing.T) (identity.NodeID, ed25519.PublicKey, [32]byte) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	var dh [32]byte
	if _, err := rand.Read(dh[:]); err != nil {
		t.Fatalf("generating dh key: %v", err)
	}
	return identity.NodeIDFromSigningPub(pub), pub, dh
}

func TestTrustStore(t *testing.T) {
	t.Run("pins on first sight", func(t *testing.T) {
		ts := trust.NewStore(store.NewMemoryStore())
		id, pub, dh := genKeys(t)

		res, err := ts.Check(id, pub, dh)
		if err != nil {
			t.Fatalf("Check() error = %v", err)
		}
		if res.Status != trust.StatusNew || !res.Trusted {
			t.Errorf("first Check() = %+v, want new and trusted", res)
		}

		res, err = ts.Check(id, pub, dh)
		if err != nil {
			t.Fatalf("second Check() error = %v", err)
		}
		if res.Status != trust.StatusKnown || !res.Trusted {
			t.Errorf("second Check() = %+v, want known and trusted", res)
		}
	})

	t.Run("mismatch clears trust and keeps the original pin", func(t *testing.T) {
		ts := trust.NewStore(store.NewMemoryStore())
		id, pub, dh := genKeys(t)
		if _, err := ts.Check(id, pub, dh); err != nil {
			t.Fatalf("Check() error = %v", err)
		}

		_, otherPub, otherDH := genKeys(t)
		res, err := ts.Check(id, otherPub, otherDH)
		if err != nil {
			t.Fatalf("Check() with changed keys error = %v", err)
		}
		if res.Status != trust.StatusMismatch || res.Trusted {
			t.Errorf("Check() with changed keys = %+v, want untrusted mismatch", res)
		}

		// The pin still holds the first keys.
		pinned, err := ts.PinnedSigningKey(id)
		if err != nil {
			t.Fatalf("PinnedSigningKey() error = %v", err)
		}
		if !pinned.Equal(pub) {
			t.Errorf("pin was overwritten by mismatching announcement")
		}

		// The original keys still match, but trust stays cleared until an
		// operator re-asserts it.
		res, _ = ts.Check(id, pub, dh)
		if res.Status != trust.StatusKnown {
			t.Errorf("original keys = %v after mismatch, want known", res.Status)
		}
		if res.Trusted {
			t.Errorf("trust restored without operator action")
		}

		if err := ts.SetTrusted(id, true); err != nil {
			t.Fatalf("SetTrusted() error = %v", err)
		}
		res, _ = ts.Check(id, pub, dh)
		if !res.Trusted {
			t.Errorf("trust not restored after SetTrusted(true)")
		}
	})

	t.Run("trusted flag survives checks", func(t *testing.T) {
		ts := trust.NewStore(store.NewMemoryStore())
		id, pub, dh := genKeys(t)
		ts.Check(id, pub, dh)

		if err := ts.SetTrusted(id, false); err != nil {
			t.Fatalf("SetTrusted() error = %v", err)
		}
		res, _ := ts.Check(id, pub, dh)
		if res.Trusted {
			t.Errorf("Check() restored trust cleared by operator")
		}
		if ok, _ := ts.IsTrusted(id); ok {
			t.Errorf("IsTrusted() = true after SetTrusted(false)")
		}
	})

	t.Run("unknown peer has no pin", func(t *testing.T) {
		ts := trust.NewStore(store.NewMemoryStore())
		id, _, _ := genKeys(t)
		pinned, err := ts.PinnedSigningKey(id)
		if err != nil || pinned != nil {
			t.Errorf("PinnedSigningKey(unknown) = %v, %v; want nil, nil", pinned, err)
		}
	})
}
