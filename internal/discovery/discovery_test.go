package discovery

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"archipel/internal/identity"
	"archipel/internal/testutil"
	"archipel/internal/wire"
)

func newTestService(t *testing.T, key []byte, onSighting func(Sighting)) (*Service, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	log := testutil.Logger()
	cfg := Config{
		Group:      "239.255.42.99:6000",
		ClusterKey: key,
		TCPPort:    7777,
		Interval:   30 * time.Second,
	}
	return NewService(log, id, cfg, nil, onSighting), id
}

func TestIngest(t *testing.T) {
	key := []byte("cluster-key")
	src := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 5), Port: 6000}

	t.Run("delivers announcements from other nodes", func(t *testing.T) {
		var got *Sighting
		svc, _ := newTestService(t, key, func(s Sighting) { got = &s })

		peer, _ := newTestService(t, key, nil)
		frame, err := peer.buildHello()
		if err != nil {
			t.Fatalf("buildHello() error = %v", err)
		}

		svc.ingest(frame, src)
		if got == nil {
			t.Fatal("sighting not delivered")
		}
		if got.Unverified {
			t.Errorf("sighting flagged unverified under matching key")
		}
		if got.Hello.NodeID != peer.id.NodeID.Hex() {
			t.Errorf("sighting node id = %s, want %s", got.Hello.NodeID, peer.id.NodeID.Hex())
		}
		if got.Hello.TCPPort != 7777 {
			t.Errorf("sighting tcp port = %d, want 7777", got.Hello.TCPPort)
		}
		if got.Source != src {
			t.Errorf("sighting source = %v, want %v", got.Source, src)
		}
	})

	t.Run("ignores our own announcements", func(t *testing.T) {
		called := false
		svc, _ := newTestService(t, key, func(Sighting) { called = true })

		frame, err := svc.buildHello()
		if err != nil {
			t.Fatalf("buildHello() error = %v", err)
		}
		svc.ingest(frame, src)
		if called {
			t.Errorf("own announcement was delivered")
		}
	})

	t.Run("flags announcements from a foreign cluster key", func(t *testing.T) {
		var got *Sighting
		svc, _ := newTestService(t, key, func(s Sighting) { got = &s })

		stranger, _ := newTestService(t, []byte("other-cluster"), nil)
		frame, err := stranger.buildHello()
		if err != nil {
			t.Fatalf("buildHello() error = %v", err)
		}

		svc.ingest(frame, src)
		if got == nil {
			t.Fatal("address-hint sighting not delivered")
		}
		if !got.Unverified {
			t.Errorf("foreign-key announcement not flagged unverified")
		}
	})

	t.Run("drops non-hello frames and garbage", func(t *testing.T) {
		called := false
		svc, id := newTestService(t, key, func(Sighting) { called = true })

		other, _ := newTestService(t, key, nil)
		msg := wire.Build(wire.TypeMsg, other.id.NodeID, []byte(`{}`), key)
		svc.ingest(msg, src)
		svc.ingest([]byte("not a frame"), src)
		_ = id

		if called {
			t.Errorf("non-announcement traffic was delivered")
		}
	})
}

func TestHelloFrameShape(t *testing.T) {
	key := []byte("cluster-key")
	svc, id := newTestService(t, key, nil)

	raw, err := svc.HelloFrame()
	if err != nil {
		t.Fatalf("HelloFrame() error = %v", err)
	}
	frame, err := wire.Parse(raw, key)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if frame.Type != wire.TypeHello {
		t.Errorf("frame type = %v, want HELLO", frame.Type)
	}

	var hello wire.HelloPayload
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if hello.NodeID != id.NodeID.Hex() {
		t.Errorf("payload node id = %s, want %s", hello.NodeID, id.NodeID.Hex())
	}
	if hello.DHPublicKey == "" || hello.SigningPublicKey == "" {
		t.Errorf("payload missing key material: %+v", hello)
	}
	if hello.Timestamp == 0 {
		t.Errorf("payload missing timestamp")
	}
}
