package chat_test

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"archipel/internal/chat"
	"archipel/internal/identity"
	"archipel/internal/peer"
	"archipel/internal/store"
	"archipel/internal/testutil"
	"archipel/internal/trust"
	"archipel/internal/wire"
)

// captureSender records sent payloads. It can fail every send, or only
// sends to one unreachable target.
type captureSender struct {
	sent       []sentFrame
	fail       bool
	failTarget *identity.NodeID
}

type sentFrame struct {
	target  identity.NodeID
	ftype   wire.FrameType
	payload []byte
}

func (c *captureSender) SendTo(target identity.NodeID, ft wire.FrameType, payload []byte) error {
	if c.fail || (c.failTarget != nil && target == *c.failTarget) {
		return errors.New("connection refused")
	}
	c.sent = append(c.sent, sentFrame{target: target, ftype: ft, payload: payload})
	return nil
}

type fixture struct {
	id     *identity.Identity
	peers  *peer.Table
	trust  *trust.Store
	db     store.Store
	sender *captureSender
	msgr   *chat.Messenger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generating identity: %v", err)
	}
	f := &fixture{
		id:     id,
		peers:  peer.NewTable(),
		trust:  trust.NewStore(store.NewMemoryStore()),
		db:     store.NewMemoryStore(),
		sender: &captureSender{},
	}
	log := testutil.Logger()
	f.msgr = chat.NewMessenger(log, f.id, f.peers, f.trust, f.db, f.sender)
	return f
}

func TestSend(t *testing.T) {
	t.Run("plaintext before a session exists", func(t *testing.T) {
		f := newFixture(t)
		target := newFixture(t).id.NodeID
		f.peers.Upsert(peer.Peer{NodeID: target})

		res, err := f.msgr.Send(target, "hello")
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if res.Encrypted || res.Relayed {
			t.Errorf("result = %+v, want plaintext direct", res)
		}

		if len(f.sender.sent) != 1 {
			t.Fatalf("sent %d frames, want 1", len(f.sender.sent))
		}
		var payload wire.ChatPayload
		if err := json.Unmarshal(f.sender.sent[0].payload, &payload); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if payload.Nonce != nil {
			t.Errorf("plaintext payload carries a nonce")
		}
		if payload.Ciphertext != "hello" {
			t.Errorf("ciphertext = %q, want plaintext", payload.Ciphertext)
		}
		sig, err := hex.DecodeString(payload.Signature)
		if err != nil || !identity.Verify(f.id.SigningPub, []byte("hello"), sig) {
			t.Errorf("signature does not verify over the plaintext")
		}
	})

	t.Run("encrypted once a session key exists", func(t *testing.T) {
		f := newFixture(t)
		target := newFixture(t).id.NodeID
		f.peers.Upsert(peer.Peer{NodeID: target})
		key := make([]byte, identity.SessionKeyLen)
		for i := range key {
			key[i] = byte(i)
		}
		f.peers.SetSessionKey(target, key)

		res, err := f.msgr.Send(target, "secret")
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if !res.Encrypted {
			t.Errorf("result = %+v, want encrypted", res)
		}

		var payload wire.ChatPayload
		json.Unmarshal(f.sender.sent[0].payload, &payload)
		if payload.Nonce == nil {
			t.Fatalf("encrypted payload missing nonce")
		}
		if strings.Contains(payload.Ciphertext, "secret") {
			t.Errorf("ciphertext leaks the plaintext")
		}
	})

	t.Run("falls back to relay when the transport fails", func(t *testing.T) {
		f := newFixture(t)
		target := newFixture(t).id.NodeID
		f.sender.fail = true

		res, err := f.msgr.Send(target, "ping")
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if !res.Relayed || res.Encrypted {
			t.Errorf("result = %+v, want relayed plaintext", res)
		}

		frames, err := f.msgr.RelayFramesFor(target)
		if err != nil {
			t.Fatalf("RelayFramesFor() error = %v", err)
		}
		if len(frames) != 1 {
			t.Fatalf("drained %d envelopes, want 1", len(frames))
		}
		var relay wire.RelayPayload
		if err := json.Unmarshal(frames[0], &relay); err != nil {
			t.Fatalf("decoding relay payload: %v", err)
		}
		if relay.Target != target.Hex() || relay.Content != "ping" {
			t.Errorf("relay payload = %+v", relay)
		}

		// Single delivery attempt: the queue is now empty.
		frames, _ = f.msgr.RelayFramesFor(target)
		if len(frames) != 0 {
			t.Errorf("second drain returned %d envelopes, want 0", len(frames))
		}
	})

	t.Run("hands the envelope to reachable peers on fallback", func(t *testing.T) {
		f := newFixture(t)
		target := newFixture(t).id.NodeID
		carrier := newFixture(t).id.NodeID
		f.peers.Upsert(peer.Peer{NodeID: carrier})
		f.sender.failTarget = &target

		res, err := f.msgr.Send(target, "ping")
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		if !res.Relayed {
			t.Errorf("result = %+v, want relayed", res)
		}

		var relays []sentFrame
		for _, s := range f.sender.sent {
			if s.ftype == wire.TypeRelay {
				relays = append(relays, s)
			}
		}
		if len(relays) != 1 || relays[0].target != carrier {
			t.Fatalf("relay frames = %+v, want one to the carrier", relays)
		}
		var relay wire.RelayPayload
		if err := json.Unmarshal(relays[0].payload, &relay); err != nil {
			t.Fatalf("decoding relay payload: %v", err)
		}
		if relay.Target != target.Hex() || relay.Sender != f.id.NodeID.Hex() || relay.Content != "ping" {
			t.Errorf("relay payload = %+v", relay)
		}

		// The local queue keeps its own copy for a direct sighting.
		frames, err := f.msgr.RelayFramesFor(target)
		if err != nil {
			t.Fatalf("RelayFramesFor() error = %v", err)
		}
		if len(frames) != 1 {
			t.Errorf("local queue held %d envelopes, want 1", len(frames))
		}
	})

	t.Run("appends sent messages to history", func(t *testing.T) {
		f := newFixture(t)
		target := newFixture(t).id.NodeID
		if _, err := f.msgr.Send(target, "kept"); err != nil {
			t.Fatalf("Send() error = %v", err)
		}

		hist, err := f.msgr.History(target, 10)
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(hist) != 1 || hist[0].Content != "kept" {
			t.Errorf("history = %+v, want the sent message", hist)
		}
	})
}

func TestHandleIncoming(t *testing.T) {
	t.Run("round-trips an encrypted message", func(t *testing.T) {
		a := newFixture(t)
		b := newFixture(t)
		key := make([]byte, identity.SessionKeyLen)
		key[0] = 7
		a.peers.Upsert(peer.Peer{NodeID: b.id.NodeID})
		a.peers.SetSessionKey(b.id.NodeID, key)
		b.peers.Upsert(peer.Peer{NodeID: a.id.NodeID})
		b.peers.SetSessionKey(a.id.NodeID, key)
		b.trust.Check(a.id.NodeID, a.id.SigningPub, a.id.DHPub)

		if _, err := a.msgr.Send(b.id.NodeID, "secret"); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		msg, err := b.msgr.HandleIncoming(a.id.NodeID, a.sender.sent[0].payload)
		if err != nil {
			t.Fatalf("HandleIncoming() error = %v", err)
		}
		if msg.Content != "secret" || !msg.Encrypted || msg.Tainted {
			t.Errorf("message = %+v, want clean encrypted %q", msg, "secret")
		}
	})

	t.Run("drops an encrypted message with a bad tag", func(t *testing.T) {
		a := newFixture(t)
		b := newFixture(t)
		keyA := make([]byte, identity.SessionKeyLen)
		keyB := make([]byte, identity.SessionKeyLen)
		keyB[0] = 1 // different key, tag cannot verify
		a.peers.Upsert(peer.Peer{NodeID: b.id.NodeID})
		a.peers.SetSessionKey(b.id.NodeID, keyA)
		b.peers.Upsert(peer.Peer{NodeID: a.id.NodeID})
		b.peers.SetSessionKey(a.id.NodeID, keyB)

		a.msgr.Send(b.id.NodeID, "secret")
		if _, err := b.msgr.HandleIncoming(a.id.NodeID, a.sender.sent[0].payload); err == nil {
			t.Errorf("HandleIncoming() accepted a forged tag")
		}
	})

	t.Run("taints but delivers on signature failure", func(t *testing.T) {
		a := newFixture(t)
		b := newFixture(t)
		b.trust.Check(a.id.NodeID, a.id.SigningPub, a.id.DHPub)

		payload, _ := json.Marshal(wire.ChatPayload{
			Ciphertext: "tampered text",
			Signature:  hex.EncodeToString(a.id.Sign([]byte("original text"))),
			NodeID:     a.id.NodeID.Hex(),
			Timestamp:  time.Now().UnixMilli(),
		})
		msg, err := b.msgr.HandleIncoming(a.id.NodeID, payload)
		if err != nil {
			t.Fatalf("HandleIncoming() error = %v", err)
		}
		if !msg.Tainted {
			t.Errorf("tampered message not tainted")
		}
		if msg.Content != "tampered text" {
			t.Errorf("tainted message not delivered: %+v", msg)
		}
	})

	t.Run("accepts an unknown sender without taint", func(t *testing.T) {
		a := newFixture(t)
		b := newFixture(t)

		payload, _ := json.Marshal(wire.ChatPayload{
			Ciphertext: "hello",
			Signature:  hex.EncodeToString(a.id.Sign([]byte("hello"))),
			NodeID:     a.id.NodeID.Hex(),
			Timestamp:  time.Now().UnixMilli(),
		})
		msg, err := b.msgr.HandleIncoming(a.id.NodeID, payload)
		if err != nil {
			t.Fatalf("HandleIncoming() error = %v", err)
		}
		// No pinned key yet, so verification cannot run.
		if msg.Tainted {
			t.Errorf("message from unknown sender tainted")
		}
	})
}

func TestHandleRelay(t *testing.T) {
	t.Run("delivers envelopes addressed to us", func(t *testing.T) {
		a := newFixture(t)
		b := newFixture(t)

		payload, _ := json.Marshal(wire.RelayPayload{
			Target:    b.id.NodeID.Hex(),
			Sender:    a.id.NodeID.Hex(),
			Content:   "ping",
			Timestamp: time.Now().UnixMilli(),
		})
		msg, err := b.msgr.HandleRelay(a.id.NodeID, payload)
		if err != nil {
			t.Fatalf("HandleRelay() error = %v", err)
		}
		if msg == nil || msg.Content != "ping" || !msg.Relayed {
			t.Errorf("message = %+v, want relayed %q", msg, "ping")
		}
		if msg.From != a.id.NodeID {
			t.Errorf("message attributed to %s, want original sender", msg.From.Short())
		}
	})

	t.Run("carries envelopes for third parties", func(t *testing.T) {
		a := newFixture(t)
		b := newFixture(t)
		c := newFixture(t)

		payload, _ := json.Marshal(wire.RelayPayload{
			Target:    c.id.NodeID.Hex(),
			Sender:    a.id.NodeID.Hex(),
			Content:   "ping",
			Timestamp: time.Now().UnixMilli(),
		})
		msg, err := b.msgr.HandleRelay(a.id.NodeID, payload)
		if err != nil {
			t.Fatalf("HandleRelay() error = %v", err)
		}
		if msg != nil {
			t.Errorf("third-party envelope delivered locally: %+v", msg)
		}

		frames, err := b.msgr.RelayFramesFor(c.id.NodeID)
		if err != nil {
			t.Fatalf("RelayFramesFor() error = %v", err)
		}
		if len(frames) != 1 {
			t.Errorf("carried %d envelopes, want 1", len(frames))
		}
	})

	t.Run("caps the queue per sender", func(t *testing.T) {
		a := newFixture(t)
		b := newFixture(t)
		c := newFixture(t)

		for i := 0; i < chat.MaxRelayPerSender+5; i++ {
			payload, _ := json.Marshal(wire.RelayPayload{
				Target:    c.id.NodeID.Hex(),
				Sender:    a.id.NodeID.Hex(),
				Content:   fmt.Sprintf("spam %d", i),
				Timestamp: time.Now().UnixMilli(),
			})
			if _, err := b.msgr.HandleRelay(a.id.NodeID, payload); err != nil {
				t.Fatalf("HandleRelay() error = %v", err)
			}
		}

		frames, err := b.msgr.RelayFramesFor(c.id.NodeID)
		if err != nil {
			t.Fatalf("RelayFramesFor() error = %v", err)
		}
		if len(frames) != chat.MaxRelayPerSender {
			t.Errorf("carried %d envelopes, want cap %d", len(frames), chat.MaxRelayPerSender)
		}
	})
}
