// Package chat implements signed, optionally encrypted messaging with a
// store-and-forward relay fallback for unreachable peers.
package chat

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"archipel/internal/identity"
	"archipel/internal/peer"
	"archipel/internal/store"
	"archipel/internal/trust"
	"archipel/internal/wire"
)

const (
	// RelayTTL is how long an envelope is carried before lazy expiry.
	RelayTTL = 24 * time.Hour
	// MaxRelayPerSender caps the queue per originating sender. Any peer can
	// ask us to carry envelopes, so the cap bounds that surface.
	MaxRelayPerSender = 100

	// mirrorCap bounds the in-memory history mirror.
	mirrorCap = 200
)

// SendResult reports how a message left the node.
type SendResult struct {
	Encrypted bool
	Relayed   bool
}

// Message is a delivered chat message, as handed to the node's event
// handler.
type Message struct {
	From      identity.NodeID
	Content   string
	Encrypted bool
	// Tainted is set when the payload carried a signature that did not
	// verify under the sender's known signing key.
	Tainted   bool
	Relayed   bool
	Timestamp time.Time
}

// FrameSender delivers one frame to a peer. Implemented by the session
// transport.
type FrameSender interface {
	SendTo(target identity.NodeID, frameType wire.FrameType, payload []byte) error
}

// Messenger sends and receives chat messages.
type Messenger struct {
	log    *slog.Logger
	id     *identity.Identity
	peers  *peer.Table
	trust  *trust.Store
	db     store.Store
	sender FrameSender
	now    func() time.Time

	mu     sync.Mutex
	mirror []store.Message
}

// NewMessenger creates a messenger.
func NewMessenger(log *slog.Logger, id *identity.Identity, peers *peer.Table, ts *trust.Store, db store.Store, sender FrameSender) *Messenger {
	return &Messenger{
		log:    log,
		id:     id,
		peers:  peers,
		trust:  ts,
		db:     db,
		sender: sender,
		now:    time.Now,
	}
}

// Send delivers plaintext to target. With an established session key the
// payload is AEAD-encrypted; otherwise it goes out in the clear. The
// signature over the plaintext is attached either way. When the transport
// fails, the message is enqueued as a relay envelope, handed to reachable
// peers for forwarding, and the result reports Relayed.
func (m *Messenger) Send(target identity.NodeID, plaintext string) (SendResult, error) {
	var res SendResult
	now := m.now()

	payload := wire.ChatPayload{
		Signature: hex.EncodeToString(m.id.Sign([]byte(plaintext))),
		NodeID:    m.id.NodeID.Hex(),
		Timestamp: now.UnixMilli(),
	}

	if key := m.peers.SessionKey(target); key != nil {
		nonce, ciphertext, err := identity.Seal(key, []byte(plaintext))
		if err != nil {
			return res, fmt.Errorf("encrypting message for %s: %w", target.Short(), err)
		}
		nonceHex := hex.EncodeToString(nonce)
		payload.Ciphertext = hex.EncodeToString(ciphertext)
		payload.Nonce = &nonceHex
		res.Encrypted = true
	} else {
		payload.Ciphertext = plaintext
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return res, fmt.Errorf("encoding message: %w", err)
	}

	if err := m.sender.SendTo(target, wire.TypeMsg, raw); err != nil {
		m.log.Info("direct send failed, relaying", "peer", target.Short(), "error", err)
		if err := m.enqueueLocal(target, plaintext, now); err != nil {
			return res, err
		}
		m.forwardRelay(target, plaintext, now)
		res.Encrypted = false
		res.Relayed = true
	}

	m.appendHistory(store.Message{
		ID:        uuid.NewString(),
		PeerID:    target.Hex(),
		Sender:    m.id.NodeID.Hex(),
		Content:   plaintext,
		Timestamp: now,
		Encrypted: res.Encrypted,
	})
	return res, nil
}

// Broadcast sends plaintext to every active peer.
func (m *Messenger) Broadcast(plaintext string) map[identity.NodeID]SendResult {
	out := make(map[identity.NodeID]SendResult)
	for _, p := range m.peers.GetActive() {
		res, err := m.Send(p.NodeID, plaintext)
		if err != nil {
			m.log.Warn("broadcast delivery failed", "peer", p.NodeID.Short(), "error", err)
			continue
		}
		out[p.NodeID] = res
	}
	return out
}

// HandleIncoming processes a chat payload from sender. Encrypted payloads
// are decrypted under the session key; a bad AEAD tag drops the message. A
// signature that fails under the sender's pinned key taints the message but
// it is still delivered.
func (m *Messenger) HandleIncoming(sender identity.NodeID, raw []byte) (*Message, error) {
	var payload wire.ChatPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding chat payload: %w", err)
	}

	msg := &Message{
		From:      sender,
		Timestamp: time.UnixMilli(payload.Timestamp),
	}

	if payload.Nonce != nil {
		key := m.peers.SessionKey(sender)
		if key == nil {
			return nil, fmt.Errorf("encrypted message from %s without a session", sender.Short())
		}
		nonce, err := hex.DecodeString(*payload.Nonce)
		if err != nil {
			return nil, fmt.Errorf("malformed nonce from %s: %w", sender.Short(), err)
		}
		ciphertext, err := hex.DecodeString(payload.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("malformed ciphertext from %s: %w", sender.Short(), err)
		}
		plaintext, ok := identity.Open(key, nonce, ciphertext)
		if !ok {
			return nil, fmt.Errorf("authentication failed on message from %s", sender.Short())
		}
		msg.Content = string(plaintext)
		msg.Encrypted = true
	} else {
		msg.Content = payload.Ciphertext
	}

	m.verifySignature(msg, payload.Signature)

	m.appendHistory(store.Message{
		ID:        uuid.NewString(),
		PeerID:    sender.Hex(),
		Sender:    sender.Hex(),
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Encrypted: msg.Encrypted,
	})
	return msg, nil
}

// verifySignature checks sig over the plaintext when the sender's signing
// key is known. Verification failure taints but never suppresses delivery.
func (m *Messenger) verifySignature(msg *Message, sigHex string) {
	if sigHex == "" {
		msg.Tainted = true
		return
	}
	pub := m.signingKeyFor(msg.From)
	if pub == nil {
		return
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || !identity.Verify(pub, []byte(msg.Content), sig) {
		m.log.Warn("message signature did not verify", "peer", msg.From.Short())
		msg.Tainted = true
	}
}

func (m *Messenger) signingKeyFor(id identity.NodeID) []byte {
	if pinned, err := m.trust.PinnedSigningKey(id); err == nil && pinned != nil {
		return pinned
	}
	if p := m.peers.Get(id); p != nil && len(p.SigningPub) > 0 {
		return p.SigningPub
	}
	return nil
}

// HandleRelay processes a RELAY frame. Envelopes addressed to us are
// delivered; anything else we agree to carry, subject to the per-sender cap.
func (m *Messenger) HandleRelay(carrier identity.NodeID, raw []byte) (*Message, error) {
	var payload wire.RelayPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding relay payload: %w", err)
	}

	if payload.Target == m.id.NodeID.Hex() {
		from, err := identity.ParseNodeID(payload.Sender)
		if err != nil {
			return nil, fmt.Errorf("relay envelope has malformed sender: %w", err)
		}
		msg := &Message{
			From:      from,
			Content:   payload.Content,
			Relayed:   true,
			Timestamp: time.UnixMilli(payload.Timestamp),
		}
		m.appendHistory(store.Message{
			ID:        uuid.NewString(),
			PeerID:    from.Hex(),
			Sender:    from.Hex(),
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		})
		return msg, nil
	}

	n, err := m.db.CountRelayFrom(payload.Sender)
	if err != nil {
		return nil, fmt.Errorf("checking relay backlog: %w", err)
	}
	if n >= MaxRelayPerSender {
		m.log.Warn("relay queue full for sender, rejecting envelope",
			"sender", payload.Sender, "carrier", carrier.Short())
		return nil, nil
	}

	now := m.now()
	err = m.db.EnqueueRelay(store.RelayEnvelope{
		ID:        uuid.NewString(),
		TargetID:  payload.Target,
		SenderID:  payload.Sender,
		Content:   payload.Content,
		CreatedAt: now,
		ExpiresAt: now.Add(RelayTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("carrying relay envelope: %w", err)
	}
	m.log.Debug("carrying relay envelope", "target", payload.Target, "sender", payload.Sender)
	return nil, nil
}

// RelayFramesFor drains the queue for target and renders each envelope as a
// RELAY payload, in enqueue order. The drain is a single delivery attempt:
// returned envelopes are gone from the queue.
func (m *Messenger) RelayFramesFor(target identity.NodeID) ([][]byte, error) {
	envs, err := m.db.FetchRelay(target.Hex())
	if err != nil {
		return nil, fmt.Errorf("draining relay queue for %s: %w", target.Short(), err)
	}
	frames := make([][]byte, 0, len(envs))
	for _, env := range envs {
		raw, err := json.Marshal(wire.RelayPayload{
			Target:    env.TargetID,
			Sender:    env.SenderID,
			Content:   env.Content,
			Timestamp: env.CreatedAt.UnixMilli(),
		})
		if err != nil {
			return nil, fmt.Errorf("encoding relay envelope: %w", err)
		}
		frames = append(frames, raw)
	}
	return frames, nil
}

// History returns up to limit persisted messages exchanged with peerID,
// newest first.
func (m *Messenger) History(peerID identity.NodeID, limit int) ([]store.Message, error) {
	return m.db.MessageHistory(peerID.Hex(), limit)
}

// Recent returns the bounded in-memory mirror, oldest first.
func (m *Messenger) Recent() []store.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Message, len(m.mirror))
	copy(out, m.mirror)
	return out
}

func (m *Messenger) enqueueLocal(target identity.NodeID, content string, now time.Time) error {
	n, err := m.db.CountRelayFrom(m.id.NodeID.Hex())
	if err != nil {
		return fmt.Errorf("checking relay backlog: %w", err)
	}
	if n >= MaxRelayPerSender {
		return fmt.Errorf("relay queue full, message to %s dropped", target.Short())
	}
	err = m.db.EnqueueRelay(store.RelayEnvelope{
		ID:        uuid.NewString(),
		TargetID:  target.Hex(),
		SenderID:  m.id.NodeID.Hex(),
		Content:   content,
		CreatedAt: now,
		ExpiresAt: now.Add(RelayTTL),
	})
	if err != nil {
		return fmt.Errorf("enqueueing relay envelope: %w", err)
	}
	return nil
}

// forwardRelay hands the envelope to every reachable peer so the fabric can
// deliver it when one of them sights the target. Handoff failures are logged
// only; the local queue keeps its copy either way.
func (m *Messenger) forwardRelay(target identity.NodeID, content string, now time.Time) {
	raw, err := json.Marshal(wire.RelayPayload{
		Target:    target.Hex(),
		Sender:    m.id.NodeID.Hex(),
		Content:   content,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		m.log.Warn("encoding relay envelope", "error", err)
		return
	}
	for _, p := range m.peers.GetActive() {
		if p.NodeID == target {
			continue
		}
		if err := m.sender.SendTo(p.NodeID, wire.TypeRelay, raw); err != nil {
			m.log.Debug("relay handoff failed", "peer", p.NodeID.Short(), "error", err)
		}
	}
}

func (m *Messenger) appendHistory(rec store.Message) {
	if err := m.db.AppendMessage(rec); err != nil {
		m.log.Warn("could not persist message", "error", err)
	}
	m.mu.Lock()
	m.mirror = append(m.mirror, rec)
	if len(m.mirror) > mirrorCap {
		m.mirror = m.mirror[len(m.mirror)-mirrorCap:]
	}
	m.mu.Unlock()
}
