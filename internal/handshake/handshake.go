// Package handshake implements the two-leg key agreement: each side mixes an
// ephemeral X25519 exchange with a static one and derives a shared session
// key from both.
package handshake

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"archipel/internal/identity"
	"archipel/internal/peer"
	"archipel/internal/trust"
	"archipel/internal/wire"
)

// DefaultTimeout is how long an initiator waits for the response before
// falling back to plaintext delivery.
const DefaultTimeout = 5 * time.Second

// ErrTimeout is returned when the responder never answered. The caller is
// expected to proceed unencrypted.
var ErrTimeout = errors.New("handshake: no response before timeout")

// ErrTrustMismatch is returned when the counterpart's announced keys differ
// from the pinned ones. The handshake is aborted; the connection survives.
var ErrTrustMismatch = errors.New("handshake: announced keys differ from pinned keys")

// FrameSender delivers one frame to a peer. Implemented by the session
// transport.
type FrameSender interface {
	SendTo(target identity.NodeID, frameType wire.FrameType, payload []byte) error
}

// Manager runs handshakes. Initiators wait on a one-shot channel keyed by
// the counterpart's node id; the dispatcher feeds responses in via
// HandleResp.
type Manager struct {
	log     *slog.Logger
	id      *identity.Identity
	peers   *peer.Table
	trust   *trust.Store
	sender  FrameSender
	timeout time.Duration

	mu      sync.Mutex
	pending map[identity.NodeID]*attempt
}

type attempt struct {
	ephPriv [32]byte
	done    chan []byte // receives the derived session key, closed on cleanup
}

// NewManager creates a handshake manager.
func NewManager(log *slog.Logger, id *identity.Identity, peers *peer.Table, ts *trust.Store, sender FrameSender) *Manager {
	return &Manager{
		log:     log,
		id:      id,
		peers:   peers,
		trust:   ts,
		sender:  sender,
		timeout: DefaultTimeout,
		pending: make(map[identity.NodeID]*attempt),
	}
}

// SetTimeout overrides the response timeout, for tests.
func (m *Manager) SetTimeout(d time.Duration) { m.timeout = d }

// Initiate runs the initiator leg against target and returns the derived
// session key. ErrTimeout means the peer never answered; the caller should
// continue in plaintext. Only one attempt per target runs at a time.
func (m *Manager) Initiate(target identity.NodeID) ([]byte, error) {
	ephPub, ephPriv, err := identity.GenerateDHKeyPair()
	if err != nil {
		return nil, err
	}

	att := &attempt{ephPriv: ephPriv, done: make(chan []byte, 1)}
	m.mu.Lock()
	if _, exists := m.pending[target]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("handshake with %s already in progress", target.Short())
	}
	m.pending[target] = att
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, target)
		m.mu.Unlock()
	}()

	payload, err := m.marshalLeg(wire.MsgHandshakeInit, ephPub)
	if err != nil {
		return nil, err
	}
	if err := m.sender.SendTo(target, wire.TypeMsg, payload); err != nil {
		return nil, fmt.Errorf("sending handshake init to %s: %w", target.Short(), err)
	}

	select {
	case key, ok := <-att.done:
		if !ok || key == nil {
			return nil, ErrTrustMismatch
		}
		return key, nil
	case <-time.After(m.timeout):
		return nil, ErrTimeout
	}
}

// HandleInit runs the responder leg: verify the announced keys against the
// pin store, derive the session key, install it on the peer entry and reply.
func (m *Manager) HandleInit(sender identity.NodeID, raw []byte) error {
	senderID, signingPub, staticPub, ephPub, err := m.decodeLeg(raw)
	if err != nil {
		return err
	}

	res, err := m.trust.Check(senderID, signingPub, staticPub)
	if err != nil {
		return err
	}
	if res.Status == trust.StatusMismatch {
		m.log.Warn("rejecting handshake, announced keys differ from pinned keys", "peer", senderID.Short())
		return ErrTrustMismatch
	}

	respEphPub, respEphPriv, err := identity.GenerateDHKeyPair()
	if err != nil {
		return err
	}
	key, err := m.deriveKey(respEphPriv, ephPub, staticPub)
	if err != nil {
		return err
	}

	payload, err := m.marshalLeg(wire.MsgHandshakeResp, respEphPub)
	if err != nil {
		return err
	}
	if err := m.sender.SendTo(sender, wire.TypeMsg, payload); err != nil {
		return fmt.Errorf("sending handshake response to %s: %w", sender.Short(), err)
	}

	m.peers.SetSessionKey(senderID, key)
	m.log.Info("session established", "peer", senderID.Short(), "role", "responder")
	return nil
}

// HandleResp finalizes the initiator leg: verify against the pin store,
// derive the same key the responder derived and hand it to the waiting
// Initiate call.
func (m *Manager) HandleResp(sender identity.NodeID, raw []byte) error {
	senderID, signingPub, staticPub, ephPub, err := m.decodeLeg(raw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	att, ok := m.pending[senderID]
	m.mu.Unlock()
	if !ok {
		m.log.Debug("dropping unsolicited handshake response", "peer", senderID.Short())
		return nil
	}

	res, err := m.trust.Check(senderID, signingPub, staticPub)
	if err != nil {
		return err
	}
	if res.Status == trust.StatusMismatch {
		m.log.Warn("rejecting handshake response, announced keys differ from pinned keys", "peer", senderID.Short())
		select {
		case att.done <- nil:
		default:
		}
		return ErrTrustMismatch
	}

	key, err := m.deriveKey(att.ephPriv, ephPub, staticPub)
	if err != nil {
		return err
	}

	m.peers.SetSessionKey(senderID, key)
	select {
	case att.done <- key:
	default:
	}
	m.log.Info("session established", "peer", senderID.Short(), "role", "initiator")
	return nil
}

// deriveKey mixes ephemeral×ephemeral and static×static and derives the
// session key. Both sides call it with their own privates and the
// counterpart's publics, yielding the same key.
func (m *Manager) deriveKey(ephPriv, peerEphPub, peerStaticPub [32]byte) ([]byte, error) {
	dhEph, err := identity.DH(ephPriv, peerEphPub)
	if err != nil {
		return nil, err
	}
	dhStatic, err := m.id.DH(peerStaticPub)
	if err != nil {
		return nil, err
	}
	return identity.DeriveSessionKey(dhEph, dhStatic)
}

func (m *Manager) marshalLeg(legType string, ephPub [32]byte) ([]byte, error) {
	payload, err := json.Marshal(wire.HandshakePayload{
		Type:           legType,
		NodeID:         m.id.NodeID.Hex(),
		SigningPub:     base64.StdEncoding.EncodeToString(m.id.SigningPub),
		DHPub:          base64.StdEncoding.EncodeToString(m.id.DHPub[:]),
		EphemeralDHPub: base64.StdEncoding.EncodeToString(ephPub[:]),
		Timestamp:      time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", legType, err)
	}
	return payload, nil
}

func (m *Manager) decodeLeg(raw []byte) (identity.NodeID, ed25519.PublicKey, [32]byte, [32]byte, error) {
	var hs wire.HandshakePayload
	var zero [32]byte
	if err := json.Unmarshal(raw, &hs); err != nil {
		return identity.NodeID{}, nil, zero, zero, fmt.Errorf("decoding handshake payload: %w", err)
	}
	senderID, err := identity.ParseNodeID(hs.NodeID)
	if err != nil {
		return identity.NodeID{}, nil, zero, zero, err
	}
	signingPub, err := base64.StdEncoding.DecodeString(hs.SigningPub)
	if err != nil || len(signingPub) != ed25519.PublicKeySize {
		return identity.NodeID{}, nil, zero, zero, fmt.Errorf("handshake payload has malformed signing key")
	}
	staticPub, err := decode32(hs.DHPub)
	if err != nil {
		return identity.NodeID{}, nil, zero, zero, fmt.Errorf("handshake payload has malformed dh key: %w", err)
	}
	ephPub, err := decode32(hs.EphemeralDHPub)
	if err != nil {
		return identity.NodeID{}, nil, zero, zero, fmt.Errorf("handshake payload has malformed ephemeral key: %w", err)
	}
	return senderID, ed25519.PublicKey(signingPub), staticPub, ephPub, nil
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
