// Package store provides the node's persistent state: message history, the
// peer/trust directory, the store-and-forward relay queue and file
// manifests. The SQLite implementation is the production backend; the
// memory implementation backs tests and the "memory" config type.
package store

import (
	"time"

	"archipel/internal/wire"
)

// Message is one entry of the append-only chat history.
type Message struct {
	ID        string
	PeerID    string // conversation partner's NodeId (hex)
	Sender    string // originating NodeId (hex)
	Content   string
	Timestamp time.Time
	Encrypted bool
}

// PeerRecord is a persisted peer sighting with pinned key material.
// Trusted is cleared on a key mismatch and stays cleared until an operator
// re-asserts trust.
type PeerRecord struct {
	NodeID     string
	DHPub      string
	SigningPub string
	FirstSeen  time.Time
	LastSeen   time.Time
	Trusted    bool
}

// RelayEnvelope is a message held on behalf of an unreachable target.
type RelayEnvelope struct {
	ID        string
	TargetID  string
	SenderID  string
	Content   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ManifestRecord is a persisted manifest. Remote manifests are attributed to
// the announcing peer; local ones carry the path of the source file.
type ManifestRecord struct {
	OwnerID   string
	Remote    bool
	LocalPath string
	CreatedAt time.Time
	Manifest  wire.Manifest
}

// Store is the persistent store contract. Each call is atomic; atomicity
// across calls is not provided.
type Store interface {
	// AppendMessage appends one message to the history log.
	AppendMessage(m Message) error

	// MessageHistory returns up to limit messages exchanged with peerID,
	// newest first.
	MessageHistory(peerID string, limit int) ([]Message, error)

	// GetPeer returns the persisted record for nodeID, or nil when unknown.
	GetPeer(nodeID string) (*PeerRecord, error)

	// UpsertPeer inserts or replaces the record for rec.NodeID.
	UpsertPeer(rec PeerRecord) error

	// SetPeerTrusted flips the trusted flag for nodeID.
	SetPeerTrusted(nodeID string, trusted bool) error

	// EnqueueRelay stores one relay envelope.
	EnqueueRelay(env RelayEnvelope) error

	// FetchRelay returns and deletes all non-expired envelopes for targetID
	// in enqueue order, purging expired rows as a side effect. Fetch and
	// delete are a single atomic step: each envelope is handed out once.
	FetchRelay(targetID string) ([]RelayEnvelope, error)

	// CountRelayFrom returns the number of queued envelopes originated by
	// senderID, for the per-sender cap.
	CountRelayFrom(senderID string) (int, error)

	// SaveManifest inserts or replaces a manifest record keyed by its FileID.
	SaveManifest(rec ManifestRecord) error

	// GetManifest returns the record for fileID, or nil when unknown.
	GetManifest(fileID string) (*ManifestRecord, error)

	// LocalManifests returns all non-remote manifest records.
	LocalManifests() ([]ManifestRecord, error)

	// Close flushes and closes the store.
	Close() error
}
