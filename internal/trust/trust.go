// Package trust implements trust-on-first-use key pinning. The first key
// pair seen for a node id is pinned; any later announcement with different
// keys is flagged, never silently accepted.
package trust

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"archipel/internal/identity"
	"archipel/internal/store"
)

// Status is the outcome of checking an announcement against the pin store.
type Status int

const (
	// StatusNew means this node id was never seen; its keys are now pinned.
	StatusNew Status = iota
	// StatusKnown means the announced keys match the pinned ones.
	StatusKnown
	// StatusMismatch means the announced keys differ from the pinned ones.
	// The caller must not update the pin and should surface an alert.
	StatusMismatch
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusKnown:
		return "known"
	case StatusMismatch:
		return "mismatch"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of a trust check: the pin status and the peer's
// current trusted flag.
type Result struct {
	Status  Status
	Trusted bool
}

// Store pins peer keys on first sight and checks later sightings.
type Store struct {
	db  store.Store
	now func() time.Time
}

// NewStore creates a trust store backed by db.
func NewStore(db store.Store) *Store {
	return &Store{db: db, now: time.Now}
}

// Check compares the announced keys against the pinned record for id. On
// first sight the keys are pinned with trusted set. On a match the record's
// last-seen time is refreshed. On a mismatch the pinned keys are left
// untouched but the trusted flag is cleared, and it stays cleared until an
// operator re-asserts it with SetTrusted.
func (s *Store) Check(id identity.NodeID, signingPub ed25519.PublicKey, dhPub [32]byte) (Result, error) {
	signing := base64.StdEncoding.EncodeToString(signingPub)
	dh := base64.StdEncoding.EncodeToString(dhPub[:])

	rec, err := s.db.GetPeer(id.Hex())
	if err != nil {
		return Result{Status: StatusMismatch}, fmt.Errorf("loading pinned keys for %s: %w", id.Short(), err)
	}
	now := s.now()

	if rec == nil {
		err := s.db.UpsertPeer(store.PeerRecord{
			NodeID:     id.Hex(),
			SigningPub: signing,
			DHPub:      dh,
			FirstSeen:  now,
			LastSeen:   now,
			Trusted:    true,
		})
		if err != nil {
			return Result{Status: StatusMismatch}, fmt.Errorf("pinning keys for %s: %w", id.Short(), err)
		}
		return Result{Status: StatusNew, Trusted: true}, nil
	}

	if rec.SigningPub != signing || rec.DHPub != dh {
		if err := s.db.SetPeerTrusted(id.Hex(), false); err != nil {
			return Result{Status: StatusMismatch}, fmt.Errorf("clearing trust for %s: %w", id.Short(), err)
		}
		return Result{Status: StatusMismatch}, nil
	}

	rec.LastSeen = now
	if err := s.db.UpsertPeer(*rec); err != nil {
		return Result{Status: StatusKnown, Trusted: rec.Trusted}, fmt.Errorf("refreshing pin for %s: %w", id.Short(), err)
	}
	return Result{Status: StatusKnown, Trusted: rec.Trusted}, nil
}

// SetTrusted marks a pinned peer as operator-approved.
func (s *Store) SetTrusted(id identity.NodeID, trusted bool) error {
	return s.db.SetPeerTrusted(id.Hex(), trusted)
}

// IsTrusted reports whether the peer is pinned and operator-approved.
func (s *Store) IsTrusted(id identity.NodeID) (bool, error) {
	rec, err := s.db.GetPeer(id.Hex())
	if err != nil || rec == nil {
		return false, err
	}
	return rec.Trusted, nil
}

// PinnedSigningKey returns the pinned signing key for id, or nil when the
// peer was never seen.
func (s *Store) PinnedSigningKey(id identity.NodeID) (ed25519.PublicKey, error) {
	rec, err := s.db.GetPeer(id.Hex())
	if err != nil || rec == nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(rec.SigningPub)
	if err != nil {
		return nil, fmt.Errorf("decoding pinned signing key for %s: %w", id.Short(), err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pinned signing key for %s has %d bytes", id.Short(), len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
