// Package peer maintains the in-memory table of known peers and their
// liveness state.
package peer

import (
	"crypto/ed25519"
	"encoding/base64"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"archipel/internal/identity"
	"archipel/internal/wire"
)

// DefaultTTL is how long a peer stays active without being heard from.
const DefaultTTL = 90 * time.Second

// StartingReputation is assigned to newly discovered peers. Reputation is
// telemetry only; no behavior keys off it.
const StartingReputation = 100

// Peer is one entry of the table.
type Peer struct {
	NodeID      identity.NodeID
	Address     string
	Port        int
	SigningPub  ed25519.PublicKey
	DHPub       [32]byte
	SharedFiles []wire.SharedFile
	LastSeen    time.Time
	Reputation  int

	// SessionKey is non-nil once a handshake with this peer completed.
	SessionKey []byte
}

// Addr returns the peer's dialable TCP address.
func (p *Peer) Addr() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// Table tracks known peers. All methods are safe for concurrent use.
type Table struct {
	mu    sync.Mutex
	peers map[identity.NodeID]*Peer
	ttl   time.Duration
	now   func() time.Time
}

// NewTable creates a Table with the default liveness TTL.
func NewTable() *Table {
	return &Table{
		peers: make(map[identity.NodeID]*Peer),
		ttl:   DefaultTTL,
		now:   time.Now,
	}
}

// NewTableWithClock creates a Table with an injected clock and TTL, for tests.
func NewTableWithClock(ttl time.Duration, now func() time.Time) *Table {
	return &Table{
		peers: make(map[identity.NodeID]*Peer),
		ttl:   ttl,
		now:   now,
	}
}

// Upsert inserts or refreshes a peer. Address, port, keys and shared files
// are taken from the announcement; reputation and an established session key
// survive the refresh. Returns true when the peer was not in the table.
func (t *Table) Upsert(p Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.LastSeen = t.now()
	existing, ok := t.peers[p.NodeID]
	if !ok {
		p.Reputation = StartingReputation
		t.peers[p.NodeID] = &p
		return true
	}
	p.Reputation = existing.Reputation
	p.SessionKey = existing.SessionKey
	t.peers[p.NodeID] = &p
	return false
}

// Touch refreshes a peer's liveness without changing anything else.
func (t *Table) Touch(id identity.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.LastSeen = t.now()
	}
}

// Get returns a copy of the peer, or nil when unknown.
func (t *Table) Get(id identity.NodeID) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// GetActive prunes dead peers and returns copies of the survivors, sorted by
// node id for stable output.
func (t *Table) GetActive() []*Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()

	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeID.Hex() < out[j].NodeID.Hex()
	})
	return out
}

// PruneDead removes peers not heard from within the TTL and returns their
// ids.
func (t *Table) PruneDead() []identity.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pruneLocked()
}

func (t *Table) pruneLocked() []identity.NodeID {
	cutoff := t.now().Add(-t.ttl)
	var removed []identity.NodeID
	for id, p := range t.peers {
		if p.LastSeen.Before(cutoff) {
			delete(t.peers, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// SetSessionKey records an established session key for the peer.
func (t *Table) SetSessionKey(id identity.NodeID, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.SessionKey = key
	}
}

// SessionKey returns the established session key for the peer, or nil.
func (t *Table) SessionKey(id identity.NodeID) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		return p.SessionKey
	}
	return nil
}

// Penalize lowers a peer's reputation, never below zero.
func (t *Table) Penalize(id identity.NodeID, amount int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Reputation -= amount
		if p.Reputation < 0 {
			p.Reputation = 0
		}
	}
}

// Summaries renders the active peers as wire entries for a PEER_LIST
// exchange.
func (t *Table) Summaries() []wire.PeerSummary {
	active := t.GetActive()
	out := make([]wire.PeerSummary, 0, len(active))
	for _, p := range active {
		out = append(out, wire.PeerSummary{
			NodeID:      p.NodeID.Hex(),
			Address:     p.Address,
			Port:        p.Port,
			SigningPub:  base64.StdEncoding.EncodeToString(p.SigningPub),
			DHPub:       base64.StdEncoding.EncodeToString(p.DHPub[:]),
			SharedFiles: p.SharedFiles,
		})
	}
	return out
}
