package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and the "memory" config type.
// Contents do not survive the process.
type MemoryStore struct {
	mu        sync.Mutex
	messages  []Message
	peers     map[string]PeerRecord
	relay     []RelayEnvelope
	manifests map[string]ManifestRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		peers:     make(map[string]PeerRecord),
		manifests: make(map[string]ManifestRecord),
	}
}

func (s *MemoryStore) AppendMessage(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *MemoryStore) MessageHistory(peerID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].PeerID == peerID {
			out = append(out, s.messages[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) GetPeer(nodeID string) (*PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.peers[nodeID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) UpsertPeer(rec PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.peers[rec.NodeID]; ok {
		rec.FirstSeen = existing.FirstSeen
	}
	s.peers[rec.NodeID] = rec
	return nil
}

func (s *MemoryStore) SetPeerTrusted(nodeID string, trusted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.peers[nodeID]; ok {
		rec.Trusted = trusted
		s.peers[nodeID] = rec
	}
	return nil
}

func (s *MemoryStore) EnqueueRelay(env RelayEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = append(s.relay, env)
	return nil
}

func (s *MemoryStore) FetchRelay(targetID string) ([]RelayEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	var fetched []RelayEnvelope
	var kept []RelayEnvelope
	for _, env := range s.relay {
		switch {
		case env.ExpiresAt.Before(now) || env.ExpiresAt.Equal(now):
			// expired: dropped
		case env.TargetID == targetID:
			fetched = append(fetched, env)
		default:
			kept = append(kept, env)
		}
	}
	s.relay = kept

	sort.SliceStable(fetched, func(i, j int) bool {
		return fetched[i].CreatedAt.Before(fetched[j].CreatedAt)
	})
	return fetched, nil
}

func (s *MemoryStore) CountRelayFrom(senderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	n := 0
	for _, env := range s.relay {
		if env.SenderID == senderID && env.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveManifest(rec ManifestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests[rec.Manifest.FileID] = rec
	return nil
}

func (s *MemoryStore) GetManifest(fileID string) (*ManifestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.manifests[fileID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) LocalManifests() ([]ManifestRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ManifestRecord
	for _, rec := range s.manifests {
		if !rec.Remote {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.FileName < out[j].Manifest.FileName
	})
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
