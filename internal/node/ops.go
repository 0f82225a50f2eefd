package node

import (
	"encoding/json"
	"errors"
	"fmt"

	"archipel/internal/chat"
	"archipel/internal/handshake"
	"archipel/internal/identity"
	"archipel/internal/peer"
	"archipel/internal/store"
	"archipel/internal/transfer"
	"archipel/internal/wire"
)

// Operations invoked by the CLI and other thin surfaces. Each is a direct
// translation onto the core components.

// Send delivers plaintext to the peer with the given hex node id.
func (n *Node) Send(targetHex, plaintext string) (chat.SendResult, error) {
	target, err := identity.ParseNodeID(targetHex)
	if err != nil {
		return chat.SendResult{}, err
	}
	return n.msgr.Send(target, plaintext)
}

// Broadcast delivers plaintext to every active peer.
func (n *Node) Broadcast(plaintext string) map[identity.NodeID]chat.SendResult {
	return n.msgr.Broadcast(plaintext)
}

// Handshake establishes a session key with the peer. A timeout is not an
// error to the caller: messaging falls back to plaintext.
func (n *Node) Handshake(targetHex string) (established bool, err error) {
	target, err := identity.ParseNodeID(targetHex)
	if err != nil {
		return false, err
	}
	if n.peers.SessionKey(target) != nil {
		return true, nil
	}
	if _, err := n.hs.Initiate(target); err != nil {
		if errors.Is(err, handshake.ErrTimeout) {
			n.log.Info("handshake timed out, staying in plaintext", "peer", target.Short())
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Peers returns the active peer set.
func (n *Node) Peers() []*peer.Peer {
	return n.peers.GetActive()
}

// SetTrusted records the operator's trust decision for a pinned peer.
func (n *Node) SetTrusted(targetHex string, trusted bool) error {
	target, err := identity.ParseNodeID(targetHex)
	if err != nil {
		return err
	}
	return n.trust.SetTrusted(target, trusted)
}

// Share indexes the file at path and announces its manifest to every active
// peer.
func (n *Node) Share(path string) (*wire.Manifest, error) {
	m, err := n.index.Add(path)
	if err != nil {
		return nil, err
	}
	for _, p := range n.peers.GetActive() {
		if err := n.engine.SendManifest(p.NodeID, m); err != nil {
			n.log.Warn("manifest announcement failed", "peer", p.NodeID.Short(), "error", err)
		}
	}
	return m, nil
}

// Download fetches the file with the given id from the peer that announced
// it and returns the output path.
func (n *Node) Download(fileID string) (string, error) {
	rec, err := n.index.Lookup(fileID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", fmt.Errorf("no manifest for file id %s", fileID)
	}
	if !rec.Remote {
		return rec.LocalPath, nil
	}
	owner, err := identity.ParseNodeID(rec.OwnerID)
	if err != nil {
		return "", fmt.Errorf("manifest %s has malformed owner: %w", fileID, err)
	}

	path, err := n.engine.Download(owner, &rec.Manifest)
	if err != nil {
		return "", err
	}
	if n.events.TransferComplete != nil {
		n.events.TransferComplete(fileID, path)
	}
	return path, nil
}

// RemoteFiles lists the shared-file summaries advertised by active peers.
func (n *Node) RemoteFiles() map[identity.NodeID][]wire.SharedFile {
	out := make(map[identity.NodeID][]wire.SharedFile)
	for _, p := range n.peers.GetActive() {
		if len(p.SharedFiles) > 0 {
			out[p.NodeID] = p.SharedFiles
		}
	}
	return out
}

// History returns up to limit persisted messages exchanged with the peer,
// newest first.
func (n *Node) History(peerHex string, limit int) ([]store.Message, error) {
	target, err := identity.ParseNodeID(peerHex)
	if err != nil {
		return nil, err
	}
	return n.msgr.History(target, limit)
}

// SendPeerList shares our view of the fabric with target.
func (n *Node) SendPeerList(target identity.NodeID) error {
	payload, err := json.Marshal(wire.PeerListPayload{Peers: n.peers.Summaries()})
	if err != nil {
		return fmt.Errorf("encoding peer list: %w", err)
	}
	return n.transport.SendTo(target, wire.TypePeerList, payload)
}

// Progress re-exports the transfer progress type for event consumers.
type Progress = transfer.Progress
