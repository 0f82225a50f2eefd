package wire

import "encoding/json"

// Payloads are JSON. MSG frames are discriminated by the "type" field inside
// the payload; unknown type values must be ignored by dispatch, never
// rejected.

// MSG payload discriminators.
const (
	MsgHandshakeInit = "HANDSHAKE_INIT"
	MsgHandshakeResp = "HANDSHAKE_RESP"
)

// Probe extracts just the discriminator from an MSG payload. An empty Type
// means a chat message.
type Probe struct {
	Type string `json:"type"`
}

// ProbeType returns the "type" discriminator of a JSON payload, or "" when
// absent or unparseable.
func ProbeType(payload []byte) string {
	var p Probe
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.Type
}

// SharedFile summarizes one entry of a node's shared directory, as carried
// in HELLO announcements and PEER_LIST entries.
type SharedFile struct {
	FileID string `json:"fileId"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// HelloPayload is the discovery announcement.
type HelloPayload struct {
	NodeID           string       `json:"nodeId"`
	DHPublicKey      string       `json:"dhPublicKey"`
	SigningPublicKey string       `json:"signingPublicKey"`
	TCPPort          int          `json:"tcpPort"`
	SharedFiles      []SharedFile `json:"sharedFiles"`
	Timestamp        int64        `json:"timestamp"`
}

// HandshakePayload is carried in MSG frames with type HANDSHAKE_INIT or
// HANDSHAKE_RESP.
type HandshakePayload struct {
	Type           string `json:"type"`
	NodeID         string `json:"nodeId"`
	SigningPub     string `json:"signingPub"`
	DHPub          string `json:"dhPub"`
	EphemeralDHPub string `json:"ephemeralDhPub"`
	Timestamp      int64  `json:"timestamp"`
}

// ChatPayload is a chat message. When Nonce is non-nil, Ciphertext is the
// hex-encoded AEAD output (tag appended); otherwise Ciphertext holds the
// plaintext. Signature is over the plaintext under the sender's signing key.
type ChatPayload struct {
	Ciphertext string  `json:"ciphertext"`
	Nonce      *string `json:"nonce"`
	Signature  string  `json:"signature"`
	NodeID     string  `json:"nodeId"`
	Timestamp  int64   `json:"timestamp"`
}

// PeerSummary is one entry of a PEER_LIST payload.
type PeerSummary struct {
	NodeID      string       `json:"nodeId"`
	Address     string       `json:"address"`
	Port        int          `json:"port"`
	SigningPub  string       `json:"signingPub"`
	DHPub       string       `json:"dhPub"`
	SharedFiles []SharedFile `json:"sharedFiles"`
}

// PeerListPayload carries peer summaries.
type PeerListPayload struct {
	Peers []PeerSummary `json:"peers"`
}

// ChunkInfo describes one chunk of a file.
type ChunkInfo struct {
	Index  int    `json:"index"`
	Offset int64  `json:"offset"`
	Size   int    `json:"size"`
	Hash   string `json:"hash"`
}

// Manifest describes a file's chunk layout and hashes.
type Manifest struct {
	FileID     string      `json:"fileId"`
	FileName   string      `json:"fileName"`
	FileSize   int64       `json:"fileSize"`
	ChunkSize  int         `json:"chunkSize"`
	ChunkCount int         `json:"chunkCount"`
	FileHash   string      `json:"fileHash"`
	Chunks     []ChunkInfo `json:"chunks"`
}

// ManifestPayload announces a manifest to a peer.
type ManifestPayload struct {
	Type     string   `json:"type"`
	Manifest Manifest `json:"manifest"`
}

// ChunkReqPayload requests one chunk of a file.
type ChunkReqPayload struct {
	Type       string `json:"type"`
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// ChunkDataPayload carries one chunk, base64-encoded, with its hash.
type ChunkDataPayload struct {
	Type       string `json:"type"`
	FileID     string `json:"file_id"`
	ChunkIndex int    `json:"chunk_index"`
	Hash       string `json:"hash"`
	Data       string `json:"data"`
}

// RelayPayload is a store-and-forward envelope. Any node may carry it on
// behalf of an unreachable target.
type RelayPayload struct {
	Target    string `json:"target"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}
