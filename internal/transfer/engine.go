package transfer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"archipel/internal/identity"
	"archipel/internal/store"
	"archipel/internal/wire"
)

// DefaultInactivityTimeout aborts a download that stops making progress.
const DefaultInactivityTimeout = 120 * time.Second

// FrameSender delivers one frame to a peer. Implemented by the session
// transport.
type FrameSender interface {
	SendTo(target identity.NodeID, frameType wire.FrameType, payload []byte) error
}

// Progress reports chunks received out of the manifest total.
type Progress struct {
	FileID   string
	FileName string
	Received int
	Total    int
}

// Engine downloads files chunk by chunk and serves chunk requests against
// local manifests. The serving side is stateless; every CHUNK_REQ is
// answered independently.
type Engine struct {
	log         *slog.Logger
	db          store.Store
	sender      FrameSender
	downloadDir string
	inactivity  time.Duration
	onProgress  func(Progress)

	mu       sync.Mutex
	handlers map[string]chan wire.ChunkDataPayload
}

// NewEngine creates a transfer engine. onProgress may be nil.
func NewEngine(log *slog.Logger, db store.Store, sender FrameSender, downloadDir string, onProgress func(Progress)) *Engine {
	return &Engine{
		log:         log,
		db:          db,
		sender:      sender,
		downloadDir: downloadDir,
		inactivity:  DefaultInactivityTimeout,
		onProgress:  onProgress,
		handlers:    make(map[string]chan wire.ChunkDataPayload),
	}
}

// SetInactivityTimeout overrides the abort timer, for tests.
func (e *Engine) SetInactivityTimeout(d time.Duration) { e.inactivity = d }

// RegisterLocal persists a manifest for a local file so its chunks can be
// served.
func (e *Engine) RegisterLocal(m *wire.Manifest, path string) error {
	err := e.db.SaveManifest(store.ManifestRecord{
		Remote:    false,
		LocalPath: path,
		CreatedAt: time.Now(),
		Manifest:  *m,
	})
	if err != nil {
		return fmt.Errorf("persisting local manifest %s: %w", m.FileID, err)
	}
	return nil
}

// SendManifest announces a local manifest to target.
func (e *Engine) SendManifest(target identity.NodeID, m *wire.Manifest) error {
	payload, err := json.Marshal(wire.ManifestPayload{Type: "MANIFEST", Manifest: *m})
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := e.sender.SendTo(target, wire.TypeManifest, payload); err != nil {
		return fmt.Errorf("sending manifest to %s: %w", target.Short(), err)
	}
	return nil
}

// HandleManifest persists an announced manifest as remote, attributed to
// sender, and returns it for the informational event.
func (e *Engine) HandleManifest(sender identity.NodeID, raw []byte) (*wire.Manifest, error) {
	var payload wire.ManifestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding manifest payload: %w", err)
	}
	err := e.db.SaveManifest(store.ManifestRecord{
		OwnerID:   sender.Hex(),
		Remote:    true,
		CreatedAt: time.Now(),
		Manifest:  payload.Manifest,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting manifest %s: %w", payload.Manifest.FileID, err)
	}
	return &payload.Manifest, nil
}

// Download fetches the file described by m from peer and assembles it in the
// download directory, returning the output path. Corrupt chunks are
// re-requested; the download aborts after the inactivity timeout without a
// valid new chunk.
func (e *Engine) Download(peer identity.NodeID, m *wire.Manifest) (string, error) {
	err := e.db.SaveManifest(store.ManifestRecord{
		OwnerID:   peer.Hex(),
		Remote:    true,
		CreatedAt: time.Now(),
		Manifest:  *m,
	})
	if err != nil {
		return "", fmt.Errorf("persisting manifest %s: %w", m.FileID, err)
	}

	incoming := make(chan wire.ChunkDataPayload, m.ChunkCount)
	e.mu.Lock()
	if _, exists := e.handlers[m.FileID]; exists {
		e.mu.Unlock()
		return "", fmt.Errorf("download of %s already in progress", m.FileID)
	}
	e.handlers[m.FileID] = incoming
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.handlers, m.FileID)
		e.mu.Unlock()
	}()

	// Pipelined: every request goes out up front, backpressure is the
	// transport's write buffer.
	for index := 0; index < m.ChunkCount; index++ {
		if err := e.requestChunk(peer, m.FileID, index); err != nil {
			return "", err
		}
	}

	chunks := make([][]byte, m.ChunkCount)
	received := 0
	timer := time.NewTimer(e.inactivity)
	defer timer.Stop()

	for received < m.ChunkCount {
		select {
		case payload := <-incoming:
			if payload.ChunkIndex < 0 || payload.ChunkIndex >= m.ChunkCount {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(payload.Data)
			if err != nil {
				e.log.Warn("undecodable chunk", "file", m.FileName, "index", payload.ChunkIndex)
				continue
			}
			if !VerifyChunk(data, m.Chunks[payload.ChunkIndex].Hash) {
				e.log.Warn("chunk hash mismatch, re-requesting",
					"file", m.FileName, "index", payload.ChunkIndex)
				if err := e.requestChunk(peer, m.FileID, payload.ChunkIndex); err != nil {
					return "", err
				}
				continue
			}
			if chunks[payload.ChunkIndex] != nil {
				continue // duplicate
			}
			chunks[payload.ChunkIndex] = data
			received++
			if e.onProgress != nil {
				e.onProgress(Progress{
					FileID:   m.FileID,
					FileName: m.FileName,
					Received: received,
					Total:    m.ChunkCount,
				})
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(e.inactivity)
		case <-timer.C:
			return "", fmt.Errorf("download of %s stalled with %d/%d chunks",
				m.FileName, received, m.ChunkCount)
		}
	}

	path, err := AssembleFile(m, chunks, e.downloadDir)
	if err != nil {
		return "", err
	}
	e.log.Info("download complete", "file", m.FileName, "path", path)
	return path, nil
}

func (e *Engine) requestChunk(peer identity.NodeID, fileID string, index int) error {
	payload, err := json.Marshal(wire.ChunkReqPayload{
		Type:       "CHUNK_REQ",
		FileID:     fileID,
		ChunkIndex: index,
	})
	if err != nil {
		return fmt.Errorf("encoding chunk request: %w", err)
	}
	if err := e.sender.SendTo(peer, wire.TypeChunkReq, payload); err != nil {
		return fmt.Errorf("requesting chunk %d of %s: %w", index, fileID, err)
	}
	return nil
}

// HandleChunkData routes a CHUNK_DATA payload to the download registered for
// its file id; with no registration the payload is dropped.
func (e *Engine) HandleChunkData(sender identity.NodeID, raw []byte) error {
	var payload wire.ChunkDataPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decoding chunk data: %w", err)
	}

	e.mu.Lock()
	ch, ok := e.handlers[payload.FileID]
	e.mu.Unlock()
	if !ok {
		e.log.Debug("chunk data for inactive download", "file_id", payload.FileID)
		return nil
	}
	select {
	case ch <- payload:
	default:
		e.log.Warn("dropping chunk, receive queue full", "file_id", payload.FileID)
	}
	return nil
}

// ServeChunkReq answers one CHUNK_REQ against a local manifest. Unknown or
// remote file ids are dropped.
func (e *Engine) ServeChunkReq(sender identity.NodeID, raw []byte) error {
	var req wire.ChunkReqPayload
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decoding chunk request: %w", err)
	}

	rec, err := e.db.GetManifest(req.FileID)
	if err != nil {
		return fmt.Errorf("looking up manifest %s: %w", req.FileID, err)
	}
	if rec == nil || rec.Remote || rec.LocalPath == "" {
		e.log.Debug("chunk request for unknown file", "file_id", req.FileID, "peer", sender.Short())
		return nil
	}

	data, err := ReadChunk(rec.LocalPath, &rec.Manifest, req.ChunkIndex)
	if err != nil {
		return fmt.Errorf("serving chunk %d of %s: %w", req.ChunkIndex, req.FileID, err)
	}

	payload, err := json.Marshal(wire.ChunkDataPayload{
		Type:       "CHUNK_DATA",
		FileID:     req.FileID,
		ChunkIndex: req.ChunkIndex,
		Hash:       rec.Manifest.Chunks[req.ChunkIndex].Hash,
		Data:       base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return fmt.Errorf("encoding chunk data: %w", err)
	}
	return e.sender.SendTo(sender, wire.TypeChunkData, payload)
}
