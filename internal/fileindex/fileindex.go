// Package fileindex maintains manifests for the files under the shared
// directory. Summaries of the index ride in discovery announcements.
package fileindex

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"archipel/internal/store"
	"archipel/internal/transfer"
	"archipel/internal/wire"
)

// Index scans the shared directory and persists a local manifest per file.
type Index struct {
	log *slog.Logger
	dir string
	db  store.Store
}

// New creates an index over dir backed by db.
func New(log *slog.Logger, dir string, db store.Store) *Index {
	return &Index{log: log, dir: dir, db: db}
}

// Scan walks the shared directory and registers a manifest for every regular
// file. Files that fail to hash are skipped with a warning.
func (ix *Index) Scan() error {
	if err := os.MkdirAll(ix.dir, 0o755); err != nil {
		return fmt.Errorf("creating shared directory: %w", err)
	}
	entries, err := os.ReadDir(ix.dir)
	if err != nil {
		return fmt.Errorf("reading shared directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(ix.dir, entry.Name())
		if _, err := ix.Add(path); err != nil {
			ix.log.Warn("skipping shared file", "file", entry.Name(), "error", err)
		}
	}
	return nil
}

// Add builds and persists a local manifest for the file at path.
func (ix *Index) Add(path string) (*wire.Manifest, error) {
	m, err := transfer.CreateManifest(path)
	if err != nil {
		return nil, err
	}
	err = ix.db.SaveManifest(store.ManifestRecord{
		Remote:    false,
		LocalPath: path,
		CreatedAt: time.Now(),
		Manifest:  *m,
	})
	if err != nil {
		return nil, fmt.Errorf("persisting manifest for %s: %w", m.FileName, err)
	}
	ix.log.Info("sharing file", "file", m.FileName, "size", m.FileSize, "chunks", m.ChunkCount)
	return m, nil
}

// Summaries renders the local index as shared-file entries for HELLO and
// PEER_LIST payloads.
func (ix *Index) Summaries() []wire.SharedFile {
	recs, err := ix.db.LocalManifests()
	if err != nil {
		ix.log.Warn("could not list local manifests", "error", err)
		return nil
	}
	out := make([]wire.SharedFile, 0, len(recs))
	for _, rec := range recs {
		out = append(out, wire.SharedFile{
			FileID: rec.Manifest.FileID,
			Name:   rec.Manifest.FileName,
			Size:   rec.Manifest.FileSize,
		})
	}
	return out
}

// Lookup returns the manifest record for fileID, local or remote.
func (ix *Index) Lookup(fileID string) (*store.ManifestRecord, error) {
	return ix.db.GetManifest(fileID)
}
