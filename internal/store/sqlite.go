package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"archipel/internal/store/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the store at path and brings the
// schema up to date. path can be ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	if err := migrations.Check(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying store schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection with the PRAGMAs
// the store relies on. Exported for tests that need a raw connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each mutation must reach disk before the call returns.
	if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring synchronous mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring busy timeout: %w", err)
	}

	return db, nil
}

// Message history

func (s *SQLiteStore) AppendMessage(m Message) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (id, peer_id, sender, content, timestamp, encrypted) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.PeerID, m.Sender, m.Content, m.Timestamp, m.Encrypted,
	)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MessageHistory(peerID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, peer_id, sender, content, timestamp, encrypted
		 FROM messages WHERE peer_id = ? ORDER BY timestamp DESC, id LIMIT ?`,
		peerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying message history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.PeerID, &m.Sender, &m.Content, &m.Timestamp, &m.Encrypted); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading message history: %w", err)
	}
	return out, nil
}

// Peer directory

func (s *SQLiteStore) GetPeer(nodeID string) (*PeerRecord, error) {
	var rec PeerRecord
	err := s.db.QueryRow(
		`SELECT node_id, dh_pub, signing_pub, first_seen, last_seen, trusted FROM peers WHERE node_id = ?`,
		nodeID,
	).Scan(&rec.NodeID, &rec.DHPub, &rec.SigningPub, &rec.FirstSeen, &rec.LastSeen, &rec.Trusted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding peer: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) UpsertPeer(rec PeerRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO peers (node_id, dh_pub, signing_pub, first_seen, last_seen, trusted)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(node_id) DO UPDATE SET
		   dh_pub = excluded.dh_pub,
		   signing_pub = excluded.signing_pub,
		   last_seen = excluded.last_seen,
		   trusted = excluded.trusted`,
		rec.NodeID, rec.DHPub, rec.SigningPub, rec.FirstSeen, rec.LastSeen, rec.Trusted,
	)
	if err != nil {
		return fmt.Errorf("upserting peer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetPeerTrusted(nodeID string, trusted bool) error {
	_, err := s.db.Exec(`UPDATE peers SET trusted = ? WHERE node_id = ?`, trusted, nodeID)
	if err != nil {
		return fmt.Errorf("setting peer trust: %w", err)
	}
	return nil
}

// Relay queue

func (s *SQLiteStore) EnqueueRelay(env RelayEnvelope) error {
	_, err := s.db.Exec(
		`INSERT INTO relay_queue (id, target_id, sender_id, content, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		env.ID, env.TargetID, env.SenderID, env.Content, env.CreatedAt, env.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("enqueueing relay envelope: %w", err)
	}
	return nil
}

// FetchRelay returns and deletes all non-expired envelopes for targetID in
// one transaction (single-delivery-attempt contract). Expired rows are
// purged on every fetch.
func (s *SQLiteStore) FetchRelay(targetID string) ([]RelayEnvelope, error) {
	ctx := context.Background()
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM relay_queue WHERE expires_at <= ?`, now); err != nil {
		return nil, fmt.Errorf("purging expired envelopes: %w", err)
	}

	rows, err := tx.Query(
		`SELECT id, target_id, sender_id, content, created_at, expires_at
		 FROM relay_queue WHERE target_id = ? ORDER BY created_at, id`,
		targetID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying relay queue: %w", err)
	}

	var out []RelayEnvelope
	for rows.Next() {
		var env RelayEnvelope
		if err := rows.Scan(&env.ID, &env.TargetID, &env.SenderID, &env.Content, &env.CreatedAt, &env.ExpiresAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning relay envelope: %w", err)
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("reading relay queue: %w", err)
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM relay_queue WHERE target_id = ?`, targetID); err != nil {
		return nil, fmt.Errorf("deleting fetched envelopes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing relay fetch: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountRelayFrom(senderID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM relay_queue WHERE sender_id = ? AND expires_at > ?`,
		senderID, time.Now(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting relay envelopes: %w", err)
	}
	return n, nil
}

// Manifests

func (s *SQLiteStore) SaveManifest(rec ManifestRecord) error {
	blob, err := json.Marshal(rec.Manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO manifests (file_id, owner_id, file_name, file_size, remote, local_path, manifest_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET
		   owner_id = excluded.owner_id,
		   file_name = excluded.file_name,
		   file_size = excluded.file_size,
		   remote = excluded.remote,
		   local_path = excluded.local_path,
		   manifest_json = excluded.manifest_json`,
		rec.Manifest.FileID, rec.OwnerID, rec.Manifest.FileName, rec.Manifest.FileSize,
		rec.Remote, rec.LocalPath, string(blob), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving manifest: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetManifest(fileID string) (*ManifestRecord, error) {
	var rec ManifestRecord
	var blob string
	err := s.db.QueryRow(
		`SELECT owner_id, remote, local_path, manifest_json, created_at FROM manifests WHERE file_id = ?`,
		fileID,
	).Scan(&rec.OwnerID, &rec.Remote, &rec.LocalPath, &blob, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding manifest: %w", err)
	}
	if err := json.Unmarshal([]byte(blob), &rec.Manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) LocalManifests() ([]ManifestRecord, error) {
	rows, err := s.db.Query(
		`SELECT owner_id, remote, local_path, manifest_json, created_at FROM manifests WHERE remote = FALSE ORDER BY file_name`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying local manifests: %w", err)
	}
	defer rows.Close()

	var out []ManifestRecord
	for rows.Next() {
		var rec ManifestRecord
		var blob string
		if err := rows.Scan(&rec.OwnerID, &rec.Remote, &rec.LocalPath, &blob, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning manifest: %w", err)
		}
		if err := json.Unmarshal([]byte(blob), &rec.Manifest); err != nil {
			return nil, fmt.Errorf("decoding manifest: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading local manifests: %w", err)
	}
	return out, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
