// Package transfer slices files into fixed-size hashed chunks and moves them
// between peers over CHUNK_REQ/CHUNK_DATA frames.
package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"archipel/internal/wire"
)

// ChunkSize is the fixed slicing window.
const ChunkSize = 512 * 1024

// FileID derives the deterministic file identifier from name and size. Two
// files sharing both collide; the whole-file hash in the manifest covers
// content identity.
func FileID(name string, size int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", name, size)))
	return hex.EncodeToString(sum[:])
}

// CreateManifest streams the file at path once, hashing each chunk and the
// whole file, and emits the chunk descriptors with explicit offsets.
func CreateManifest(path string) (*wire.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating %s: %w", path, err)
	}

	m := &wire.Manifest{
		FileID:    FileID(info.Name(), info.Size()),
		FileName:  info.Name(),
		FileSize:  info.Size(),
		ChunkSize: ChunkSize,
	}

	fileHash := sha256.New()
	buf := make([]byte, ChunkSize)
	var offset int64
	for index := 0; ; index++ {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			chunk := buf[:n]
			fileHash.Write(chunk)
			sum := sha256.Sum256(chunk)
			m.Chunks = append(m.Chunks, wire.ChunkInfo{
				Index:  index,
				Offset: offset,
				Size:   n,
				Hash:   hex.EncodeToString(sum[:]),
			})
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	m.ChunkCount = len(m.Chunks)
	m.FileHash = hex.EncodeToString(fileHash.Sum(nil))
	if offset != m.FileSize {
		return nil, fmt.Errorf("read %d bytes of %s, expected %d", offset, path, m.FileSize)
	}
	return m, nil
}

// ReadChunk returns the bytes of one chunk of the file at path.
func ReadChunk(path string, m *wire.Manifest, index int) ([]byte, error) {
	if index < 0 || index >= len(m.Chunks) {
		return nil, fmt.Errorf("chunk index %d out of range for %s", index, m.FileName)
	}
	info := m.Chunks[index]

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, info.Size)
	if _, err := f.ReadAt(buf, info.Offset); err != nil {
		return nil, fmt.Errorf("reading chunk %d of %s: %w", index, path, err)
	}
	return buf, nil
}

// VerifyChunk recomputes the chunk hash and compares.
func VerifyChunk(data []byte, expectedHash string) bool {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]) == expectedHash
}

// AssembleFile writes the chunks to outDir under the manifest's file name,
// verifying each chunk hash before writing and the whole-file hash after.
// On any mismatch the partial output is deleted.
func AssembleFile(m *wire.Manifest, chunks [][]byte, outDir string) (string, error) {
	if len(chunks) != m.ChunkCount {
		return "", fmt.Errorf("assembling %s: have %d chunks, want %d", m.FileName, len(chunks), m.ChunkCount)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", outDir, err)
	}
	outPath := filepath.Join(outDir, filepath.Base(m.FileName))

	f, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", outPath, err)
	}

	fail := func(format string, args ...any) (string, error) {
		f.Close()
		os.Remove(outPath)
		return "", fmt.Errorf(format, args...)
	}

	for i, info := range m.Chunks {
		data := chunks[i]
		if data == nil {
			return fail("assembling %s: chunk %d missing", m.FileName, i)
		}
		if !VerifyChunk(data, info.Hash) {
			return fail("assembling %s: chunk %d hash mismatch", m.FileName, i)
		}
		if _, err := f.WriteAt(data, info.Offset); err != nil {
			return fail("writing chunk %d of %s: %w", i, outPath, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("closing %s: %w", outPath, err)
	}

	// Recompute the whole-file hash over the reassembled output.
	out, err := os.Open(outPath)
	if err != nil {
		return "", fmt.Errorf("reopening %s: %w", outPath, err)
	}
	h := sha256.New()
	_, err = io.Copy(h, out)
	out.Close()
	if err != nil {
		os.Remove(outPath)
		return "", fmt.Errorf("hashing %s: %w", outPath, err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != m.FileHash {
		os.Remove(outPath)
		return "", fmt.Errorf("assembling %s: file hash mismatch", m.FileName)
	}
	return outPath, nil
}
