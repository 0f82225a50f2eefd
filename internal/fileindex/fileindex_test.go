package fileindex_test

import (
	"os"
	"path/filepath"
	"testing"

	"archipel/internal/fileindex"
	"archipel/internal/store"
	"archipel/internal/testutil"
)

func TestIndex(t *testing.T) {
	log := testutil.Logger()

	t.Run("scan registers every regular file", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644)
		os.WriteFile(filepath.Join(dir, "b.txt"), []byte("bravo bravo"), 0o644)
		os.Mkdir(filepath.Join(dir, "subdir"), 0o755)

		ix := fileindex.New(log, dir, store.NewMemoryStore())
		if err := ix.Scan(); err != nil {
			t.Fatalf("Scan() error = %v", err)
		}

		sums := ix.Summaries()
		if len(sums) != 2 {
			t.Fatalf("indexed %d files, want 2", len(sums))
		}
		if sums[0].Name != "a.txt" || sums[0].Size != 5 {
			t.Errorf("summary = %+v", sums[0])
		}
	})

	t.Run("scan of a missing directory creates it", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "shared")
		ix := fileindex.New(log, dir, store.NewMemoryStore())
		if err := ix.Scan(); err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("shared directory not created: %v", err)
		}
	})

	t.Run("lookup resolves a scanned manifest", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "a.txt"), []byte("alpha"), 0o644)

		ix := fileindex.New(log, dir, store.NewMemoryStore())
		if err := ix.Scan(); err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		id := ix.Summaries()[0].FileID

		rec, err := ix.Lookup(id)
		if err != nil || rec == nil {
			t.Fatalf("Lookup() = %v, %v", rec, err)
		}
		if rec.Remote {
			t.Errorf("scanned manifest marked remote")
		}
		if rec.LocalPath != filepath.Join(dir, "a.txt") {
			t.Errorf("LocalPath = %q", rec.LocalPath)
		}
	})
}
