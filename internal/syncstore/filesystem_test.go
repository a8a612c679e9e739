package syncstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"savesync/internal/save"
)

func TestFileSystemStore(t *testing.T) {
	ctx := context.Background()
	key := save.Key{Emulator: "PCSX2", GameID: "SLUS-21005"}

	t.Run("manifest round trip", func(t *testing.T) {
		s := NewFileSystemStore(t.TempDir(), "device-a")

		if _, err := s.GetManifest(ctx, key); !errors.Is(err, ErrManifestNotFound) {
			t.Fatalf("GetManifest() error = %v, want ErrManifestNotFound", err)
		}
		if err := s.PutManifest(ctx, key, []byte(`{"versions":[]}`)); err != nil {
			t.Fatalf("PutManifest() error = %v", err)
		}
		data, err := s.GetManifest(ctx, key)
		if err != nil {
			t.Fatalf("GetManifest() error = %v", err)
		}
		if string(data) != `{"versions":[]}` {
			t.Errorf("manifest = %q", data)
		}
	})

	t.Run("archive round trip and delete", func(t *testing.T) {
		s := NewFileSystemStore(t.TempDir(), "device-a")

		if err := s.PutArchive(ctx, key, "100.zip", bytes.NewReader([]byte("zip")), 3); err != nil {
			t.Fatalf("PutArchive() error = %v", err)
		}
		var buf bytes.Buffer
		if err := s.GetArchive(ctx, key, "100.zip", &buf); err != nil {
			t.Fatalf("GetArchive() error = %v", err)
		}
		if buf.String() != "zip" {
			t.Errorf("archive = %q", buf.String())
		}
		if err := s.DeleteArchive(ctx, key, "100.zip"); err != nil {
			t.Fatalf("DeleteArchive() error = %v", err)
		}
		// Deleting again is not an error.
		if err := s.DeleteArchive(ctx, key, "100.zip"); err != nil {
			t.Fatalf("second DeleteArchive() error = %v", err)
		}
	})

	t.Run("put archive size mismatch", func(t *testing.T) {
		s := NewFileSystemStore(t.TempDir(), "device-a")
		err := s.PutArchive(ctx, key, "100.zip", bytes.NewReader([]byte("zip")), 99)
		if err == nil {
			t.Fatal("PutArchive() with wrong size succeeded")
		}
	})

	t.Run("lock is exclusive", func(t *testing.T) {
		s := NewFileSystemStore(t.TempDir(), "device-a")

		release, err := s.Lock(ctx, key)
		if err != nil {
			t.Fatalf("Lock() error = %v", err)
		}

		shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if _, err := s.Lock(shortCtx, key); err == nil {
			t.Fatal("second Lock() succeeded while held")
		}

		if err := release(); err != nil {
			t.Fatalf("release error = %v", err)
		}
		release2, err := s.Lock(ctx, key)
		if err != nil {
			t.Fatalf("Lock() after release error = %v", err)
		}
		release2()
	})

	t.Run("stale lock is stolen", func(t *testing.T) {
		root := t.TempDir()
		s := NewFileSystemStore(root, "device-a")

		dir := filepath.Join(root, "savesync", "PCSX2", "SLUS-21005")
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		lockPath := filepath.Join(dir, "manifest.lock")
		if err := os.WriteFile(lockPath, []byte("device-b\n"), 0644); err != nil {
			t.Fatal(err)
		}
		old := time.Now().Add(-2 * LockTimeout)
		if err := os.Chtimes(lockPath, old, old); err != nil {
			t.Fatal(err)
		}

		release, err := s.Lock(ctx, key)
		if err != nil {
			t.Fatalf("Lock() over stale lock error = %v", err)
		}
		release()
	})

	t.Run("keys lists games with manifests", func(t *testing.T) {
		s := NewFileSystemStore(t.TempDir(), "device-a")

		keys, err := s.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys() error = %v", err)
		}
		if len(keys) != 0 {
			t.Fatalf("Keys() on empty store = %v", keys)
		}

		other := save.Key{Emulator: "Dolphin", GameID: "GZLE01"}
		for _, k := range []save.Key{key, other} {
			if err := s.PutManifest(ctx, k, []byte("{}")); err != nil {
				t.Fatal(err)
			}
		}
		keys, err = s.Keys(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(keys) != 2 || keys[0] != other || keys[1] != key {
			t.Errorf("Keys() = %v", keys)
		}
	})
}
