package syncstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"savesync/internal/save"
)

// FileSystemStore keeps the shared state in a directory, typically a
// Dropbox/Syncthing folder or a mounted network share:
//
//	<root>/savesync/
//	  <emulator>/
//	    <game_id>/
//	      manifest.json
//	      manifest.lock
//	      <version>.zip
type FileSystemStore struct {
	root   string
	device string
}

var _ Store = (*FileSystemStore)(nil)

// NewFileSystemStore creates a store under root. The directory is created
// on first use, not here, so a temporarily unmounted share does not fail
// construction.
func NewFileSystemStore(root, device string) *FileSystemStore {
	return &FileSystemStore{root: filepath.Join(root, "savesync"), device: device}
}

func (s *FileSystemStore) Name() string { return "filesystem" }

func (s *FileSystemStore) gameDir(key save.Key) string {
	return filepath.Join(s.root, safeSegment(key.Emulator), safeSegment(key.GameID))
}

// Lock creates manifest.lock exclusively. A lock file older than
// LockTimeout is treated as left behind by a crashed writer and stolen.
func (s *FileSystemStore) Lock(ctx context.Context, key save.Key) (func() error, error) {
	dir := s.gameDir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create game dir: %w", err)
	}
	lockPath := filepath.Join(dir, "manifest.lock")

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			fmt.Fprintf(f, "%s %s\n", s.device, time.Now().UTC().Format(time.RFC3339))
			f.Close()
			return func() error { return os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquire lock for %s: %w", key, err)
		}

		info, statErr := os.Stat(lockPath)
		if statErr == nil && time.Since(info.ModTime()) > LockTimeout {
			os.Remove(lockPath)
			continue
		}
		if attempt > 100 {
			return nil, fmt.Errorf("acquire lock for %s: held by another device", key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *FileSystemStore) GetManifest(ctx context.Context, key save.Key) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.gameDir(key), "manifest.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrManifestNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest for %s: %w", key, err)
	}
	return data, nil
}

// PutManifest writes via a temp file and rename so a reader on another
// device never sees a half-written manifest.
func (s *FileSystemStore) PutManifest(ctx context.Context, key save.Key, data []byte) error {
	dir := s.gameDir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create game dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, "manifest.json")); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename manifest into place: %w", err)
	}
	return nil
}

func (s *FileSystemStore) GetArchive(ctx context.Context, key save.Key, name string, w io.Writer) error {
	f, err := os.Open(filepath.Join(s.gameDir(key), name))
	if err != nil {
		return fmt.Errorf("open shared archive %s/%s: %w", key, name, err)
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("read shared archive %s/%s: %w", key, name, err)
	}
	return nil
}

func (s *FileSystemStore) PutArchive(ctx context.Context, key save.Key, name string, r io.Reader, size int64) error {
	dir := s.gameDir(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create game dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".archive-*")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write shared archive %s/%s: %w", key, name, err)
	}
	if size >= 0 && written != size {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write shared archive %s/%s: size mismatch: expected %d bytes, got %d", key, name, size, written)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close shared archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename shared archive into place: %w", err)
	}
	return nil
}

func (s *FileSystemStore) DeleteArchive(ctx context.Context, key save.Key, name string) error {
	err := os.Remove(filepath.Join(s.gameDir(key), name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete shared archive %s/%s: %w", key, name, err)
	}
	return nil
}

func (s *FileSystemStore) Keys(ctx context.Context) ([]save.Key, error) {
	emulators, err := os.ReadDir(s.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sync store: %w", err)
	}

	var keys []save.Key
	for _, emu := range emulators {
		if !emu.IsDir() {
			continue
		}
		games, err := os.ReadDir(filepath.Join(s.root, emu.Name()))
		if err != nil {
			continue
		}
		for _, game := range games {
			if !game.IsDir() {
				continue
			}
			manifest := filepath.Join(s.root, emu.Name(), game.Name(), "manifest.json")
			if _, err := os.Stat(manifest); err == nil {
				keys = append(keys, save.Key{Emulator: emu.Name(), GameID: game.Name()})
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}
