// Package backup stores versioned snapshots of game saves under the local
// backup root. Each snapshot is a zip archive plus a JSON sidecar:
//
//	<root>/
//	  <emulator>/
//	    <game_id>/
//	      <version>.zip
//	      <version>.json
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"savesync/internal/archive"
	"savesync/internal/digest"
	"savesync/internal/paths"
	"savesync/internal/save"
)

// ErrNotFound is returned when a requested backup version does not exist.
var ErrNotFound = errors.New("backup not found")

// Record is the sidecar metadata written next to each archive. Fields not
// recognized by this build are dropped on rewrite, never a parse error.
type Record struct {
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Emulator  string          `json:"emulator"`
	GameID    string          `json:"game_id"`
	Title     string          `json:"title,omitempty"`
	Platform  string          `json:"platform,omitempty"`
	SaveType  save.SaveType   `json:"save_type"`
	Files     []archive.Entry `json:"files"`
	DiscCRC32 string          `json:"disc_crc32,omitempty"`
	Archive   string          `json:"archive_blake3"`
	Device    string          `json:"device"`
	Pinned    bool            `json:"pinned,omitempty"`
	Label     string          `json:"label,omitempty"`
}

// Key returns the save key this record belongs to.
func (r *Record) Key() save.Key { return save.Key{Emulator: r.Emulator, GameID: r.GameID} }

// Engine creates, lists, and rotates backups. Operations on the same game
// are serialized; different games may proceed concurrently.
type Engine struct {
	root       string
	res        *paths.Resolver
	logger     save.Logger
	clock      save.Clock
	device     string
	maxBackups int

	mu    sync.Mutex
	locks map[save.Key]*sync.Mutex
}

// New creates an Engine rooted at root. maxBackups bounds the number of
// unpinned versions kept per game; values < 1 mean unbounded.
func New(root string, res *paths.Resolver, logger save.Logger, clock save.Clock, device string, maxBackups int) *Engine {
	return &Engine{
		root:       root,
		res:        res,
		logger:     logger,
		clock:      clock,
		device:     device,
		maxBackups: maxBackups,
		locks:      make(map[save.Key]*sync.Mutex),
	}
}

func (e *Engine) lock(key save.Key) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// Acquire takes the per-game lock, serializing the caller against every
// engine operation on the same game. The returned func releases it and must
// be called exactly once. Restores hold this while writing live files so a
// concurrent Create cannot archive a half-written save.
func (e *Engine) Acquire(key save.Key) func() {
	l := e.lock(key)
	l.Lock()
	return l.Unlock
}

// gameDir maps a key to its directory. Path separators and other characters
// that cannot appear in a directory name are replaced, everything else is
// kept so the layout stays human-readable.
func (e *Engine) gameDir(key save.Key) string {
	return filepath.Join(e.root, safeSegment(key.Emulator), safeSegment(key.GameID))
}

func safeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

// ArchivePath returns where the archive for a version lives. The file may
// not exist; callers check.
func (e *Engine) ArchivePath(key save.Key, version int64) string {
	return filepath.Join(e.gameDir(key), strconv.FormatInt(version, 10)+".zip")
}

func (e *Engine) sidecarPath(key save.Key, version int64) string {
	return filepath.Join(e.gameDir(key), strconv.FormatInt(version, 10)+".json")
}

// Create snapshots the current on-disk state of gs. The new version id is
// strictly greater than every existing one; wall-clock seconds are used when
// they are ahead, so ids sort by creation time across devices in the common
// case.
func (e *Engine) Create(ctx context.Context, gs save.GameSave, label string) (*Record, error) {
	if len(gs.Files) == 0 {
		return nil, fmt.Errorf("no files to back up for %s", gs.Key())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := gs.Key()
	l := e.lock(key)
	l.Lock()
	defer l.Unlock()

	records, err := e.list(key)
	if err != nil {
		return nil, err
	}
	version := e.clock.Now().Unix()
	if n := len(records); n > 0 && records[n-1].Version >= version {
		version = records[n-1].Version + 1
	}

	archivePath := e.ArchivePath(key, version)
	entries, err := archive.Create(archivePath, gs.Files, e.res)
	if err != nil {
		return nil, fmt.Errorf("create backup %s v%d: %w", key, version, err)
	}

	sum, err := digest.FileBLAKE3(archivePath)
	if err != nil {
		os.Remove(archivePath)
		return nil, fmt.Errorf("hash backup archive: %w", err)
	}

	rec := &Record{
		Version:   version,
		CreatedAt: e.clock.Now().UTC(),
		Emulator:  gs.Emulator,
		GameID:    gs.GameID,
		Title:     gs.Title,
		Platform:  gs.Platform,
		SaveType:  gs.Type,
		Files:     entries,
		DiscCRC32: gs.DiscCRC32,
		Archive:   sum,
		Device:    e.device,
		Label:     label,
	}
	if err := e.writeSidecar(rec); err != nil {
		os.Remove(archivePath)
		return nil, err
	}

	e.logger.Info("backup created", "game", key.String(), "version", version, "files", len(entries))

	// The new version is already persisted; a rotation failure must still
	// surface so the store does not silently grow past its bound. The
	// record is returned alongside the error.
	if err := e.rotate(key); err != nil {
		return rec, fmt.Errorf("rotate backups for %s: %w", key, err)
	}
	return rec, nil
}

// Adopt installs an archive produced elsewhere (a sync pull, a keep-both
// resolution) as a local version. The archive at srcPath is moved into
// place; rec.Version must not collide with an existing local version.
func (e *Engine) Adopt(rec *Record, srcPath string) error {
	key := rec.Key()
	l := e.lock(key)
	l.Lock()
	defer l.Unlock()

	sidecar := e.sidecarPath(key, rec.Version)
	if _, err := os.Stat(sidecar); err == nil {
		return fmt.Errorf("adopt %s v%d: version already exists", key, rec.Version)
	}

	dest := e.ArchivePath(key, rec.Version)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	if err := os.Rename(srcPath, dest); err != nil {
		return fmt.Errorf("adopt %s v%d: %w", key, rec.Version, err)
	}
	if err := e.writeSidecar(rec); err != nil {
		os.Remove(dest)
		return err
	}
	e.logger.Info("backup adopted", "game", key.String(), "version", rec.Version, "device", rec.Device)

	if err := e.rotate(key); err != nil {
		return fmt.Errorf("rotate backups for %s: %w", key, err)
	}
	return nil
}

// Remove deletes one version, archive and sidecar both. Removing a missing
// version returns ErrNotFound.
func (e *Engine) Remove(key save.Key, version int64) error {
	l := e.lock(key)
	l.Lock()
	defer l.Unlock()
	return e.remove(key, version)
}

func (e *Engine) remove(key save.Key, version int64) error {
	sidecar := e.sidecarPath(key, version)
	if _, err := os.Stat(sidecar); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s v%d: %w", key, version, ErrNotFound)
	}
	// Sidecar last: a version without a sidecar is invisible to List,
	// while an orphaned sidecar would advertise a missing archive.
	if err := os.Remove(e.ArchivePath(key, version)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove archive %s v%d: %w", key, version, err)
	}
	if err := os.Remove(sidecar); err != nil {
		return fmt.Errorf("remove sidecar %s v%d: %w", key, version, err)
	}
	return nil
}

// List returns all versions for a game in ascending version order. A game
// with no backups yields an empty slice, not an error.
func (e *Engine) List(key save.Key) ([]Record, error) {
	l := e.lock(key)
	l.Lock()
	defer l.Unlock()
	return e.list(key)
}

func (e *Engine) list(key save.Key) ([]Record, error) {
	entries, err := os.ReadDir(e.gameDir(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups for %s: %w", key, err)
	}

	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if _, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64); err != nil {
			continue
		}
		rec, err := readRecord(filepath.Join(e.gameDir(key), name))
		if err != nil {
			e.logger.Warn("unreadable backup sidecar", "game", key.String(), "file", name, "error", err)
			continue
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Version < records[j].Version })
	return records, nil
}

// Get returns one version's record.
func (e *Engine) Get(key save.Key, version int64) (*Record, error) {
	rec, err := readRecord(e.sidecarPath(key, version))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s v%d: %w", key, version, ErrNotFound)
	}
	return rec, err
}

// Latest returns the newest version, or ErrNotFound if the game has none.
func (e *Engine) Latest(key save.Key) (*Record, error) {
	records, err := e.List(key)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return &records[len(records)-1], nil
}

// Keys enumerates every game that has at least one backup.
func (e *Engine) Keys() ([]save.Key, error) {
	emulators, err := os.ReadDir(e.root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backup root: %w", err)
	}

	var keys []save.Key
	for _, emu := range emulators {
		if !emu.IsDir() {
			continue
		}
		games, err := os.ReadDir(filepath.Join(e.root, emu.Name()))
		if err != nil {
			continue
		}
		for _, game := range games {
			if game.IsDir() {
				keys = append(keys, save.Key{Emulator: emu.Name(), GameID: game.Name()})
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Pin marks a version as exempt from rotation, optionally labeling it.
func (e *Engine) Pin(key save.Key, version int64, label string) error {
	return e.setPin(key, version, true, label)
}

// Unpin clears the rotation exemption. The label is kept.
func (e *Engine) Unpin(key save.Key, version int64) error {
	return e.setPin(key, version, false, "")
}

func (e *Engine) setPin(key save.Key, version int64, pinned bool, label string) error {
	l := e.lock(key)
	l.Lock()
	defer l.Unlock()

	rec, err := readRecord(e.sidecarPath(key, version))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s v%d: %w", key, version, ErrNotFound)
	}
	if err != nil {
		return err
	}
	rec.Pinned = pinned
	if label != "" {
		rec.Label = label
	}
	return e.writeSidecar(rec)
}

// rotate deletes the oldest unpinned versions until at most maxBackups
// unpinned versions remain. Pinned versions are never counted or deleted.
func (e *Engine) rotate(key save.Key) error {
	if e.maxBackups < 1 {
		return nil
	}
	records, err := e.list(key)
	if err != nil {
		return err
	}
	var unpinned []Record
	for _, rec := range records {
		if !rec.Pinned {
			unpinned = append(unpinned, rec)
		}
	}
	for len(unpinned) > e.maxBackups {
		victim := unpinned[0]
		if err := e.remove(key, victim.Version); err != nil {
			return err
		}
		e.logger.Info("backup rotated out", "game", key.String(), "version", victim.Version)
		unpinned = unpinned[1:]
	}
	return nil
}

func (e *Engine) writeSidecar(rec *Record) error {
	path := e.sidecarPath(rec.Key(), rec.Version)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".savesync-*.json")
	if err != nil {
		return fmt.Errorf("create temp sidecar: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close sidecar: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename sidecar into place: %w", err)
	}
	return nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", path, err)
	}
	return &rec, nil
}
