package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"savesync/internal/backup"
	"savesync/internal/config"
	"savesync/internal/conflict"
	"savesync/internal/encryption"
	"savesync/internal/gamedb"
	"savesync/internal/paths"
	"savesync/internal/plugin"
	"savesync/internal/plugin/citra"
	"savesync/internal/plugin/dolphin"
	"savesync/internal/plugin/melonds"
	"savesync/internal/plugin/mesen"
	"savesync/internal/plugin/pcsx2"
	"savesync/internal/plugin/snes9x"
	"savesync/internal/restore"
	"savesync/internal/save"
	"savesync/internal/scan"
	"savesync/internal/syncer"
	"savesync/internal/syncstore"
	"savesync/internal/watch"
)

// ErrSyncDisabled is returned by sync operations when no sync store is
// configured.
var ErrSyncDisabled = errors.New("no sync store configured")

// App is the application layer between the CLI and the engines. It
// constructs all dependencies from config and manages the log file and
// title index lifecycle on Close.
type App struct {
	cfg      *config.Config
	res      *paths.Resolver
	registry *plugin.Registry
	scanner  *scan.Scanner
	engine   *backup.Engine
	restorer *restore.Restorer
	store    syncstore.Store
	enc      save.Encryptor
	sync     *syncer.Syncer
	resolver *conflict.Resolver
	titles   *gamedb.DB
	logger   save.Logger
	logFile  *os.File
	op       *Operation
}

// New creates a fully wired App from the given config. command identifies
// the CLI command being run (e.g. "backup", "sync-push"). The caller must
// call Close when done.
func New(ctx context.Context, cfg *config.Config, command string) (*App, error) {
	res, err := paths.DefaultResolver()
	if err != nil {
		return nil, fmt.Errorf("building path resolver: %w", err)
	}

	op := newOperation(command, time.Now())
	slogger, logFile, err := newLogger(cfg.LogDir, op.ID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	a := &App{
		cfg:     cfg,
		res:     res,
		logger:  logger,
		logFile: logFile,
		op:      op,
	}

	a.registry = buildRegistry(cfg, res)
	a.scanner = scan.New(a.registry, logger, cfg.Workers)

	device := cfg.DeviceName
	if device == "" {
		device = cfg.DeviceID
	}
	a.engine = backup.New(cfg.BackupPath, res, logger, save.RealClock{}, device, cfg.MaxBackups)
	a.restorer = restore.New(a.engine, res, logger)

	if cfg.SyncStore.Type != "" {
		store, err := syncstore.NewFromConfig(ctx, cfg.SyncStore, device)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating sync store: %w", err)
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
		a.store = store
		a.enc = enc
		a.sync = syncer.New(a.engine, store, enc, logger, save.RealClock{}, device,
			cfg.MaxBackups, filepath.Join(cfg.BackupPath, ".tmp"))
		a.resolver = conflict.NewResolver(a.sync, logger)
	}

	if cfg.GameDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GameDBPath), 0755); err != nil {
			a.Close()
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		titles, err := gamedb.Open(cfg.GameDBPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("opening title index: %w", err)
		}
		a.titles = titles
	}

	return a, nil
}

// buildRegistry assembles the plugin set, honoring per-emulator config.
// Config sections are keyed by lower-cased plugin name.
func buildRegistry(cfg *config.Config, res *paths.Resolver) *plugin.Registry {
	all := []struct {
		name string
		make func(extra []string) plugin.Plugin
	}{
		{"pcsx2", func(extra []string) plugin.Plugin { return pcsx2.New(res, extra) }},
		{"dolphin", func(extra []string) plugin.Plugin { return dolphin.New(res, extra) }},
		{"snes9x", func(extra []string) plugin.Plugin { return snes9x.New(res, extra) }},
		{"mesen", func(extra []string) plugin.Plugin { return mesen.New(res, extra) }},
		{"melonds", func(extra []string) plugin.Plugin { return melonds.New(res, extra) }},
		{"citra", func(extra []string) plugin.Plugin { return citra.New(res, extra) }},
	}

	var plugins []plugin.Plugin
	for _, p := range all {
		ec := cfg.Emulators[p.name]
		if ec.Disabled {
			continue
		}
		plugins = append(plugins, p.make(ec.ExtraPaths))
	}
	return plugin.NewRegistry(plugins...)
}

// Scan discovers installations and live saves, replacing serial-derived
// titles from the title index where possible.
func (a *App) Scan(ctx context.Context) (*scan.Result, error) {
	result, err := a.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}
	a.enrichTitles(ctx, result)
	return result, nil
}

// enrichTitles fills display titles for games the plugins could only name
// by serial.
func (a *App) enrichTitles(ctx context.Context, result *scan.Result) {
	if a.titles == nil {
		return
	}
	for key, gs := range result.Saves {
		if gs.Title != gs.GameID {
			continue
		}
		t, err := a.titles.Lookup(ctx, gs.GameID)
		if err != nil {
			if !errors.Is(err, gamedb.ErrUnknownSerial) {
				a.logger.Warn("title lookup failed", "serial", gs.GameID, "error", err)
			}
			continue
		}
		gs.Title = t.Title
		if gs.Platform == "" {
			gs.Platform = t.Platform
		}
		result.Saves[key] = gs
	}
}

// LibraryEntry is one game in the combined live/backed-up view.
type LibraryEntry struct {
	save.GameSave

	// Live is false for games that exist only as backups.
	Live bool

	// HasBackup reports whether at least one local version exists.
	HasBackup bool

	// LatestBackup is the newest local version id, 0 when none.
	LatestBackup int64

	// BackupStale reports live save files newer than the latest backup.
	BackupStale bool

	// SyncState is the shared-store state, empty when sync is disabled.
	SyncState syncer.State
}

// ConflictPending reports whether the game needs conflict resolution
// before it can sync.
func (e LibraryEntry) ConflictPending() bool {
	return e.SyncState == syncer.StateDiverged
}

// Library merges the live scan with local backups and, when configured,
// shared-store status into one per-game view.
func (a *App) Library(ctx context.Context) ([]LibraryEntry, []*plugin.ScanError, error) {
	result, err := a.Scan(ctx)
	if err != nil {
		return nil, nil, err
	}

	entries := make(map[save.Key]LibraryEntry)
	for key, gs := range result.Saves {
		entries[key] = LibraryEntry{GameSave: gs, Live: true}
	}

	backedUp, err := a.engine.Keys()
	if err != nil {
		return nil, nil, fmt.Errorf("listing backups: %w", err)
	}
	for _, key := range backedUp {
		rec, err := a.engine.Latest(key)
		if err != nil {
			a.logger.Warn("unreadable backup history", "game", key.String(), "error", err)
			continue
		}
		e, ok := entries[key]
		if !ok {
			e = LibraryEntry{GameSave: save.GameSave{
				Emulator: rec.Emulator,
				GameID:   rec.GameID,
				Title:    rec.Title,
				Platform: rec.Platform,
				Type:     rec.SaveType,
			}}
			if e.Title == "" {
				e.Title = e.GameID
			}
		}
		e.HasBackup = true
		e.LatestBackup = rec.Version
		if e.Live && e.GameSave.LastModified().After(rec.CreatedAt) {
			e.BackupStale = true
		}
		entries[key] = e
	}

	if a.sync != nil {
		statuses, err := a.sync.Status(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("reading sync status: %w", err)
		}
		for _, st := range statuses {
			e, ok := entries[st.Key]
			if !ok {
				continue
			}
			e.SyncState = st.State
			entries[st.Key] = e
		}
	}

	out := make([]LibraryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Emulator != out[j].Emulator {
			return out[i].Emulator < out[j].Emulator
		}
		return out[i].GameID < out[j].GameID
	})
	return out, result.Warnings, nil
}

// Backup creates a new version of one live game.
func (a *App) Backup(ctx context.Context, key save.Key, label string) (*backup.Record, error) {
	result, err := a.Scan(ctx)
	if err != nil {
		return nil, err
	}
	gs, ok := result.Saves[key]
	if !ok {
		return nil, fmt.Errorf("no live save found for %s", key)
	}
	return a.engine.Create(ctx, gs, label)
}

// BackupAll creates a new version of every live game. Per-game failures
// are collected, not fatal.
func (a *App) BackupAll(ctx context.Context, label string) ([]*backup.Record, []error) {
	result, err := a.Scan(ctx)
	if err != nil {
		return nil, []error{err}
	}

	var records []*backup.Record
	var errs []error
	for _, key := range result.Keys() {
		rec, err := a.engine.Create(ctx, result.Saves[key], label)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// SaveDirectory describes one enumerated emulator save location.
type SaveDirectory struct {
	Emulator string
	Type     save.SaveType
	Path     string
	Exists   bool
}

// SaveDirectories enumerates the save locations of every detected
// installation, sorted by emulator then path.
func (a *App) SaveDirectories() ([]SaveDirectory, error) {
	var out []SaveDirectory
	for _, p := range a.registry.All() {
		infos, err := p.DetectInstallations()
		if err != nil {
			a.logger.Warn("detection failed", "plugin", p.Name(), "error", err)
			continue
		}
		for _, info := range infos {
			for typ, dir := range p.SaveDirectories(info) {
				_, statErr := os.Stat(dir)
				out = append(out, SaveDirectory{
					Emulator: p.Name(),
					Type:     typ,
					Path:     dir,
					Exists:   statErr == nil,
				})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Emulator != out[j].Emulator {
			return out[i].Emulator < out[j].Emulator
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// Watcher builds a file watcher over every existing save directory of the
// detected installations.
func (a *App) Watcher(debounce time.Duration) (*watch.Watcher, error) {
	dirs, err := a.SaveDirectories()
	if err != nil {
		return nil, err
	}
	var watchable []string
	for _, d := range dirs {
		if d.Exists {
			watchable = append(watchable, d.Path)
		}
	}
	return watch.New(watchable, debounce, a.logger)
}

// Push uploads local versions of one game to the shared store.
func (a *App) Push(ctx context.Context, key save.Key) (*syncer.PushResult, error) {
	if a.sync == nil {
		return nil, ErrSyncDisabled
	}
	return a.sync.Push(ctx, key)
}

// Pull downloads shared versions of one game. dctx may be nil when the
// store is unencrypted.
func (a *App) Pull(ctx context.Context, key save.Key, dctx save.DecryptionContext) (*syncer.PullResult, error) {
	if a.sync == nil {
		return nil, ErrSyncDisabled
	}
	return a.sync.Pull(ctx, key, dctx)
}

// SyncStatus reports per-game sync states.
func (a *App) SyncStatus(ctx context.Context) ([]syncer.GameStatus, error) {
	if a.sync == nil {
		return nil, ErrSyncDisabled
	}
	return a.sync.Status(ctx)
}

// ResolveConflict applies the given choice to a diverged game.
func (a *App) ResolveConflict(ctx context.Context, c *syncer.Conflict, choice conflict.Choice, dctx save.DecryptionContext) error {
	if a.resolver == nil {
		return ErrSyncDisabled
	}
	return a.resolver.Resolve(ctx, c, choice, dctx)
}

// Unlock opens a decryption session for pull and resolve operations.
// Returns (nil, nil) when the store is unencrypted.
func (a *App) Unlock(passphrase string) (save.DecryptionContext, error) {
	if a.enc == nil {
		return nil, nil
	}
	return a.enc.Unlock(passphrase)
}

// Encryptor exposes the configured encryptor, nil when disabled.
func (a *App) Encryptor() save.Encryptor { return a.enc }

// Engine exposes the local backup engine.
func (a *App) Engine() *backup.Engine { return a.engine }

// Restorer exposes the restore engine.
func (a *App) Restorer() *restore.Restorer { return a.restorer }

// Registry exposes the plugin registry.
func (a *App) Registry() *plugin.Registry { return a.registry }

// TitleIndex exposes the serial title index, nil when not configured.
func (a *App) TitleIndex() *gamedb.DB { return a.titles }

// Logger exposes the invocation logger.
func (a *App) Logger() save.Logger { return a.logger }

// Close releases the title index and log file.
func (a *App) Close() error {
	var firstErr error
	if a.titles != nil {
		if err := a.titles.Close(); err != nil {
			firstErr = fmt.Errorf("closing title index: %w", err)
		}
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}
	return firstErr
}

// ParseKey parses "emulator/game-id" or "emulator:game-id" into a Key.
func ParseKey(s string) (save.Key, error) {
	sep := strings.IndexAny(s, "/:")
	if sep <= 0 || sep == len(s)-1 {
		return save.Key{}, fmt.Errorf("invalid game reference %q, want emulator/game-id", s)
	}
	return save.Key{Emulator: s[:sep], GameID: s[sep+1:]}, nil
}
