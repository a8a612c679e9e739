// Package syncer reconciles the local backup store with a shared sync
// store. Sync is manifest-based: each game has one manifest in the store
// listing its versions, and devices fast-forward each other through it.
// Histories that diverge are never merged silently; the syncer surfaces a
// Conflict and waits for an explicit resolution.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"savesync/internal/backup"
	"savesync/internal/digest"
	"savesync/internal/save"
	"savesync/internal/syncstore"
)

// ErrEncryptedStore is returned by Pull when the store holds encrypted
// archives and no decryption context was provided.
var ErrEncryptedStore = errors.New("store archives are encrypted; unlock the private key first")

// Syncer moves versions between the local backup engine and a shared store.
type Syncer struct {
	engine    *backup.Engine
	store     syncstore.Store
	enc       save.Encryptor
	logger    save.Logger
	clock     save.Clock
	device    string
	maxShared int
	tmpDir    string
}

// New creates a Syncer. enc may be nil, in which case archives are stored
// in plaintext. maxShared bounds unpinned versions kept in the store per
// game; values < 1 mean unbounded. tmpDir must be on the same filesystem as
// the local backup root so downloaded archives can be renamed into place.
func New(engine *backup.Engine, store syncstore.Store, enc save.Encryptor, logger save.Logger, clock save.Clock, device string, maxShared int, tmpDir string) *Syncer {
	return &Syncer{
		engine:    engine,
		store:     store,
		enc:       enc,
		logger:    logger,
		clock:     clock,
		device:    device,
		maxShared: maxShared,
		tmpDir:    tmpDir,
	}
}

// PushResult reports what one Push did.
type PushResult struct {
	Pushed []int64
}

// PullResult reports what one Pull did. Warnings carry human-readable
// notices, such as a disc CRC mismatch between devices.
type PullResult struct {
	Pulled   []int64
	Warnings []string
}

// Status compares every game known locally or in the store.
func (s *Syncer) Status(ctx context.Context) ([]GameStatus, error) {
	localKeys, err := s.engine.Keys()
	if err != nil {
		return nil, err
	}
	remoteKeys, err := s.store.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s store: %w", s.store.Name(), err)
	}

	seen := make(map[save.Key]bool)
	var keys []save.Key
	for _, k := range append(localKeys, remoteKeys...) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	var statuses []GameStatus
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := s.statusFor(ctx, key)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, *st)
	}
	return statuses, nil
}

func (s *Syncer) statusFor(ctx context.Context, key save.Key) (*GameStatus, error) {
	local, err := s.engine.List(key)
	if err != nil {
		return nil, err
	}
	manifest, err := s.ReadManifest(ctx, key)
	if err != nil {
		return nil, err
	}

	st := &GameStatus{Key: key}
	if len(local) > 0 {
		st.LocalHead = local[len(local)-1].Version
	}
	if manifest != nil {
		if latest := manifest.Latest(); latest != nil {
			st.RemoteHead = latest.Version
		}
	}

	switch {
	case manifest == nil || len(manifest.Versions) == 0:
		st.State = StateLocalOnly
	case len(local) == 0:
		st.State = StateRemoteOnly
	default:
		cmp := compare(key, local, manifest.Versions)
		switch {
		case cmp.conflict != nil:
			st.State = StateDiverged
			st.Conflict = cmp.conflict
		case len(cmp.pushReady) > 0:
			st.State = StateAhead
		case len(cmp.pullReady) > 0:
			st.State = StateBehind
		default:
			st.State = StateInSync
		}
	}
	return st, nil
}

// Push uploads local versions the store does not have and rewrites the
// manifest, all under the manifest lock. Diverged histories return a
// *ConflictError without touching the store.
func (s *Syncer) Push(ctx context.Context, key save.Key) (*PushResult, error) {
	local, err := s.engine.List(key)
	if err != nil {
		return nil, err
	}
	if len(local) == 0 {
		return &PushResult{}, nil
	}

	release, err := s.store.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	manifest, err := s.ReadManifest(ctx, key)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = &Manifest{Emulator: key.Emulator, GameID: key.GameID}
	}

	cmp := compare(key, local, manifest.Versions)
	if cmp.conflict != nil {
		return nil, &ConflictError{Conflict: cmp.conflict}
	}

	result := &PushResult{}
	for _, rec := range cmp.pushReady {
		mv, err := s.UploadVersion(ctx, &rec)
		if err != nil {
			return result, err
		}
		manifest.Versions = append(manifest.Versions, *mv)
		result.Pushed = append(result.Pushed, rec.Version)
		if manifest.Title == "" {
			manifest.Title = rec.Title
		}
	}

	if err := s.trimShared(ctx, key, manifest); err != nil {
		return result, err
	}
	if err := s.WriteManifest(ctx, key, manifest); err != nil {
		return result, err
	}
	s.logger.Info("push finished", "game", key.String(), "pushed", len(result.Pushed), "store", s.store.Name())
	return result, nil
}

// Pull downloads shared versions missing locally and adopts them into the
// local backup store. dctx is only needed when the store holds encrypted
// archives. Diverged histories return a *ConflictError.
func (s *Syncer) Pull(ctx context.Context, key save.Key, dctx save.DecryptionContext) (*PullResult, error) {
	manifest, err := s.ReadManifest(ctx, key)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return &PullResult{}, nil
	}

	local, err := s.engine.List(key)
	if err != nil {
		return nil, err
	}

	cmp := compare(key, local, manifest.Versions)
	if cmp.conflict != nil {
		return nil, &ConflictError{Conflict: cmp.conflict}
	}

	result := &PullResult{}
	var localCRC string
	if len(local) > 0 {
		localCRC = local[len(local)-1].DiscCRC32
	}

	for _, mv := range cmp.pullReady {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if localCRC != "" && mv.DiscCRC32 != "" && mv.DiscCRC32 != localCRC {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"%s v%d was created against disc %s but this device last saw %s; the save may not load",
				key, mv.Version, mv.DiscCRC32, localCRC))
		}
		if err := s.AdoptVersion(ctx, key, mv, dctx, mv.Version); err != nil {
			return result, err
		}
		result.Pulled = append(result.Pulled, mv.Version)
	}
	s.logger.Info("pull finished", "game", key.String(), "pulled", len(result.Pulled), "warnings", len(result.Warnings))
	return result, nil
}

// UploadVersion stores one local version's archive in the store and returns
// its manifest entry. The manifest itself is not written; callers batch
// entries and write once.
func (s *Syncer) UploadVersion(ctx context.Context, rec *backup.Record) (*ManifestVersion, error) {
	key := rec.Key()
	srcPath := s.engine.ArchivePath(key, rec.Version)
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("open local archive %s v%d: %w", key, rec.Version, err)
	}
	defer f.Close()

	mv := &ManifestVersion{
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		Device:    rec.Device,
		SaveType:  rec.SaveType,
		BLAKE3:    rec.Archive,
		Files:     rec.Files,
		DiscCRC32: rec.DiscCRC32,
		Pinned:    rec.Pinned,
		Label:     rec.Label,
	}

	name := strconv.FormatInt(rec.Version, 10) + ".zip"
	if s.enc != nil {
		name += ".age"
		mv.Encrypted = true
		tmp, err := s.scratchFile("push")
		if err != nil {
			return nil, err
		}
		defer os.Remove(tmp.Name())
		if err := s.enc.Encrypt(f, tmp); err != nil {
			tmp.Close()
			return nil, fmt.Errorf("encrypt %s v%d: %w", key, rec.Version, err)
		}
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			tmp.Close()
			return nil, err
		}
		info, err := tmp.Stat()
		if err != nil {
			tmp.Close()
			return nil, err
		}
		err = s.store.PutArchive(ctx, key, name, tmp, info.Size())
		tmp.Close()
		if err != nil {
			return nil, err
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if err := s.store.PutArchive(ctx, key, name, f, info.Size()); err != nil {
			return nil, err
		}
	}
	mv.Archive = name
	return mv, nil
}

// AdoptVersion downloads one shared version and installs it locally under
// asVersion. The archive's BLAKE3 is verified after any decryption.
func (s *Syncer) AdoptVersion(ctx context.Context, key save.Key, mv ManifestVersion, dctx save.DecryptionContext, asVersion int64) error {
	tmp, err := s.scratchFile("pull")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := s.store.GetArchive(ctx, key, mv.Archive, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if mv.Encrypted {
		if dctx == nil {
			return fmt.Errorf("%s v%d: %w", key, mv.Version, ErrEncryptedStore)
		}
		plainPath, err := s.decryptToScratch(tmpPath, dctx)
		if err != nil {
			return fmt.Errorf("decrypt %s v%d: %w", key, mv.Version, err)
		}
		os.Remove(tmpPath)
		tmpPath = plainPath
		defer os.Remove(tmpPath)
	}

	sum, err := digest.FileBLAKE3(tmpPath)
	if err != nil {
		return err
	}
	if sum != mv.BLAKE3 {
		return fmt.Errorf("%s v%d: archive checksum mismatch after download", key, mv.Version)
	}

	rec := &backup.Record{
		Version:   asVersion,
		CreatedAt: mv.CreatedAt,
		Emulator:  key.Emulator,
		GameID:    key.GameID,
		SaveType:  mv.SaveType,
		Files:     mv.Files,
		DiscCRC32: mv.DiscCRC32,
		Archive:   mv.BLAKE3,
		Device:    mv.Device,
		Pinned:    mv.Pinned,
		Label:     mv.Label,
	}
	return s.engine.Adopt(rec, tmpPath)
}

// DeleteRemote removes one version's archive from the store. The manifest
// is the caller's responsibility.
func (s *Syncer) DeleteRemote(ctx context.Context, key save.Key, mv ManifestVersion) error {
	return s.store.DeleteArchive(ctx, key, mv.Archive)
}

// WriteManifest encodes and writes a manifest. Callers hold the store lock.
func (s *Syncer) WriteManifest(ctx context.Context, key save.Key, m *Manifest) error {
	m.UpdatedAt = s.clock.Now().UTC()
	m.UpdatedBy = s.device
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	if err := s.store.PutManifest(ctx, key, data); err != nil {
		return fmt.Errorf("write manifest for %s: %w", key, err)
	}
	return nil
}

// Lock exposes the store's manifest lock for multi-step operations such as
// conflict resolution.
func (s *Syncer) Lock(ctx context.Context, key save.Key) (func() error, error) {
	return s.store.Lock(ctx, key)
}

// Engine returns the local backup engine the syncer writes into.
func (s *Syncer) Engine() *backup.Engine { return s.engine }

// ReadManifest fetches and decodes a game's manifest. A game with no
// manifest yields nil, not an error.
func (s *Syncer) ReadManifest(ctx context.Context, key save.Key) (*Manifest, error) {
	data, err := s.store.GetManifest(ctx, key)
	if errors.Is(err, syncstore.ErrManifestNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// trimShared applies the retention bound to the store side, dropping the
// oldest unpinned versions from the manifest and deleting their archives.
func (s *Syncer) trimShared(ctx context.Context, key save.Key, m *Manifest) error {
	if s.maxShared < 1 {
		return nil
	}
	m.sortVersions()
	unpinned := 0
	for _, mv := range m.Versions {
		if !mv.Pinned {
			unpinned++
		}
	}
	kept := m.Versions[:0]
	for _, mv := range m.Versions {
		if !mv.Pinned && unpinned > s.maxShared {
			if err := s.store.DeleteArchive(ctx, key, mv.Archive); err != nil {
				return err
			}
			unpinned--
			s.logger.Info("shared version rotated out", "game", key.String(), "version", mv.Version)
			continue
		}
		kept = append(kept, mv)
	}
	m.Versions = kept
	return nil
}

func (s *Syncer) scratchFile(prefix string) (*os.File, error) {
	if err := os.MkdirAll(s.tmpDir, 0755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	f, err := os.CreateTemp(s.tmpDir, "."+prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	return f, nil
}

func (s *Syncer) decryptToScratch(cipherPath string, dctx save.DecryptionContext) (string, error) {
	in, err := os.Open(cipherPath)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := s.scratchFile("plain")
	if err != nil {
		return "", err
	}
	if err := dctx.Decrypt(in, out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return out.Name(), nil
}
