// Package restore writes backed-up save files back to their live locations.
// Every restore is planned first: Preview classifies each archive member
// against the current on-disk state so callers can surface warnings before
// anything is overwritten.
package restore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"savesync/internal/archive"
	"savesync/internal/backup"
	"savesync/internal/digest"
	"savesync/internal/paths"
	"savesync/internal/save"
)

// Action classifies what restoring one file would do.
type Action string

const (
	// ActionUnchanged means the live file already has the backed-up content.
	ActionUnchanged Action = "unchanged"
	// ActionOverwrite means the live file is older than the backup.
	ActionOverwrite Action = "overwrite"
	// ActionOverwriteNewer means the live file is newer than the backup.
	// Applying it loses progress made since the backup; force is required.
	ActionOverwriteNewer Action = "overwrite_newer"
	// ActionNewFile means the live file is absent but its directory exists.
	ActionNewFile Action = "new_file"
	// ActionMissingPath means no part of the live path exists. The save
	// likely belongs to an emulator not set up on this machine; force is
	// required to create the directories.
	ActionMissingPath Action = "missing_path"
)

// PlannedFile is the per-member verdict of a preview.
type PlannedFile struct {
	PortablePath string
	LocalPath    string
	Action       Action
}

// Plan is a previewed restore. It stays valid as long as the live files do
// not change underneath it.
type Plan struct {
	Record *backup.Record
	Files  []PlannedFile
}

// Warnings returns the planned files that need force to apply.
func (p *Plan) Warnings() []PlannedFile {
	var warns []PlannedFile
	for _, f := range p.Files {
		if f.Action == ActionOverwriteNewer || f.Action == ActionMissingPath {
			warns = append(warns, f)
		}
	}
	return warns
}

// FileError records one member that failed to restore.
type FileError struct {
	PortablePath string
	Err          error
}

func (e *FileError) Error() string { return fmt.Sprintf("restore %s: %v", e.PortablePath, e.Err) }
func (e *FileError) Unwrap() error { return e.Err }

// Result reports what Apply did. Failed files do not roll back the ones
// already written.
type Result struct {
	Restored []string
	Skipped  []string
	Failed   []FileError
}

// Restorer previews and applies restores from the local backup store.
type Restorer struct {
	engine *backup.Engine
	res    *paths.Resolver
	logger save.Logger
}

func New(engine *backup.Engine, res *paths.Resolver, logger save.Logger) *Restorer {
	return &Restorer{engine: engine, res: res, logger: logger}
}

// Preview classifies every member of a backup version against the live
// filesystem without modifying anything.
func (r *Restorer) Preview(key save.Key, version int64) (*Plan, error) {
	rec, err := r.engine.Get(key, version)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Record: rec}
	for _, entry := range rec.Files {
		pf := PlannedFile{PortablePath: entry.PortablePath}
		abs, err := r.res.Decode(entry.PortablePath)
		if err != nil {
			pf.Action = ActionMissingPath
			plan.Files = append(plan.Files, pf)
			continue
		}
		pf.LocalPath = abs
		pf.Action = r.classify(abs, entry)
		plan.Files = append(plan.Files, pf)
	}
	return plan, nil
}

func (r *Restorer) classify(abs string, entry archive.Entry) Action {
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		if _, derr := os.Stat(filepath.Dir(abs)); derr == nil {
			return ActionNewFile
		}
		return ActionMissingPath
	}
	if err != nil {
		return ActionOverwrite
	}

	if info.Size() == entry.Size {
		sum, err := digest.FileSHA256(abs)
		if err == nil && sum == entry.SHA256 {
			return ActionUnchanged
		}
	}
	if info.ModTime().After(entry.Modified) {
		return ActionOverwriteNewer
	}
	return ActionOverwrite
}

// Apply executes a plan. Unchanged files are skipped. Files classified as
// overwrite_newer or missing_path are skipped unless force is set. Each
// member is written independently; a failure is recorded and the rest of
// the plan continues. The game's backup lock is held throughout, so a
// concurrent backup or restore of the same game waits.
func (r *Restorer) Apply(ctx context.Context, plan *Plan, force bool) (*Result, error) {
	key := plan.Record.Key()
	unlock := r.engine.Acquire(key)
	defer unlock()

	archivePath := r.engine.ArchivePath(key, plan.Record.Version)
	a, err := archive.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open backup archive %s v%d: %w", key, plan.Record.Version, err)
	}
	defer a.Close()

	result := &Result{}
	for _, pf := range plan.Files {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		switch pf.Action {
		case ActionUnchanged:
			result.Skipped = append(result.Skipped, pf.PortablePath)
			continue
		case ActionOverwriteNewer, ActionMissingPath:
			if !force {
				r.logger.Warn("skipping without force", "file", pf.PortablePath, "reason", string(pf.Action))
				result.Skipped = append(result.Skipped, pf.PortablePath)
				continue
			}
		}

		dest := pf.LocalPath
		if dest == "" {
			abs, err := r.res.Decode(pf.PortablePath)
			if err != nil {
				result.Failed = append(result.Failed, FileError{PortablePath: pf.PortablePath, Err: err})
				continue
			}
			dest = abs
		}
		if err := a.Extract(pf.PortablePath, dest); err != nil {
			result.Failed = append(result.Failed, FileError{PortablePath: pf.PortablePath, Err: err})
			continue
		}
		result.Restored = append(result.Restored, pf.PortablePath)
	}

	r.logger.Info("restore applied",
		"game", key.String(),
		"version", plan.Record.Version,
		"restored", len(result.Restored),
		"skipped", len(result.Skipped),
		"failed", len(result.Failed))
	return result, nil
}
