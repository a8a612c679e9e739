// Package conflict resolves diverged sync histories. Resolution is split
// in two: BuildPlan is a pure function turning a conflict and a choice into
// an ordered list of mutations, and Resolver.Apply executes a plan against
// the backup engine and the shared store.
package conflict

import (
	"context"
	"fmt"

	"savesync/internal/save"
	"savesync/internal/syncer"
)

// Choice is how the user wants a conflict settled.
type Choice string

const (
	// UseLocal keeps this device's versions and overwrites the shared
	// history with them. The divergent shared archives are deleted.
	UseLocal Choice = "use_local"
	// UseRemote discards this device's divergent versions and adopts the
	// shared ones.
	UseRemote Choice = "use_remote"
	// KeepBoth keeps everything: local versions stay as they are and the
	// divergent shared versions are re-versioned onto the end of the
	// history, so neither side loses progress.
	KeepBoth Choice = "keep_both"
	// Skip leaves the conflict in place.
	Skip Choice = "skip"
)

// Op is the kind of one plan step.
type Op string

const (
	OpUploadLocal   Op = "upload_local"    // push a local version to the store
	OpDeleteRemote  Op = "delete_remote"   // drop a shared archive and manifest entry
	OpRemoveLocal   Op = "remove_local"    // delete a local version
	OpAdoptRemoteAs Op = "adopt_remote_as" // download a shared version under a new id
)

// Mutation is one step of a resolution plan.
type Mutation struct {
	Op           Op
	LocalVersion int64                   // upload_local, remove_local
	Remote       *syncer.ManifestVersion // delete_remote, adopt_remote_as
	AsVersion    int64                   // adopt_remote_as
}

// Plan is an ordered resolution. Applying it in order converges the local
// and shared histories.
type Plan struct {
	Key       save.Key
	Choice    Choice
	Mutations []Mutation
}

// BuildPlan computes the mutations for a choice without touching anything.
func BuildPlan(c *syncer.Conflict, choice Choice) (*Plan, error) {
	plan := &Plan{Key: c.Key, Choice: choice}

	switch choice {
	case Skip:
		return plan, nil

	case UseLocal:
		for i := range c.RemoteOnly {
			plan.Mutations = append(plan.Mutations, Mutation{Op: OpDeleteRemote, Remote: &c.RemoteOnly[i]})
		}
		for _, rec := range c.LocalOnly {
			plan.Mutations = append(plan.Mutations, Mutation{Op: OpUploadLocal, LocalVersion: rec.Version})
		}

	case UseRemote:
		for _, rec := range c.LocalOnly {
			plan.Mutations = append(plan.Mutations, Mutation{Op: OpRemoveLocal, LocalVersion: rec.Version})
		}
		for i := range c.RemoteOnly {
			mv := &c.RemoteOnly[i]
			plan.Mutations = append(plan.Mutations, Mutation{Op: OpAdoptRemoteAs, Remote: mv, AsVersion: mv.Version})
		}

	case KeepBoth:
		// Local versions keep their ids; the shared divergent versions are
		// appended past the newest id either side has seen.
		next := c.Base
		for _, rec := range c.LocalOnly {
			if rec.Version > next {
				next = rec.Version
			}
		}
		for _, mv := range c.RemoteOnly {
			if mv.Version > next {
				next = mv.Version
			}
		}
		for _, rec := range c.LocalOnly {
			plan.Mutations = append(plan.Mutations, Mutation{Op: OpUploadLocal, LocalVersion: rec.Version})
		}
		for i := range c.RemoteOnly {
			next++
			plan.Mutations = append(plan.Mutations, Mutation{Op: OpAdoptRemoteAs, Remote: &c.RemoteOnly[i], AsVersion: next})
		}

	default:
		return nil, fmt.Errorf("unknown resolution choice: %q", choice)
	}
	return plan, nil
}

// Resolver executes plans.
type Resolver struct {
	sync   *syncer.Syncer
	logger save.Logger
}

func NewResolver(sync *syncer.Syncer, logger save.Logger) *Resolver {
	return &Resolver{sync: sync, logger: logger}
}

// Resolve builds and applies the plan for a choice. dctx is required only
// when the store's archives are encrypted and the plan adopts any.
func (r *Resolver) Resolve(ctx context.Context, c *syncer.Conflict, choice Choice, dctx save.DecryptionContext) error {
	plan, err := BuildPlan(c, choice)
	if err != nil {
		return err
	}
	return r.Apply(ctx, plan, dctx)
}

// Apply runs a plan's mutations under the store's manifest lock, then
// rewrites the manifest to the converged history.
func (r *Resolver) Apply(ctx context.Context, plan *Plan, dctx save.DecryptionContext) error {
	if len(plan.Mutations) == 0 {
		return nil
	}
	key := plan.Key

	release, err := r.sync.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	manifest, err := r.sync.ReadManifest(ctx, key)
	if err != nil {
		return err
	}
	if manifest == nil {
		manifest = &syncer.Manifest{Emulator: key.Emulator, GameID: key.GameID}
	}
	engine := r.sync.Engine()
	manifestChanged := false

	for _, mut := range plan.Mutations {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch mut.Op {
		case OpDeleteRemote:
			if err := r.sync.DeleteRemote(ctx, key, *mut.Remote); err != nil {
				return err
			}
			manifest.Versions = removeVersion(manifest.Versions, mut.Remote.Version)
			manifestChanged = true

		case OpUploadLocal:
			rec, err := engine.Get(key, mut.LocalVersion)
			if err != nil {
				return err
			}
			mv, err := r.sync.UploadVersion(ctx, rec)
			if err != nil {
				return err
			}
			manifest.Versions = append(removeVersion(manifest.Versions, mv.Version), *mv)
			manifestChanged = true

		case OpRemoveLocal:
			if err := engine.Remove(key, mut.LocalVersion); err != nil {
				return err
			}

		case OpAdoptRemoteAs:
			if err := r.sync.AdoptVersion(ctx, key, *mut.Remote, dctx, mut.AsVersion); err != nil {
				return err
			}
			if mut.AsVersion != mut.Remote.Version {
				// Re-versioned: the manifest entry moves to the new id. The
				// stored object keeps its name; only the id changes.
				manifest.Versions = removeVersion(manifest.Versions, mut.Remote.Version)
				renamed := *mut.Remote
				renamed.Version = mut.AsVersion
				manifest.Versions = append(manifest.Versions, renamed)
				manifestChanged = true
			}

		default:
			return fmt.Errorf("unknown plan op: %q", mut.Op)
		}
	}

	if manifestChanged {
		if err := r.sync.WriteManifest(ctx, key, manifest); err != nil {
			return err
		}
	}
	r.logger.Info("conflict resolved", "game", key.String(), "choice", string(plan.Choice), "mutations", len(plan.Mutations))
	return nil
}

func removeVersion(versions []syncer.ManifestVersion, version int64) []syncer.ManifestVersion {
	out := versions[:0]
	for _, mv := range versions {
		if mv.Version != version {
			out = append(out, mv)
		}
	}
	return out
}
