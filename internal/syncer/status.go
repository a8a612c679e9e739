package syncer

import (
	"fmt"

	"savesync/internal/backup"
	"savesync/internal/save"
)

// State summarizes how a game's local history relates to the shared one.
type State string

const (
	StateInSync     State = "in_sync"
	StateAhead      State = "ahead"  // local versions to push
	StateBehind     State = "behind" // shared versions to pull
	StateDiverged   State = "diverged"
	StateLocalOnly  State = "local_only"  // no manifest in the store
	StateRemoteOnly State = "remote_only" // no local backups
)

// Conflict captures a divergence between local and shared history. Base is
// the newest version both sides agree on, zero when they share none.
type Conflict struct {
	Key        save.Key
	Base       int64
	LocalOnly  []backup.Record
	RemoteOnly []ManifestVersion
	Reason     string
}

// ConflictError is returned by Push and Pull when the histories diverge.
// The caller resolves it and retries.
type ConflictError struct {
	Conflict *Conflict
}

func (e *ConflictError) Error() string {
	c := e.Conflict
	return fmt.Sprintf("sync conflict for %s: %s (%d local-only, %d shared-only versions)",
		c.Key, c.Reason, len(c.LocalOnly), len(c.RemoteOnly))
}

// GameStatus is one row of `savesync sync status`.
type GameStatus struct {
	Key        save.Key
	State      State
	LocalHead  int64
	RemoteHead int64
	Conflict   *Conflict
}

// comparison is the outcome of lining up local records against a manifest.
type comparison struct {
	conflict  *Conflict
	pushReady []backup.Record   // local versions newer than everything shared
	pullReady []ManifestVersion // shared versions newer than everything local
}

// compare lines up the two histories. Version ids present on both sides
// must hash identically. Ids missing from one side are tolerated below the
// other side's oldest version, because rotation trims history from the
// front; anywhere else a missing id means the histories diverged.
func compare(key save.Key, local []backup.Record, remote []ManifestVersion) comparison {
	if len(local) == 0 || len(remote) == 0 {
		var cmp comparison
		cmp.pushReady = append(cmp.pushReady, local...)
		cmp.pullReady = append(cmp.pullReady, remote...)
		return cmp
	}

	remoteByID := make(map[int64]*ManifestVersion, len(remote))
	for i := range remote {
		remoteByID[remote[i].Version] = &remote[i]
	}
	localByID := make(map[int64]*backup.Record, len(local))
	for i := range local {
		localByID[local[i].Version] = &local[i]
	}

	var base int64
	common := false
	for _, rec := range local {
		mv, ok := remoteByID[rec.Version]
		if !ok {
			continue
		}
		common = true
		if rec.Version > base {
			base = rec.Version
		}
		if rec.Archive != mv.BLAKE3 {
			return comparison{conflict: &Conflict{
				Key:        key,
				Base:       base,
				LocalOnly:  onlyLocal(local, remoteByID, 0),
				RemoteOnly: onlyRemote(remote, localByID, 0),
				Reason:     fmt.Sprintf("version %d has different content on each side", rec.Version),
			}}
		}
	}

	if !common {
		return comparison{conflict: &Conflict{
			Key:        key,
			LocalOnly:  onlyLocal(local, remoteByID, 0),
			RemoteOnly: onlyRemote(remote, localByID, 0),
			Reason:     "no common version",
		}}
	}

	localMin, localMax := local[0].Version, local[len(local)-1].Version
	remoteMin, remoteMax := remote[0].Version, remote[len(remote)-1].Version

	var cmp comparison
	for _, rec := range local {
		if _, ok := remoteByID[rec.Version]; ok {
			continue
		}
		switch {
		case rec.Version > remoteMax:
			cmp.pushReady = append(cmp.pushReady, rec)
		case rec.Version < remoteMin:
			// Rotated out of the store; nothing to reconcile.
		default:
			return comparison{conflict: &Conflict{
				Key:        key,
				Base:       base,
				LocalOnly:  onlyLocal(local, remoteByID, base),
				RemoteOnly: onlyRemote(remote, localByID, base),
				Reason:     fmt.Sprintf("local version %d is missing from the shared history", rec.Version),
			}}
		}
	}
	for _, mv := range remote {
		if _, ok := localByID[mv.Version]; ok {
			continue
		}
		switch {
		case mv.Version > localMax:
			cmp.pullReady = append(cmp.pullReady, mv)
		case mv.Version < localMin:
			// Rotated out locally.
		default:
			return comparison{conflict: &Conflict{
				Key:        key,
				Base:       base,
				LocalOnly:  onlyLocal(local, remoteByID, base),
				RemoteOnly: onlyRemote(remote, localByID, base),
				Reason:     fmt.Sprintf("shared version %d is missing locally", mv.Version),
			}}
		}
	}

	return cmp
}

func onlyLocal(local []backup.Record, remote map[int64]*ManifestVersion, after int64) []backup.Record {
	var out []backup.Record
	for _, rec := range local {
		if _, ok := remote[rec.Version]; !ok && rec.Version > after {
			out = append(out, rec)
		}
	}
	return out
}

func onlyRemote(remote []ManifestVersion, local map[int64]*backup.Record, after int64) []ManifestVersion {
	var out []ManifestVersion
	for _, mv := range remote {
		if _, ok := local[mv.Version]; !ok && mv.Version > after {
			out = append(out, mv)
		}
	}
	return out
}
