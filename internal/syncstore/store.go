// Package syncstore abstracts the shared storage that devices sync through.
// A store holds, per game, one manifest plus the archives the manifest
// references. The store works on bytes; manifest semantics belong to the
// syncer.
package syncstore

import (
	"context"
	"errors"
	"io"
	"time"

	"savesync/internal/save"
)

// ErrManifestNotFound is returned when a game has no manifest in the store.
var ErrManifestNotFound = errors.New("manifest not found")

// LockTimeout is how long a manifest lock may be held before other devices
// treat it as abandoned and steal it.
const LockTimeout = 30 * time.Second

// Store is the shared-storage backend. All methods are safe for concurrent
// use by multiple processes on multiple machines.
type Store interface {
	// Name identifies the backend for logs.
	Name() string

	// Lock acquires the per-game manifest lock and returns its release
	// function. Locks held longer than LockTimeout may be stolen.
	Lock(ctx context.Context, key save.Key) (release func() error, err error)

	// GetManifest returns the raw manifest bytes for a game, or
	// ErrManifestNotFound.
	GetManifest(ctx context.Context, key save.Key) ([]byte, error)

	// PutManifest atomically replaces the manifest for a game.
	PutManifest(ctx context.Context, key save.Key, data []byte) error

	// GetArchive streams a named archive into w.
	GetArchive(ctx context.Context, key save.Key, name string, w io.Writer) error

	// PutArchive stores a named archive. size is advisory; backends that
	// need a length up front use it.
	PutArchive(ctx context.Context, key save.Key, name string, r io.Reader, size int64) error

	// DeleteArchive removes a named archive. Deleting a missing archive
	// is not an error.
	DeleteArchive(ctx context.Context, key save.Key, name string) error

	// Keys enumerates every game that has a manifest.
	Keys(ctx context.Context) ([]save.Key, error)
}

// safeSegment maps a key component to something usable as a path segment
// on every filesystem the store may live on.
func safeSegment(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			out[i] = '_'
		}
	}
	return string(out)
}
