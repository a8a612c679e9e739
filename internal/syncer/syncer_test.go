package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"savesync/internal/backup"
	"savesync/internal/encryption"
	"savesync/internal/paths"
	"savesync/internal/save"
	"savesync/internal/syncstore"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// device bundles one simulated machine: its own home, backup engine, and a
// syncer pointed at the shared store.
type device struct {
	name   string
	home   string
	engine *backup.Engine
	sync   *Syncer
	clock  *fakeClock
}

func newDevice(t *testing.T, store syncstore.Store, name string, enc save.Encryptor) *device {
	t.Helper()
	home := t.TempDir()
	res := paths.NewResolver(map[string]string{paths.TokenHome: home})
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	root := t.TempDir()
	engine := backup.New(root, res, save.NewNopLogger(), clock, name, 0)
	sync := New(engine, store, enc, save.NewNopLogger(), clock, name, 0, filepath.Join(root, ".tmp"))
	return &device{name: name, home: home, engine: engine, sync: sync, clock: clock}
}

func (d *device) backup(t *testing.T, key save.Key, content string) *backup.Record {
	t.Helper()
	abs := filepath.Join(d.home, key.GameID+".srm")
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	gs := save.GameSave{
		Emulator: key.Emulator,
		GameID:   key.GameID,
		Type:     save.TypeBattery,
		Files:    []save.SaveFile{{PortablePath: "${HOME}/" + key.GameID + ".srm"}},
	}
	rec, err := d.engine.Create(context.Background(), gs, "")
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

var gameKey = save.Key{Emulator: "Snes9x", GameID: "GAME-001"}

func TestPushPullFastForward(t *testing.T) {
	ctx := context.Background()
	store := syncstore.NewMemoryStore()
	a := newDevice(t, store, "device-a", nil)
	b := newDevice(t, store, "device-b", nil)

	for i := 0; i < 3; i++ {
		a.backup(t, gameKey, fmt.Sprintf("progress %d", i))
	}
	res, err := a.sync.Push(ctx, gameKey)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if len(res.Pushed) != 3 {
		t.Fatalf("Pushed = %v, want 3 versions", res.Pushed)
	}

	pull, err := b.sync.Pull(ctx, gameKey, nil)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(pull.Pulled) != 3 {
		t.Fatalf("Pulled = %v, want 3 versions", pull.Pulled)
	}

	records, err := b.engine.List(gameKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("device-b has %d versions, want 3", len(records))
	}
	if records[0].Device != "device-a" {
		t.Errorf("adopted Device = %q, want device-a", records[0].Device)
	}

	// Nothing further to move in either direction.
	st, err := b.sync.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(st) != 1 || st[0].State != StateInSync {
		t.Errorf("Status() = %+v, want in_sync", st)
	}

	// One more version on A fast-forwards B.
	a.backup(t, gameKey, "progress 3")
	if _, err := a.sync.Push(ctx, gameKey); err != nil {
		t.Fatal(err)
	}
	st, err = b.sync.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st[0].State != StateBehind {
		t.Errorf("State = %s, want behind", st[0].State)
	}
	pull, err = b.sync.Pull(ctx, gameKey, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(pull.Pulled) != 1 {
		t.Errorf("Pulled = %v, want 1 version", pull.Pulled)
	}
}

func TestDivergedHistoriesConflict(t *testing.T) {
	ctx := context.Background()
	store := syncstore.NewMemoryStore()
	a := newDevice(t, store, "device-a", nil)
	b := newDevice(t, store, "device-b", nil)

	a.backup(t, gameKey, "shared base")
	if _, err := a.sync.Push(ctx, gameKey); err != nil {
		t.Fatal(err)
	}
	if _, err := b.sync.Pull(ctx, gameKey, nil); err != nil {
		t.Fatal(err)
	}

	// Both devices keep playing without syncing.
	a.backup(t, gameKey, "progress on a")
	b.clock.now = b.clock.now.Add(10 * time.Second)
	b.backup(t, gameKey, "progress on b")
	if _, err := b.sync.Push(ctx, gameKey); err != nil {
		t.Fatal(err)
	}

	var confErr *ConflictError
	if _, err := a.sync.Push(ctx, gameKey); !errors.As(err, &confErr) {
		t.Fatalf("Push() error = %v, want *ConflictError", err)
	}
	c := confErr.Conflict
	if len(c.LocalOnly) != 1 || len(c.RemoteOnly) != 1 {
		t.Fatalf("Conflict = %+v, want one divergent version each side", c)
	}

	if _, err := a.sync.Pull(ctx, gameKey, nil); !errors.As(err, &confErr) {
		t.Fatalf("Pull() error = %v, want *ConflictError", err)
	}

	st, err := a.sync.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st[0].State != StateDiverged || st[0].Conflict == nil {
		t.Errorf("Status() = %+v, want diverged with conflict", st[0])
	}
}

func TestSameVersionDifferentContentConflict(t *testing.T) {
	ctx := context.Background()
	store := syncstore.NewMemoryStore()
	a := newDevice(t, store, "device-a", nil)
	b := newDevice(t, store, "device-b", nil)

	a.backup(t, gameKey, "shared base")
	if _, err := a.sync.Push(ctx, gameKey); err != nil {
		t.Fatal(err)
	}
	if _, err := b.sync.Pull(ctx, gameKey, nil); err != nil {
		t.Fatal(err)
	}

	// Frozen clocks hand both devices the same next version id.
	a.backup(t, gameKey, "progress on a")
	b.backup(t, gameKey, "different progress on b")
	if _, err := b.sync.Push(ctx, gameKey); err != nil {
		t.Fatal(err)
	}

	var confErr *ConflictError
	if _, err := a.sync.Pull(ctx, gameKey, nil); !errors.As(err, &confErr) {
		t.Fatalf("Pull() error = %v, want *ConflictError", err)
	}
	if !strings.Contains(confErr.Conflict.Reason, "different content") {
		t.Errorf("Reason = %q", confErr.Conflict.Reason)
	}
}

func TestPullWarnsOnDiscMismatch(t *testing.T) {
	ctx := context.Background()
	store := syncstore.NewMemoryStore()
	a := newDevice(t, store, "device-a", nil)
	b := newDevice(t, store, "device-b", nil)

	key := save.Key{Emulator: "PCSX2", GameID: "GAME-001"}

	write := func(d *device, content string) save.GameSave {
		abs := filepath.Join(d.home, key.GameID+".ps2")
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		return save.GameSave{
			Emulator: key.Emulator,
			GameID:   key.GameID,
			Type:     save.TypeMemcardImage,
			Files:    []save.SaveFile{{PortablePath: "${HOME}/" + key.GameID + ".ps2"}},
		}
	}

	// Device B backs up against one disc revision and syncs.
	gsB := write(b, "card b")
	gsB.DiscCRC32 = "11223344"
	if _, err := b.engine.Create(ctx, gsB, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := b.sync.Push(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := a.sync.Pull(ctx, key, nil); err != nil {
		t.Fatal(err)
	}

	// Device A plays a different disc revision, then B pushes more.
	a.clock.now = a.clock.now.Add(5 * time.Second)
	gsA := write(a, "card a")
	gsA.DiscCRC32 = "AABBCCDD"
	if _, err := a.engine.Create(ctx, gsA, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.sync.Push(ctx, key); err != nil {
		t.Fatal(err)
	}

	pull, err := b.sync.Pull(ctx, key, nil)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(pull.Pulled) != 1 {
		t.Fatalf("Pulled = %v", pull.Pulled)
	}
	if len(pull.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want disc mismatch notice", pull.Warnings)
	}
	if !strings.Contains(pull.Warnings[0], "AABBCCDD") || !strings.Contains(pull.Warnings[0], "11223344") {
		t.Errorf("warning = %q", pull.Warnings[0])
	}
}

func TestEncryptedPushPull(t *testing.T) {
	ctx := context.Background()
	store := syncstore.NewMemoryStore()
	enc := encryption.NewTestEncryptor()
	a := newDevice(t, store, "device-a", enc)
	b := newDevice(t, store, "device-b", enc)

	a.backup(t, gameKey, "secret progress")
	if _, err := a.sync.Push(ctx, gameKey); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	// Without an unlocked key the pull refuses.
	if _, err := b.sync.Pull(ctx, gameKey, nil); !errors.Is(err, ErrEncryptedStore) {
		t.Fatalf("Pull() without key error = %v, want ErrEncryptedStore", err)
	}

	dctx, err := enc.Unlock("passphrase")
	if err != nil {
		t.Fatal(err)
	}
	pull, err := b.sync.Pull(ctx, gameKey, dctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if len(pull.Pulled) != 1 {
		t.Fatalf("Pulled = %v", pull.Pulled)
	}

	// The adopted archive decrypted back to the exact bytes A hashed.
	recs, err := b.engine.List(gameKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("device-b versions = %d", len(recs))
	}
}

func TestSharedRetention(t *testing.T) {
	ctx := context.Background()
	store := syncstore.NewMemoryStore()
	a := newDevice(t, store, "device-a", nil)
	a.sync.maxShared = 2

	for i := 0; i < 3; i++ {
		a.backup(t, gameKey, fmt.Sprintf("progress %d", i))
	}
	if _, err := a.sync.Push(ctx, gameKey); err != nil {
		t.Fatal(err)
	}

	data, err := store.GetManifest(ctx, gameKey)
	if err != nil {
		t.Fatal(err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Versions) != 2 {
		t.Fatalf("manifest holds %d versions, want 2", len(m.Versions))
	}
	if m.Versions[0].Version != 1700000001 || m.Versions[1].Version != 1700000002 {
		t.Errorf("kept versions %d,%d", m.Versions[0].Version, m.Versions[1].Version)
	}
}
