package scan

import (
	"context"
	"errors"
	"testing"

	"savesync/internal/plugin"
	"savesync/internal/save"
)

type fakePlugin struct {
	name   string
	infos  []save.EmulatorInfo
	saves  []save.GameSave
	warns  []*plugin.ScanError
	detErr error
}

func (f *fakePlugin) Name() string        { return f.name }
func (f *fakePlugin) DisplayName() string { return f.name }
func (f *fakePlugin) Platforms() []string { return nil }

func (f *fakePlugin) DetectInstallations() ([]save.EmulatorInfo, error) {
	return f.infos, f.detErr
}

func (f *fakePlugin) ScanSaves(ctx context.Context, info save.EmulatorInfo) ([]save.GameSave, []*plugin.ScanError) {
	return f.saves, f.warns
}

func (f *fakePlugin) SaveDirectories(info save.EmulatorInfo) map[save.SaveType]string {
	return nil
}

func gameSave(emulator, gameID string, files ...string) save.GameSave {
	gs := save.GameSave{Emulator: emulator, GameID: gameID, Title: gameID, Type: save.TypeBattery}
	for _, f := range files {
		gs.Files = append(gs.Files, save.SaveFile{PortablePath: f})
	}
	return gs
}

func TestScan(t *testing.T) {
	install := save.EmulatorInfo{Name: "A", DataPath: "/a"}

	t.Run("collects saves across plugins", func(t *testing.T) {
		reg := plugin.NewRegistry(
			&fakePlugin{name: "A", infos: []save.EmulatorInfo{install}, saves: []save.GameSave{
				gameSave("A", "GAME-001", "${HOME}/a.srm"),
			}},
			&fakePlugin{name: "B", infos: []save.EmulatorInfo{{Name: "B"}}, saves: []save.GameSave{
				gameSave("B", "GAME-002", "${HOME}/b.srm"),
			}},
		)
		s := New(reg, save.NewNopLogger(), 4)
		res, err := s.Scan(context.Background())
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		if len(res.Saves) != 2 {
			t.Fatalf("len(Saves) = %d, want 2", len(res.Saves))
		}
		if len(res.Installations) != 2 {
			t.Errorf("len(Installations) = %d, want 2", len(res.Installations))
		}
		keys := res.Keys()
		if keys[0].String() != "A:GAME-001" || keys[1].String() != "B:GAME-002" {
			t.Errorf("Keys() = %v", keys)
		}
	})

	t.Run("detection failure is a warning, not fatal", func(t *testing.T) {
		reg := plugin.NewRegistry(
			&fakePlugin{name: "broken", detErr: errors.New("registry unavailable")},
			&fakePlugin{name: "A", infos: []save.EmulatorInfo{install}, saves: []save.GameSave{
				gameSave("A", "GAME-001", "${HOME}/a.srm"),
			}},
		)
		s := New(reg, save.NewNopLogger(), 1)
		res, err := s.Scan(context.Background())
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		if len(res.Saves) != 1 {
			t.Errorf("len(Saves) = %d, want 1", len(res.Saves))
		}
		if len(res.Warnings) != 1 {
			t.Fatalf("len(Warnings) = %d, want 1", len(res.Warnings))
		}
		if res.Warnings[0].Plugin != "broken" {
			t.Errorf("warning plugin = %q", res.Warnings[0].Plugin)
		}
	})

	t.Run("same game from two installations merges files", func(t *testing.T) {
		reg := plugin.NewRegistry(&fakePlugin{
			name:  "A",
			infos: []save.EmulatorInfo{install, {Name: "A", DataPath: "/a2"}},
			saves: []save.GameSave{gameSave("A", "GAME-001", "${HOME}/a.srm", "${HOME}/a.001")},
		})
		s := New(reg, save.NewNopLogger(), 2)
		res, err := s.Scan(context.Background())
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		if len(res.Saves) != 1 {
			t.Fatalf("len(Saves) = %d, want 1", len(res.Saves))
		}
		gs := res.Saves[save.Key{Emulator: "A", GameID: "GAME-001"}]
		if len(gs.Files) != 2 {
			t.Errorf("len(Files) = %d, want 2 (duplicates dropped)", len(gs.Files))
		}
	})

	t.Run("cancelled context aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		reg := plugin.NewRegistry(&fakePlugin{name: "A", infos: []save.EmulatorInfo{install}})
		s := New(reg, save.NewNopLogger(), 1)
		if _, err := s.Scan(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("Scan() error = %v, want context.Canceled", err)
		}
	})
}
