package plugin

import (
	"context"
	"errors"
	"testing"

	"savesync/internal/save"
)

type stubPlugin struct {
	name string
}

func (p *stubPlugin) Name() string        { return p.name }
func (p *stubPlugin) DisplayName() string { return p.name }
func (p *stubPlugin) Platforms() []string { return nil }
func (p *stubPlugin) DetectInstallations() ([]save.EmulatorInfo, error) {
	return nil, nil
}
func (p *stubPlugin) ScanSaves(context.Context, save.EmulatorInfo) ([]save.GameSave, []*ScanError) {
	return nil, nil
}
func (p *stubPlugin) SaveDirectories(save.EmulatorInfo) map[save.SaveType]string {
	return nil
}

func TestRegistry(t *testing.T) {
	a := &stubPlugin{name: "PCSX2"}
	b := &stubPlugin{name: "Dolphin"}
	dup := &stubPlugin{name: "PCSX2"}

	r := NewRegistry(a, b, dup)

	t.Run("keeps registration order", func(t *testing.T) {
		all := r.All()
		if len(all) != 2 {
			t.Fatalf("len(All()) = %d, want 2", len(all))
		}
		if all[0] != Plugin(a) || all[1] != Plugin(b) {
			t.Error("All() order does not match registration order")
		}
	})

	t.Run("first registration wins on duplicate name", func(t *testing.T) {
		got, ok := r.Get("PCSX2")
		if !ok {
			t.Fatal("Get(PCSX2) not found")
		}
		if got != Plugin(a) {
			t.Error("duplicate registration replaced the original")
		}
	})

	t.Run("names sorted", func(t *testing.T) {
		names := r.Names()
		if len(names) != 2 || names[0] != "Dolphin" || names[1] != "PCSX2" {
			t.Errorf("Names() = %v", names)
		}
	})
}

func TestScanError(t *testing.T) {
	underlying := errors.New("short read")
	err := &ScanError{Plugin: "PCSX2", Path: "/cards/Mcd001.ps2", Err: underlying}

	if !errors.Is(err, underlying) {
		t.Error("ScanError does not unwrap to the underlying error")
	}
	if err.Error() == "" {
		t.Error("empty error string")
	}
}
