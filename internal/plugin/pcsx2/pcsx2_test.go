package pcsx2

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"savesync/internal/paths"
	"savesync/internal/save"
)

// buildCard assembles a minimal valid PS2 memory-card image whose root
// directory holds the given entry names.
func buildCard(names ...string) []byte {
	const clusterSize = 2 * pageSize

	// allocOffset=1, rootDirCluster=0 puts the root directory at one
	// cluster past the start.
	data := make([]byte, clusterSize+(2+len(names))*dirEntrySize)
	copy(data, ps2Magic)
	binary.LittleEndian.PutUint16(data[0x28:], pageSize)
	binary.LittleEndian.PutUint16(data[0x2A:], 2)
	binary.LittleEndian.PutUint32(data[0x34:], 1)
	binary.LittleEndian.PutUint32(data[0x3C:], 0)

	rootOff := clusterSize

	// "." entry: mode in-use, length = total entry count.
	binary.LittleEndian.PutUint32(data[rootOff:], modeExists)
	binary.LittleEndian.PutUint32(data[rootOff+4:], uint32(2+len(names)))
	copy(data[rootOff+0x20:], ".")

	// ".." entry.
	binary.LittleEndian.PutUint32(data[rootOff+dirEntrySize:], modeExists)
	copy(data[rootOff+dirEntrySize+0x20:], "..")

	for i, name := range names {
		off := rootOff + (2+i)*dirEntrySize
		binary.LittleEndian.PutUint32(data[off:], modeExists)
		copy(data[off+0x20:], name)
	}
	return data
}

func newTestPlugin(t *testing.T, home string) *Plugin {
	t.Helper()
	res := paths.NewResolver(map[string]string{
		paths.TokenHome:      home,
		paths.TokenDocuments: filepath.Join(home, "Documents"),
	})
	return New(res, nil)
}

func TestScanCardImage(t *testing.T) {
	home := t.TempDir()
	p := newTestPlugin(t, home)

	t.Run("per-game saves from directory table", func(t *testing.T) {
		card := filepath.Join(home, "Mcd001.ps2")
		data := buildCard("BASLUS-21005INGS001", "BADATA-SYSTEM", "BESLES-52056FFX-2")
		if err := os.WriteFile(card, data, 0644); err != nil {
			t.Fatal(err)
		}

		saves, warns := p.scanCardImage(card)
		if len(warns) != 0 {
			t.Fatalf("unexpected warnings: %v", warns)
		}
		if len(saves) != 2 {
			t.Fatalf("len(saves) = %d, want 2 (system entry skipped)", len(saves))
		}
		if saves[0].GameID != "SLUS-21005" {
			t.Errorf("GameID = %q, want SLUS-21005", saves[0].GameID)
		}
		if saves[1].GameID != "SLES-52056" {
			t.Errorf("GameID = %q, want SLES-52056", saves[1].GameID)
		}
		for _, s := range saves {
			if s.Type != save.TypeMemcardImage {
				t.Errorf("Type = %q", s.Type)
			}
			if len(s.Files) != 1 || s.Files[0].PortablePath != "${HOME}/Mcd001.ps2" {
				t.Errorf("Files = %+v", s.Files)
			}
		}
	})

	t.Run("unknown format reported, scan continues", func(t *testing.T) {
		card := filepath.Join(home, "garbage.ps2")
		if err := os.WriteFile(card, make([]byte, 4096), 0644); err != nil {
			t.Fatal(err)
		}
		saves, warns := p.scanCardImage(card)
		if len(saves) != 0 {
			t.Errorf("saves = %v, want none", saves)
		}
		if len(warns) != 1 {
			t.Errorf("warns = %v, want one", warns)
		}
	})

	t.Run("ecc image is stripped before parsing", func(t *testing.T) {
		plain := buildCard("BASLUS-20002GAME")
		// Pad to a full 8 MB card, then expand each page with 16 ECC bytes.
		padded := make([]byte, cardSize8MB)
		copy(padded, plain)
		raw := make([]byte, 0, (cardSize8MB/pageSize)*rawPageSize)
		for off := 0; off < len(padded); off += pageSize {
			raw = append(raw, padded[off:off+pageSize]...)
			raw = append(raw, make([]byte, eccSize)...)
		}

		card := filepath.Join(home, "Mcd002.ps2")
		if err := os.WriteFile(card, raw, 0644); err != nil {
			t.Fatal(err)
		}
		saves, warns := p.scanCardImage(card)
		if len(warns) != 0 {
			t.Fatalf("unexpected warnings: %v", warns)
		}
		if len(saves) != 1 || saves[0].GameID != "SLUS-20002" {
			t.Fatalf("saves = %+v", saves)
		}
	})
}

func TestScanSaveStates(t *testing.T) {
	home := t.TempDir()
	p := newTestPlugin(t, home)

	data := filepath.Join(home, "Documents", "PCSX2")
	states := filepath.Join(data, "sstates")
	if err := os.MkdirAll(states, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{
		"SLPS-25733 (083F0E03).00.p2s",
		"SLPS-25733 (083F0E03).01.p2s",
		"SLUS-21005 (AABBCCDD).00.p2s",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(states, name), []byte("state"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	saves, warns := p.scanSaveStates(states)
	if len(warns) != 0 {
		t.Fatalf("unexpected warnings: %v", warns)
	}
	if len(saves) != 2 {
		t.Fatalf("len(saves) = %d, want 2", len(saves))
	}

	first := saves[0]
	if first.GameID != "SLPS-25733" || first.DiscCRC32 != "083F0E03" {
		t.Errorf("first = %q crc %q", first.GameID, first.DiscCRC32)
	}
	if len(first.Files) != 2 {
		t.Errorf("slots grouped: len(Files) = %d, want 2", len(first.Files))
	}
}

func TestDetectInstallations(t *testing.T) {
	home := t.TempDir()
	p := newTestPlugin(t, home)

	// No install yet.
	infos, err := p.DetectInstallations()
	if err != nil {
		t.Fatalf("DetectInstallations() error = %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("detected %d installs in empty home", len(infos))
	}

	data := filepath.Join(home, "Documents", "PCSX2")
	if err := os.MkdirAll(filepath.Join(data, "memcards"), 0755); err != nil {
		t.Fatal(err)
	}

	infos, err = p.DetectInstallations()
	if err != nil {
		t.Fatalf("DetectInstallations() error = %v", err)
	}
	if len(infos) != 1 || infos[0].DataPath != data {
		t.Fatalf("infos = %+v", infos)
	}
}

func TestScanSavesIdempotent(t *testing.T) {
	home := t.TempDir()
	p := newTestPlugin(t, home)

	data := filepath.Join(home, "Documents", "PCSX2")
	memcards := filepath.Join(data, "memcards")
	if err := os.MkdirAll(memcards, 0755); err != nil {
		t.Fatal(err)
	}
	card := buildCard("BASLUS-21005INGS001")
	if err := os.WriteFile(filepath.Join(memcards, "Mcd001.ps2"), card, 0644); err != nil {
		t.Fatal(err)
	}

	info := save.EmulatorInfo{Name: "PCSX2", DataPath: data}
	first, _ := p.ScanSaves(context.Background(), info)
	second, _ := p.ScanSaves(context.Background(), info)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("scan counts = %d, %d", len(first), len(second))
	}
	if first[0].GameID != second[0].GameID ||
		first[0].Files[0].PortablePath != second[0].Files[0].PortablePath ||
		first[0].Files[0].Size != second[0].Files[0].Size {
		t.Error("repeated scans of an unchanged tree differ")
	}
}
