// Package dolphin scans Dolphin (GameCube / Wii) save data: raw GameCube
// memory-card images, exported per-game GCI files, and save states. The
// GameCube card keeps a directory block of fixed 64-byte entries, one per
// stored save, in big-endian layout.
package dolphin

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"savesync/internal/paths"
	"savesync/internal/plugin"
	"savesync/internal/save"
)

const (
	blockSize     = 0x2000 // 8 KB
	dirOffset     = blockSize
	dirEntrySize  = 0x40
	dirHeaderSize = 0x3A
	maxDirEntries = 127
)

// Valid raw memory card sizes in bytes (59 to 2043 blocks).
var cardSizes = map[int64]bool{
	0x0080000: true,
	0x0100000: true,
	0x0200000: true,
	0x0400000: true,
	0x0800000: true,
	0x1000000: true,
}

var (
	// Save-state names look like "GALE01.s01" or "GALE01.sav".
	saveStateRe = regexp.MustCompile(`(?i)^(.{6})\.(s\d{2}|sav)$`)

	gcRegions = []string{"USA", "EUR", "JAP"}
)

type dirEntry struct {
	gameCode  string
	makerCode string
	filename  string
	blocks    uint16
}

// Plugin implements plugin.Plugin for Dolphin.
type Plugin struct {
	res        *paths.Resolver
	extraPaths []string
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates the Dolphin plugin.
func New(res *paths.Resolver, extraPaths []string) *Plugin {
	return &Plugin{res: res, extraPaths: extraPaths}
}

func (p *Plugin) Name() string        { return "Dolphin" }
func (p *Plugin) DisplayName() string { return "Dolphin (GameCube / Wii)" }
func (p *Plugin) Platforms() []string { return []string{"GameCube", "Wii"} }

// DetectInstallations probes the conventional Dolphin data directories.
// A directory qualifies when it has a GC, Wii, Config or StateSaves
// subdirectory; a portable install keeps portable.txt next to the data.
func (p *Plugin) DetectInstallations() ([]save.EmulatorInfo, error) {
	var candidates []string
	for _, portable := range []string{
		"${APPDATA}/Dolphin Emulator",
		"${LOCALAPPDATA}/Dolphin Emulator",
		"${DOCUMENTS}/Dolphin Emulator",
		"${HOME}/.local/share/dolphin-emu",
	} {
		abs, err := p.res.Decode(portable)
		if err != nil {
			continue
		}
		candidates = append(candidates, abs)
	}
	candidates = append(candidates, p.extraPaths...)

	var infos []save.EmulatorInfo
	seen := make(map[string]bool)
	for _, dir := range candidates {
		if seen[dir] {
			continue
		}
		seen[dir] = true

		// A user-configured install root keeps its data in User/.
		if sub := filepath.Join(dir, "User"); dirExists(sub) {
			dir = sub
		}
		if !dirExists(dir) {
			continue
		}
		marker := false
		for _, name := range []string{"GC", "Wii", "Config", "StateSaves"} {
			if dirExists(filepath.Join(dir, name)) {
				marker = true
				break
			}
		}
		if !marker {
			continue
		}
		portable := fileExists(filepath.Join(filepath.Dir(dir), "portable.txt"))
		infos = append(infos, save.EmulatorInfo{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			InstallPath: filepath.Dir(dir),
			DataPath:    dir,
			Portable:    portable,
		})
	}
	return infos, nil
}

// SaveDirectories returns the GameCube card and save-state directories.
func (p *Plugin) SaveDirectories(info save.EmulatorInfo) map[save.SaveType]string {
	return map[save.SaveType]string{
		save.TypeMemcardImage: filepath.Join(info.DataPath, "GC"),
		save.TypeSaveState:    filepath.Join(info.DataPath, "StateSaves"),
	}
}

// ScanSaves scans raw cards, GCI folders and save states under info.
func (p *Plugin) ScanSaves(ctx context.Context, info save.EmulatorInfo) ([]save.GameSave, []*plugin.ScanError) {
	var saves []save.GameSave
	var warns []*plugin.ScanError

	gcDir := filepath.Join(info.DataPath, "GC")
	if dirExists(gcDir) {
		entries, err := os.ReadDir(gcDir)
		if err != nil {
			warns = append(warns, p.warn(gcDir, err))
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return saves, warns
			}
			path := filepath.Join(gcDir, e.Name())
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".raw" || ext == ".gcp") {
				s, w := p.scanRawCard(path)
				saves = append(saves, s...)
				warns = append(warns, w...)
			}
		}

		// GCI folders: GC/<REGION>/Card A, Card B.
		for _, region := range gcRegions {
			for _, slot := range []string{"Card A", "Card B"} {
				dir := filepath.Join(gcDir, region, slot)
				if !dirExists(dir) {
					continue
				}
				s, w := p.scanGCIFolder(dir)
				saves = append(saves, s...)
				warns = append(warns, w...)
			}
		}
	}

	states := filepath.Join(info.DataPath, "StateSaves")
	if dirExists(states) {
		s, w := p.scanSaveStates(states)
		saves = append(saves, s...)
		warns = append(warns, w...)
	}

	return saves, warns
}

// scanRawCard parses the directory block of a raw memory-card image and
// emits one GameSave per stored game, all sharing the card file.
func (p *Plugin) scanRawCard(path string) ([]save.GameSave, []*plugin.ScanError) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, []*plugin.ScanError{p.warn(path, err)}
	}
	if !cardSizes[info.Size()] {
		return nil, []*plugin.ScanError{p.warn(path, fmt.Errorf("unexpected card size %d", info.Size()))}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, []*plugin.ScanError{p.warn(path, err)}
	}

	cardFile, err := plugin.StatFile(p.res, path, save.TypeMemcardImage)
	if err != nil {
		return nil, []*plugin.ScanError{p.warn(path, err)}
	}

	entries, warns := parseCardDirectory(data, path, p.Name())
	var saves []save.GameSave
	seen := make(map[string]bool)
	for _, de := range entries {
		if seen[de.gameCode] {
			continue
		}
		seen[de.gameCode] = true
		saves = append(saves, save.GameSave{
			Emulator: p.Name(),
			GameID:   de.gameCode,
			Title:    pickTitle(de),
			Platform: "GameCube",
			Type:     save.TypeMemcardImage,
			Files:    []save.SaveFile{cardFile},
		})
	}
	return saves, warns
}

// scanGCIFolder reads the 64-byte header of each .gci file; each file is a
// complete single-game save exported from a card.
func (p *Plugin) scanGCIFolder(dir string) ([]save.GameSave, []*plugin.ScanError) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []*plugin.ScanError{p.warn(dir, err)}
	}

	var saves []save.GameSave
	var warns []*plugin.ScanError
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".gci") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		de, err := parseGCIHeader(path)
		if err != nil {
			warns = append(warns, p.warn(path, err))
			continue
		}
		sf, err := plugin.StatFile(p.res, path, save.TypeBattery)
		if err != nil {
			warns = append(warns, p.warn(path, err))
			continue
		}
		saves = append(saves, save.GameSave{
			Emulator: p.Name(),
			GameID:   de.gameCode,
			Title:    pickTitle(*de),
			Platform: "GameCube",
			Type:     save.TypeBattery,
			Files:    []save.SaveFile{sf},
		})
	}
	return saves, warns
}

// scanSaveStates groups Dolphin save states by the 6-character game id in
// the filename.
func (p *Plugin) scanSaveStates(dir string) ([]save.GameSave, []*plugin.ScanError) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []*plugin.ScanError{p.warn(dir, err)}
	}

	var warns []*plugin.ScanError
	byGame := make(map[string]*save.GameSave)
	var order []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := saveStateRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		gameID := strings.ToUpper(m[1])

		path := filepath.Join(dir, e.Name())
		sf, err := plugin.StatFile(p.res, path, save.TypeSaveState)
		if err != nil {
			warns = append(warns, p.warn(path, err))
			continue
		}
		gs, ok := byGame[gameID]
		if !ok {
			gs = &save.GameSave{
				Emulator: p.Name(),
				GameID:   gameID,
				Title:    gameID,
				Platform: "GameCube",
				Type:     save.TypeSaveState,
			}
			byGame[gameID] = gs
			order = append(order, gameID)
		}
		gs.Files = append(gs.Files, sf)
	}

	saves := make([]save.GameSave, 0, len(order))
	for _, id := range order {
		saves = append(saves, *byGame[id])
	}
	return saves, warns
}

func (p *Plugin) warn(path string, err error) *plugin.ScanError {
	return &plugin.ScanError{Plugin: p.Name(), Path: path, Err: err}
}

// parseCardDirectory reads in-use entries from the card's directory block.
// Malformed entries are skipped with a warning.
func parseCardDirectory(data []byte, path, pluginName string) ([]dirEntry, []*plugin.ScanError) {
	if len(data) < dirOffset+blockSize {
		return nil, []*plugin.ScanError{{
			Plugin: pluginName, Path: path,
			Err: fmt.Errorf("card too small for directory block"),
		}}
	}
	dir := data[dirOffset : dirOffset+blockSize]

	var entries []dirEntry
	var warns []*plugin.ScanError
	for i := 0; i < maxDirEntries; i++ {
		off := dirHeaderSize + i*dirEntrySize
		if off+dirEntrySize > len(dir) {
			break
		}
		raw := dir[off : off+dirEntrySize]

		// An unused slot has 0xFF in the game-code field.
		if bytes.Equal(raw[0:4], []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
			continue
		}
		gameCode := cString(raw[0:4])
		if len(gameCode) < 3 || !isPrintableASCII(gameCode) {
			warns = append(warns, &plugin.ScanError{
				Plugin: pluginName, Path: path,
				Err: fmt.Errorf("directory entry %d has invalid game code", i),
			})
			continue
		}
		entries = append(entries, dirEntry{
			gameCode:  gameCode,
			makerCode: cString(raw[4:6]),
			filename:  cString(raw[0x08:0x28]),
			blocks:    binary.BigEndian.Uint16(raw[0x38:]),
		})
	}
	return entries, warns
}

// parseGCIHeader reads a GCI file's leading directory entry.
func parseGCIHeader(path string) (*dirEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, dirEntrySize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	gameCode := cString(header[0:4])
	if len(gameCode) < 3 || !isPrintableASCII(gameCode) {
		return nil, fmt.Errorf("invalid game code in header")
	}
	return &dirEntry{
		gameCode:  gameCode,
		makerCode: cString(header[4:6]),
		filename:  cString(header[0x08:0x28]),
		blocks:    binary.BigEndian.Uint16(header[0x38:]),
	}, nil
}

func pickTitle(de dirEntry) string {
	if de.filename != "" {
		return de.filename
	}
	return de.gameCode
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func isPrintableASCII(s string) bool {
	for _, c := range s {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
