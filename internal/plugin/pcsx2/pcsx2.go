// Package pcsx2 scans PCSX2 (PlayStation 2) save data: raw memory-card
// images, folder-backed memory cards, and save states. Memory-card images
// contain a small filesystem; the root directory table is parsed so each
// game save on the card becomes its own GameSave.
package pcsx2

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"savesync/internal/paths"
	"savesync/internal/plugin"
	"savesync/internal/save"
)

const (
	pageSize    = 512
	eccSize     = 16
	rawPageSize = pageSize + eccSize // 528
	cardSize8MB = 8 * 1024 * 1024

	// Each root directory entry is one 512-byte record.
	dirEntrySize = 512

	// Directory-entry mode bit: entry is in use.
	modeExists = 0x8000
)

var (
	ps2Magic = []byte("Sony PS2 Memory Card Format")
	ps1Magic = []byte("MC")

	// Save-state filenames look like "SLPS-25733 (083F0E03).00.p2s".
	saveStateRe = regexp.MustCompile(`^([A-Z]{4}-\d{5})\s*\(([0-9A-Fa-f]{8})\)`)

	memcardExts = map[string]bool{
		".ps2": true, ".mcr": true, ".mcd": true, ".bin": true, ".mc2": true,
	}
)

// superblock holds the fields of the card's first page we need to locate
// the root directory.
type superblock struct {
	pageSize        uint16
	pagesPerCluster uint16
	allocOffset     uint32
	rootDirCluster  uint32
}

// Plugin implements plugin.Plugin for PCSX2.
type Plugin struct {
	res        *paths.Resolver
	extraPaths []string
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates the PCSX2 plugin. extraPaths are user-configured directories
// searched in addition to the conventional install locations.
func New(res *paths.Resolver, extraPaths []string) *Plugin {
	return &Plugin{res: res, extraPaths: extraPaths}
}

func (p *Plugin) Name() string        { return "PCSX2" }
func (p *Plugin) DisplayName() string { return "PCSX2 (PlayStation 2)" }
func (p *Plugin) Platforms() []string { return []string{"PS2", "PS1"} }

// DetectInstallations probes the conventional PCSX2 data directories plus
// any user-configured paths. A directory counts as an install when it has
// a memcards or inis subdirectory.
func (p *Plugin) DetectInstallations() ([]save.EmulatorInfo, error) {
	var candidates []string

	for _, portable := range []string{
		"${DOCUMENTS}/PCSX2",
		"${APPDATA}/PCSX2",
		"${HOME}/.config/PCSX2",
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

		if _, err := os.Stat(dir); err != nil {
			continue
		}
		hasMemcards := dirExists(filepath.Join(dir, "memcards"))
		hasInis := dirExists(filepath.Join(dir, "inis"))
		if !hasMemcards && !hasInis {
			continue
		}
		portable := fileExists(filepath.Join(dir, "portable.ini"))
		infos = append(infos, save.EmulatorInfo{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			InstallPath: dir,
			DataPath:    dir,
			Portable:    portable,
		})
	}
	return infos, nil
}

// SaveDirectories returns the memory-card and save-state directories for an
// install.
func (p *Plugin) SaveDirectories(info save.EmulatorInfo) map[save.SaveType]string {
	return map[save.SaveType]string{
		save.TypeMemcardImage: filepath.Join(info.DataPath, "memcards"),
		save.TypeSaveState:    filepath.Join(info.DataPath, "sstates"),
	}
}

// ScanSaves scans memory cards and save states under info's data directory.
func (p *Plugin) ScanSaves(ctx context.Context, info save.EmulatorInfo) ([]save.GameSave, []*plugin.ScanError) {
	var saves []save.GameSave
	var warns []*plugin.ScanError

	dirs := p.SaveDirectories(info)

	if memcards := dirs[save.TypeMemcardImage]; dirExists(memcards) {
		entries, err := os.ReadDir(memcards)
		if err != nil {
			warns = append(warns, p.warn(memcards, err))
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				return saves, warns
			}
			path := filepath.Join(memcards, e.Name())
			switch {
			case !e.IsDir() && memcardExts[strings.ToLower(filepath.Ext(e.Name()))]:
				s, w := p.scanCardImage(path)
				saves = append(saves, s...)
				warns = append(warns, w...)
			case e.IsDir() && fileExists(filepath.Join(path, "_pcsx2_superblock")):
				s, w := p.scanFolderCard(path)
				saves = append(saves, s...)
				warns = append(warns, w...)
			}
		}
	}

	if states := dirs[save.TypeSaveState]; dirExists(states) {
		s, w := p.scanSaveStates(states)
		saves = append(saves, s...)
		warns = append(warns, w...)
	}

	mergeDiscCRC(saves)
	return saves, warns
}

// scanCardImage parses one memory-card image file into per-game saves.
// The card file itself is the save unit on disk, so every game found in
// its directory table references the same SaveFile.
func (p *Plugin) scanCardImage(path string) ([]save.GameSave, []*plugin.ScanError) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, []*plugin.ScanError{p.warn(path, err)}
	}

	if hasECC(len(raw)) {
		raw = stripECC(raw)
	}

	cardFile, err := plugin.StatFile(p.res, path, save.TypeMemcardImage)
	if err != nil {
		return nil, []*plugin.ScanError{p.warn(path, err)}
	}

	sb, ok := parseSuperblock(raw)
	if !ok {
		// Not a PS2 card. A PS1 card is tracked as a single opaque save.
		if bytes.HasPrefix(raw, ps1Magic) {
			name := trimExt(filepath.Base(path))
			return []save.GameSave{{
				Emulator: p.Name(),
				GameID:   name,
				Title:    name,
				Platform: "PS1",
				Type:     save.TypeMemcardImage,
				Files:    []save.SaveFile{cardFile},
			}}, nil
		}
		return nil, []*plugin.ScanError{p.warn(path, fmt.Errorf("unrecognized memory card format"))}
	}

	entries, warns := readRootEntries(raw, sb, path, p.Name())

	if len(entries) == 0 {
		// Unreadable directory table: keep the card as one unit rather
		// than losing it from the inventory.
		name := trimExt(filepath.Base(path))
		return []save.GameSave{{
			Emulator: p.Name(),
			GameID:   name,
			Title:    name,
			Platform: "PS2",
			Type:     save.TypeMemcardImage,
			Files:    []save.SaveFile{cardFile},
		}}, warns
	}

	var saves []save.GameSave
	for _, name := range entries {
		if strings.HasPrefix(name, "BADATA-SYSTEM") || strings.HasPrefix(name, "!") {
			continue
		}
		saves = append(saves, save.GameSave{
			Emulator: p.Name(),
			GameID:   gameIDFromDirName(name),
			Title:    name,
			Platform: "PS2",
			Type:     save.TypeMemcardImage,
			Files:    []save.SaveFile{cardFile},
		})
	}
	return saves, warns
}

// scanFolderCard scans a folder-backed memory card: each subdirectory is
// one game save.
func (p *Plugin) scanFolderCard(dir string) ([]save.GameSave, []*plugin.ScanError) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []*plugin.ScanError{p.warn(dir, err)}
	}

	var saves []save.GameSave
	var warns []*plugin.ScanError
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasPrefix(e.Name(), "_") {
			continue
		}
		child := filepath.Join(dir, e.Name())
		sf, err := plugin.StatDir(p.res, child, save.TypeMemcardFolder)
		if err != nil {
			warns = append(warns, p.warn(child, err))
			continue
		}
		saves = append(saves, save.GameSave{
			Emulator: p.Name(),
			GameID:   gameIDFromDirName(e.Name()),
			Title:    e.Name(),
			Platform: "PS2",
			Type:     save.TypeMemcardFolder,
			Files:    []save.SaveFile{sf},
		})
	}
	return saves, warns
}

// scanSaveStates groups .p2s files by game serial parsed from the filename.
func (p *Plugin) scanSaveStates(dir string) ([]save.GameSave, []*plugin.ScanError) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, []*plugin.ScanError{p.warn(dir, err)}
	}

	var warns []*plugin.ScanError
	bySerial := make(map[string]*save.GameSave)
	var order []string

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lower := strings.ToLower(e.Name())
		if !strings.HasSuffix(lower, ".p2s") && !strings.HasSuffix(lower, ".p2s.backup") {
			continue
		}

		base := e.Name()
		if i := strings.IndexByte(base, '.'); i > 0 {
			base = base[:i]
		}
		serial := base
		crc := ""
		if m := saveStateRe.FindStringSubmatch(base); m != nil {
			serial = m[1]
			crc = strings.ToUpper(m[2])
		}

		path := filepath.Join(dir, e.Name())
		sf, err := plugin.StatFile(p.res, path, save.TypeSaveState)
		if err != nil {
			warns = append(warns, p.warn(path, err))
			continue
		}

		gs, ok := bySerial[serial]
		if !ok {
			gs = &save.GameSave{
				Emulator: p.Name(),
				GameID:   serial,
				Title:    serial,
				Platform: "PS2",
				Type:     save.TypeSaveState,
			}
			bySerial[serial] = gs
			order = append(order, serial)
		}
		gs.Files = append(gs.Files, sf)
		if gs.DiscCRC32 == "" {
			gs.DiscCRC32 = crc
		}
	}

	saves := make([]save.GameSave, 0, len(order))
	for _, serial := range order {
		saves = append(saves, *bySerial[serial])
	}
	return saves, warns
}

func (p *Plugin) warn(path string, err error) *plugin.ScanError {
	return &plugin.ScanError{Plugin: p.Name(), Path: path, Err: err}
}

// parseSuperblock reads the card's first page. ok is false when the PS2
// magic is absent.
func parseSuperblock(data []byte) (superblock, bool) {
	if len(data) < pageSize || !bytes.HasPrefix(data, ps2Magic) {
		return superblock{}, false
	}
	sb := superblock{
		pageSize:        binary.LittleEndian.Uint16(data[0x28:]),
		pagesPerCluster: binary.LittleEndian.Uint16(data[0x2A:]),
		allocOffset:     binary.LittleEndian.Uint32(data[0x34:]),
		rootDirCluster:  binary.LittleEndian.Uint32(data[0x3C:]),
	}
	if sb.pageSize == 0 {
		sb.pageSize = pageSize
	}
	if sb.pagesPerCluster == 0 {
		sb.pagesPerCluster = 2
	}
	return sb, true
}

// readRootEntries returns the names of in-use root directory entries,
// skipping "." and "..". Individual malformed entries are skipped with a
// warning; they never abort the card scan.
func readRootEntries(data []byte, sb superblock, path, pluginName string) ([]string, []*plugin.ScanError) {
	clusterSize := int(sb.pageSize) * int(sb.pagesPerCluster)
	rootOff := (int(sb.allocOffset) + int(sb.rootDirCluster)) * clusterSize
	if rootOff < 0 || rootOff+dirEntrySize > len(data) {
		return nil, []*plugin.ScanError{{
			Plugin: pluginName, Path: path,
			Err: fmt.Errorf("root directory offset %d out of range", rootOff),
		}}
	}

	// The "." entry's length field is the number of entries in the root.
	numEntries := int(binary.LittleEndian.Uint32(data[rootOff+4:]))
	if numEntries <= 0 || numEntries > 1000 {
		numEntries = min(15, (len(data)-rootOff)/dirEntrySize)
	}
	if numEntries > 100 {
		numEntries = 100
	}

	var names []string
	var warns []*plugin.ScanError
	for i := 2; i < numEntries; i++ { // skip "." and ".."
		off := rootOff + i*dirEntrySize
		if off+dirEntrySize > len(data) {
			break
		}
		entry := data[off : off+dirEntrySize]
		mode := binary.LittleEndian.Uint32(entry)
		if mode&modeExists == 0 {
			continue
		}

		raw := entry[0x20:0x40]
		if n := bytes.IndexByte(raw, 0); n >= 0 {
			raw = raw[:n]
		}
		name := strings.TrimSpace(string(raw))
		if name == "" || name == "." || name == ".." || !isPrintableASCII(name) {
			warns = append(warns, &plugin.ScanError{
				Plugin: pluginName, Path: path,
				Err: fmt.Errorf("directory entry %d has unreadable name", i),
			})
			continue
		}
		names = append(names, name)
	}
	return names, warns
}

// hasECC reports whether a raw card image carries 16 ECC bytes per page.
// An 8 MB card without ECC is exactly 8388608 bytes; with ECC each
// 512-byte page grows to 528.
func hasECC(size int) bool {
	withECC := (cardSize8MB / pageSize) * rawPageSize
	return size == withECC || float64(size) > float64(cardSize8MB)*1.02
}

// stripECC drops the trailing 16 ECC bytes from each 528-byte raw page.
func stripECC(data []byte) []byte {
	pages := len(data) / rawPageSize
	out := make([]byte, 0, pages*pageSize)
	for i := 0; i < pages; i++ {
		off := i * rawPageSize
		out = append(out, data[off:off+pageSize]...)
	}
	return out
}

// gameIDFromDirName extracts a disc serial from a PS2 save directory name.
// Names look like "BASLUS-21005INGS001": a 2-char region prefix followed by
// the serial ("SLUS-21005") and a game-specific suffix.
func gameIDFromDirName(name string) string {
	if len(name) >= 12 {
		candidate := name[2:12]
		if candidate[4] == '-' && isDigits(candidate[5:10]) {
			return candidate
		}
	}
	return name
}

// mergeDiscCRC copies a known disc CRC onto saves of the same game that
// lack one (save states carry the CRC in their filename, memcard saves
// do not).
func mergeDiscCRC(saves []save.GameSave) {
	crcByGame := make(map[string]string)
	for _, s := range saves {
		if s.DiscCRC32 != "" {
			crcByGame[s.GameID] = s.DiscCRC32
		}
	}
	for i := range saves {
		if saves[i].DiscCRC32 == "" {
			saves[i].DiscCRC32 = crcByGame[saves[i].GameID]
		}
	}
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isPrintableASCII(s string) bool {
	for _, c := range s {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
