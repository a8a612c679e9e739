// Package citra scans Citra and Lime3DS (Nintendo 3DS) save data. Game
// saves are directories inside the emulated SD card:
//
//	sdmc/Nintendo 3DS/<id0>/<id1>/title/<high>/<low>/data/00000001/
//
// where <high><low> is the 16-hex-digit title id and high 00040000 marks a
// regular application. Extra data (SpotPass deliveries and the like) lives
// under <id1>/extdata/00000000/<low> and is tracked as its own save so it
// can be backed up and restored independently. Save states are single
// states/<title_id>[.slot].cst files.
package citra

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"savesync/internal/paths"
	"savesync/internal/plugin"
	"savesync/internal/save"
)

// titleHighApp is the title-id high half of a regular application. DLC,
// updates and system titles carry other values and are not game saves.
const titleHighApp = "00040000"

var (
	hexRe   = regexp.MustCompile(`(?i)^[0-9a-f]{8}$`)
	stateRe = regexp.MustCompile(`(?i)^([0-9a-f]{16})(?:\.\d+)?\.cst$`)
)

// Plugin implements plugin.Plugin for Citra.
type Plugin struct {
	res        *paths.Resolver
	extraPaths []string
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates the Citra plugin.
func New(res *paths.Resolver, extraPaths []string) *Plugin {
	return &Plugin{res: res, extraPaths: extraPaths}
}

func (p *Plugin) Name() string        { return "Citra" }
func (p *Plugin) DisplayName() string { return "Citra (Nintendo 3DS)" }
func (p *Plugin) Platforms() []string { return []string{"3DS"} }

// DetectInstallations probes the conventional Citra and Lime3DS data
// locations. A directory qualifies when it has an sdmc, nand or states
// subdirectory.
func (p *Plugin) DetectInstallations() ([]save.EmulatorInfo, error) {
	var candidates []string
	for _, portable := range []string{
		"${APPDATA}/Citra",
		"${APPDATA}/Lime3DS",
		"${HOME}/.local/share/citra-emu",
		"${HOME}/.local/share/lime3ds-emu",
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

		// A portable install keeps its data in user/ next to the binary.
		if sub := filepath.Join(dir, "user"); dirExists(sub) {
			dir = sub
		}
		if !dirExists(dir) {
			continue
		}
		marker := false
		for _, name := range []string{"sdmc", "nand", "states"} {
			if dirExists(filepath.Join(dir, name)) {
				marker = true
				break
			}
		}
		if !marker {
			continue
		}
		infos = append(infos, save.EmulatorInfo{
			Name:        p.Name(),
			DisplayName: p.DisplayName(),
			InstallPath: dir,
			DataPath:    dir,
		})
	}
	return infos, nil
}

// SaveDirectories returns the emulated SD card root and the save-state
// directory.
func (p *Plugin) SaveDirectories(info save.EmulatorInfo) map[save.SaveType]string {
	return map[save.SaveType]string{
		save.TypeFolder:    filepath.Join(info.DataPath, "sdmc", "Nintendo 3DS"),
		save.TypeSaveState: filepath.Join(info.DataPath, "states"),
	}
}

// ScanSaves walks the SD card for title save data and extdata, then picks
// up save states, grouping everything by title id.
func (p *Plugin) ScanSaves(ctx context.Context, info save.EmulatorInfo) ([]save.GameSave, []*plugin.ScanError) {
	var warns []*plugin.ScanError
	byGame := make(map[string]*save.GameSave)
	var order []string

	add := func(id, title string, sf save.SaveFile) {
		gs, ok := byGame[id]
		if !ok {
			gs = &save.GameSave{
				Emulator: p.Name(),
				GameID:   id,
				Title:    title,
				Platform: "3DS",
				Type:     sf.Type,
			}
			byGame[id] = gs
			order = append(order, id)
		}
		gs.Files = append(gs.Files, sf)
	}

	dirs := p.SaveDirectories(info)

	if nintendo := dirs[save.TypeFolder]; dirExists(nintendo) {
		for _, id0 := range readDirNames(nintendo) {
			if ctx.Err() != nil {
				break
			}
			for _, id1 := range readDirNames(filepath.Join(nintendo, id0)) {
				base := filepath.Join(nintendo, id0, id1)
				p.scanTitles(filepath.Join(base, "title"), add, &warns)
				p.scanExtdata(filepath.Join(base, "extdata", "00000000"), add, &warns)
			}
		}
	}

	if states := dirs[save.TypeSaveState]; dirExists(states) {
		entries, err := os.ReadDir(states)
		if err != nil {
			warns = append(warns, p.warn(states, err))
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				break
			}
			if e.IsDir() {
				continue
			}
			m := stateRe.FindStringSubmatch(e.Name())
			if m == nil {
				continue
			}
			path := filepath.Join(states, e.Name())
			sf, err := plugin.StatFile(p.res, path, save.TypeSaveState)
			if err != nil {
				warns = append(warns, p.warn(path, err))
				continue
			}
			id := strings.ToUpper(m[1])
			add(id, id, sf)
		}
	}

	saves := make([]save.GameSave, 0, len(order))
	for _, id := range order {
		saves = append(saves, *byGame[id])
	}
	return saves, warns
}

// scanTitles collects title/<high>/<low>/data/00000001 save directories.
func (p *Plugin) scanTitles(titleBase string, add func(id, title string, sf save.SaveFile), warns *[]*plugin.ScanError) {
	for _, high := range readDirNames(titleBase) {
		if !strings.EqualFold(high, titleHighApp) {
			continue
		}
		for _, low := range readDirNames(filepath.Join(titleBase, high)) {
			if !hexRe.MatchString(low) {
				continue
			}
			dataDir := filepath.Join(titleBase, high, low, "data", "00000001")
			if !dirExists(dataDir) {
				continue
			}
			sf, err := plugin.StatDir(p.res, dataDir, save.TypeFolder)
			if err != nil {
				*warns = append(*warns, p.warn(dataDir, err))
				continue
			}
			// A title directory with no files yet is not a save.
			if sf.Modified.IsZero() {
				continue
			}
			id := strings.ToUpper(high + low)
			add(id, id, sf)
		}
	}
}

// scanExtdata collects extdata/00000000/<low> directories.
func (p *Plugin) scanExtdata(extBase string, add func(id, title string, sf save.SaveFile), warns *[]*plugin.ScanError) {
	for _, low := range readDirNames(extBase) {
		if !hexRe.MatchString(low) {
			continue
		}
		dir := filepath.Join(extBase, low)
		sf, err := plugin.StatDir(p.res, dir, save.TypeFolder)
		if err != nil {
			*warns = append(*warns, p.warn(dir, err))
			continue
		}
		if sf.Modified.IsZero() {
			continue
		}
		id := strings.ToUpper("00000000" + low)
		add(id+"_extdata", id+" (extdata)", sf)
	}
}

func (p *Plugin) warn(path string, err error) *plugin.ScanError {
	return &plugin.ScanError{Plugin: p.Name(), Path: path, Err: err}
}

// readDirNames lists the subdirectory names of dir. Missing or unreadable
// directories yield nothing; the scan keeps going.
func readDirNames(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
