// Package mesen scans Mesen2 save data. Mesen stores battery saves under
// Saves/ and save states under SaveStates/; a save state begins with a
// small header ("MSS" magic, version fields and a console-type tag) that
// identifies the platform of the game it belongs to.
package mesen

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"savesync/internal/paths"
	"savesync/internal/plugin"
	"savesync/internal/save"
)

var mssMagic = []byte("MSS")

// Console-type values stored in the MSS header.
var consoleNames = map[uint32]string{
	0: "NES",
	1: "SNES",
	2: "GB",
	3: "PCE",
	4: "SMS",
	5: "GBA",
	6: "WS",
}

// Plugin implements plugin.Plugin for Mesen2.
type Plugin struct {
	res        *paths.Resolver
	extraPaths []string
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates the Mesen plugin.
func New(res *paths.Resolver, extraPaths []string) *Plugin {
	return &Plugin{res: res, extraPaths: extraPaths}
}

func (p *Plugin) Name() string        { return "Mesen" }
func (p *Plugin) DisplayName() string { return "Mesen2 (multi-system)" }
func (p *Plugin) Platforms() []string { return []string{"NES", "SNES", "GB", "PCE", "SMS", "GBA"} }

// DetectInstallations probes Mesen's documents and home data directories.
func (p *Plugin) DetectInstallations() ([]save.EmulatorInfo, error) {
	var candidates []string
	for _, portable := range []string{
		"${DOCUMENTS}/Mesen2",
		"${HOME}/Mesen2",
		"${APPDATA}/Mesen2",
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
		if !dirExists(dir) {
			continue
		}
		if !dirExists(filepath.Join(dir, "Saves")) && !dirExists(filepath.Join(dir, "SaveStates")) {
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

// SaveDirectories returns the battery-save and save-state directories.
func (p *Plugin) SaveDirectories(info save.EmulatorInfo) map[save.SaveType]string {
	return map[save.SaveType]string{
		save.TypeBattery:   filepath.Join(info.DataPath, "Saves"),
		save.TypeSaveState: filepath.Join(info.DataPath, "SaveStates"),
	}
}

// ScanSaves enumerates battery saves and header-tagged save states,
// grouped by ROM name.
func (p *Plugin) ScanSaves(ctx context.Context, info save.EmulatorInfo) ([]save.GameSave, []*plugin.ScanError) {
	var warns []*plugin.ScanError
	byGame := make(map[string]*save.GameSave)
	var order []string

	get := func(name, platform string, typ save.SaveType) *save.GameSave {
		gs, ok := byGame[name]
		if !ok {
			gs = &save.GameSave{
				Emulator: p.Name(),
				GameID:   name,
				Title:    name,
				Platform: platform,
				Type:     typ,
			}
			byGame[name] = gs
			order = append(order, name)
		}
		if gs.Platform == "" {
			gs.Platform = platform
		}
		return gs
	}

	dirs := p.SaveDirectories(info)

	if saves := dirs[save.TypeBattery]; dirExists(saves) {
		entries, err := os.ReadDir(saves)
		if err != nil {
			warns = append(warns, p.warn(saves, err))
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				break
			}
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if e.IsDir() || (ext != ".sav" && ext != ".srm") {
				continue
			}
			path := filepath.Join(saves, e.Name())
			sf, err := plugin.StatFile(p.res, path, save.TypeBattery)
			if err != nil {
				warns = append(warns, p.warn(path, err))
				continue
			}
			name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			gs := get(name, "", save.TypeBattery)
			gs.Files = append(gs.Files, sf)
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
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".mss") {
				continue
			}
			path := filepath.Join(states, e.Name())
			platform, err := readStateHeader(path)
			if err != nil {
				warns = append(warns, p.warn(path, err))
				continue
			}
			sf, err := plugin.StatFile(p.res, path, save.TypeSaveState)
			if err != nil {
				warns = append(warns, p.warn(path, err))
				continue
			}
			// State names look like "Game Name_1.mss"; strip the slot.
			name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			if i := strings.LastIndexByte(name, '_'); i > 0 {
				name = name[:i]
			}
			gs := get(name, platform, save.TypeSaveState)
			gs.Files = append(gs.Files, sf)
		}
	}

	saves := make([]save.GameSave, 0, len(order))
	for _, name := range order {
		saves = append(saves, *byGame[name])
	}
	return saves, warns
}

func (p *Plugin) warn(path string, err error) *plugin.ScanError {
	return &plugin.ScanError{Plugin: p.Name(), Path: path, Err: err}
}

// readStateHeader validates the MSS magic and returns the platform name
// encoded in the console-type field.
//
// Header layout: "MSS" magic (3 bytes), emulator version (u32), format
// version (u32), console type (u32), all little-endian.
func readStateHeader(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, 15)
	if _, err := io.ReadFull(f, header); err != nil {
		return "", fmt.Errorf("reading header: %w", err)
	}
	if string(header[0:3]) != string(mssMagic) {
		return "", fmt.Errorf("not a Mesen save state")
	}

	console := binary.LittleEndian.Uint32(header[11:15])
	if name, ok := consoleNames[console]; ok {
		return name, nil
	}
	return "", fmt.Errorf("unknown console type %d", console)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
