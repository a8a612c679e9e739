// Package snes9x scans Snes9x save data. Snes9x keeps battery-backed SRAM
// as one .srm file per ROM and save states as .00x files, so this plugin is
// pure directory enumeration with no binary parsing.
package snes9x

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

// Save-state extensions are .000 through .009 plus frozen .oops files.
var stateRe = regexp.MustCompile(`(?i)\.(00\d|oops)$`)

// Plugin implements plugin.Plugin for Snes9x.
type Plugin struct {
	res        *paths.Resolver
	extraPaths []string
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates the Snes9x plugin.
func New(res *paths.Resolver, extraPaths []string) *Plugin {
	return &Plugin{res: res, extraPaths: extraPaths}
}

func (p *Plugin) Name() string        { return "Snes9x" }
func (p *Plugin) DisplayName() string { return "Snes9x (Super Nintendo)" }
func (p *Plugin) Platforms() []string { return []string{"SNES"} }

// DetectInstallations probes the conventional Snes9x data locations.
func (p *Plugin) DetectInstallations() ([]save.EmulatorInfo, error) {
	var candidates []string
	for _, portable := range []string{
		"${HOME}/.snes9x",
		"${APPDATA}/Snes9x",
		"${DOCUMENTS}/Snes9x",
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
		if !dirExists(filepath.Join(dir, "saves")) && !dirExists(filepath.Join(dir, "sram")) {
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

// SaveDirectories returns the battery-save and save-state directories,
// accounting for both the "saves"/"sram" naming variants.
func (p *Plugin) SaveDirectories(info save.EmulatorInfo) map[save.SaveType]string {
	sram := filepath.Join(info.DataPath, "sram")
	if !dirExists(sram) {
		sram = filepath.Join(info.DataPath, "saves")
	}
	return map[save.SaveType]string{
		save.TypeBattery:   sram,
		save.TypeSaveState: filepath.Join(info.DataPath, "snapshots"),
	}
}

// ScanSaves enumerates .srm battery saves and save states, grouping both by
// ROM name.
func (p *Plugin) ScanSaves(ctx context.Context, info save.EmulatorInfo) ([]save.GameSave, []*plugin.ScanError) {
	var warns []*plugin.ScanError
	byGame := make(map[string]*save.GameSave)
	var order []string

	add := func(path string, typ save.SaveType) {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		sf, err := plugin.StatFile(p.res, path, typ)
		if err != nil {
			warns = append(warns, p.warn(path, err))
			return
		}
		gs, ok := byGame[name]
		if !ok {
			gs = &save.GameSave{
				Emulator: p.Name(),
				GameID:   name,
				Title:    name,
				Platform: "SNES",
				Type:     typ,
			}
			byGame[name] = gs
			order = append(order, name)
		}
		gs.Files = append(gs.Files, sf)
	}

	dirs := p.SaveDirectories(info)

	if sram := dirs[save.TypeBattery]; dirExists(sram) {
		entries, err := os.ReadDir(sram)
		if err != nil {
			warns = append(warns, p.warn(sram, err))
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				break
			}
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".srm") {
				add(filepath.Join(sram, e.Name()), save.TypeBattery)
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
			if !e.IsDir() && stateRe.MatchString(e.Name()) {
				add(filepath.Join(states, e.Name()), save.TypeSaveState)
			}
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

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
