// Package melonds scans melonDS (Nintendo DS) save data. Battery saves are
// one .dsv file per ROM and save states are {rom}.ds{slot} files. melonDS
// 1.0+ can redirect both directories through its melonDS.toml config, older
// builds use a flat melonDS.ini, so the plugin reads whichever is present
// before falling back to the conventional layout.
package melonds

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"savesync/internal/paths"
	"savesync/internal/plugin"
	"savesync/internal/save"
)

// Save states are numbered slots: game.ds0, game.ds1, ...
var stateRe = regexp.MustCompile(`(?i)^(.+)\.ds\d+$`)

// Config keys that relocate the save and state directories.
var (
	saveDirKeys  = []string{"SaveFilePath", "SavesPath"}
	stateDirKeys = []string{"SavestatePath", "StatesPath"}
)

// Plugin implements plugin.Plugin for melonDS.
type Plugin struct {
	res        *paths.Resolver
	extraPaths []string
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates the melonDS plugin.
func New(res *paths.Resolver, extraPaths []string) *Plugin {
	return &Plugin{res: res, extraPaths: extraPaths}
}

func (p *Plugin) Name() string        { return "melonDS" }
func (p *Plugin) DisplayName() string { return "melonDS (Nintendo DS)" }
func (p *Plugin) Platforms() []string { return []string{"NDS"} }

// DetectInstallations probes the conventional melonDS data locations. A
// directory qualifies when it carries a config file or one of the save
// subdirectories; a bare directory from extra_paths qualifies as-is.
func (p *Plugin) DetectInstallations() ([]save.EmulatorInfo, error) {
	var candidates []string
	for _, portable := range []string{
		"${APPDATA}/melonDS",
		"${LOCALAPPDATA}/melonDS",
		"${HOME}/.config/melonDS",
	} {
		abs, err := p.res.Decode(portable)
		if err != nil {
			continue
		}
		candidates = append(candidates, abs)
	}

	extra := make(map[string]bool, len(p.extraPaths))
	for _, dir := range p.extraPaths {
		extra[dir] = true
		candidates = append(candidates, dir)
	}

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
		marker := extra[dir] ||
			fileExists(filepath.Join(dir, "melonDS.toml")) ||
			fileExists(filepath.Join(dir, "melonDS.ini"))
		for _, name := range []string{"Battery", "Savestates", "StateSlots"} {
			if dirExists(filepath.Join(dir, name)) {
				marker = true
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

// SaveDirectories returns the battery-save and save-state directories.
// Config overrides win; otherwise the Battery and Savestates (or the older
// StateSlots) subdirectories are used, falling back to the data root the
// way melonDS itself does when neither exists.
func (p *Plugin) SaveDirectories(info save.EmulatorInfo) map[save.SaveType]string {
	battery := filepath.Join(info.DataPath, "Battery")
	if !dirExists(battery) {
		battery = info.DataPath
	}
	states := filepath.Join(info.DataPath, "Savestates")
	if !dirExists(states) {
		states = filepath.Join(info.DataPath, "StateSlots")
	}
	if !dirExists(states) {
		states = info.DataPath
	}

	overrides := readConfig(info.DataPath)
	for _, key := range saveDirKeys {
		if dir := overrides[key]; dir != "" && dirExists(dir) {
			battery = dir
			break
		}
	}
	for _, key := range stateDirKeys {
		if dir := overrides[key]; dir != "" && dirExists(dir) {
			states = dir
			break
		}
	}

	return map[save.SaveType]string{
		save.TypeBattery:   battery,
		save.TypeSaveState: states,
	}
}

// ScanSaves enumerates .dsv battery saves and numbered save states, grouping
// both by ROM name.
func (p *Plugin) ScanSaves(ctx context.Context, info save.EmulatorInfo) ([]save.GameSave, []*plugin.ScanError) {
	var warns []*plugin.ScanError
	byGame := make(map[string]*save.GameSave)
	var order []string

	add := func(path, name string, typ save.SaveType) {
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
				Platform: "NDS",
				Type:     typ,
			}
			byGame[name] = gs
			order = append(order, name)
		}
		gs.Files = append(gs.Files, sf)
	}

	dirs := p.SaveDirectories(info)

	if battery := dirs[save.TypeBattery]; dirExists(battery) {
		entries, err := os.ReadDir(battery)
		if err != nil {
			warns = append(warns, p.warn(battery, err))
		}
		for _, e := range entries {
			if ctx.Err() != nil {
				break
			}
			if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".dsv") {
				name := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
				add(filepath.Join(battery, e.Name()), name, save.TypeBattery)
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
			if m := stateRe.FindStringSubmatch(e.Name()); m != nil {
				add(filepath.Join(states, e.Name()), m[1], save.TypeSaveState)
			}
		}
	}

	saves := make([]save.GameSave, 0, len(order))
	for _, name := range order {
		saves = append(saves, *byGame[name])
	}
	return saves, warns
}

// readConfig extracts directory overrides from melonDS.toml, or from the
// older flat key=value melonDS.ini when no TOML config exists. A config
// that fails to parse yields no overrides rather than an error; the
// conventional directories still work.
func readConfig(dataPath string) map[string]string {
	out := make(map[string]string)

	if path := filepath.Join(dataPath, "melonDS.toml"); fileExists(path) {
		var raw map[string]any
		if _, err := toml.DecodeFile(path, &raw); err != nil {
			return out
		}
		// Path keys may sit at the top level or inside a section such as
		// [Paths] or [Instance0]; flatten one level.
		flat := make(map[string]string)
		for k, v := range raw {
			switch val := v.(type) {
			case string:
				flat[k] = val
			case map[string]any:
				for k2, v2 := range val {
					if s, ok := v2.(string); ok {
						flat[k2] = s
					}
				}
			}
		}
		for _, key := range append(append([]string{}, saveDirKeys...), stateDirKeys...) {
			if v := flat[key]; v != "" {
				out[key] = v
			}
		}
		return out
	}

	path := filepath.Join(dataPath, "melonDS.ini")
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	wanted := make(map[string]bool)
	for _, key := range append(append([]string{}, saveDirKeys...), stateDirKeys...) {
		wanted[key] = true
	}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if wanted[key] && value != "" {
			out[key] = value
		}
	}
	return out
}

func (p *Plugin) warn(path string, err error) *plugin.ScanError {
	return &plugin.ScanError{Plugin: p.Name(), Path: path, Err: err}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
