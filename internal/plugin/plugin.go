// Package plugin defines the contract every emulator plugin implements and
// the registry that holds the set of available plugins. A plugin knows how
// to find its emulator's installations on this machine and how to read the
// emulator's on-disk save structures into the canonical save model.
package plugin

import (
	"context"
	"fmt"
	"sort"

	"savesync/internal/save"
)

// Plugin is implemented once per supported emulator. Implementations are
// stateless across scans: every call recomputes from disk.
type Plugin interface {
	// Name is the unique plugin name ("PCSX2", "Dolphin", ...).
	Name() string

	// DisplayName is the human-readable emulator name.
	DisplayName() string

	// Platforms lists the game platforms this emulator runs.
	Platforms() []string

	// DetectInstallations probes known install locations and returns zero
	// or more detected installs. Not finding the emulator is not an error;
	// only I/O failures while probing are.
	DetectInstallations() ([]save.EmulatorInfo, error)

	// ScanSaves reads the emulator's save structures under info and maps
	// them into GameSaves. Corrupt or unreadable entries are skipped and
	// reported in the warning slice rather than aborting the scan.
	ScanSaves(ctx context.Context, info save.EmulatorInfo) ([]save.GameSave, []*ScanError)

	// SaveDirectories returns the save locations for an install, keyed by
	// save type. Directories that do not exist are still returned so
	// callers can display or watch them.
	SaveDirectories(info save.EmulatorInfo) map[save.SaveType]string
}

// ScanError reports a non-fatal failure while detecting or scanning.
// Scans collect these and keep going.
type ScanError struct {
	Plugin string
	Path   string
	Err    error
}

func (e *ScanError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Plugin, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Plugin, e.Path, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

// Registry holds the ordered set of available plugins, de-duplicated by
// name. Plugins are registered once at startup; there is no hot reload.
type Registry struct {
	order  []Plugin
	byName map[string]Plugin
}

// NewRegistry builds a registry from the given plugins. When two plugins
// share a name the first registration wins.
func NewRegistry(plugins ...Plugin) *Registry {
	r := &Registry{byName: make(map[string]Plugin)}
	for _, p := range plugins {
		if _, dup := r.byName[p.Name()]; dup {
			continue
		}
		r.byName[p.Name()] = p
		r.order = append(r.order, p)
	}
	return r
}

// All returns the registered plugins in registration order.
func (r *Registry) All() []Plugin {
	out := make([]Plugin, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns the plugin with the given name.
func (r *Registry) Get(name string) (Plugin, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Names returns the registered plugin names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
