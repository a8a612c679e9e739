// Package save defines the canonical model for emulator save data.
// Plugins normalize emulator-specific on-disk layouts into these types;
// everything downstream (scanner, backup, restore, sync) consumes them.
package save

import (
	"fmt"
	"time"
)

// SaveType classifies how a game save is laid out on disk, which in turn
// determines how its files are archived and compared.
type SaveType string

const (
	// TypeMemcardImage is a fixed-size memory-card image file containing
	// an internal filesystem (e.g. a PS2 .ps2 card).
	TypeMemcardImage SaveType = "memcard_image"

	// TypeMemcardFolder is a folder-backed memory card where each game
	// save is a subdirectory.
	TypeMemcardFolder SaveType = "memcard_folder"

	// TypeSaveState is an emulator save state (whole-machine snapshot).
	TypeSaveState SaveType = "savestate"

	// TypeBattery is battery-backed SRAM written by the game itself
	// (.srm, .sav and friends).
	TypeBattery SaveType = "battery"

	// TypeFolder is a plain directory of save files.
	TypeFolder SaveType = "folder"
)

// Valid reports whether t is one of the known save types.
func (t SaveType) Valid() bool {
	switch t {
	case TypeMemcardImage, TypeMemcardFolder, TypeSaveState, TypeBattery, TypeFolder:
		return true
	}
	return false
}

// EmulatorInfo identifies one detected emulator installation.
// Instances are produced by a plugin's detection step and are not mutated;
// a re-scan replaces them wholesale.
type EmulatorInfo struct {
	// Name is the plugin name ("PCSX2", "Dolphin", ...).
	Name string

	// DisplayName is the human-readable emulator name.
	DisplayName string

	// InstallPath is the install or executable directory (absolute).
	InstallPath string

	// DataPath is the directory holding the emulator's save data (absolute).
	DataPath string

	// Version is the detected emulator version, if any.
	Version string

	// Portable marks a portable-mode install (data lives next to the exe).
	Portable bool
}

// SaveFile is one physical file or directory belonging to a save.
type SaveFile struct {
	// PortablePath is the placeholder-encoded location of the file.
	// Absolute machine paths are never persisted.
	PortablePath string `json:"path"`

	// Type describes this entry's role within the save.
	Type SaveType `json:"type"`

	// Size in bytes. For directory entries, the sum over contained files.
	Size int64 `json:"size"`

	// Modified is the last-modified timestamp. For directory entries, the
	// newest timestamp among contained files.
	Modified time.Time `json:"modified"`

	// IsDir marks directory entries (folder saves, folder memcards).
	IsDir bool `json:"is_dir,omitempty"`

	// SHA256 is the hex content hash. Computed lazily; empty until a
	// caller fills it via digest helpers.
	SHA256 string `json:"sha256,omitempty"`
}

// GameSave is the logical save unit for one game on one emulator.
// A re-scan replaces GameSave values wholesale; nothing mutates them in place.
type GameSave struct {
	// Emulator is the owning plugin name.
	Emulator string `json:"emulator"`

	// GameID is the unique game identifier (disc serial, ROM name, title id).
	GameID string `json:"game_id"`

	// Title is the human-readable game title. Defaults to GameID when no
	// better name is known.
	Title string `json:"title"`

	// Platform is the game's console platform ("PS2", "SNES", ...).
	Platform string `json:"platform"`

	// Type is the dominant save type for this game.
	Type SaveType `json:"save_type"`

	// Files are the save's physical entries, in stable plugin order.
	Files []SaveFile `json:"files"`

	// DiscCRC32 identifies the game revision/region, as an 8-digit upper
	// hex string (e.g. "083F0E03"). Empty when unknown.
	DiscCRC32 string `json:"crc32,omitempty"`
}

// Key returns the (emulator, game) identity used as the map key across
// scanner output, backup storage and sync manifests.
func (g *GameSave) Key() Key {
	return Key{Emulator: g.Emulator, GameID: g.GameID}
}

// TotalSize is the sum of all file sizes in bytes.
func (g *GameSave) TotalSize() int64 {
	var n int64
	for _, f := range g.Files {
		n += f.Size
	}
	return n
}

// LastModified is the newest modification time among the save's files,
// or the zero time when the save has no files.
func (g *GameSave) LastModified() time.Time {
	var t time.Time
	for _, f := range g.Files {
		if f.Modified.After(t) {
			t = f.Modified
		}
	}
	return t
}

// Key identifies one (emulator, game) pair.
type Key struct {
	Emulator string
	GameID   string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Emulator, k.GameID)
}
