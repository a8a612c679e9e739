package syncer

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"savesync/internal/archive"
	"savesync/internal/save"
)

// Manifest is the per-game shared state: the ordered list of versions the
// sync store holds, written atomically under the store's manifest lock.
type Manifest struct {
	Emulator  string            `json:"emulator"`
	GameID    string            `json:"game_id"`
	Title     string            `json:"title,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
	UpdatedBy string            `json:"updated_by"`
	Versions  []ManifestVersion `json:"versions"`
}

// ManifestVersion describes one archive in the store. BLAKE3 is the hash of
// the plaintext zip; for encrypted entries the stored object decrypts to it.
type ManifestVersion struct {
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	Device    string          `json:"device"`
	SaveType  save.SaveType   `json:"save_type"`
	Archive   string          `json:"archive"` // object name within the game dir
	BLAKE3    string          `json:"archive_blake3"`
	Files     []archive.Entry `json:"files"`
	DiscCRC32 string          `json:"disc_crc32,omitempty"`
	Encrypted bool            `json:"encrypted,omitempty"`
	Pinned    bool            `json:"pinned,omitempty"`
	Label     string          `json:"label,omitempty"`
}

// Key returns the save key this manifest belongs to.
func (m *Manifest) Key() save.Key { return save.Key{Emulator: m.Emulator, GameID: m.GameID} }

// Latest returns the newest version, or nil for an empty manifest.
func (m *Manifest) Latest() *ManifestVersion {
	if len(m.Versions) == 0 {
		return nil
	}
	return &m.Versions[len(m.Versions)-1]
}

func (m *Manifest) sortVersions() {
	sort.Slice(m.Versions, func(i, j int) bool { return m.Versions[i].Version < m.Versions[j].Version })
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	m.sortVersions()
	return &m, nil
}

func encodeManifest(m *Manifest) ([]byte, error) {
	m.sortVersions()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}
