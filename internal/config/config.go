package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// DefaultMaxBackups bounds unpinned versions per game unless configured.
const DefaultMaxBackups = 5

// Config represents the main configuration for savesync.
type Config struct {
	DeviceID   string           `toml:"device_id"`
	DeviceName string           `toml:"device_name"`
	BackupPath string           `toml:"backup_path"`
	LogDir     string           `toml:"log_dir"`
	MaxBackups int              `toml:"max_backups"`
	Workers    int              `toml:"workers"`
	GameDBPath string           `toml:"gamedb_path"`
	SyncStore  SyncStoreConfig  `toml:"sync_store"`
	Encryption EncryptionConfig `toml:"encryption"`

	// Emulators holds per-plugin overrides, keyed by plugin name.
	Emulators map[string]EmulatorConfig `toml:"emulators"`
}

// EmulatorConfig tunes a single emulator plugin.
type EmulatorConfig struct {
	Disabled   bool     `toml:"disabled,omitempty"`
	ExtraPaths []string `toml:"extra_paths,omitempty"`
}

// SyncStoreConfig represents configuration for the shared sync store.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type SyncStoreConfig struct {
	Type string `toml:"type"` // "filesystem", "s3", or "memory"

	// Filesystem-specific fields (only used when Type == "filesystem")
	SyncFolder string `toml:"sync_folder,omitempty"`

	// S3-specific fields (only used when Type == "s3"). Endpoint and the
	// static credential pair are optional; when empty the default AWS
	// credential chain is used. Endpoint supports S3-compatible servers
	// such as MinIO on a NAS.
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`
	S3AccessKey string `toml:"s3_access_key,omitempty"`
	S3SecretKey string `toml:"s3_secret_key,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt archives
// placed in the shared store. Leaving Type empty disables encryption.
type EncryptionConfig struct {
	Type           string `toml:"type,omitempty"` // "" (disabled) or "age"
	PublicKeyPath  string `toml:"public_key_path,omitempty"`
	PrivateKeyPath string `toml:"private_key_path,omitempty"`
}

// NewConfig creates a Config with the provided identity and default paths
// under baseDir.
func NewConfig(deviceID, deviceName, baseDir string) *Config {
	return &Config{
		DeviceID:   deviceID,
		DeviceName: deviceName,
		BackupPath: filepath.Join(baseDir, "backups"),
		LogDir:     filepath.Join(baseDir, "log"),
		GameDBPath: filepath.Join(baseDir, "gamedb.sqlite"),
		MaxBackups: DefaultMaxBackups,
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "savesync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "savesync.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and applies defaults for
// omitted fields.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the
// provided Config. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
