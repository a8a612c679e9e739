package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - SAVESYNC_CONFIG_PATH: config file location (default: ~/.config/savesync.toml)
//   - SAVESYNC_HOME: base directory for savesync data (default: ~/.local/share/savesync)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking SAVESYNC_CONFIG_PATH env var
// first, then falling back to the default ~/.config/savesync.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("SAVESYNC_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "savesync.toml"), nil
}

// getBaseDir returns the base directory for savesync data, checking SAVESYNC_HOME
// env var first, then falling back to the XDG default ~/.local/share/savesync.
func getBaseDir() (string, error) {
	if path := os.Getenv("SAVESYNC_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "savesync"), nil
}
