package encryption

import (
	"fmt"

	"savesync/internal/config"
	"savesync/internal/save"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration
// type. An empty type means shared-store encryption is disabled and nil is
// returned.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (save.Encryptor, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
