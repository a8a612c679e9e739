package syncstore

import (
	"context"
	"testing"

	"savesync/internal/config"
)

func TestNewFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.SyncStoreConfig
		wantErr bool
	}{
		{
			name: "memory store",
			cfg:  config.SyncStoreConfig{Type: "memory"},
		},
		{
			name: "filesystem store",
			cfg:  config.SyncStoreConfig{Type: "filesystem", SyncFolder: t.TempDir()},
		},
		{
			name:    "filesystem store without folder",
			cfg:     config.SyncStoreConfig{Type: "filesystem"},
			wantErr: true,
		},
		{
			name:    "s3 store without bucket",
			cfg:     config.SyncStoreConfig{Type: "s3"},
			wantErr: true,
		},
		{
			name:    "unknown type",
			cfg:     config.SyncStoreConfig{Type: "carrier-pigeon"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewFromConfig(context.Background(), tt.cfg, "device-a")
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFromConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got == nil {
				t.Error("NewFromConfig() returned nil store")
			}
		})
	}
}
