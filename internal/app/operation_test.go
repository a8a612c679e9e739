package app

import (
	"testing"
	"time"
)

func TestNewOperation(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	op := newOperation("backup", ts)

	if op.ID != "20240615T143045Z-backup" {
		t.Errorf("ID = %q, want %q", op.ID, "20240615T143045Z-backup")
	}
	if op.Command != "backup" {
		t.Errorf("Command = %q, want %q", op.Command, "backup")
	}
	if !op.Started.Equal(ts) {
		t.Errorf("Started = %v, want %v", op.Started, ts)
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "PCSX2/SLUS-20552", want: "PCSX2:SLUS-20552"},
		{in: "Snes9x:Super Metroid", want: "Snes9x:Super Metroid"},
		{in: "Dolphin/GALE01/extra", want: "Dolphin:GALE01/extra"},
		{in: "no-separator", wantErr: true},
		{in: "/missing-emulator", wantErr: true},
		{in: "PCSX2/", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			key, err := ParseKey(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseKey(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKey(%q) error = %v", tt.in, err)
			}
			if key.String() != tt.want {
				t.Errorf("ParseKey(%q) = %s, want %s", tt.in, key, tt.want)
			}
		})
	}
}
