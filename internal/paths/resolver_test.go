package paths

import (
	"errors"
	"path/filepath"
	"testing"
)

func testResolver() *Resolver {
	return NewResolver(map[string]string{
		TokenHome:      "/home/alice",
		TokenDocuments: "/home/alice/Documents",
		TokenAppData:   "/home/alice/.config",
	})
}

func TestEncode(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "documents wins over home",
			in:   "/home/alice/Documents/PCSX2/memcards/Mcd001.ps2",
			want: "${DOCUMENTS}/PCSX2/memcards/Mcd001.ps2",
		},
		{
			name: "home fallback",
			in:   "/home/alice/.snes9x/saves/game.srm",
			want: "${HOME}/.snes9x/saves/game.srm",
		},
		{
			name: "config root",
			in:   "/home/alice/.config/melonDS/melonDS.toml",
			want: "${APPDATA}/melonDS/melonDS.toml",
		},
		{
			name: "root itself",
			in:   "/home/alice/Documents",
			want: "${DOCUMENTS}",
		},
		{
			name: "sibling prefix is not a match",
			in:   "/home/alice2/saves",
			want: "/home/alice2/saves",
		},
		{
			name: "outside any root",
			in:   "/srv/saves/game.sav",
			want: "/srv/saves/game.sav",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Encode(tt.in); got != tt.want {
				t.Errorf("Encode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDecode(t *testing.T) {
	r := testResolver()

	t.Run("round trip for every root", func(t *testing.T) {
		for _, in := range []string{
			"/home/alice/Documents/PCSX2/memcards/Mcd001.ps2",
			"/home/alice/.snes9x/saves/game.srm",
			"/home/alice/.config/melonDS/melonDS.toml",
		} {
			got, err := r.Decode(r.Encode(in))
			if err != nil {
				t.Fatalf("Decode(Encode(%q)) error = %v", in, err)
			}
			if got != filepath.FromSlash(in) {
				t.Errorf("round trip of %q = %q", in, got)
			}
		}
	})

	t.Run("bare token decodes to root", func(t *testing.T) {
		got, err := r.Decode("${DOCUMENTS}")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got != filepath.FromSlash("/home/alice/Documents") {
			t.Errorf("Decode(${DOCUMENTS}) = %q", got)
		}
	})

	t.Run("unknown token fails with ResolutionError", func(t *testing.T) {
		_, err := r.Decode("${STEAM}/saves/game.sav")
		if err == nil {
			t.Fatal("Decode() expected error")
		}
		var re *ResolutionError
		if !errors.As(err, &re) {
			t.Fatalf("error type = %T, want *ResolutionError", err)
		}
		if re.Token != "${STEAM}" {
			t.Errorf("Token = %q, want ${STEAM}", re.Token)
		}
	})

	t.Run("plain path passes through", func(t *testing.T) {
		got, err := r.Decode("/srv/saves/game.sav")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if got != filepath.FromSlash("/srv/saves/game.sav") {
			t.Errorf("Decode passthrough = %q", got)
		}
	})

	t.Run("decode uses current machine roots", func(t *testing.T) {
		other := NewResolver(map[string]string{
			TokenDocuments: "/Users/bob/Documents",
		})
		got, err := other.Decode("${DOCUMENTS}/PCSX2/memcards/Mcd001.ps2")
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		want := filepath.FromSlash("/Users/bob/Documents/PCSX2/memcards/Mcd001.ps2")
		if got != want {
			t.Errorf("Decode = %q, want %q", got, want)
		}
	})
}
