package gamedb

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "gamedb.sqlite"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestImportAndLookup(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	data := strings.Join([]string{
		"# serial\ttitle\tplatform",
		"SLUS-20552\tFinal Fantasy X\tPS2",
		"",
		"GALE01\tSuper Smash Bros. Melee\tGameCube",
		"slps-25088\tShin Megami Tensei III",
	}, "\n")

	n, err := db.ImportTSV(ctx, strings.NewReader(data))
	if err != nil {
		t.Fatalf("ImportTSV() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("imported %d entries, want 3", n)
	}

	got, err := db.Lookup(ctx, "SLUS-20552")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.Title != "Final Fantasy X" || got.Platform != "PS2" {
		t.Errorf("Lookup() = %+v", got)
	}

	// Serials normalize to upper case on both import and lookup.
	got, err = db.Lookup(ctx, "slps-25088")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if got.Serial != "SLPS-25088" || got.Platform != "" {
		t.Errorf("Lookup() = %+v", got)
	}
}

func TestLookupUnknownSerial(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Lookup(context.Background(), "SLUS-99999")
	if !errors.Is(err, ErrUnknownSerial) {
		t.Fatalf("Lookup() error = %v, want ErrUnknownSerial", err)
	}
}

func TestImportReplacesExisting(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	if _, err := db.ImportTSV(ctx, strings.NewReader("GALE01\tMelee\tGameCube")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ImportTSV(ctx, strings.NewReader("GALE01\tSuper Smash Bros. Melee\tGameCube")); err != nil {
		t.Fatal(err)
	}

	got, err := db.Lookup(ctx, "GALE01")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Super Smash Bros. Melee" {
		t.Errorf("title = %q after re-import", got.Title)
	}
	n, err := db.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestImportRejectsMalformedLine(t *testing.T) {
	db := openTestDB(t)

	_, err := db.ImportTSV(context.Background(), strings.NewReader("SLUS-20552\tFFX\n20552 no tab\n"))
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("ImportTSV() error = %v, want line 2 failure", err)
	}

	// The failed import rolls back entirely.
	n, err := db.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("Count() = %d after failed import, want 0", n)
	}
}
