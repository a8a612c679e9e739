// Package gamedb maintains a local SQLite index mapping game serials to
// display titles. Emulators identify games by serial (PCSX2 disc serials,
// Dolphin game IDs); the index turns those into human-readable names in
// scan output and backup listings.
package gamedb

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"

	"savesync/internal/gamedb/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ErrUnknownSerial is returned by Lookup when the index has no entry for
// the serial.
var ErrUnknownSerial = errors.New("serial not in title index")

// Title is one index entry.
type Title struct {
	Serial   string
	Title    string
	Platform string
}

// DB is an open title index.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens the index at path, creating it and running schema migrations
// as needed. path can be ":memory:" for tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open title index: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure title index: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating title index: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Lookup returns the entry for serial. Serials are matched
// case-insensitively.
func (d *DB) Lookup(ctx context.Context, serial string) (*Title, error) {
	var t Title
	err := d.db.QueryRowContext(ctx,
		"SELECT serial, title, platform FROM game_titles WHERE serial = ?",
		normalizeSerial(serial)).Scan(&t.Serial, &t.Title, &t.Platform)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", serial, ErrUnknownSerial)
		}
		return nil, fmt.Errorf("looking up serial %s: %w", serial, err)
	}
	return &t, nil
}

// Count returns the number of entries in the index.
func (d *DB) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM game_titles").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting title index: %w", err)
	}
	return n, nil
}

// ImportTSV loads tab-separated "serial<TAB>title[<TAB>platform]" lines
// into the index, replacing existing entries for the same serial. Blank
// lines and lines starting with '#' are skipped. Returns the number of
// entries imported.
func (d *DB) ImportTSV(ctx context.Context, r io.Reader) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting import transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO game_titles (serial, title, platform) VALUES (?, ?, ?)
		 ON CONFLICT(serial) DO UPDATE SET title = excluded.title, platform = excluded.platform`)
	if err != nil {
		return 0, fmt.Errorf("preparing import statement: %w", err)
	}
	defer stmt.Close()

	count := 0
	lineNo := 0
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || strings.TrimSpace(fields[0]) == "" || strings.TrimSpace(fields[1]) == "" {
			return 0, fmt.Errorf("line %d: expected serial<TAB>title[<TAB>platform]", lineNo)
		}
		platform := ""
		if len(fields) > 2 {
			platform = strings.TrimSpace(fields[2])
		}
		serial := normalizeSerial(fields[0])
		title := strings.TrimSpace(fields[1])
		if _, err := stmt.ExecContext(ctx, serial, title, platform); err != nil {
			return 0, fmt.Errorf("line %d: inserting %s: %w", lineNo, serial, err)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading import data: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing import: %w", err)
	}
	return count, nil
}

func normalizeSerial(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
