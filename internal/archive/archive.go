// Package archive packs save files into zip archives. Entry names are the
// portable (placeholder) paths, so an archive created on one machine can be
// unpacked on another with a different directory layout.
package archive

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"savesync/internal/paths"
	"savesync/internal/save"
)

// Error describes a failure on one archive member.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("archive %s %s: %v", e.Op, e.Path, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Entry describes one member of an archive.
type Entry struct {
	PortablePath string    `json:"path"`
	Size         int64     `json:"size"`
	Modified     time.Time `json:"modified"`
	SHA256       string    `json:"sha256"`
}

// Create packs files into a zip at destPath. Directory save files are
// walked and each regular file inside becomes its own entry. The archive
// is written to a temp file and renamed into place, and the returned
// entries carry the SHA-256 of each member as it was read.
func Create(destPath string, files []save.SaveFile, res *paths.Resolver) ([]Entry, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".savesync-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create temp archive: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	zw := zip.NewWriter(tmp)
	var entries []Entry
	for _, sf := range files {
		abs, err := res.Decode(sf.PortablePath)
		if err != nil {
			return nil, &Error{Op: "resolve", Path: sf.PortablePath, Err: err}
		}
		if sf.IsDir {
			dirEntries, err := addDir(zw, sf.PortablePath, abs)
			if err != nil {
				return nil, err
			}
			entries = append(entries, dirEntries...)
			continue
		}
		entry, err := addFile(zw, sf.PortablePath, abs)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return nil, fmt.Errorf("rename archive into place: %w", err)
	}
	return entries, nil
}

func addDir(zw *zip.Writer, portableRoot, absRoot string) ([]Entry, error) {
	var rels []string
	err := filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(absRoot, p)
			if err != nil {
				return err
			}
			rels = append(rels, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, &Error{Op: "walk", Path: portableRoot, Err: err}
	}
	sort.Strings(rels)

	entries := make([]Entry, 0, len(rels))
	for _, rel := range rels {
		entry, err := addFile(zw, path.Join(portableRoot, rel), filepath.Join(absRoot, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func addFile(zw *zip.Writer, portablePath, abs string) (Entry, error) {
	f, err := os.Open(abs)
	if err != nil {
		return Entry{}, &Error{Op: "open", Path: portablePath, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Entry{}, &Error{Op: "stat", Path: portablePath, Err: err}
	}

	hdr := &zip.FileHeader{
		Name:     portablePath,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return Entry{}, &Error{Op: "create entry", Path: portablePath, Err: err}
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), f)
	if err != nil {
		return Entry{}, &Error{Op: "write", Path: portablePath, Err: err}
	}
	return Entry{
		PortablePath: portablePath,
		Size:         n,
		Modified:     info.ModTime(),
		SHA256:       hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Archive reads a zip produced by Create.
type Archive struct {
	zr *zip.ReadCloser
}

// Open opens an archive for reading.
func Open(archivePath string) (*Archive, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archivePath, err)
	}
	return &Archive{zr: zr}, nil
}

// Entries lists the archive members in file order.
func (a *Archive) Entries() []Entry {
	entries := make([]Entry, 0, len(a.zr.File))
	for _, f := range a.zr.File {
		entries = append(entries, Entry{
			PortablePath: f.Name,
			Size:         int64(f.UncompressedSize64),
			Modified:     f.Modified,
		})
	}
	return entries
}

// Extract writes the named member to destPath via a temp file and rename,
// preserving the recorded modification time.
func (a *Archive) Extract(portablePath, destPath string) error {
	var member *zip.File
	for _, f := range a.zr.File {
		if f.Name == portablePath {
			member = f
			break
		}
	}
	if member == nil {
		return &Error{Op: "extract", Path: portablePath, Err: fs.ErrNotExist}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return &Error{Op: "extract", Path: portablePath, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".savesync-restore-*")
	if err != nil {
		return &Error{Op: "extract", Path: portablePath, Err: err}
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	rc, err := member.Open()
	if err != nil {
		return &Error{Op: "extract", Path: portablePath, Err: err}
	}
	_, err = io.Copy(tmp, rc)
	rc.Close()
	if err != nil {
		return &Error{Op: "extract", Path: portablePath, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &Error{Op: "extract", Path: portablePath, Err: err}
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		return &Error{Op: "extract", Path: portablePath, Err: err}
	}
	if err := os.Chtimes(destPath, member.Modified, member.Modified); err != nil {
		return &Error{Op: "extract", Path: portablePath, Err: err}
	}
	return nil
}

// Close releases the underlying zip reader.
func (a *Archive) Close() error { return a.zr.Close() }
