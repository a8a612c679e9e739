package plugin

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"savesync/internal/paths"
	"savesync/internal/save"

	"os"
)

// StatFile builds a SaveFile for a regular file, encoding its path with res.
func StatFile(res *paths.Resolver, path string, typ save.SaveType) (save.SaveFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return save.SaveFile{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return save.SaveFile{
		PortablePath: res.Encode(path),
		Type:         typ,
		Size:         info.Size(),
		Modified:     info.ModTime(),
	}, nil
}

// StatDir builds a SaveFile for a directory entry: size is the sum over all
// regular files beneath it, the timestamp is the newest one found.
func StatDir(res *paths.Resolver, dir string, typ save.SaveType) (save.SaveFile, error) {
	sf := save.SaveFile{
		PortablePath: res.Encode(dir),
		Type:         typ,
		IsDir:        true,
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sf.Size += info.Size()
		if info.ModTime().After(sf.Modified) {
			sf.Modified = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return save.SaveFile{}, fmt.Errorf("walk %s: %w", dir, err)
	}
	return sf, nil
}
