package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteAtomic replaces path with data using temp file + fsync + rename.
// A crash at any point leaves either the previous document or the new one.
func WriteAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Same directory as the target so the rename never crosses devices
	tmpFile, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	renamed := false
	defer func() {
		if !renamed {
			_ = fs.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if perm != 0 {
		if err := fs.Chmod(tmpPath, perm); err != nil {
			return fmt.Errorf("failed to chmod temp file: %w", err)
		}
	}

	if err := fs.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}
	renamed = true

	syncDir(fs, dir)
	return nil
}

// syncDir flushes the directory entry after a rename. Only meaningful on
// the OS filesystem; errors are ignored because some platforms reject it.
func syncDir(fs afero.Fs, dir string) {
	if _, ok := fs.(*afero.OsFs); !ok {
		return
	}
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// ReadIfExists returns the file content, or ok=false when it is absent
func ReadIfExists(fs afero.Fs, path string) (data []byte, ok bool, err error) {
	data, err = afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
