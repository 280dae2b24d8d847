package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
)

// Backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the configured checkpoint store and a closer for it
func Open(ctx context.Context, backend string, fs afero.Fs, paths app.Paths) (output.CheckpointStore, io.Closer, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(fs, paths.Checkpoints), nopCloser{}, nil
	case BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(paths.CheckpointDB), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create checkpoint db dir: %w", err)
		}
		store, err := OpenSQLite(ctx, paths.CheckpointDB)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
