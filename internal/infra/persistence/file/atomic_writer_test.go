package file_test

import (
	"strings"
	"testing"

	"github.com/YoshitsuguKoike/storyflow/internal/infra/persistence/file"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		setupFS func(fs afero.Fs)
		data    string
	}{
		{
			name: "creates parent directories",
			path: ".storyflow/checkpoints/epic-1.yaml",
			data: "collection_id: epic-1\n",
		},
		{
			name: "replaces existing document",
			path: "state/doc.yaml",
			setupFS: func(fs afero.Fs) {
				_ = afero.WriteFile(fs, "state/doc.yaml", []byte("old: true\n"), 0o644)
			},
			data: "new: true\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			if tt.setupFS != nil {
				tt.setupFS(fs)
			}

			require.NoError(t, file.WriteAtomic(fs, tt.path, []byte(tt.data), 0o644))

			content, err := afero.ReadFile(fs, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.data, string(content))
		})
	}
}

func TestWriteAtomicLeavesNoTempFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	for i := 0; i < 5; i++ {
		require.NoError(t, file.WriteAtomic(fs, "dir/doc.yaml", []byte("v"), 0o644))
	}

	entries, err := afero.ReadDir(fs, "dir")
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), "leftover temp file %s", e.Name())
	}
	assert.Len(t, entries, 1)
}

func TestWriteAtomicReadOnlyFs(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	err := file.WriteAtomic(fs, "dir/doc.yaml", []byte("v"), 0o644)
	assert.Error(t, err)
}

func TestWriteAtomicOsFs(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewOsFs()
	path := dir + "/nested/doc.yaml"

	require.NoError(t, file.WriteAtomic(fs, path, []byte("a: 1\n"), 0o600))

	info, err := fs.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, "-rw-------", info.Mode().Perm().String())
}

func TestReadIfExists(t *testing.T) {
	fs := afero.NewMemMapFs()

	data, ok, err := file.ReadIfExists(fs, "missing.yaml")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, data)

	require.NoError(t, afero.WriteFile(fs, "present.yaml", []byte("x"), 0o644))
	data, ok, err = file.ReadIfExists(fs, "present.yaml")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "x", string(data))
}
