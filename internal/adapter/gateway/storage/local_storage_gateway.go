package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/persistence/file"
	"github.com/spf13/afero"
)

// ErrArtifactNotFound is returned when an archive ID is unknown
var ErrArtifactNotFound = errors.New("archived artifact not found")

// LocalStorageGateway archives artifacts on a filesystem.
// Layout: <baseDir>/<collectionID>/<unitID>/<artifactID>/{content,metadata.json}
type LocalStorageGateway struct {
	fs      afero.Fs
	baseDir string
}

// NewLocalStorageGateway creates a filesystem-backed archive
func NewLocalStorageGateway(fs afero.Fs, baseDir string) (*LocalStorageGateway, error) {
	if err := fs.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &LocalStorageGateway{fs: fs, baseDir: baseDir}, nil
}

// SaveArtifact writes the content and its metadata side by side
func (g *LocalStorageGateway) SaveArtifact(ctx context.Context, req output.SaveArtifactRequest) (*output.ArtifactMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	artifactID := newArtifactID()
	dir := filepath.Join(g.baseDir, req.CollectionID, req.UnitID, artifactID)
	contentPath := filepath.Join(dir, contentObject)

	if err := file.WriteAtomic(g.fs, contentPath, req.Content, 0o644); err != nil {
		return nil, fmt.Errorf("write artifact content: %w", err)
	}

	metadata := output.ArtifactMetadata{
		ID:           artifactID,
		CollectionID: req.CollectionID,
		UnitID:       req.UnitID,
		Kind:         req.Kind,
		StoragePath:  contentPath,
		ContentType:  contentTypeOr(req.ContentType),
		Size:         int64(len(req.Content)),
		UploadedAt:   time.Now().UTC(),
		Metadata:     withDigest(req.Metadata, req.Content),
	}

	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := file.WriteAtomic(g.fs, filepath.Join(dir, metadataObject), data, 0o644); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	return &metadata, nil
}

// LoadArtifact finds an archived artifact by ID
func (g *LocalStorageGateway) LoadArtifact(ctx context.Context, artifactID string) (*output.Artifact, error) {
	matches, err := afero.Glob(g.fs, filepath.Join(g.baseDir, "*", "*", artifactID, metadataObject))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
	}

	metadata, err := g.readMetadata(matches[0])
	if err != nil {
		return nil, err
	}
	content, err := afero.ReadFile(g.fs, filepath.Join(filepath.Dir(matches[0]), contentObject))
	if err != nil {
		return nil, fmt.Errorf("read artifact content: %w", err)
	}

	return &output.Artifact{ID: artifactID, Content: content, Metadata: *metadata}, nil
}

// ListArtifacts lists every archived artifact of a collection, oldest first
func (g *LocalStorageGateway) ListArtifacts(ctx context.Context, collectionID string) ([]*output.ArtifactMetadata, error) {
	matches, err := afero.Glob(g.fs, filepath.Join(g.baseDir, collectionID, "*", "*", metadataObject))
	if err != nil {
		return nil, err
	}

	var list []*output.ArtifactMetadata
	for _, path := range matches {
		metadata, err := g.readMetadata(path)
		if err != nil {
			// Skip half-written entries
			continue
		}
		list = append(list, metadata)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (g *LocalStorageGateway) readMetadata(path string) (*output.ArtifactMetadata, error) {
	data, err := afero.ReadFile(g.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var metadata output.ArtifactMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &metadata, nil
}

func withDigest(meta map[string]string, content []byte) map[string]string {
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out["sha256"] = digest(content)
	return out
}
