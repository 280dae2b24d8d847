package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/persistence/file"
)

// FileStore keeps one YAML document per collection and rewrites it
// atomically on every record.
type FileStore struct {
	fs  afero.Fs
	dir string
	now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a YAML checkpoint store under dir
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{
		fs:    fs,
		dir:   dir,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

var _ output.CheckpointStore = (*FileStore)(nil)

// Path returns the checkpoint file of a collection
func (s *FileStore) Path(collectionID string) string {
	return filepath.Join(s.dir, Slug(collectionID)+".yaml")
}

func (s *FileStore) lock(collectionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[collectionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collectionID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Load reads the collection's checkpoint
func (s *FileStore) Load(ctx context.Context, collectionID string) (*story.Checkpoint, error) {
	unlock := s.lock(collectionID)
	defer unlock()
	return s.load(collectionID)
}

func (s *FileStore) load(collectionID string) (*story.Checkpoint, error) {
	path := s.Path(collectionID)
	data, ok, err := file.ReadIfExists(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}
	if !ok || len(data) == 0 {
		return story.NewCheckpoint(collectionID), nil
	}

	var cp story.Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if cp.CollectionID == "" {
		cp.CollectionID = collectionID
	}
	cp.Normalize()
	return &cp, nil
}

func (s *FileStore) save(cp *story.Checkpoint) error {
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	return file.WriteAtomic(s.fs, s.Path(cp.CollectionID), data, 0o644)
}

func (s *FileStore) update(collectionID string, fn func(cp *story.Checkpoint)) error {
	unlock := s.lock(collectionID)
	defer unlock()

	cp, err := s.load(collectionID)
	if err != nil {
		return err
	}
	fn(cp)
	if err := s.save(cp); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", collectionID, err)
	}
	return nil
}

// RecordSuccess adds the unit to the completed set
func (s *FileStore) RecordSuccess(ctx context.Context, collectionID string, rec story.CompletedRecord) error {
	return s.update(collectionID, func(cp *story.Checkpoint) {
		cp.RecordSuccess(rec, s.now())
	})
}

// RecordFailure stores the unit's latest failure
func (s *FileStore) RecordFailure(ctx context.Context, collectionID string, rec story.FailedRecord) error {
	return s.update(collectionID, func(cp *story.Checkpoint) {
		cp.RecordFailure(rec, s.now())
	})
}

// ShouldSkip reports whether the unit already completed
func (s *FileStore) ShouldSkip(ctx context.Context, collectionID, unitID string) (bool, error) {
	cp, err := s.Load(ctx, collectionID)
	if err != nil {
		return false, err
	}
	return cp.ShouldSkip(unitID), nil
}

// Reset removes the collection's checkpoint file
func (s *FileStore) Reset(ctx context.Context, collectionID string) error {
	unlock := s.lock(collectionID)
	defer unlock()

	if err := s.fs.Remove(s.Path(collectionID)); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove checkpoint %s: %w", collectionID, err)
	}
	return nil
}
