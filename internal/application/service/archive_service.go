package service

import (
	"context"
	"errors"

	"github.com/YoshitsuguKoike/storyflow/internal/app"
	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/YoshitsuguKoike/storyflow/internal/domain/story"
	"github.com/YoshitsuguKoike/storyflow/internal/infra/artifact"
)

// ArtifactReader reads the current story artifact of a unit
type ArtifactReader interface {
	Read(unitID string) (artifact.Snapshot, error)
}

// ArchiveService copies the final story document of every finished unit
// to the configured storage gateway. Archive failures never fail a unit.
type ArchiveService struct {
	gateway output.StorageGateway
	reader  ArtifactReader
	logger  app.Logger
}

// NewArchiveService creates an archive observer; a nil gateway disables it
func NewArchiveService(gateway output.StorageGateway, reader ArtifactReader, logger app.Logger) *ArchiveService {
	return &ArchiveService{
		gateway: gateway,
		reader:  reader,
		logger:  app.LoggerOr(logger),
	}
}

// StageFinished does nothing; only final documents are archived
func (s *ArchiveService) StageFinished(context.Context, string, *story.RunState, story.StageResult) {}

// UnitFinished archives the unit's story artifact
func (s *ArchiveService) UnitFinished(ctx context.Context, collectionID string, run *story.RunState) {
	if _, err := s.Archive(ctx, collectionID, run); err != nil {
		s.logger.Warn("archive %s: %v", run.Unit.ID, err)
	}
}

// Archive saves one snapshot and returns its metadata. It returns nil
// metadata without error when archiving is disabled or the artifact is absent.
func (s *ArchiveService) Archive(ctx context.Context, collectionID string, run *story.RunState) (*output.ArtifactMetadata, error) {
	if s.gateway == nil || run == nil {
		return nil, nil
	}

	snap, err := s.reader.Read(run.Unit.ID)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	meta, err := s.gateway.SaveArtifact(context.WithoutCancel(ctx), output.SaveArtifactRequest{
		CollectionID: collectionID,
		UnitID:       run.Unit.ID,
		Kind:         output.ArtifactKindStory,
		Content:      snap.Content,
		ContentType:  "text/markdown",
		Metadata: map[string]string{
			"state":      run.Current.String(),
			"reason":     run.Reason,
			"collection": collectionID,
			"title":      run.Unit.Title,
		},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("archived %s as %s", run.Unit.ID, meta.ID)
	return meta, nil
}
