package output

import (
	"context"
	"time"
)

// StorageGateway archives final unit artifacts outside the project tree.
// Implementations exist for the local filesystem and S3.
type StorageGateway interface {
	// SaveArtifact persists an artifact snapshot
	SaveArtifact(ctx context.Context, req SaveArtifactRequest) (*ArtifactMetadata, error)

	// LoadArtifact retrieves an archived artifact by ID
	LoadArtifact(ctx context.Context, artifactID string) (*Artifact, error)

	// ListArtifacts lists archived artifacts of one collection
	ListArtifacts(ctx context.Context, collectionID string) ([]*ArtifactMetadata, error)
}

// SaveArtifactRequest represents a request to archive an artifact
type SaveArtifactRequest struct {
	CollectionID string            // Owning collection
	UnitID       string            // Unit the artifact belongs to
	Kind         ArtifactKind      // What the snapshot is
	Content      []byte            // Artifact content
	Metadata     map[string]string // Additional metadata (outcome, stage...)
	ContentType  string            // MIME type (optional)
}

// ArtifactKind represents the type of archived artifact
type ArtifactKind string

const (
	ArtifactKindStory   ArtifactKind = "story"   // Final story document
	ArtifactKindHandoff ArtifactKind = "handoff" // Handoff sidecar
)

// Artifact represents an archived artifact
type Artifact struct {
	ID       string
	Content  []byte
	Metadata ArtifactMetadata
}

// ArtifactMetadata contains information about an archived artifact
type ArtifactMetadata struct {
	ID           string            `json:"id"`
	CollectionID string            `json:"collection_id"`
	UnitID       string            `json:"unit_id"`
	Kind         ArtifactKind      `json:"kind"`
	StoragePath  string            `json:"storage_path"` // e.g. s3://bucket/key
	ContentType  string            `json:"content_type"`
	Size         int64             `json:"size"`
	UploadedAt   time.Time         `json:"uploaded_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}
