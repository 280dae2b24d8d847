package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3StorageGateway_SaveAndLoadArtifact(t *testing.T) {
	client := newFakeS3(0)
	gateway := NewS3StorageGatewayWithClient(client, "stories-bucket", "/team-a/")
	ctx := context.Background()

	content := []byte("# Story 1.2\n\n## QA Results\n\nStatus: PASS\n")
	metadata, err := gateway.SaveArtifact(ctx, output.SaveArtifactRequest{
		CollectionID: "epic-1",
		UnitID:       "1.2",
		Kind:         output.ArtifactKindStory,
		Content:      content,
		Metadata:     map[string]string{"outcome": "Complete"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, metadata.ID)
	assert.Equal(t, "1.2", metadata.UnitID)
	assert.Equal(t, int64(len(content)), metadata.Size)
	assert.Equal(t, "text/markdown; charset=utf-8", metadata.ContentType)
	assert.Len(t, metadata.Metadata["sha256"], 64)
	assert.True(t, strings.HasPrefix(metadata.StoragePath, "s3://stories-bucket/team-a/archive/epic-1/1.2/"))
	assert.Equal(t, 2, client.count())

	obj, ok := client.object("team-a/archive/epic-1/1.2/" + metadata.ID + "/content")
	require.True(t, ok)
	assert.Equal(t, "Complete", obj.metadata["outcome"])
	assert.Equal(t, "epic-1", obj.metadata["collection-id"])

	loaded, err := gateway.LoadArtifact(ctx, metadata.ID)
	require.NoError(t, err)
	assert.Equal(t, content, loaded.Content)
	assert.Equal(t, "epic-1", loaded.Metadata.CollectionID)
}

func TestS3StorageGateway_LoadArtifactNotFound(t *testing.T) {
	gateway := NewS3StorageGatewayWithClient(newFakeS3(0), "b", "")

	_, err := gateway.LoadArtifact(context.Background(), "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestS3StorageGateway_ListArtifactsPaginates(t *testing.T) {
	client := newFakeS3(3)
	gateway := NewS3StorageGatewayWithClient(client, "b", "p")
	ctx := context.Background()

	var ids []string
	for _, unit := range []string{"1.1", "1.2", "1.3", "1.4"} {
		m, err := gateway.SaveArtifact(ctx, output.SaveArtifactRequest{
			CollectionID: "epic-1",
			UnitID:       unit,
			Kind:         output.ArtifactKindStory,
			Content:      []byte(unit),
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err := gateway.SaveArtifact(ctx, output.SaveArtifactRequest{CollectionID: "epic-2", UnitID: "2.1", Content: []byte("x")})
	require.NoError(t, err)

	list, err := gateway.ListArtifacts(ctx, "epic-1")
	require.NoError(t, err)
	require.Len(t, list, 4)
	for i, m := range list {
		assert.Equal(t, ids[i], m.ID, "artifacts are listed in archive order")
	}
	assert.Greater(t, client.lists, 1, "listing spans several pages")
}
