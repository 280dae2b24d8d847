package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/YoshitsuguKoike/storyflow/internal/application/port/output"
)

// S3API is the subset of the S3 client used by the gateway
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ S3API = (*s3.Client)(nil)

// S3StorageGateway archives artifacts in a bucket.
// Keys: <prefix>/archive/<collectionID>/<unitID>/<artifactID>/{content,metadata.json}
type S3StorageGateway struct {
	client     S3API
	bucketName string
	prefix     string
}

// S3Config holds S3 archive configuration
type S3Config struct {
	BucketName string
	Prefix     string
	Region     string // uses the default chain when empty
}

// NewS3StorageGateway creates a gateway using the default AWS credential chain
func NewS3StorageGateway(ctx context.Context, cfg S3Config) (*S3StorageGateway, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3StorageGatewayWithClient(s3.NewFromConfig(awsCfg), cfg.BucketName, cfg.Prefix), nil
}

// NewS3StorageGatewayWithClient creates a gateway over an existing client
func NewS3StorageGatewayWithClient(client S3API, bucketName, prefix string) *S3StorageGateway {
	return &S3StorageGateway{
		client:     client,
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
	}
}

// SaveArtifact uploads the content object, then the metadata object
func (g *S3StorageGateway) SaveArtifact(ctx context.Context, req output.SaveArtifactRequest) (*output.ArtifactMetadata, error) {
	artifactID := newArtifactID()
	contentKey := g.key("archive", req.CollectionID, req.UnitID, artifactID, contentObject)
	meta := withDigest(req.Metadata, req.Content)

	objectMeta := map[string]string{
		"artifact-id":   artifactID,
		"collection-id": req.CollectionID,
		"unit-id":       req.UnitID,
		"kind":          string(req.Kind),
	}
	for k, v := range meta {
		objectMeta[k] = v
	}

	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucketName),
		Key:         aws.String(contentKey),
		Body:        bytes.NewReader(req.Content),
		ContentType: aws.String(contentTypeOr(req.ContentType)),
		Metadata:    objectMeta,
	})
	if err != nil {
		return nil, fmt.Errorf("upload to S3: %w", err)
	}

	metadata := output.ArtifactMetadata{
		ID:           artifactID,
		CollectionID: req.CollectionID,
		UnitID:       req.UnitID,
		Kind:         req.Kind,
		StoragePath:  fmt.Sprintf("s3://%s/%s", g.bucketName, contentKey),
		ContentType:  contentTypeOr(req.ContentType),
		Size:         int64(len(req.Content)),
		UploadedAt:   time.Now().UTC(),
		Metadata:     meta,
	}

	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucketName),
		Key:         aws.String(g.key("archive", req.CollectionID, req.UnitID, artifactID, metadataObject)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("upload metadata to S3: %w", err)
	}

	return &metadata, nil
}

// LoadArtifact finds an artifact by ID anywhere under the archive prefix
func (g *S3StorageGateway) LoadArtifact(ctx context.Context, artifactID string) (*output.Artifact, error) {
	keys, err := g.listKeys(ctx, g.key("archive")+"/")
	if err != nil {
		return nil, err
	}

	suffix := "/" + artifactID + "/" + metadataObject
	var metadataKey string
	for _, k := range keys {
		if strings.HasSuffix(k, suffix) {
			metadataKey = k
			break
		}
	}
	if metadataKey == "" {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
	}

	metadata, err := g.readMetadata(ctx, metadataKey)
	if err != nil {
		return nil, err
	}
	content, err := g.get(ctx, strings.TrimSuffix(metadataKey, metadataObject)+contentObject)
	if err != nil {
		return nil, fmt.Errorf("download content from S3: %w", err)
	}

	return &output.Artifact{ID: artifactID, Content: content, Metadata: *metadata}, nil
}

// ListArtifacts lists archived artifacts of one collection, oldest first
func (g *S3StorageGateway) ListArtifacts(ctx context.Context, collectionID string) ([]*output.ArtifactMetadata, error) {
	keys, err := g.listKeys(ctx, g.key("archive", collectionID)+"/")
	if err != nil {
		return nil, err
	}

	var list []*output.ArtifactMetadata
	for _, k := range keys {
		if !strings.HasSuffix(k, "/"+metadataObject) {
			continue
		}
		metadata, err := g.readMetadata(ctx, k)
		if err != nil {
			continue
		}
		list = append(list, metadata)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (g *S3StorageGateway) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(g.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(g.bucketName),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list S3 objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (g *S3StorageGateway) readMetadata(ctx context.Context, key string) (*output.ArtifactMetadata, error) {
	data, err := g.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download metadata from S3: %w", err)
	}
	var metadata output.ArtifactMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &metadata, nil
}

func (g *S3StorageGateway) get(ctx context.Context, key string) ([]byte, error) {
	obj, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
		}
		return nil, err
	}
	defer obj.Body.Close()
	return io.ReadAll(obj.Body)
}

// key joins parts under the configured prefix
func (g *S3StorageGateway) key(parts ...string) string {
	if g.prefix != "" {
		parts = append([]string{g.prefix}, parts...)
	}
	return path.Join(parts...)
}
