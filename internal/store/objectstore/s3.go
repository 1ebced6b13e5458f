package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"halforge/internal/domain"
)

type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// S3Sink uploads each artifact entity as an object and writes a manifest
// per task next to them.
type S3Sink struct {
	client     *minio.Client
	bucketName string
	region     string
	prefix     string
	initOnce   sync.Once
	initErr    error
}

func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	return &S3Sink{
		client:     client,
		bucketName: bucket,
		region:     region,
		prefix:     strings.Trim(strings.TrimSpace(cfg.Prefix), "/"),
	}, nil
}

func (s *S3Sink) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Sink) Store(ctx context.Context, artifact domain.Artifact) error {
	if strings.TrimSpace(artifact.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	for _, entity := range artifact.Content.Entities {
		key := objectKey(s.prefix, artifact.RunID, entity.Name)
		if err := s.put(ctx, key, []byte(entity.Body), contentType(entity.Name)); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}
	manifest, err := buildManifest(artifact)
	if err != nil {
		return err
	}
	key := objectKey(s.prefix, artifact.RunID, path.Join("manifests", artifact.TaskID+".json"))
	if err := s.put(ctx, key, manifest, "application/json"); err != nil {
		return fmt.Errorf("put manifest %s: %w", key, err)
	}
	return nil
}

func (s *S3Sink) put(ctx context.Context, key string, content []byte, ctype string) error {
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: ctype,
	})
	return err
}

// List returns the object paths stored for a run, relative to the run prefix.
func (s *S3Sink) List(ctx context.Context, runID string) ([]string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}
	prefix := objectKey(s.prefix, runID, "")
	paths := make([]string, 0, 32)
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if obj.Key == "" {
			continue
		}
		paths = append(paths, strings.TrimPrefix(obj.Key, prefix))
	}
	sort.Strings(paths)
	return paths, nil
}

type manifest struct {
	ArtifactID string            `json:"artifact_id"`
	TaskID     string            `json:"task_id"`
	Kind       domain.TaskKind   `json:"kind"`
	Module     string            `json:"module,omitempty"`
	Provenance domain.Provenance `json:"provenance"`
	Checksum   string            `json:"checksum"`
	Entities   []manifestEntity  `json:"entities"`
	Renames    []domain.Rename   `json:"renames,omitempty"`
}

type manifestEntity struct {
	Name  string `json:"name"`
	Role  string `json:"role"`
	Bytes int    `json:"bytes"`
}

func buildManifest(artifact domain.Artifact) ([]byte, error) {
	m := manifest{
		ArtifactID: artifact.ID,
		TaskID:     artifact.TaskID,
		Kind:       artifact.Kind,
		Module:     artifact.Module,
		Provenance: artifact.Provenance,
		Checksum:   artifact.Checksum,
		Renames:    artifact.Renames,
		Entities:   make([]manifestEntity, 0, len(artifact.Content.Entities)),
	}
	for _, e := range artifact.Content.Entities {
		m.Entities = append(m.Entities, manifestEntity{Name: e.Name, Role: e.Role, Bytes: len(e.Body)})
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return data, nil
}

func objectKey(prefix, runID, name string) string {
	normalized := strings.TrimLeft(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"), "/")
	normalized = strings.TrimPrefix(normalized, "./")
	key := strings.TrimSpace(runID) + "/" + normalized
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return "application/json"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".xml":
		return "application/xml"
	case ".md":
		return "text/markdown"
	}
	return "text/plain"
}
