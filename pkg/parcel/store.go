package parcel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrContextNotFound reports a path that does not exist in the backing store.
var ErrContextNotFound = errors.New("context artifact not found")

// ContextStore retrieves raw artifact content by the path named in a scope.
type ContextStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// FSStore serves artifacts from a directory tree. Lookups are confined to the
// root; escaping paths return ErrContextNotFound rather than leaking the
// reason.
type FSStore struct {
	root string
}

// NewFSStore creates a store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{root: dir}
}

func (s *FSStore) Get(_ context.Context, path string) ([]byte, error) {
	clean := filepath.Clean("/" + path)
	full := filepath.Join(s.root, clean)
	rel, err := filepath.Rel(s.root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, path)
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// MemoryStore is an in-memory ContextStore for tests and demos.
type MemoryStore struct {
	artifacts map[string][]byte
}

// NewMemoryStore creates a store seeded with the given artifacts.
func NewMemoryStore(artifacts map[string][]byte) *MemoryStore {
	if artifacts == nil {
		artifacts = make(map[string][]byte)
	}
	return &MemoryStore{artifacts: artifacts}
}

// Put adds or replaces an artifact.
func (s *MemoryStore) Put(path string, data []byte) { s.artifacts[path] = data }

func (s *MemoryStore) Get(_ context.Context, path string) ([]byte, error) {
	data, ok := s.artifacts[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrContextNotFound, path)
	}
	return data, nil
}

// S3Store serves artifacts from an S3 bucket, keyed by path under an optional
// prefix. Works against MinIO/LocalStack via a custom endpoint.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Store creates an S3-backed context store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	})
	return &S3Store{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// NewS3StoreFromClient wraps an existing client, mainly for tests.
func NewS3StoreFromClient(client *s3.Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) Get(ctx context.Context, path string) ([]byte, error) {
	key := s.prefix + path
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrContextNotFound, path)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
