// Package artifact stores files produced by workflows on the local filesystem
// or in S3-compatible object storage.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNoUploader is returned when a destination has no configured backend.
var ErrNoUploader = errors.New("no uploader configured")

// Uploader persists one artifact and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// SanitizeKey turns a caller-provided name into a relative key that cannot
// escape the upload root.
func SanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

// Local writes artifacts below a base directory.
type Local struct {
	BaseDir string
}

func NewLocal(baseDir string) *Local {
	if baseDir == "" {
		baseDir = "./output"
	}
	return &Local{BaseDir: baseDir}
}

func (l *Local) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, filepath.FromSlash(SanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Config selects the bucket and endpoint. Endpoint and PathStyle target
// S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// S3 puts artifacts into a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 loads AWS credentials from the default chain.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = SanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Router picks a backend by destination name ("local" or "s3"). An empty
// destination prefers S3 when it is configured.
type Router struct {
	Local Uploader
	S3    Uploader
}

func (r Router) Pick(destination string) (Uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if r.S3 != nil {
			return r.S3, nil
		}
		return nil, fmt.Errorf("destination s3: %w", ErrNoUploader)
	case "local":
		if r.Local != nil {
			return r.Local, nil
		}
		return nil, fmt.Errorf("destination local: %w", ErrNoUploader)
	case "":
		if r.S3 != nil {
			return r.S3, nil
		}
		if r.Local != nil {
			return r.Local, nil
		}
		return nil, ErrNoUploader
	}
	return nil, fmt.Errorf("unknown destination %q", destination)
}

// Upload sends to the backend chosen by destination.
func (r Router) Upload(ctx context.Context, destination, key string, body []byte, contentType string) (string, error) {
	u, err := r.Pick(destination)
	if err != nil {
		return "", err
	}
	return u.Upload(ctx, key, body, contentType)
}
