// Package artifact stores uploaded test bundles and APKs in S3-compatible
// object storage until the runner backend fetches them.
package artifact

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config holds S3-compatible storage configuration.
type Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Enabled reports whether the configuration is complete enough to use.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Store uploads submission artifacts to object storage.
type Store struct {
	cfg    Config
	client s3Client
}

// NewStore creates a Store. Returns nil if the configuration is incomplete,
// in which case uploads are streamed to the runner without being archived.
func NewStore(cfg Config) *Store {
	if !cfg.Enabled() {
		return nil
	}
	return &Store{cfg: cfg, client: newS3Client(cfg)}
}

// NewStoreWithClient builds a Store around a caller-supplied client. Tests
// use it to substitute a fake backend.
func NewStoreWithClient(cfg Config, client s3Client) *Store {
	return &Store{cfg: cfg, client: client}
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Upload stores the file under a fresh key and returns the key. The key
// embeds a UUID so concurrent uploads of identically-named files never clash.
func (s *Store) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	key := path.Join("uploads", uuid.NewString(), path.Base(filename))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return "", fmt.Errorf("put artifact: %w", err)
	}
	return key, nil
}

// Open returns a reader for a stored artifact. The caller closes it.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return out.Body, nil
}

// Delete removes a stored artifact once the run no longer needs it.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
