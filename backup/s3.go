package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/justapithecus/flume/iox"
	"github.com/justapithecus/flume/log"
)

// S3Config holds configuration for the S3 backup backend.
type S3Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not subdomain).
	// Required by most S3-compatible providers (R2, MinIO, etc.).
	UsePathStyle bool
}

// Validate checks that required S3 configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("S3 bucket is required")
	}
	return nil
}

// s3API is the subset of the S3 client used by S3Store, extracted for tests.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store persists chunks as objects in an S3 bucket.
// For hosts without durable local disk, it plays the FileStore role with
// the same name grammar, keyed under the configured key prefix.
type S3Store struct {
	client    s3API
	bucket    string
	keyPrefix string
	prefix    string
	logger    *log.Logger
}

// Verify S3Store implements Store.
var _ Store = (*S3Store)(nil)

// NewS3Store creates an S3-backed store.
// Uses the AWS SDK default credential chain (env vars, shared config, IAM role).
func NewS3Store(ctx context.Context, cfg S3Config, prefix string, logger *log.Logger) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if prefix == "" {
		return nil, fmt.Errorf("%w: backup prefix is required", ErrInvalidParams)
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newS3Store(s3.NewFromConfig(awsConfig, s3Opts...), cfg, prefix, logger), nil
}

// newS3Store wires a store around an existing client. Split from NewS3Store
// so tests can inject a stub without AWS credentials.
func newS3Store(client s3API, cfg S3Config, prefix string, logger *log.Logger) *S3Store {
	return &S3Store{
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: strings.Trim(cfg.Prefix, "/"),
		prefix:    prefix,
		logger:    logger,
	}
}

func (s *S3Store) key(name string) string {
	if s.keyPrefix == "" {
		return name
	}
	return s.keyPrefix + "/" + name
}

// Save persists data under a fresh generation for the given params.
func (s *S3Store) Save(ctx context.Context, params []string, data []byte) error {
	name := encodeFileName(s.prefix, params)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return wrapError("save", name, err)
	}
	s.logger.Debug("chunk saved", map[string]any{"key": s.key(name), "bytes": len(data)})
	return nil
}

// SavedBuffers enumerates persisted chunks matching the store's prefix.
func (s *S3Store) SavedBuffers(ctx context.Context) ([]SavedBuffer, error) {
	listPrefix := s.key(s.prefix + "_")

	var saved []SavedBuffer
	var continuation *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, wrapError("scan", listPrefix, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			name := path.Base(key)
			params, ok, err := parseFileName(s.prefix, name)
			if err != nil {
				s.logger.Warn("skipping undecodable backup object", map[string]any{
					"key":   key,
					"error": err.Error(),
				})
				continue
			}
			if !ok {
				continue
			}
			saved = append(saved, &savedObject{store: s, key: key, name: name, params: params})
		}
		if out.NextContinuationToken == nil {
			return saved, nil
		}
		continuation = out.NextContinuationToken
	}
}

// savedObject is one chunk persisted by S3Store.
type savedObject struct {
	store  *S3Store
	key    string
	name   string
	params []string
}

// Verify savedObject implements SavedBuffer.
var _ SavedBuffer = (*savedObject)(nil)

// Name returns the object name.
func (o *savedObject) Name() string { return o.name }

// Open downloads the object and yields its bytes to fn.
func (o *savedObject) Open(ctx context.Context, fn func(params []string, data []byte) error) error {
	out, err := o.store.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.store.bucket),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return wrapError("open", o.name, err)
	}
	defer iox.DiscardClose(out.Body)

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return wrapError("open", o.name, err)
	}
	return fn(o.params, data)
}

// Remove deletes the object.
func (o *savedObject) Remove(ctx context.Context) error {
	_, err := o.store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(o.store.bucket),
		Key:    aws.String(o.key),
	})
	if err != nil {
		return wrapError("remove", o.name, err)
	}
	return nil
}
