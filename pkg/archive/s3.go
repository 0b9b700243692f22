// Package archive copies job directories to S3 so cleanup can delete them
// locally without losing outputs.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/cycjobs/pkg/jobregistry"
)

// Sentinel errors classifying S3 failures.
var (
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrThrottled          = errors.New("request throttled")
	ErrUnavailable        = errors.New("storage unavailable")
)

// Error wraps a failed archive operation.
type Error struct {
	Op     string
	Bucket string
	Key    string
	Err    error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("archive %s s3://%s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	return fmt.Sprintf("archive %s s3://%s: %v", e.Op, e.Bucket, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ObjectPutter is the subset of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads every file of a job directory under
// <prefix><job_id>/. It implements jobregistry.Archiver.
type S3Archiver struct {
	client  ObjectPutter
	bucket  string
	prefix  string
	exclude []string
}

var _ jobregistry.Archiver = (*S3Archiver)(nil)

// New builds an archiver with an S3 client from the default AWS config
// chain plus any explicit settings in cfg.
func New(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "New", Bucket: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg)
}

// NewWithClient builds an archiver around an existing client.
func NewWithClient(client ObjectPutter, cfg Config) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	exclude := cfg.Exclude
	if exclude == nil {
		exclude = DefaultExclude
	}
	for _, p := range exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, &ConfigError{Field: "Exclude", Message: fmt.Sprintf("invalid pattern %q", p)}
		}
	}
	return &S3Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  normalizePrefix(cfg.Prefix),
		exclude: exclude,
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// ArchiveJob uploads every regular file below jobDir. The first failed
// upload aborts the archive.
func (a *S3Archiver) ArchiveJob(ctx context.Context, jobID, jobDir string) error {
	return filepath.WalkDir(jobDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(jobDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if a.excluded(rel) {
			return nil
		}
		return a.upload(ctx, a.Key(jobID, rel), p)
	})
}

// Key is the object key for a file of a job.
func (a *S3Archiver) Key(jobID, rel string) string {
	return a.prefix + path.Join(jobID, rel)
}

func (a *S3Archiver) excluded(rel string) bool {
	for _, p := range a.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (a *S3Archiver) upload(ctx context.Context, key, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: &size,
		ContentType:   aws.String(contentType(key)),
	})
	if err != nil {
		return a.wrapError("PutObject", key, err)
	}
	return nil
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".json":
		return "application/json"
	case ".log", ".txt", ".pdb", ".sc", ".csv":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func normalizePrefix(p string) string {
	p = strings.TrimLeft(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// wrapError classifies S3 errors by type, then by API error code.
func (a *S3Archiver) wrapError(op, key string, err error) error {
	wrapped := &Error{Op: op, Bucket: a.bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
	}
	return wrapped
}
