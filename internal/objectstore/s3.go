package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
)

// Interfaces over the SDK pieces the store uses, so tests can substitute
// them without a live endpoint.

type s3Uploader interface {
	Upload(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type s3Downloader interface {
	Download(ctx context.Context, w io.WriterAt, params *s3.GetObjectInput, optFns ...func(*manager.Downloader)) (int64, error)
}

type s3API interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds configuration for the S3 store.
type S3Config struct {
	Region         string `mapstructure:"region"`
	Bucket         string `mapstructure:"bucket"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	// AccessKeyID and SecretAccessKey override the ambient credential
	// chain, for MinIO and LocalStack endpoints.
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	UploadPartSize   int64         `mapstructure:"upload_part_size"`
	DownloadPartSize int64         `mapstructure:"download_part_size"`
	Concurrency      int           `mapstructure:"concurrency"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
}

// S3Store implements Store over an S3-compatible backend. A custom
// Endpoint with ForcePathStyle supports LocalStack and MinIO.
type S3Store struct {
	client     s3API
	uploader   s3Uploader
	downloader s3Downloader
	config     S3Config
}

// NewS3Store builds the store from ambient AWS credentials (env, shared
// config, or IRSA when running on EKS) unless the config carries a
// static key pair.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.UploadPartSize <= 0 {
		cfg.UploadPartSize = 5 * 1024 * 1024
	}
	if cfg.DownloadPartSize <= 0 {
		cfg.DownloadPartSize = 5 * 1024 * 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}

	var options []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		options = append(options, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		provider := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		options = append(options, awsconfig.WithCredentialsProvider(provider))
	}

	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				HostnameImmutable: true,
				SigningRegion:     region,
			}, nil
		})
		options = append(options, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Options []func(*s3.Options)
	if cfg.ForcePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.UploadPartSize
		u.Concurrency = cfg.Concurrency
	})
	downloader := manager.NewDownloader(client, func(d *manager.Downloader) {
		d.PartSize = cfg.DownloadPartSize
		d.Concurrency = cfg.Concurrency
	})

	return &S3Store{
		client:     client,
		uploader:   uploader,
		downloader: downloader,
		config:     cfg,
	}, nil
}

// List walks keys under prefix page by page in S3's lexicographic order.
func (s *S3Store) List(ctx context.Context, prefix string, fn func(Object) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(prefix),
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		pageCtx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
		page, err := paginator.NextPage(pageCtx)
		cancel()
		if err != nil {
			return classify("list", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			o := Object{Key: *obj.Key}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.ETag != nil {
				o.ETag = *obj.ETag
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			if err := fn(o); err != nil {
				if errors.Is(err, ErrStopWalk) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

// Get downloads an object's bytes.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, faults.New(faults.KindValidation, "object key cannot be empty")
	}

	buf := manager.NewWriteAtBuffer([]byte{})
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	if _, err := s.downloader.Download(ctx, buf, input); err != nil {
		return nil, classify("get", err)
	}
	return buf.Bytes(), nil
}

// Put uploads bytes under key.
func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return faults.New(faults.KindValidation, "object key cannot be empty")
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return classify("put", err)
	}
	return nil
}

// Delete removes key. S3 treats deleting a missing key as success, which
// matches the Store contract.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return faults.New(faults.KindValidation, "object key cannot be empty")
	}

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		return classify("delete", err)
	}
	return nil
}

// Head fetches object metadata.
func (s *S3Store) Head(ctx context.Context, key string) (Object, error) {
	if key == "" {
		return Object{}, faults.New(faults.KindValidation, "object key cannot be empty")
	}

	input := &s3.HeadObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(key),
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.RequestTimeout)
	defer cancel()

	out, err := s.client.HeadObject(ctx, input)
	if err != nil {
		return Object{}, classify("head", err)
	}

	obj := Object{Key: key}
	if out.ContentLength != nil {
		obj.Size = *out.ContentLength
	}
	if out.ETag != nil {
		obj.ETag = *out.ETag
	}
	if out.LastModified != nil {
		obj.LastModified = *out.LastModified
	}
	return obj, nil
}

// classify maps SDK failures onto the transport taxonomy: not-found and
// permission problems are terminal, everything else (timeouts, 5xx,
// throttling) is retryable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return faults.Wrap(faults.KindTerminalTransport, "s3 "+op, fmt.Errorf("%w: %v", ErrNotFound, err))
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return faults.Wrap(faults.KindTerminalTransport, "s3 "+op, fmt.Errorf("%w: %v", ErrNotFound, err))
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return faults.Wrap(faults.KindTerminalTransport, "s3 "+op, err)
		}
	}

	return faults.Wrap(faults.KindRetryableTransport, "s3 "+op, err)
}
