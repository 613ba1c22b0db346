// Package s3 archives snapshot images in an S3-compatible object store and
// purges them after the retention period.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection and archive behavior configuration.
type Config struct {
	// Enabled turns image archival on. When false, Archive skips every image.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Bucket is the S3 bucket name.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Folder is the key prefix for archived images, without a trailing slash.
	Folder string `json:"folder" yaml:"folder"`

	// Endpoint is an optional custom endpoint (for S3-compatible storage).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// PublicBaseURL, when set, prefixes keys to build the canonical image URL (a CDN).
	PublicBaseURL string `json:"public_base_url,omitempty" yaml:"public_base_url,omitempty"`

	// AccessKeyID for static credentials (optional, uses IAM if not set).
	AccessKeyID string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`

	// SecretAccessKey for static credentials.
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`

	// SessionToken for temporary credentials.
	SessionToken string `json:"session_token,omitempty" yaml:"session_token,omitempty"`

	// ServerSideEncryption type (AES256 or aws:kms).
	ServerSideEncryption string `json:"server_side_encryption,omitempty" yaml:"server_side_encryption,omitempty"`

	// KMSKeyID for KMS encryption.
	KMSKeyID string `json:"kms_key_id,omitempty" yaml:"kms_key_id,omitempty"`

	// UsePathStyle forces path-style addressing (for MinIO, etc.).
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// RetentionDays triggers a background purge after uploads. Zero disables it.
	RetentionDays int `json:"retention_days" yaml:"retention_days"`

	// MaxImageBytes rejects decoded images above this size.
	MaxImageBytes int `json:"max_image_bytes" yaml:"max_image_bytes"`

	// RetryMaxAttempts for failed operations.
	RetryMaxAttempts int `json:"retry_max_attempts" yaml:"retry_max_attempts"`

	// Timeout bounds a single upload.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:          false,
		Region:           "us-east-1",
		Bucket:           "eli-snapshots",
		Folder:           "eli/events",
		RetentionDays:    0,
		MaxImageBytes:    10 * 1024 * 1024,
		RetryMaxAttempts: 3,
		Timeout:          30 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	if c.RetentionDays < 0 {
		return errors.New("s3: retention days must not be negative")
	}
	return nil
}

// prefix returns the folder as a key prefix ("a/b/"), or "" for the bucket root.
func (c *Config) prefix() string {
	folder := strings.Trim(c.Folder, "/")
	if folder == "" {
		return ""
	}
	return folder + "/"
}

// API is the subset of the S3 client used here.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Client is an S3 client for image objects. Keys are full object keys.
type Client struct {
	api     API
	config  *Config
	logger  *slog.Logger
	metrics *clientMetrics
}

type clientMetrics struct {
	bytesUploaded   atomic.Int64
	objectsUploaded atomic.Int64
	objectsDeleted  atomic.Int64
	errors          atomic.Int64
}

// NewClient creates a new S3 client.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Build AWS config options
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)

	// Custom endpoint (for MinIO, LocalStack, R2, etc.)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	c := NewClientWithAPI(s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger)

	logger.Info("s3 client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"folder", cfg.Folder,
	)

	return c, nil
}

// NewClientWithAPI wraps an existing API implementation.
func NewClientWithAPI(api API, cfg *Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:     api,
		config:  cfg,
		logger:  logger,
		metrics: &clientMetrics{},
	}
}

// UploadInput contains parameters for uploading an object.
type UploadInput struct {
	Key         string
	Body        []byte
	ContentType string
	Metadata    map[string]string
}

// UploadOutput contains the result of an upload operation.
type UploadOutput struct {
	Key  string
	ETag string
	Size int64
}

// Upload puts one object, overwriting any existing object under the key.
func (c *Client) Upload(ctx context.Context, input *UploadInput) (*UploadOutput, error) {
	size := int64(len(input.Body))

	putInput := &s3.PutObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(input.Key),
		Body:   bytes.NewReader(input.Body),
	}

	if input.ContentType != "" {
		putInput.ContentType = aws.String(input.ContentType)
	}

	if len(input.Metadata) > 0 {
		putInput.Metadata = input.Metadata
	}

	// Server-side encryption
	switch c.config.ServerSideEncryption {
	case "AES256":
		putInput.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		putInput.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.config.KMSKeyID != "" {
			putInput.SSEKMSKeyId = aws.String(c.config.KMSKeyID)
		}
	}

	result, err := c.api.PutObject(ctx, putInput)
	if err != nil {
		c.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to upload object %s: %w", input.Key, err)
	}

	c.metrics.bytesUploaded.Add(size)
	c.metrics.objectsUploaded.Add(1)

	c.logger.Debug("uploaded object",
		"key", input.Key,
		"size", size,
	)

	return &UploadOutput{
		Key:  input.Key,
		ETag: aws.ToString(result.ETag),
		Size: size,
	}, nil
}

// DeleteBatch deletes up to 1000 objects in one request.
func (c *Client) DeleteBatch(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if len(keys) > 1000 {
		return fmt.Errorf("s3: delete batch of %d exceeds 1000 keys", len(keys))
	}

	objects := make([]types.ObjectIdentifier, len(keys))
	for i, key := range keys {
		objects[i] = types.ObjectIdentifier{Key: aws.String(key)}
	}

	out, err := c.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(c.config.Bucket),
		Delete: &types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		c.metrics.errors.Add(1)
		return fmt.Errorf("s3: failed to delete batch: %w", err)
	}
	if out != nil && len(out.Errors) > 0 {
		c.metrics.errors.Add(1)
		c.metrics.objectsDeleted.Add(int64(len(keys) - len(out.Errors)))
		return fmt.Errorf("s3: %d of %d keys not deleted: %s", len(out.Errors), len(keys), aws.ToString(out.Errors[0].Message))
	}

	c.metrics.objectsDeleted.Add(int64(len(keys)))
	c.logger.Debug("deleted batch", "count", len(keys))
	return nil
}

// ObjectInfo contains information about an S3 object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ListPage is one page of a listing.
type ListPage struct {
	Objects   []ObjectInfo
	NextToken string
}

// ListPage lists up to maxKeys objects under prefix, starting at token.
func (c *Client) ListPage(ctx context.Context, prefix, token string, maxKeys int) (*ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(prefix),
	}
	if maxKeys > 0 {
		input.MaxKeys = aws.Int32(int32(maxKeys))
	}
	if token != "" {
		input.ContinuationToken = aws.String(token)
	}

	out, err := c.api.ListObjectsV2(ctx, input)
	if err != nil {
		c.metrics.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to list objects: %w", err)
	}

	page := &ListPage{Objects: make([]ObjectInfo, 0, len(out.Contents))}
	for _, obj := range out.Contents {
		page.Objects = append(page.Objects, ObjectInfo{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	if aws.ToBool(out.IsTruncated) {
		page.NextToken = aws.ToString(out.NextContinuationToken)
	}
	return page, nil
}

// Metrics contains S3 client metrics.
type Metrics struct {
	BytesUploaded   int64
	ObjectsUploaded int64
	ObjectsDeleted  int64
	Errors          int64
}

// GetMetrics returns current client metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		BytesUploaded:   c.metrics.bytesUploaded.Load(),
		ObjectsUploaded: c.metrics.objectsUploaded.Load(),
		ObjectsDeleted:  c.metrics.objectsDeleted.Load(),
		Errors:          c.metrics.errors.Load(),
	}
}

// HealthStatus represents the health of the S3 client.
type HealthStatus struct {
	Healthy      bool          `json:"healthy"`
	BucketExists bool          `json:"bucket_exists"`
	Latency      time.Duration `json:"latency"`
	Error        string        `json:"error,omitempty"`
}

// HealthCheck verifies connectivity to S3.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{}
	start := time.Now()

	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})

	status.Latency = time.Since(start)

	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Healthy = true
	status.BucketExists = true
	return status
}

// GetBucket returns the configured bucket name.
func (c *Client) GetBucket() string {
	return c.config.Bucket
}
