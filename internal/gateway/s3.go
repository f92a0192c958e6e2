package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an S3Uploader. Endpoint is set for S3-compatible
// stores such as Cloudflare R2 or MinIO.
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
	UsePathStyle    bool
	Timeout         time.Duration
}

// s3API is the subset of *s3.Client used by S3Uploader.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader is a BlobUploader over an S3-compatible bucket.
type S3Uploader struct {
	client    s3API
	bucket    string
	publicURL string
	timeout   time.Duration
}

// NewS3Uploader builds an uploader from static credentials. SDK retries are
// disabled; the sync engine owns retry policy.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, errors.New("s3 uploader: bucket and credentials are required")
	}
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		config.WithRetryer(func() aws.Retryer {
			return aws.NopRetryer{}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newS3Uploader(client, cfg), nil
}

func newS3Uploader(client s3API, cfg S3Config) *S3Uploader {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &S3Uploader{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		timeout:   timeout,
	}
}

// UploadBlob implements BlobUploader.
func (u *S3Uploader) UploadBlob(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	key := strings.TrimLeft(path, "/")
	in := &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	if idem, ok := IdempotencyKey(ctx); ok {
		in.Metadata = map[string]string{"idempotency-key": idem}
	}

	if _, err := u.client.PutObject(ctx, in); err != nil {
		return "", classifyS3(key, err)
	}
	if u.publicURL == "" {
		return fmt.Sprintf("s3://%s/%s", u.bucket, key), nil
	}
	return u.publicURL + "/" + key, nil
}

// classifyS3 maps SDK response errors by HTTP status. Errors without a
// response (dial failures, deadline) stay transient.
func classifyS3(key string, err error) error {
	op := "upload " + key
	var resp interface{ HTTPStatusCode() int }
	if errors.As(err, &resp) {
		code := resp.HTTPStatusCode()
		return &Error{Kind: StatusKind(code), Op: op, StatusCode: code, Err: err}
	}
	return NewError(Transient, op, err)
}

var _ BlobUploader = (*S3Uploader)(nil)
