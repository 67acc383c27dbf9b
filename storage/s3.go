package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds configuration for S3-compatible storage
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for MinIO, Yandex Object Storage, R2, etc.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// S3Sink uploads page snapshots to S3-compatible storage
type S3Sink struct {
	client *s3.Client
	cfg    S3Config
}

// NewS3Sink creates a new S3 snapshot sink. httpClient may be nil.
func NewS3Sink(ctx context.Context, cfg S3Config, httpClient *http.Client) (*S3Sink, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	}
	if httpClient != nil {
		opts = append(opts, config.WithHTTPClient(httpClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Sink{client: client, cfg: cfg}, nil
}

// Save uploads an HTML snapshot and returns its public URL.
func (u *S3Sink) Save(ctx context.Context, name string, data []byte) (string, error) {
	key := path.Join(u.cfg.Prefix, name)
	if err := u.upload(ctx, key, bytes.NewReader(data), "text/html; charset=utf-8"); err != nil {
		return "", err
	}
	return u.PublicURL(key), nil
}

func (u *S3Sink) upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// PublicURL returns the public URL for an S3 key
func (u *S3Sink) PublicURL(key string) string {
	if u.cfg.Endpoint != "" {
		// Path-style: {endpoint}/{bucket}/{key}
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(u.cfg.Endpoint, "/"), u.cfg.Bucket, key)
	}
	// AWS S3: https://{bucket}.s3.{region}.amazonaws.com/{key}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
}
