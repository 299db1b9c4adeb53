package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Client stores generated media in a MinIO/S3 bucket and hands back opaque
// asset ids. Callers never see bucket paths.
type Client struct {
	mc     *minio.Client
	bucket string
	urlTTL time.Duration
}

type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	URLTTL    time.Duration
}

func NewClient(ctx context.Context, opts Options) (*Client, error) {
	mc, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := mc.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", opts.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", opts.Bucket, err)
		}
	}
	ttl := opts.URLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Client{mc: mc, bucket: opts.Bucket, urlTTL: ttl}, nil
}

// Put stores the bytes and returns a durable asset id.
func (c *Client) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	assetID := uuid.New().String() + extensionFor(contentType)
	_, err := c.mc.PutObject(ctx, c.bucket, assetID, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return assetID, nil
}

// URLFor returns a transient presigned URL for the asset.
func (c *Client) URLFor(ctx context.Context, assetID string) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, assetID, c.urlTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presign %q: %w", assetID, err)
	}
	return u.String(), nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	}
	return ""
}
