// Package snapshot copies document store snapshots to S3-compatible storage
// and hands out pre-signed download URLs. Without a bucket configured the
// NoopUploader is used and snapshots stay local.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/formsync/internal/config"
)

// ErrNotConfigured is returned when S3 snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// archiveLayout names archived copies; it sorts chronologically.
const archiveLayout = "20060102T150405Z"

// Uploader uploads snapshots and generates pre-signed download URLs.
type Uploader interface {
	// Upload stores the snapshot at filePath as the current snapshot and
	// keeps a copy named after takenAt.
	Upload(ctx context.Context, filePath string, takenAt time.Time) error

	// PresignedURL returns a pre-signed URL for the current snapshot.
	// Returns ErrNotConfigured when S3 is not configured.
	PresignedURL(ctx context.Context) (url string, expiry time.Time, err error)
}

// s3Client is the subset of *minio.Client the uploader uses.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	prefix    string
	urlExpiry time.Duration
}

// Upload writes the archive copy first so the current key never points
// at a snapshot that has no archived twin.
func (u *S3Uploader) Upload(ctx context.Context, filePath string, takenAt time.Time) error {
	if err := u.client.FPutObject(ctx, u.bucket, archiveKey(u.prefix, takenAt), filePath); err != nil {
		return fmt.Errorf("upload snapshot archive to S3: %w", err)
	}
	if err := u.client.FPutObject(ctx, u.bucket, objectKey(u.prefix), filePath); err != nil {
		return fmt.Errorf("upload snapshot to S3: %w", err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the current snapshot.
func (u *S3Uploader) PresignedURL(ctx context.Context) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectKey(u.prefix), u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), time.Now().Add(u.urlExpiry), nil
}

// NoopUploader is used when S3 storage is not configured.
type NoopUploader struct{}

func (u *NoopUploader) Upload(ctx context.Context, filePath string, takenAt time.Time) error {
	return nil
}

func (u *NoopUploader) PresignedURL(ctx context.Context) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader returns a NoopUploader when no bucket is configured and an
// S3Uploader otherwise. The endpoint may carry an http:// or https://
// scheme, which then decides TLS unless use_ssl says otherwise.
func NewUploader(cfg config.SnapshotConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	endpoint := stripScheme(cfg.Endpoint, &useSSL)
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		urlExpiry: time.Duration(cfg.URLExpiry),
	}, nil
}

// stripScheme removes an http(s) scheme from endpoint, clearing *ssl for
// plain http.
func stripScheme(endpoint string, ssl *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*ssl = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*ssl = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// objectKey is {prefix}/snapshot/current.db.
func objectKey(prefix string) string {
	return path.Join(prefix, "snapshot", "current.db")
}

// archiveKey is {prefix}/snapshot/archive/{takenAt}.db.
func archiveKey(prefix string, takenAt time.Time) string {
	return path.Join(prefix, "snapshot", "archive", takenAt.UTC().Format(archiveLayout)+".db")
}
