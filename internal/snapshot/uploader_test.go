package snapshot

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/formsync/internal/config"
)

// --- NoopUploader Tests ---

func TestNoopUploader_Upload_IsNoOp(t *testing.T) {
	u := &NoopUploader{}
	if err := u.Upload(context.Background(), "/some/path", time.Now()); err != nil {
		t.Errorf("NoopUploader.Upload() should not error, got %v", err)
	}
}

func TestNoopUploader_PresignedURL_ReturnsErrNotConfigured(t *testing.T) {
	u := &NoopUploader{}
	_, _, err := u.PresignedURL(context.Background())
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NoopUploader.PresignedURL() should return ErrNotConfigured, got %v", err)
	}
}

// --- NewUploader factory tests ---

func TestNewUploader_EmptyBucket_ReturnsNoopUploader(t *testing.T) {
	u, err := NewUploader(config.SnapshotConfig{})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}
	if _, ok := u.(*NoopUploader); !ok {
		t.Errorf("expected *NoopUploader, got %T", u)
	}
}

func TestNewUploader_WithBucket_ReturnsS3Uploader(t *testing.T) {
	u, err := NewUploader(config.SnapshotConfig{
		Bucket:    "test-bucket",
		Prefix:    "/formsync/",
		Endpoint:  "http://localhost:9000",
		Region:    "us-east-1",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		URLExpiry: config.Duration(15 * time.Minute),
	})
	if err != nil {
		t.Fatalf("NewUploader() error = %v", err)
	}

	s3u, ok := u.(*S3Uploader)
	if !ok {
		t.Fatalf("expected *S3Uploader, got %T", u)
	}
	if s3u.bucket != "test-bucket" || s3u.prefix != "formsync" {
		t.Errorf("bucket, prefix = %q, %q", s3u.bucket, s3u.prefix)
	}
	if s3u.urlExpiry != 15*time.Minute {
		t.Errorf("urlExpiry = %v", s3u.urlExpiry)
	}
}

// --- S3Uploader with mock client tests ---

type putCall struct {
	bucket, objectName, filePath string
}

// mockS3Client implements s3Client for testing.
type mockS3Client struct {
	puts          []putCall
	uploadErr     error
	presignCalled bool
	presignURL    *url.URL
	presignErr    error
	lastPresigned string
}

func (m *mockS3Client) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.puts = append(m.puts, putCall{bucket, objectName, filePath})
	return nil
}

func (m *mockS3Client) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	m.presignCalled = true
	m.lastPresigned = objectName
	if m.presignErr != nil {
		return nil, m.presignErr
	}
	if m.presignURL != nil {
		return m.presignURL, nil
	}
	u, _ := url.Parse("https://s3.example.com/" + bucket + "/" + objectName + "?presigned=true")
	return u, nil
}

func TestS3Uploader_Upload_ArchiveThenCurrent(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "current.db")
	if err := os.WriteFile(filePath, []byte("test data"), 0644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	mock := &mockS3Client{}
	u := &S3Uploader{client: mock, bucket: "b", prefix: "formsync", urlExpiry: time.Minute}
	takenAt := time.Date(2025, 9, 1, 8, 30, 0, 0, time.UTC)

	if err := u.Upload(context.Background(), filePath, takenAt); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	want := []putCall{
		{"b", "formsync/snapshot/archive/20250901T083000Z.db", filePath},
		{"b", "formsync/snapshot/current.db", filePath},
	}
	if len(mock.puts) != len(want) {
		t.Fatalf("puts = %+v", mock.puts)
	}
	for i := range want {
		if mock.puts[i] != want[i] {
			t.Errorf("put[%d] = %+v, want %+v", i, mock.puts[i], want[i])
		}
	}
}

func TestS3Uploader_Upload_Error(t *testing.T) {
	mock := &mockS3Client{uploadErr: errors.New("network timeout")}
	u := &S3Uploader{client: mock, bucket: "b", urlExpiry: time.Minute}

	err := u.Upload(context.Background(), "/path/to/file.db", time.Now())
	if !errors.Is(err, mock.uploadErr) {
		t.Errorf("expected wrapped network timeout error, got %v", err)
	}
}

func TestS3Uploader_PresignedURL(t *testing.T) {
	expectedURL, _ := url.Parse("https://s3.example.com/b/formsync/snapshot/current.db?token=abc")
	mock := &mockS3Client{presignURL: expectedURL}
	u := &S3Uploader{client: mock, bucket: "b", prefix: "formsync", urlExpiry: 15 * time.Minute}

	urlStr, expiry, err := u.PresignedURL(context.Background())
	if err != nil {
		t.Fatalf("PresignedURL() error = %v", err)
	}
	if urlStr != expectedURL.String() {
		t.Errorf("url = %q, want %q", urlStr, expectedURL.String())
	}
	expectedExpiry := time.Now().Add(15 * time.Minute)
	if expiry.Before(expectedExpiry.Add(-time.Second)) || expiry.After(expectedExpiry.Add(time.Second)) {
		t.Errorf("expiry = %v, want approximately %v", expiry, expectedExpiry)
	}
	if mock.lastPresigned != "formsync/snapshot/current.db" {
		t.Errorf("objectName = %q", mock.lastPresigned)
	}
}

func TestS3Uploader_PresignedURL_Error(t *testing.T) {
	mock := &mockS3Client{presignErr: errors.New("access denied")}
	u := &S3Uploader{client: mock, bucket: "b", urlExpiry: time.Minute}

	if _, _, err := u.PresignedURL(context.Background()); err == nil {
		t.Fatal("PresignedURL() expected error, got nil")
	}
}

func TestStripScheme(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		wantHost string
		wantSSL  bool
	}{
		{"bare host", "s3.example.com", "s3.example.com", true},
		{"bare host:port", "minio:9000", "minio:9000", true},
		{"https URL", "https://s3.example.com", "s3.example.com", true},
		{"http URL", "http://minio:9000", "minio:9000", false},
		{"http with port", "http://localhost:9000", "localhost:9000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ssl := true
			got := stripScheme(tt.endpoint, &ssl)
			if got != tt.wantHost {
				t.Errorf("stripScheme(%q) host = %q, want %q", tt.endpoint, got, tt.wantHost)
			}
			if ssl != tt.wantSSL {
				t.Errorf("stripScheme(%q) ssl = %v, want %v", tt.endpoint, ssl, tt.wantSSL)
			}
		})
	}
}

func TestObjectKeys(t *testing.T) {
	if got := objectKey(""); got != "snapshot/current.db" {
		t.Errorf("objectKey(\"\") = %q", got)
	}
	if got := objectKey("org/forms"); got != "org/forms/snapshot/current.db" {
		t.Errorf("objectKey = %q", got)
	}
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	if got := archiveKey("p", at); got != "p/snapshot/archive/20250102T020405Z.db" {
		t.Errorf("archiveKey = %q", got)
	}
}
