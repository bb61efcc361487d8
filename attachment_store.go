package roomsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrBlobNotFound reports that a remote blob store has no object for
// the requested attachment.
var ErrBlobNotFound = errors.New("attachment blob not found")

// BlobStore is a remote store for attachment payloads that are too
// large to travel inline on records.
type BlobStore interface {
	ReadBlob(ctx context.Context, key string) ([]byte, error)
	WriteBlob(ctx context.Context, key string, data []byte) error
}

// S3BlobConfig configures the S3 attachment blob store.
type S3BlobConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer IAM roles, instance profiles,
	// or environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
	// over setting these directly.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"` // Key prefix for all objects
	UsePathStyle    bool   `yaml:"use_path_style,omitempty"`
}

// S3BlobStore implements BlobStore on S3 or S3-compatible storage.
type S3BlobStore struct {
	client *s3.Client
	config S3BlobConfig
}

// NewS3BlobStore creates an S3 blob store.
func NewS3BlobStore(cfg S3BlobConfig) (*S3BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3BlobStore{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
	}, nil
}

// ReadBlob fetches an attachment payload.
func (s *S3BlobStore) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.config.Prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("S3 get object failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("S3 read body failed: %w", err)
	}
	return data, nil
}

// WriteBlob uploads an attachment payload.
func (s *S3BlobStore) WriteBlob(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.config.Prefix + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("S3 put object failed: %w", err)
	}
	return nil
}

// AttachmentStoreConfig configures attachment materialization.
type AttachmentStoreConfig struct {
	// Dir is the root directory for materialized files. Default:
	// "attachments".
	Dir string `yaml:"dir"`

	// Encryption, when enabled, encrypts files at rest.
	Encryption EncryptionConfig `yaml:"encryption"`

	// S3, when set, backs attachments whose payload did not travel
	// inline, and mirrors inline payloads for other devices.
	S3 *S3BlobConfig `yaml:"s3,omitempty"`
}

// AttachmentStore materializes attachment payloads into local files,
// one per (room, message, file name). Materialization is idempotent:
// an existing file is never rewritten, so re-delivered attachment
// records are cheap.
type AttachmentStore struct {
	config AttachmentStoreConfig
	enc    *Encryptor
	blobs  BlobStore // nil when no remote blob backend is configured

	materialized atomic.Int64
	skipped      atomic.Int64
	fetched      atomic.Int64
	mirrored     atomic.Int64
}

// NewAttachmentStore creates an attachment store rooted at cfg.Dir.
func NewAttachmentStore(cfg AttachmentStoreConfig) (*AttachmentStore, error) {
	if cfg.Dir == "" {
		cfg.Dir = "attachments"
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	enc, err := NewEncryptor(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("attachment encryption: %w", err)
	}

	var blobs BlobStore
	if cfg.S3 != nil {
		blobs, err = NewS3BlobStore(*cfg.S3)
		if err != nil {
			return nil, err
		}
	}

	return &AttachmentStore{config: cfg, enc: enc, blobs: blobs}, nil
}

// newAttachmentStoreWithBlobs is the injection point for tests and for
// embedders with their own blob backend.
func newAttachmentStoreWithBlobs(cfg AttachmentStoreConfig, blobs BlobStore) (*AttachmentStore, error) {
	store, err := NewAttachmentStore(AttachmentStoreConfig{
		Dir:        cfg.Dir,
		Encryption: cfg.Encryption,
	})
	if err != nil {
		return nil, err
	}
	store.blobs = blobs
	return store, nil
}

// Materialize writes an attachment payload to its local file and
// returns the path. If the file already exists it is left untouched.
// When data is empty the payload is fetched from the blob store; when
// data arrived inline and a blob store is configured, the payload is
// mirrored there for other devices.
func (a *AttachmentStore) Materialize(ctx context.Context, room, messageID, fileName string, data []byte) (string, error) {
	path := a.localPath(room, messageID, fileName)

	if _, err := os.Stat(path); err == nil {
		a.skipped.Add(1)
		return path, nil
	}

	inline := len(data) > 0
	if !inline {
		if a.blobs == nil {
			return "", fmt.Errorf("attachment %s/%s has no inline payload and no blob store is configured", room, messageID)
		}
		fetched, err := a.blobs.ReadBlob(ctx, blobKey(room, messageID, fileName))
		if err != nil {
			return "", NewSyncError(ErrKindTransient, "fetch attachment blob", err)
		}
		data = fetched
		a.fetched.Add(1)
	}

	payload := data
	if a.enc != nil {
		sealed, err := a.enc.SealBlob(data)
		if err != nil {
			return "", fmt.Errorf("encrypt attachment: %w", err)
		}
		payload = sealed
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0600); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize attachment: %w", err)
	}
	a.materialized.Add(1)

	if inline && a.blobs != nil {
		if err := a.blobs.WriteBlob(ctx, blobKey(room, messageID, fileName), data); err != nil {
			// Mirroring is best-effort; the local copy is already durable.
			log.Printf("[AttachmentStore] Failed to mirror %s/%s to blob store: %v", room, messageID, err)
		} else {
			a.mirrored.Add(1)
		}
	}
	return path, nil
}

// Open reads a materialized attachment, decrypting it when the store
// encrypts at rest.
func (a *AttachmentStore) Open(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if a.enc != nil && IsEncryptedBlob(data) {
		return a.enc.OpenBlob(data)
	}
	return data, nil
}

func (a *AttachmentStore) localPath(room, messageID, fileName string) string {
	name := fmt.Sprintf("%s_%s", messageID, sanitizeFileName(fileName))
	return filepath.Join(a.config.Dir, sanitizeFileName(room), name)
}

func blobKey(room, messageID, fileName string) string {
	return fmt.Sprintf("%s/%s/%s", room, messageID, fileName)
}

// sanitizeFileName strips path separators and traversal sequences from
// remote-supplied names.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "..", "")
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" {
		name = "attachment"
	}
	return name
}

// AttachmentStoreStats contains attachment store statistics.
type AttachmentStoreStats struct {
	Materialized int64 `json:"materialized"`
	Skipped      int64 `json:"skipped"`
	Fetched      int64 `json:"fetched"`
	Mirrored     int64 `json:"mirrored"`
}

// Stats returns attachment store statistics.
func (a *AttachmentStore) Stats() AttachmentStoreStats {
	return AttachmentStoreStats{
		Materialized: a.materialized.Load(),
		Skipped:      a.skipped.Load(),
		Fetched:      a.fetched.Load(),
		Mirrored:     a.mirrored.Load(),
	}
}
