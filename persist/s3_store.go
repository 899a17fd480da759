package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the connection settings for an S3-compatible backup
// archive.
type S3Config struct {
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"-" yaml:"access_key_id"`
	SecretAccessKey string `json:"-" yaml:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl" yaml:"use_ssl"`
	Region          string `json:"region" yaml:"region"`
	Bucket          string `json:"bucket" yaml:"bucket"`
	KeyPrefix       string `json:"key_prefix" yaml:"key_prefix"`
}

// S3BackupArchive implements BackupArchive on an S3-compatible object
// store. Key backups have a retention measured in years, an awkward fit
// for a hot store, so deployments point the archive at object storage
// while a RedisStore or MemoryStore serves the request path.
//
// Object layout:
//
//	bucket/
//	└── [keyPrefix/]backups/
//	    ├── <backupID>.bak    # JSON backup container (payload already encrypted)
//	    └── ...
type S3BackupArchive struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3BackupArchive connects to the object store and ensures the bucket
// exists.
func NewS3BackupArchive(ctx context.Context, config S3Config) (*S3BackupArchive, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, errors.New("s3 archive requires endpoint and bucket")
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &S3BackupArchive{
		client: client,
		bucket: config.Bucket,
		prefix: strings.Trim(config.KeyPrefix, "/"),
	}, nil
}

func (s *S3BackupArchive) objectName(backupID string) string {
	return path.Join(s.prefix, "backups", backupID+".bak")
}

func (s *S3BackupArchive) SaveBackup(ctx context.Context, backup *Backup) error {
	payload, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("failed to serialize backup: %w", err)
	}

	putOptions := minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		UserMetadata: map[string]string{
			"key-id":     backup.KeyID,
			"checksum":   backup.Checksum,
			"expires-at": backup.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.objectName(backup.ID),
		bytes.NewReader(payload), int64(len(payload)), putOptions)
	if err != nil {
		return fmt.Errorf("failed to store backup: %w", err)
	}
	return nil
}

func (s *S3BackupArchive) LoadBackup(ctx context.Context, backupID string) (*Backup, error) {
	object, err := s.client.GetObject(ctx, s.bucket, s.objectName(backupID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get backup object: %w", err)
	}
	defer object.Close()

	payload, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read backup object: %w", err)
	}

	var backup Backup
	if err = json.Unmarshal(payload, &backup); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	return &backup, nil
}

func (s *S3BackupArchive) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	listPrefix := path.Join(s.prefix, "backups") + "/"
	objectCh := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    listPrefix,
		Recursive: true,
	})

	var infos []BackupInfo
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list backups: %w", object.Err)
		}
		if !strings.HasSuffix(object.Key, ".bak") {
			continue
		}
		id := strings.TrimSuffix(path.Base(object.Key), ".bak")
		backup, err := s.LoadBackup(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		infos = append(infos, backup.Info())
	}
	return infos, nil
}

func (s *S3BackupArchive) DeleteBackup(ctx context.Context, backupID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectName(backupID), minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to delete backup: %w", err)
	}
	return nil
}
