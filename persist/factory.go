package persist

import (
	"context"
	"fmt"
)

// StoreType selects a storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// StoreConfig is the backend-agnostic store configuration surface.
type StoreConfig struct {
	Type  StoreType   `json:"type" yaml:"type"`
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Archive, when set, routes backups to an S3-compatible object store
	// instead of the primary backend.
	Archive *S3Config `json:"archive,omitempty" yaml:"archive,omitempty"`
}

// NewStore factory function to create storage backends.
func NewStore(ctx context.Context, config StoreConfig) (Store, error) {
	var store Store
	switch config.Type {
	case StoreTypeMemory, "":
		store = NewMemoryStore()
	case StoreTypeRedis:
		redisStore, err := NewRedisStore(ctx, config.Redis)
		if err != nil {
			return nil, err
		}
		store = redisStore
	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}

	if config.Archive != nil {
		archive, err := NewS3BackupArchive(ctx, *config.Archive)
		if err != nil {
			return nil, err
		}
		return WithArchive(store, archive), nil
	}
	return store, nil
}

// archivedStore overlays a separate BackupArchive on a Store.
type archivedStore struct {
	Store
	archive BackupArchive
}

// WithArchive returns a Store whose backup operations go to archive
// while everything else stays on base.
func WithArchive(base Store, archive BackupArchive) Store {
	return &archivedStore{Store: base, archive: archive}
}

func (a *archivedStore) SaveBackup(ctx context.Context, backup *Backup) error {
	return a.archive.SaveBackup(ctx, backup)
}

func (a *archivedStore) LoadBackup(ctx context.Context, backupID string) (*Backup, error) {
	return a.archive.LoadBackup(ctx, backupID)
}

func (a *archivedStore) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	return a.archive.ListBackups(ctx)
}

func (a *archivedStore) DeleteBackup(ctx context.Context, backupID string) error {
	return a.archive.DeleteBackup(ctx, backupID)
}
