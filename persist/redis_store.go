package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig carries the connection settings for a RedisStore.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"-" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// RedisStore implements Store on Redis. The contract maps directly onto
// Redis primitives: key records are string values, purpose indexes are
// sets, the rotation/expiration schedules are sorted sets scored by unix
// time, the audit stream is a list, and backups are JSON values expired
// by Redis at their retention boundary.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects a RedisStore and verifies the server responds.
func NewRedisStore(ctx context.Context, config RedisConfig) (*RedisStore, error) {
	if config.Addr == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "armor"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) name(parts ...string) string {
	n := r.prefix
	for _, p := range parts {
		n += ":" + p
	}
	return n
}

func (r *RedisStore) SaveKey(ctx context.Context, keyID string, record []byte) error {
	return r.client.Set(ctx, r.name("key", keyID), record, 0).Err()
}

func (r *RedisStore) LoadKey(ctx context.Context, keyID string) ([]byte, error) {
	record, err := r.client.Get(ctx, r.name("key", keyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return record, err
}

func (r *RedisStore) DeleteKey(ctx context.Context, keyID string) error {
	return r.client.Del(ctx, r.name("key", keyID)).Err()
}

func (r *RedisStore) ListKeys(ctx context.Context) ([]string, error) {
	var ids []string
	prefix := r.name("key") + ":"
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(prefix):])
	}
	return ids, iter.Err()
}

func (r *RedisStore) SaveSalt(ctx context.Context, salt []byte) error {
	return r.client.Set(ctx, r.name("salt"), salt, 0).Err()
}

func (r *RedisStore) LoadSalt(ctx context.Context) ([]byte, error) {
	salt, err := r.client.Get(ctx, r.name("salt")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return salt, err
}

func (r *RedisStore) AddToSet(ctx context.Context, set, member string) error {
	return r.client.SAdd(ctx, r.name(set), member).Err()
}

func (r *RedisStore) RemoveFromSet(ctx context.Context, set, member string) error {
	return r.client.SRem(ctx, r.name(set), member).Err()
}

func (r *RedisStore) SetMembers(ctx context.Context, set string) ([]string, error) {
	return r.client.SMembers(ctx, r.name(set)).Result()
}

func (r *RedisStore) AddToSchedule(ctx context.Context, schedule, keyID string, due time.Time) error {
	return r.client.ZAdd(ctx, r.name(schedule), redis.Z{
		Score:  float64(due.Unix()),
		Member: keyID,
	}).Err()
}

func (r *RedisStore) RemoveFromSchedule(ctx context.Context, schedule, keyID string) error {
	return r.client.ZRem(ctx, r.name(schedule), keyID).Err()
}

func (r *RedisStore) DueBefore(ctx context.Context, schedule string, cutoff time.Time) ([]string, error) {
	return r.client.ZRangeByScore(ctx, r.name(schedule), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.Unix(), 10),
	}).Result()
}

func (r *RedisStore) AppendAudit(ctx context.Context, entry []byte) error {
	return r.client.RPush(ctx, r.name("audit"), entry).Err()
}

func (r *RedisStore) AuditEntries(ctx context.Context, offset, limit int64) ([][]byte, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = offset + limit - 1
	}
	entries, err := r.client.LRange(ctx, r.name("audit"), offset, stop).Result()
	if err != nil {
		return nil, err
	}
	raw := make([][]byte, len(entries))
	for i, entry := range entries {
		raw[i] = []byte(entry)
	}
	return raw, nil
}

func (r *RedisStore) SaveBackup(ctx context.Context, backup *Backup) error {
	payload, err := json.Marshal(backup)
	if err != nil {
		return fmt.Errorf("failed to serialize backup: %w", err)
	}
	name := r.name("backup", backup.ID)
	if err = r.client.Set(ctx, name, payload, 0).Err(); err != nil {
		return err
	}
	if !backup.ExpiresAt.IsZero() {
		if err = r.client.ExpireAt(ctx, name, backup.ExpiresAt).Err(); err != nil {
			return err
		}
	}
	return r.client.SAdd(ctx, r.name("backups"), backup.ID).Err()
}

func (r *RedisStore) LoadBackup(ctx context.Context, backupID string) (*Backup, error) {
	payload, err := r.client.Get(ctx, r.name("backup", backupID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var backup Backup
	if err = json.Unmarshal(payload, &backup); err != nil {
		return nil, fmt.Errorf("failed to parse backup: %w", err)
	}
	return &backup, nil
}

func (r *RedisStore) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	ids, err := r.client.SMembers(ctx, r.name("backups")).Result()
	if err != nil {
		return nil, err
	}
	infos := make([]BackupInfo, 0, len(ids))
	for _, id := range ids {
		backup, err := r.LoadBackup(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired by Redis after its retention elapsed; drop the
			// dangling index entry.
			_ = r.client.SRem(ctx, r.name("backups"), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, backup.Info())
	}
	return infos, nil
}

func (r *RedisStore) DeleteBackup(ctx context.Context, backupID string) error {
	if err := r.client.Del(ctx, r.name("backup", backupID)).Err(); err != nil {
		return err
	}
	return r.client.SRem(ctx, r.name("backups"), backupID).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }
