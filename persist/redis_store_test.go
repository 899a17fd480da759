package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := NewRedisStore(context.Background(), RedisConfig{Addr: server.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, server
}

func TestRedisStoreContract(t *testing.T) {
	store, _ := newTestRedisStore(t)
	storeContract(t, store)
}

func TestRedisStoreRequiresAddr(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisConfig{})
	require.Error(t, err)
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()

	store, err := NewRedisStore(ctx, RedisConfig{Addr: server.Addr(), KeyPrefix: "tenant-a"})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveKey(ctx, "k1", []byte("record")))

	value, err := server.Get("tenant-a:key:k1")
	require.NoError(t, err)
	require.Equal(t, "record", value)

	// A store under the default prefix does not see tenant-a's records.
	other, err := NewRedisStore(ctx, RedisConfig{Addr: server.Addr()})
	require.NoError(t, err)
	defer other.Close()

	ids, err := other.ListKeys(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRedisStoreBackupRetention(t *testing.T) {
	store, server := newTestRedisStore(t)
	ctx := context.Background()

	backup := &Backup{
		ID:        "bk-exp",
		KeyID:     "k-1",
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
		Checksum:  "cafef00d",
		Data:      []byte("payload"),
	}
	require.NoError(t, store.SaveBackup(ctx, backup))

	infos, err := store.ListBackups(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	// Past the retention boundary Redis expires the payload; the listing
	// drops the dangling index entry rather than failing.
	server.FastForward(2 * time.Hour)

	_, err = store.LoadBackup(ctx, "bk-exp")
	require.ErrorIs(t, err, ErrNotFound)

	infos, err = store.ListBackups(ctx)
	require.NoError(t, err)
	require.Empty(t, infos)
	require.False(t, server.Exists("armor:backup:bk-exp"))
}

func TestRedisStoreAuditPaging(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	for _, entry := range []string{"one", "two", "three", "four"} {
		require.NoError(t, store.AppendAudit(ctx, []byte(entry)))
	}

	page, err := store.AuditEntries(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "two", string(page[0]))
	require.Equal(t, "three", string(page[1]))

	rest, err := store.AuditEntries(ctx, 3, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "four", string(rest[0]))
}

func TestRedisStoreSchedulesAreScoredByDueTime(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.AddToSchedule(ctx, RotationSchedule, "soon", now.Add(-time.Minute)))
	require.NoError(t, store.AddToSchedule(ctx, RotationSchedule, "sooner", now.Add(-time.Hour)))
	require.NoError(t, store.AddToSchedule(ctx, RotationSchedule, "later", now.Add(time.Hour)))

	due, err := store.DueBefore(ctx, RotationSchedule, now)
	require.NoError(t, err)
	require.Equal(t, []string{"sooner", "soon"}, due)
}

func TestRedisStoreLoadKeyMissing(t *testing.T) {
	store, _ := newTestRedisStore(t)
	_, err := store.LoadKey(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadKey(missing) = %v, want ErrNotFound", err)
	}
}
