package persist

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key record, salt or backup does not
// exist. Callers treat it as an expected condition, not a fault.
var ErrNotFound = errors.New("persist: not found")

// Set and schedule names used by the key lifecycle layer. Purpose-indexed
// sets hold key ids by lifecycle state; schedules are time-ordered
// indexes the background coordinators range over.
func ActiveSet(purpose string) string   { return "keys:active:" + purpose }
func ArchivedSet(purpose string) string { return "keys:archived:" + purpose }
func DisabledSet(purpose string) string { return "keys:disabled:" + purpose }

const (
	RotationSchedule   = "keys:schedule:rotation"
	ExpirationSchedule = "keys:schedule:expiration"
)

// Backup is one durable key backup. Data is encrypted by the vault layer
// before it arrives here; the store never sees key material in the clear.
type Backup struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Checksum  string    `json:"checksum"`
	Data      []byte    `json:"data"`
}

// BackupInfo is a Backup without its payload, for listings.
type BackupInfo struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Checksum  string    `json:"checksum"`
	Size      int       `json:"size"`
}

// Info strips the payload from a backup.
func (b *Backup) Info() BackupInfo {
	return BackupInfo{
		ID:        b.ID,
		KeyID:     b.KeyID,
		CreatedAt: b.CreatedAt,
		ExpiresAt: b.ExpiresAt,
		Checksum:  b.Checksum,
		Size:      len(b.Data),
	}
}

// BackupArchive is the durable, long-retention storage for key backups.
// It is split from Store so an object store (S3) can hold backups while
// a faster backend serves the request path.
type BackupArchive interface {

	// SaveBackup persists a backup until its expiry.
	SaveBackup(ctx context.Context, backup *Backup) error

	// LoadBackup retrieves a backup by id. Returns ErrNotFound if absent.
	LoadBackup(ctx context.Context, backupID string) (*Backup, error)

	// ListBackups enumerates stored backups without payloads.
	ListBackups(ctx context.Context) ([]BackupInfo, error)

	// DeleteBackup removes a backup. Deleting an absent backup is not an
	// error.
	DeleteBackup(ctx context.Context, backupID string) error
}

// Store is what the key lifecycle layer requires from persistence:
// per-record atomic key-value access, set membership for the purpose
// indexes, time-ordered schedules for rotation and expiration sweeps, an
// append-only audit stream, and backup storage. Individual operations
// are atomic per record; nothing here is transactional across records.
type Store interface {

	// Key records

	// SaveKey writes the serialized record for a key id, replacing any
	// previous value.
	SaveKey(ctx context.Context, keyID string, record []byte) error

	// LoadKey reads the serialized record for a key id. Returns
	// ErrNotFound if absent.
	LoadKey(ctx context.Context, keyID string) ([]byte, error)

	// DeleteKey removes the record for a key id. Deleting an absent
	// record is not an error.
	DeleteKey(ctx context.Context, keyID string) error

	// ListKeys returns every stored key id.
	ListKeys(ctx context.Context) ([]string, error)

	// Derivation salt

	// SaveSalt stores the vault's key-derivation salt. Only written once,
	// at first initialization.
	SaveSalt(ctx context.Context, salt []byte) error

	// LoadSalt reads the derivation salt. Returns ErrNotFound if the
	// store has never been initialized.
	LoadSalt(ctx context.Context) ([]byte, error)

	// Purpose-indexed sets

	AddToSet(ctx context.Context, set, member string) error
	RemoveFromSet(ctx context.Context, set, member string) error
	SetMembers(ctx context.Context, set string) ([]string, error)

	// Time-ordered schedules

	// AddToSchedule records that keyID is due at the given instant,
	// replacing any earlier entry for the same id.
	AddToSchedule(ctx context.Context, schedule, keyID string, due time.Time) error

	RemoveFromSchedule(ctx context.Context, schedule, keyID string) error

	// DueBefore returns all ids whose due instant is at or before cutoff,
	// oldest first.
	DueBefore(ctx context.Context, schedule string, cutoff time.Time) ([]string, error)

	// Audit stream

	// AppendAudit appends one serialized event to the audit stream.
	AppendAudit(ctx context.Context, entry []byte) error

	// AuditEntries reads a page of the audit stream starting at offset.
	// A limit of zero or less means all remaining entries.
	AuditEntries(ctx context.Context, offset, limit int64) ([][]byte, error)

	BackupArchive

	Close() error
}
