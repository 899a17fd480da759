package armor

import (
	"sort"
	"time"

	"github.com/awnumar/memguard"
)

// KeyType describes the cryptographic shape of a key.
type KeyType string

const (
	KeyTypeSymmetric  KeyType = "symmetric"
	KeyTypeAsymmetric KeyType = "asymmetric"
	KeyTypeHybrid     KeyType = "hybrid"
)

// KeyPurpose describes what a key may be used for. Keys are never
// interchangeable across purposes.
type KeyPurpose string

const (
	PurposeDataEncryption KeyPurpose = "data-encryption"
	PurposeKeyEncryption  KeyPurpose = "key-encryption"
	PurposeSigning        KeyPurpose = "signing"
	PurposeAuthentication KeyPurpose = "authentication"
	PurposeDerivation     KeyPurpose = "derivation"
)

// KeyPurposes lists every purpose the lifecycle manager indexes. The
// rotation and maintenance coordinators sweep purposes in this order.
func KeyPurposes() []KeyPurpose {
	return []KeyPurpose{
		PurposeDataEncryption,
		PurposeKeyEncryption,
		PurposeSigning,
		PurposeAuthentication,
		PurposeDerivation,
	}
}

// KeyStatus is the lifecycle state machine of a key.
//
// Active keys serve both encryption and decryption. Archived, Disabled and
// Expired keys remain decrypt-capable so historical ciphertext stays
// readable, but are never selected for new encryption. Destroyed keys have
// had their material purged and serve nothing.
type KeyStatus string

const (
	StatusActive          KeyStatus = "active"
	StatusPendingRotation KeyStatus = "pending-rotation"
	StatusRotating        KeyStatus = "rotating"
	StatusArchived        KeyStatus = "archived"
	StatusExpired         KeyStatus = "expired"
	StatusDisabled        KeyStatus = "disabled"
	StatusDestroyed       KeyStatus = "destroyed"
)

// UsageRestrictions bound how and by whom a key may be used.
type UsageRestrictions struct {
	MaxOperations int64      `json:"max_operations,omitempty"`
	MaxBytes      int64      `json:"max_bytes,omitempty"`
	AllowedUsers  []string   `json:"allowed_users,omitempty"`
	AllowedIPs    []string   `json:"allowed_ips,omitempty"`
	AllowedRoles  []string   `json:"allowed_roles,omitempty"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	NotAfter      *time.Time `json:"not_after,omitempty"`
}

// DayUsage is one day's rollup in a key's usage history.
type DayUsage struct {
	Operations int64 `json:"operations"`
	Bytes      int64 `json:"bytes"`
}

// usageRetentionDays bounds the daily rollup history kept per key.
const usageRetentionDays = 90

// UsageStats accumulates per-key operation accounting. Updates are
// serialized per key by the lifecycle manager.
type UsageStats struct {
	EncryptCount int64               `json:"encrypt_count"`
	DecryptCount int64               `json:"decrypt_count"`
	BytesIn      int64               `json:"bytes_in"`
	BytesOut     int64               `json:"bytes_out"`
	Daily        map[string]DayUsage `json:"daily,omitempty"`
	FirstUsed    time.Time           `json:"first_used,omitempty"`
	LastUsed     time.Time           `json:"last_used,omitempty"`
}

// record adds one operation to the stats and prunes rollups older than
// the retention window.
func (u *UsageStats) record(op string, size int, now time.Time) {
	switch op {
	case "encrypt":
		u.EncryptCount++
		u.BytesIn += int64(size)
	case "decrypt":
		u.DecryptCount++
		u.BytesOut += int64(size)
	}
	if u.FirstUsed.IsZero() {
		u.FirstUsed = now
	}
	u.LastUsed = now

	if u.Daily == nil {
		u.Daily = make(map[string]DayUsage)
	}
	day := now.UTC().Format("2006-01-02")
	d := u.Daily[day]
	d.Operations++
	d.Bytes += int64(size)
	u.Daily[day] = d

	cutoff := now.UTC().AddDate(0, 0, -usageRetentionDays).Format("2006-01-02")
	for k := range u.Daily {
		if k < cutoff {
			delete(u.Daily, k)
		}
	}
}

// RotationSchedule drives automatic rotation of a key.
type RotationSchedule struct {
	Interval      time.Duration `json:"interval,omitempty"`
	NextRotation  time.Time     `json:"next_rotation,omitempty"`
	AutoRotate    bool          `json:"auto_rotate"`
	WarnThreshold time.Duration `json:"warn_threshold,omitempty"`
	MaxAge        time.Duration `json:"max_age,omitempty"`
}

// BackupStatus reports the health of a key's most recent backup.
type BackupStatus string

const (
	BackupStatusCurrent  BackupStatus = "current"
	BackupStatusVerified BackupStatus = "verified"
	BackupStatusCorrupt  BackupStatus = "corrupt"
)

// BackupInfo records where and when a key was last backed up.
type BackupInfo struct {
	BackupID  string       `json:"backup_id"`
	CreatedAt time.Time    `json:"created_at"`
	Location  string       `json:"location"`
	Checksum  string       `json:"checksum"`
	Status    BackupStatus `json:"status"`
}

// Key is a full key record held by the lifecycle manager. Raw material
// lives in a memguard enclave and never leaves this package; everything
// else round-trips through the key store.
//
// Material is immutable once created. Only Status, Usage, Rotation and
// Backup mutate in place over a key's life.
type Key struct {
	ID           string            `json:"id"`
	Type         KeyType           `json:"type"`
	Purpose      KeyPurpose        `json:"purpose"`
	Size         int               `json:"size"` // bits
	Status       KeyStatus         `json:"status"`
	Version      int               `json:"version"`
	ParentID     string            `json:"parent_id,omitempty"`
	SuccessorID  string            `json:"successor_id,omitempty"`
	Restrictions UsageRestrictions `json:"restrictions"`
	Regions      []string          `json:"regions,omitempty"`
	Compliance   []string          `json:"compliance,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Usage        UsageStats        `json:"usage"`
	Rotation     RotationSchedule  `json:"rotation"`
	Backup       *BackupInfo       `json:"backup,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at,omitempty"`

	material *memguard.Enclave
}

// CanEncrypt reports whether the key may serve new encryption.
func (k *Key) CanEncrypt(now time.Time) bool {
	if k.Status != StatusActive {
		return false
	}
	return !k.expired(now)
}

// CanDecrypt reports whether the key may still serve decryption.
// Everything short of Destroyed stays decrypt-capable so historical
// ciphertext remains readable.
func (k *Key) CanDecrypt() bool {
	return k.Status != StatusDestroyed && k.material != nil
}

func (k *Key) expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// rotationDue reports whether the key has crossed any of its rotation
// triggers: the scheduled instant, its expiry, or its maximum age.
func (k *Key) rotationDue(now time.Time) bool {
	if !k.Rotation.NextRotation.IsZero() && now.After(k.Rotation.NextRotation) {
		return true
	}
	if k.expired(now) {
		return true
	}
	if k.Rotation.MaxAge > 0 && now.Sub(k.CreatedAt) > k.Rotation.MaxAge {
		return true
	}
	return false
}

// Meta returns the public projection of the key with material omitted.
func (k *Key) Meta() KeyMetadata {
	return KeyMetadata{
		ID:          k.ID,
		Type:        k.Type,
		Purpose:     k.Purpose,
		Size:        k.Size,
		Status:      k.Status,
		Version:     k.Version,
		ParentID:    k.ParentID,
		SuccessorID: k.SuccessorID,
		Regions:     append([]string(nil), k.Regions...),
		Compliance:  append([]string(nil), k.Compliance...),
		Rotation:    k.Rotation,
		Backup:      k.Backup,
		CreatedAt:   k.CreatedAt,
		ExpiresAt:   k.ExpiresAt,
	}
}

// KeyMetadata is the caller-facing view of a key: identity and lifecycle
// facts, never material.
type KeyMetadata struct {
	ID          string           `json:"id"`
	Type        KeyType          `json:"type"`
	Purpose     KeyPurpose       `json:"purpose"`
	Size        int              `json:"size"`
	Status      KeyStatus        `json:"status"`
	Version     int              `json:"version"`
	ParentID    string           `json:"parent_id,omitempty"`
	SuccessorID string           `json:"successor_id,omitempty"`
	Regions     []string         `json:"regions,omitempty"`
	Compliance  []string         `json:"compliance,omitempty"`
	Rotation    RotationSchedule `json:"rotation"`
	Backup      *BackupInfo      `json:"backup,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at,omitempty"`
}

// sortNewestFirst orders metadata by creation time, newest first, version
// as tiebreak for keys minted in the same instant.
func sortNewestFirst(keys []KeyMetadata) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedAt.Equal(keys[j].CreatedAt) {
			return keys[i].Version > keys[j].Version
		}
		return keys[i].CreatedAt.After(keys[j].CreatedAt)
	})
}

// keyRecord is the serialized form of a Key. Material is wrapped with the
// manager's derivation key before it ever touches the store.
type keyRecord struct {
	Key
	WrappedMaterial []byte `json:"wrapped_material"`
}
