package armor

import (
	"errors"
	"time"
)

// Defaults applied by Options.Validate when a field is zero.
const (
	DefaultKeySize              = 256
	DefaultMaxPayloadSize       = 10 * 1024 * 1024
	DefaultCompressionThreshold = 1024
	DefaultRotationInterval     = 90 * 24 * time.Hour
	DefaultRotationCheck        = time.Hour
	DefaultMaintenanceInterval  = 6 * time.Hour
	DefaultBackupRetention      = 7 * 365 * 24 * time.Hour
	DefaultKeyRetention         = 365 * 24 * time.Hour
	DefaultMaxKeyVersions       = 10
)

// Options configures the lifecycle manager, the encryption engine and the
// background coordinators. Secrets (passphrase, pepper) carry json:"-"
// so a serialized configuration never leaks them.
type Options struct {
	// DerivationPassphrase feeds the key that wraps raw key material
	// before it reaches the store. Losing it makes every stored key
	// unreadable. Required.
	DerivationPassphrase string `json:"-"`

	// BackupPassphrase encrypts key backups. Kept separate from the
	// derivation passphrase so backups stay restorable after a store
	// passphrase rollover. Falls back to DerivationPassphrase when empty.
	BackupPassphrase string `json:"-"`

	// Pepper is the shared application secret appended to data before
	// hashing. Distinct from the per-hash random salt and never included
	// in hash records.
	Pepper []byte `json:"-"`

	// DefaultAlgorithm names the AEAD used when the caller does not pick
	// one. Defaults to AES-256-GCM.
	DefaultAlgorithm Algorithm `json:"default_algorithm"`

	// DefaultHashAlgorithm names the hash used when the caller does not
	// pick one. Defaults to Argon2id.
	DefaultHashAlgorithm HashAlgorithm `json:"default_hash_algorithm"`

	// EnableOperationLog toggles audit entries for data-path operations
	// (encrypt/decrypt/hash). Lifecycle events are always logged.
	EnableOperationLog bool `json:"enable_operation_log"`

	// MaxPayloadSize bounds a single plaintext. Defaults to 10MB.
	MaxPayloadSize int `json:"max_payload_size"`

	// CompressionThreshold is the plaintext size in bytes above which the
	// engine compresses before encrypting. Zero keeps the default; a
	// negative value disables compression.
	CompressionThreshold int `json:"compression_threshold"`

	// DefaultKeySize in bits for new keys when the caller does not pick
	// one. Defaults to 256.
	DefaultKeySize int `json:"default_key_size"`

	// DefaultRotationInterval applies to keys created without an explicit
	// schedule. Defaults to 90 days.
	DefaultRotationInterval time.Duration `json:"default_rotation_interval"`

	// AutoRotate marks new keys for rotation by the background
	// coordinator once their schedule elapses.
	AutoRotate bool `json:"auto_rotate"`

	// AutoBackup makes the maintenance coordinator create backups for
	// keys that have none.
	AutoBackup bool `json:"auto_backup"`

	// MaxKeyVersions caps how many archived predecessors of a rotation
	// chain the maintenance loop keeps before purging the oldest.
	MaxKeyVersions int `json:"max_key_versions"`

	// KeyRetention is how long a non-Active key is kept before the
	// maintenance loop destroys it. Defaults to one year.
	KeyRetention time.Duration `json:"key_retention"`

	// BackupRetention is how long backups are kept. Defaults to seven
	// years; compliance regimes expect backups to outlive the key.
	BackupRetention time.Duration `json:"backup_retention"`

	// RotationCheckInterval is the rotation coordinator's tick. Defaults
	// to one hour.
	RotationCheckInterval time.Duration `json:"rotation_check_interval"`

	// MaintenanceInterval is the maintenance coordinator's tick. Defaults
	// to six hours.
	MaintenanceInterval time.Duration `json:"maintenance_interval"`
}

// DefaultOptions returns a fully populated Options with the passphrase
// left for the caller to fill in.
func DefaultOptions() Options {
	o := Options{}
	o.applyDefaults()
	return o
}

func (o *Options) applyDefaults() {
	if o.DefaultAlgorithm == "" {
		o.DefaultAlgorithm = AlgorithmAES256GCM
	}
	if o.DefaultHashAlgorithm == "" {
		o.DefaultHashAlgorithm = HashArgon2id
	}
	if o.MaxPayloadSize == 0 {
		o.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if o.CompressionThreshold == 0 {
		o.CompressionThreshold = DefaultCompressionThreshold
	}
	if o.DefaultKeySize == 0 {
		o.DefaultKeySize = DefaultKeySize
	}
	if o.DefaultRotationInterval == 0 {
		o.DefaultRotationInterval = DefaultRotationInterval
	}
	if o.MaxKeyVersions == 0 {
		o.MaxKeyVersions = DefaultMaxKeyVersions
	}
	if o.KeyRetention == 0 {
		o.KeyRetention = DefaultKeyRetention
	}
	if o.BackupRetention == 0 {
		o.BackupRetention = DefaultBackupRetention
	}
	if o.RotationCheckInterval == 0 {
		o.RotationCheckInterval = DefaultRotationCheck
	}
	if o.MaintenanceInterval == 0 {
		o.MaintenanceInterval = DefaultMaintenanceInterval
	}
}

// Validate fills defaults and rejects configurations the manager cannot
// run with.
func (o *Options) Validate() error {
	o.applyDefaults()
	if o.DerivationPassphrase == "" {
		return errors.New("derivation passphrase is required")
	}
	if len(o.DerivationPassphrase) < 12 {
		return errors.New("derivation passphrase must be at least 12 characters")
	}
	if o.BackupPassphrase == "" {
		o.BackupPassphrase = o.DerivationPassphrase
	}
	if _, err := cipherFor(o.DefaultAlgorithm); err != nil {
		return err
	}
	if !validKeySize(o.DefaultKeySize) {
		return newError(CodeInvalidKeySize, "unsupported default key size %d", o.DefaultKeySize)
	}
	return nil
}

func validKeySize(bits int) bool {
	switch bits {
	case 128, 192, 256:
		return true
	}
	return false
}
