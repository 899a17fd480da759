package armor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/armor/audit"
	"southwinds.dev/armor/internal/crypto"
	"southwinds.dev/armor/internal/misc"
	"southwinds.dev/armor/persist"
)

// Manager owns the key lifecycle: creation, lookup, rotation, disabling,
// backup and restore. It is the only component that materializes raw key
// bytes; everything above it works with key ids and metadata.
//
// Key creation is serialized per purpose so concurrent creates cannot
// register duplicate active-index entries. Usage-statistic updates are
// serialized per key. Everything else relies on the store's per-record
// atomicity.
type Manager struct {
	store persist.Store
	audit audit.Logger
	opts  Options

	// derivation wraps key material before it reaches the store.
	derivation *memguard.Enclave

	mu          sync.Mutex
	cache       map[string]*Key
	createLocks map[KeyPurpose]*sync.Mutex
	usageLocks  map[string]*sync.Mutex

	now func() time.Time
}

// NewManager validates options, loads or creates the store's derivation
// salt and prepares the wrapping key. A nil audit logger disables
// auditing.
func NewManager(ctx context.Context, opts Options, store persist.Store, auditLogger audit.Logger) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	salt, err := loadOrCreateSalt(ctx, store)
	if err != nil {
		return nil, operationFailed("salt initialization", err)
	}

	wrappingKey, err := crypto.DeriveKey([]byte(opts.DerivationPassphrase), salt)
	if err != nil {
		return nil, operationFailed("key derivation", err)
	}

	// Seal consumes and destroys the buffer. DeriveKey returns it
	// immutable, so it cannot go through NewEnclave, which wipes its
	// source in place.
	m := &Manager{
		store:       store,
		audit:       auditLogger,
		opts:        opts,
		derivation:  wrappingKey.Seal(),
		cache:       make(map[string]*Key),
		createLocks: make(map[KeyPurpose]*sync.Mutex),
		usageLocks:  make(map[string]*sync.Mutex),
		now:         time.Now,
	}
	return m, nil
}

func loadOrCreateSalt(ctx context.Context, store persist.Store) ([]byte, error) {
	salt, err := store.LoadSalt(ctx)
	if err == nil {
		return salt, nil
	}
	if !errors.Is(err, persist.ErrNotFound) {
		return nil, err
	}
	salt, err = crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return nil, err
	}
	if err = store.SaveSalt(ctx, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// Options returns a copy of the manager's configuration.
func (m *Manager) Options() Options { return m.opts }

// Audit returns the manager's audit sink.
func (m *Manager) Audit() audit.Logger { return m.audit }

// KeyOptions tunes a single key creation. Zero values inherit the
// manager's configured defaults.
type KeyOptions struct {
	Size             int // bits
	ExpiresIn        time.Duration
	RotationInterval time.Duration
	AutoRotate       *bool
	MaxAge           time.Duration
	WarnThreshold    time.Duration
	Restrictions     UsageRestrictions
	Regions          []string
	Compliance       []string
	Metadata         map[string]string
}

// CreateKey generates a key of the requested type and purpose and
// registers it Active. Returns the new key id. Fails with
// CodeInvalidKeySize for sizes the cipher suite cannot consume.
func (m *Manager) CreateKey(ctx context.Context, keyType KeyType, purpose KeyPurpose, opts KeyOptions) (string, error) {
	if opts.Size == 0 {
		opts.Size = m.opts.DefaultKeySize
	}
	if !validKeySize(opts.Size) {
		return "", newError(CodeInvalidKeySize, "unsupported key size %d bits", opts.Size)
	}

	// Serialize creation per purpose so two concurrent creates cannot
	// race the purpose's active index.
	lock := m.purposeLock(purpose)
	lock.Lock()
	defer lock.Unlock()

	now := m.now().UTC()
	key, err := m.mintKey(keyType, purpose, opts, now)
	if err != nil {
		return "", err
	}

	if err = m.registerKey(ctx, key); err != nil {
		m.logAudit("key_create", err, map[string]interface{}{
			"purpose": string(purpose),
		})
		return "", err
	}

	m.logAudit("key_create", nil, map[string]interface{}{
		"key_id":  key.ID,
		"purpose": string(purpose),
		"size":    key.Size,
	})
	return key.ID, nil
}

// mintKey builds an in-memory key with fresh random material.
func (m *Manager) mintKey(keyType KeyType, purpose KeyPurpose, opts KeyOptions, now time.Time) (*Key, error) {
	material, err := crypto.RandomBytes(opts.Size / 8)
	if err != nil {
		return nil, operationFailed("key material generation", err)
	}

	interval := opts.RotationInterval
	if interval == 0 {
		interval = m.opts.DefaultRotationInterval
	}
	autoRotate := m.opts.AutoRotate
	if opts.AutoRotate != nil {
		autoRotate = *opts.AutoRotate
	}

	key := &Key{
		ID:           uuid.NewString(),
		Type:         keyType,
		Purpose:      purpose,
		Size:         opts.Size,
		Status:       StatusActive,
		Version:      1,
		Restrictions: opts.Restrictions,
		Regions:      append([]string(nil), opts.Regions...),
		Compliance:   append([]string(nil), opts.Compliance...),
		Metadata:     opts.Metadata,
		Rotation: RotationSchedule{
			Interval:      interval,
			NextRotation:  now.Add(interval),
			AutoRotate:    autoRotate,
			WarnThreshold: opts.WarnThreshold,
			MaxAge:        opts.MaxAge,
		},
		CreatedAt: now,
		// NewEnclave wipes the source slice.
		material: memguard.NewEnclave(material),
	}
	if opts.ExpiresIn > 0 {
		key.ExpiresAt = now.Add(opts.ExpiresIn)
	}
	return key, nil
}

// registerKey persists a new key and enrolls it in the purpose and
// schedule indexes.
func (m *Manager) registerKey(ctx context.Context, key *Key) error {
	if err := m.saveKey(ctx, key); err != nil {
		return err
	}
	if err := m.store.AddToSet(ctx, persist.ActiveSet(string(key.Purpose)), key.ID); err != nil {
		return operationFailed("active index update", err)
	}
	if !key.Rotation.NextRotation.IsZero() {
		if err := m.store.AddToSchedule(ctx, persist.RotationSchedule, key.ID, key.Rotation.NextRotation); err != nil {
			return operationFailed("rotation schedule update", err)
		}
	}
	if !key.ExpiresAt.IsZero() {
		if err := m.store.AddToSchedule(ctx, persist.ExpirationSchedule, key.ID, key.ExpiresAt); err != nil {
			return operationFailed("expiration schedule update", err)
		}
	}
	return nil
}

// GetKey returns the key for an id, or nil when the id is unknown: a
// missing key is an expected condition, not an error. If the key is
// Active but past its expiration, it is transitioned to Expired first
// and nil is returned for this read.
func (m *Manager) GetKey(ctx context.Context, keyID string) (*Key, error) {
	key, err := m.loadKey(ctx, keyID)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if key.Status == StatusActive && key.expired(m.now()) {
		if err = m.expireKey(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return key, nil
}

// expireKey flips an Active key past its expiry to Expired and drops it
// from the active index. The key stays decrypt-capable.
func (m *Manager) expireKey(ctx context.Context, key *Key) error {
	key.Status = StatusExpired
	if err := m.saveKey(ctx, key); err != nil {
		return err
	}
	if err := m.store.RemoveFromSet(ctx, persist.ActiveSet(string(key.Purpose)), key.ID); err != nil {
		return operationFailed("active index update", err)
	}
	_ = m.store.RemoveFromSchedule(ctx, persist.ExpirationSchedule, key.ID)
	m.invalidate(key.ID)
	m.logAudit("key_expired", nil, map[string]interface{}{
		"key_id":  key.ID,
		"purpose": string(key.Purpose),
	})
	return nil
}

// RotateKey produces a successor for a key: fresh material of the same
// type and size, inherited purpose, restrictions, tags and rotation
// interval, version incremented and lineage linked. The predecessor
// moves to Archived and out of the active index but remains fetchable
// for decryption.
//
// Rotation is idempotent under re-execution: rotating a key that was
// already rotated returns the recorded successor id. The successor is
// fully registered before the predecessor is archived, so a crash in
// between leaves both Active; the rotation coordinator repairs that by
// archiving any Active key whose successor is already registered.
func (m *Manager) RotateKey(ctx context.Context, keyID string) (string, error) {
	key, err := m.loadKey(ctx, keyID)
	if errors.Is(err, persist.ErrNotFound) {
		return "", newError(CodeKeyNotFound, "key %s not found", keyID)
	}
	if err != nil {
		return "", err
	}

	lock := m.purposeLock(key.Purpose)
	lock.Lock()
	defer lock.Unlock()

	// Reload under the lock; a concurrent rotation may have finished.
	key, err = m.loadKey(ctx, keyID)
	if err != nil {
		return "", operationFailed("key reload", err)
	}

	switch key.Status {
	case StatusArchived, StatusRotating, StatusPendingRotation:
		if key.SuccessorID != "" {
			return key.SuccessorID, nil
		}
		return "", newError(CodeAlreadyRotated, "key %s already rotated, successor unknown", keyID)
	case StatusDisabled, StatusDestroyed:
		return "", newError(CodeKeyInvalid, "key %s is %s and cannot rotate", keyID, key.Status)
	}

	if err = ctx.Err(); err != nil {
		return "", operationFailed("rotation", err)
	}

	now := m.now().UTC()
	successor, err := m.mintKey(key.Type, key.Purpose, KeyOptions{
		Size:             key.Size,
		RotationInterval: key.Rotation.Interval,
		AutoRotate:       &key.Rotation.AutoRotate,
		MaxAge:           key.Rotation.MaxAge,
		WarnThreshold:    key.Rotation.WarnThreshold,
		Restrictions:     key.Restrictions,
		Regions:          key.Regions,
		Compliance:       key.Compliance,
	}, now)
	if err != nil {
		return "", err
	}
	successor.Version = key.Version + 1
	successor.ParentID = key.ID
	if !key.ExpiresAt.IsZero() {
		successor.ExpiresAt = now.Add(key.ExpiresAt.Sub(key.CreatedAt))
	}

	// Register the successor fully before touching the predecessor.
	if err = m.registerKey(ctx, successor); err != nil {
		return "", err
	}

	key.Status = StatusArchived
	key.SuccessorID = successor.ID
	if err = m.saveKey(ctx, key); err != nil {
		return "", err
	}
	if err = m.archiveIndexes(ctx, key); err != nil {
		return "", err
	}
	m.invalidate(key.ID)

	m.logAudit("key_rotated", nil, map[string]interface{}{
		"key_id":    key.ID,
		"successor": successor.ID,
		"purpose":   string(key.Purpose),
		"version":   successor.Version,
	})
	return successor.ID, nil
}

// archiveIndexes moves a key's index entries from active to archived and
// clears its schedule entries.
func (m *Manager) archiveIndexes(ctx context.Context, key *Key) error {
	purpose := string(key.Purpose)
	if err := m.store.RemoveFromSet(ctx, persist.ActiveSet(purpose), key.ID); err != nil {
		return operationFailed("active index update", err)
	}
	if err := m.store.AddToSet(ctx, persist.ArchivedSet(purpose), key.ID); err != nil {
		return operationFailed("archived index update", err)
	}
	_ = m.store.RemoveFromSchedule(ctx, persist.RotationSchedule, key.ID)
	_ = m.store.RemoveFromSchedule(ctx, persist.ExpirationSchedule, key.ID)
	return nil
}

// RepairRotations archives any Active key of the purpose whose successor
// is already registered. Run by the rotation coordinator to close the
// crash gap between successor registration and predecessor archival.
func (m *Manager) RepairRotations(ctx context.Context, purpose KeyPurpose) error {
	ids, err := m.store.SetMembers(ctx, persist.ActiveSet(string(purpose)))
	if err != nil {
		return operationFailed("active index read", err)
	}
	for _, id := range ids {
		key, err := m.loadKey(ctx, id)
		if errors.Is(err, persist.ErrNotFound) {
			_ = m.store.RemoveFromSet(ctx, persist.ActiveSet(string(purpose)), id)
			continue
		}
		if err != nil {
			return err
		}
		if key.Status == StatusActive && key.SuccessorID != "" {
			key.Status = StatusArchived
			if err = m.saveKey(ctx, key); err != nil {
				return err
			}
			if err = m.archiveIndexes(ctx, key); err != nil {
				return err
			}
			m.invalidate(key.ID)
			m.logAudit("key_rotation_repaired", nil, map[string]interface{}{
				"key_id":    key.ID,
				"successor": key.SuccessorID,
			})
		} else if key.Status != StatusActive {
			// Index entry left behind by an interrupted transition.
			_ = m.store.RemoveFromSet(ctx, persist.ActiveSet(string(purpose)), id)
		}
	}
	return nil
}

// DisableKey takes a key out of service by operator action. A disabled
// key can never be selected for new encryption but remains
// decrypt-capable: historical ciphertext must stay readable.
func (m *Manager) DisableKey(ctx context.Context, keyID string) error {
	key, err := m.loadKey(ctx, keyID)
	if errors.Is(err, persist.ErrNotFound) {
		return newError(CodeKeyNotFound, "key %s not found", keyID)
	}
	if err != nil {
		return err
	}

	key.Status = StatusDisabled
	if err = m.saveKey(ctx, key); err != nil {
		return err
	}
	purpose := string(key.Purpose)
	if err = m.store.RemoveFromSet(ctx, persist.ActiveSet(purpose), key.ID); err != nil {
		return operationFailed("active index update", err)
	}
	if err = m.store.AddToSet(ctx, persist.DisabledSet(purpose), key.ID); err != nil {
		return operationFailed("disabled index update", err)
	}
	_ = m.store.RemoveFromSchedule(ctx, persist.RotationSchedule, key.ID)
	_ = m.store.RemoveFromSchedule(ctx, persist.ExpirationSchedule, key.ID)
	m.invalidate(key.ID)

	m.logAudit("key_disabled", nil, map[string]interface{}{
		"key_id":  key.ID,
		"purpose": purpose,
	})
	return nil
}

// DestroyKey purges a key's material and record once retention has
// elapsed. The record becomes inaccessible; only durable backups, kept
// under their own retention, survive.
func (m *Manager) DestroyKey(ctx context.Context, keyID string) error {
	key, err := m.loadKey(ctx, keyID)
	if errors.Is(err, persist.ErrNotFound) {
		return newError(CodeKeyNotFound, "key %s not found", keyID)
	}
	if err != nil {
		return err
	}

	purpose := string(key.Purpose)
	if err = m.store.DeleteKey(ctx, keyID); err != nil {
		return operationFailed("key deletion", err)
	}
	for _, set := range []string{persist.ActiveSet(purpose), persist.ArchivedSet(purpose), persist.DisabledSet(purpose)} {
		_ = m.store.RemoveFromSet(ctx, set, keyID)
	}
	_ = m.store.RemoveFromSchedule(ctx, persist.RotationSchedule, keyID)
	_ = m.store.RemoveFromSchedule(ctx, persist.ExpirationSchedule, keyID)
	m.invalidate(keyID)

	m.logAudit("key_destroyed", nil, map[string]interface{}{
		"key_id":  keyID,
		"purpose": purpose,
		"version": key.Version,
	})
	return nil
}

// GetActiveKeys returns metadata for the purpose's currently Active,
// non-expired keys, newest first. Keys found past their expiry are
// transitioned out on the way.
func (m *Manager) GetActiveKeys(ctx context.Context, purpose KeyPurpose) ([]KeyMetadata, error) {
	ids, err := m.store.SetMembers(ctx, persist.ActiveSet(string(purpose)))
	if err != nil {
		return nil, operationFailed("active index read", err)
	}

	now := m.now()
	var keys []KeyMetadata
	for _, id := range ids {
		key, err := m.loadKey(ctx, id)
		if errors.Is(err, persist.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if key.Status != StatusActive {
			continue
		}
		if key.expired(now) {
			if err = m.expireKey(ctx, key); err != nil {
				return nil, err
			}
			continue
		}
		keys = append(keys, key.Meta())
	}
	sortNewestFirst(keys)
	return keys, nil
}

// ScheduleRotation sets the instant the key is next due for rotation.
func (m *Manager) ScheduleRotation(ctx context.Context, keyID string, when time.Time) error {
	key, err := m.loadKey(ctx, keyID)
	if errors.Is(err, persist.ErrNotFound) {
		return newError(CodeKeyNotFound, "key %s not found", keyID)
	}
	if err != nil {
		return err
	}

	key.Rotation.NextRotation = when.UTC()
	if err = m.saveKey(ctx, key); err != nil {
		return err
	}
	if err = m.store.AddToSchedule(ctx, persist.RotationSchedule, keyID, key.Rotation.NextRotation); err != nil {
		return operationFailed("rotation schedule update", err)
	}
	m.invalidate(keyID)

	m.logAudit("key_rotation_scheduled", nil, map[string]interface{}{
		"key_id": keyID,
		"when":   key.Rotation.NextRotation.Format(time.RFC3339),
	})
	return nil
}

// GetKeyUsage returns a copy of the key's usage statistics.
func (m *Manager) GetKeyUsage(ctx context.Context, keyID string) (*UsageStats, error) {
	key, err := m.loadKey(ctx, keyID)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, newError(CodeKeyNotFound, "key %s not found", keyID)
	}
	if err != nil {
		return nil, err
	}

	stats := key.Usage
	stats.Daily = make(map[string]DayUsage, len(key.Usage.Daily))
	for day, usage := range key.Usage.Daily {
		stats.Daily[day] = usage
	}
	return &stats, nil
}

// recordUsage applies one operation to a key's usage statistics. The
// read-modify-write is serialized per key.
func (m *Manager) recordUsage(ctx context.Context, keyID, op string, size int) error {
	lock := m.usageLock(keyID)
	lock.Lock()
	defer lock.Unlock()

	key, err := m.loadKey(ctx, keyID)
	if err != nil {
		return err
	}
	key.Usage.record(op, size, m.now())
	if err = m.saveKey(ctx, key); err != nil {
		return err
	}
	m.invalidate(keyID)
	return nil
}

// getKeyForEncrypt resolves a key that may serve new encryption.
func (m *Manager) getKeyForEncrypt(ctx context.Context, keyID string) (*Key, error) {
	key, err := m.cachedKey(ctx, keyID)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, newError(CodeKeyInvalid, "key %s not available", keyID)
	}
	if err != nil {
		return nil, err
	}
	if !key.CanEncrypt(m.now()) {
		return nil, newError(CodeKeyInvalid, "key %s is %s and cannot encrypt", keyID, key.Status)
	}
	return key, nil
}

// getKeyForDecrypt resolves a key that may serve decryption. Archived,
// Disabled and Expired keys qualify; only Destroyed or unknown keys do
// not. The caller can distinguish this failure from malformed
// ciphertext: the key record may still be recoverable from backup.
func (m *Manager) getKeyForDecrypt(ctx context.Context, keyID string) (*Key, error) {
	key, err := m.cachedKey(ctx, keyID)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, newError(CodeKeyInvalid, "key %s not available", keyID)
	}
	if err != nil {
		return nil, err
	}
	if !key.CanDecrypt() {
		return nil, newError(CodeKeyInvalid, "key %s is %s and cannot decrypt", keyID, key.Status)
	}
	return key, nil
}

// cachedKey serves the engine's fast path. Lifecycle transitions
// invalidate entries; usage statistics are deliberately not read through
// the cache.
func (m *Manager) cachedKey(ctx context.Context, keyID string) (*Key, error) {
	m.mu.Lock()
	if key, ok := m.cache[keyID]; ok {
		m.mu.Unlock()
		return key, nil
	}
	m.mu.Unlock()

	key, err := m.loadKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[keyID] = key
	m.mu.Unlock()
	return key, nil
}

// invalidate purges a key's fast-path cache entry.
func (m *Manager) invalidate(keyID string) {
	m.mu.Lock()
	delete(m.cache, keyID)
	m.mu.Unlock()
}

// loadKey reads and unwraps a key record from the store.
func (m *Manager) loadKey(ctx context.Context, keyID string) (*Key, error) {
	raw, err := m.store.LoadKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, err
		}
		return nil, operationFailed("key load", err)
	}

	var record keyRecord
	if err = json.Unmarshal(raw, &record); err != nil {
		return nil, operationFailed("key parse", err)
	}

	material, err := m.unwrapMaterial(record.WrappedMaterial)
	if err != nil {
		return nil, operationFailed("key unwrap", err)
	}

	key := record.Key
	key.material = memguard.NewEnclave(material)
	return &key, nil
}

// saveKey wraps the key's material and writes the record.
func (m *Manager) saveKey(ctx context.Context, key *Key) error {
	buf, err := key.material.Open()
	if err != nil {
		return operationFailed("key material access", err)
	}
	defer buf.Destroy()

	wrapped, err := m.wrapMaterial(buf.Bytes())
	if err != nil {
		return operationFailed("key wrap", err)
	}

	record := keyRecord{Key: *key, WrappedMaterial: wrapped}
	raw, err := json.Marshal(&record)
	if err != nil {
		return operationFailed("key serialization", err)
	}
	if err = m.store.SaveKey(ctx, key.ID, raw); err != nil {
		return operationFailed("key save", err)
	}
	return nil
}

func (m *Manager) wrapMaterial(material []byte) ([]byte, error) {
	wrappingKey, err := m.derivation.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open derivation key: %w", err)
	}
	defer wrappingKey.Destroy()
	return crypto.WrapValue(material, wrappingKey.Bytes())
}

func (m *Manager) unwrapMaterial(wrapped []byte) ([]byte, error) {
	wrappingKey, err := m.derivation.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open derivation key: %w", err)
	}
	defer wrappingKey.Destroy()
	return crypto.UnwrapValue(wrapped, wrappingKey.Bytes())
}

func (m *Manager) purposeLock(purpose KeyPurpose) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.createLocks[purpose]
	if !ok {
		lock = &sync.Mutex{}
		m.createLocks[purpose] = lock
	}
	return lock
}

func (m *Manager) usageLock(keyID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.usageLocks[keyID]
	if !ok {
		lock = &sync.Mutex{}
		m.usageLocks[keyID] = lock
	}
	return lock
}

// logAudit writes one audit event, folding the error into the entry.
// Audit failures are swallowed: the data path never fails because the
// audit sink did.
func (m *Manager) logAudit(action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	_ = m.audit.Log(action, err == nil, metadata)
}

// Close drops the fast-path cache. The store and audit logger belong to
// the caller and are not closed here.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.cache = make(map[string]*Key)
	m.usageLocks = make(map[string]*sync.Mutex)
	m.mu.Unlock()
	return nil
}
