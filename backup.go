package armor

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/armor/internal/crypto"
	"southwinds.dev/armor/persist"
)

// backupPayload is the serialized form inside an encrypted backup: the
// full key record plus its raw material. It only ever exists in the
// clear inside a single backup or restore call.
type backupPayload struct {
	Key      Key    `json:"key"`
	Material []byte `json:"material"`
}

// BackupKey writes a durable, encrypted backup of the key to the
// archive. The payload is encrypted under the backup passphrase, with a
// checksum of the plaintext payload stored alongside for verification.
// Returns the backup id.
func (m *Manager) BackupKey(ctx context.Context, keyID string) (string, error) {
	key, err := m.loadKey(ctx, keyID)
	if errors.Is(err, persist.ErrNotFound) {
		return "", newError(CodeKeyNotFound, "key %s not found", keyID)
	}
	if err != nil {
		return "", err
	}

	material, err := key.material.Open()
	if err != nil {
		return "", operationFailed("key material access", err)
	}
	payload, err := json.Marshal(&backupPayload{Key: *key, Material: material.Bytes()})
	material.Destroy()
	if err != nil {
		return "", operationFailed("backup serialization", err)
	}

	checksum := crypto.Checksum(payload)
	encrypted, err := crypto.EncryptWithPassphrase(payload, m.opts.BackupPassphrase)
	if err != nil {
		return "", operationFailed("backup encryption", err)
	}

	now := m.now().UTC()
	backup := &persist.Backup{
		ID:        "bk_" + uuid.NewString(),
		KeyID:     key.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(m.opts.BackupRetention),
		Checksum:  checksum,
		Data:      encrypted,
	}
	if err = m.store.SaveBackup(ctx, backup); err != nil {
		m.logAudit("key_backup", err, map[string]interface{}{"key_id": key.ID})
		return "", operationFailed("backup save", err)
	}

	key.Backup = &BackupInfo{
		BackupID:  backup.ID,
		CreatedAt: now,
		Checksum:  checksum,
		Status:    BackupStatusCurrent,
	}
	if err = m.saveKey(ctx, key); err != nil {
		return "", err
	}
	m.invalidate(key.ID)

	m.logAudit("key_backup", nil, map[string]interface{}{
		"key_id":    key.ID,
		"backup_id": backup.ID,
	})
	return backup.ID, nil
}

// RestoreKey recreates a key from a backup under a fresh id and
// registers it Active. The restored key remembers its origin in
// metadata; the backup itself is left in place.
func (m *Manager) RestoreKey(ctx context.Context, backupID string) (string, error) {
	payload, err := m.openBackup(ctx, backupID)
	if err != nil {
		m.logAudit("key_restore", err, map[string]interface{}{"backup_id": backupID})
		return "", err
	}

	key := payload.Key
	originalID := key.ID
	key.ID = uuid.NewString()
	key.Status = StatusActive
	key.SuccessorID = ""
	key.Backup = nil
	if key.Metadata == nil {
		key.Metadata = map[string]string{}
	}
	key.Metadata["restored_from"] = originalID
	key.Metadata["restored_backup"] = backupID
	key.material = memguard.NewEnclave(payload.Material)

	lock := m.purposeLock(key.Purpose)
	lock.Lock()
	defer lock.Unlock()

	if err = m.registerKey(ctx, &key); err != nil {
		return "", err
	}

	m.logAudit("key_restore", nil, map[string]interface{}{
		"key_id":    key.ID,
		"backup_id": backupID,
		"origin":    originalID,
	})
	return key.ID, nil
}

// VerifyBackup decrypts a backup and checks its payload against the
// stored checksum, recording the outcome on the backed-up key when its
// record still exists. A verification failure is returned as an error.
func (m *Manager) VerifyBackup(ctx context.Context, backupID string) error {
	backup, err := m.store.LoadBackup(ctx, backupID)
	if errors.Is(err, persist.ErrNotFound) {
		return newError(CodeKeyNotFound, "backup %s not found", backupID)
	}
	if err != nil {
		return operationFailed("backup load", err)
	}

	status := BackupStatusVerified
	var verifyErr error
	payload, err := crypto.DecryptWithPassphrase(backup.Data, m.opts.BackupPassphrase)
	if err != nil {
		status = BackupStatusCorrupt
		verifyErr = newError(CodeOperationFailed, "backup %s failed decryption", backupID)
	} else if crypto.Checksum(payload) != backup.Checksum {
		status = BackupStatusCorrupt
		verifyErr = newError(CodeOperationFailed, "backup %s failed integrity verification", backupID)
	}

	if key, err := m.loadKey(ctx, backup.KeyID); err == nil && key.Backup != nil && key.Backup.BackupID == backupID {
		key.Backup.Status = status
		if err = m.saveKey(ctx, key); err != nil {
			return err
		}
		m.invalidate(key.ID)
	}

	m.logAudit("backup_verified", verifyErr, map[string]interface{}{
		"backup_id": backupID,
		"key_id":    backup.KeyID,
		"status":    string(status),
	})
	return verifyErr
}

// ListBackups enumerates stored backups without payloads.
func (m *Manager) ListBackups(ctx context.Context) ([]persist.BackupInfo, error) {
	infos, err := m.store.ListBackups(ctx)
	if err != nil {
		return nil, operationFailed("backup listing", err)
	}
	return infos, nil
}

// openBackup loads, decrypts and integrity-checks a backup payload.
func (m *Manager) openBackup(ctx context.Context, backupID string) (*backupPayload, error) {
	backup, err := m.store.LoadBackup(ctx, backupID)
	if errors.Is(err, persist.ErrNotFound) {
		return nil, newError(CodeKeyNotFound, "backup %s not found", backupID)
	}
	if err != nil {
		return nil, operationFailed("backup load", err)
	}

	raw, err := crypto.DecryptWithPassphrase(backup.Data, m.opts.BackupPassphrase)
	if err != nil {
		return nil, operationFailed("backup decryption", err)
	}
	if crypto.Checksum(raw) != backup.Checksum {
		return nil, newError(CodeOperationFailed, "backup %s failed integrity verification", backupID)
	}

	var payload backupPayload
	if err = json.Unmarshal(raw, &payload); err != nil {
		return nil, operationFailed("backup parse", err)
	}
	if len(payload.Material) == 0 {
		return nil, newError(CodeOperationFailed, "backup %s carries no key material", backupID)
	}
	return &payload, nil
}
