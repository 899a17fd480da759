package armor

import (
	"bytes"
	"context"
	"testing"
)

func TestBackupRestoreRoundTrip(t *testing.T) {
	engine, m := newTestEngine(t)
	ctx := context.Background()

	keyID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{Size: 256})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	envelope, err := engine.EncryptWithKey(ctx, []byte("survives restore"), keyID, EncryptOptions{})
	if err != nil {
		t.Fatalf("EncryptWithKey failed: %v", err)
	}

	backupID, err := m.BackupKey(ctx, keyID)
	if err != nil {
		t.Fatalf("BackupKey failed: %v", err)
	}

	key, err := m.GetKey(ctx, keyID)
	if err != nil || key == nil {
		t.Fatalf("GetKey = %v, %v", key, err)
	}
	if key.Backup == nil || key.Backup.BackupID != backupID {
		t.Fatalf("backup info not recorded on key: %+v", key.Backup)
	}
	if key.Backup.Status != BackupStatusCurrent {
		t.Errorf("backup status = %v, want current", key.Backup.Status)
	}

	if err = m.VerifyBackup(ctx, backupID); err != nil {
		t.Fatalf("VerifyBackup failed: %v", err)
	}
	key, _ = m.GetKey(ctx, keyID)
	if key.Backup.Status != BackupStatusVerified {
		t.Errorf("backup status after verify = %v, want verified", key.Backup.Status)
	}

	// Destroy the key, then bring its material back from the backup.
	if err = m.DestroyKey(ctx, keyID); err != nil {
		t.Fatalf("DestroyKey failed: %v", err)
	}
	restoredID, err := m.RestoreKey(ctx, backupID)
	if err != nil {
		t.Fatalf("RestoreKey failed: %v", err)
	}
	if restoredID == keyID {
		t.Error("restore reused the original id")
	}

	restored, err := m.GetKey(ctx, restoredID)
	if err != nil || restored == nil {
		t.Fatalf("GetKey(restored) = %v, %v", restored, err)
	}
	if restored.Status != StatusActive {
		t.Errorf("restored status = %v, want active", restored.Status)
	}
	if restored.Metadata["restored_from"] != keyID {
		t.Errorf("restored metadata = %v", restored.Metadata)
	}

	// Same material: the restored key decrypts data encrypted before the
	// original was destroyed.
	result, err := engine.DecryptWithKey(ctx, envelope, restoredID)
	if err != nil {
		t.Fatalf("DecryptWithKey under restored key failed: %v", err)
	}
	if string(result.Plaintext) != "survives restore" {
		t.Errorf("plaintext = %q", result.Plaintext)
	}
}

func TestBackupPayloadIsEncrypted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	keyID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	backupID, err := m.BackupKey(ctx, keyID)
	if err != nil {
		t.Fatalf("BackupKey failed: %v", err)
	}

	backup, err := m.store.LoadBackup(ctx, backupID)
	if err != nil {
		t.Fatalf("LoadBackup failed: %v", err)
	}
	if backup.KeyID != keyID {
		t.Errorf("backup key id = %q, want %q", backup.KeyID, keyID)
	}
	// The stored payload must not be parseable as the plaintext record.
	for _, marker := range []string{"wrapped_material", "\"material\"", keyID} {
		if bytes.Contains(backup.Data, []byte(marker)) {
			t.Errorf("backup payload leaks %q", marker)
		}
	}
	if backup.ExpiresAt.Before(backup.CreatedAt) {
		t.Error("backup expires before creation")
	}
}

func TestVerifyCorruptBackup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	keyID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	backupID, err := m.BackupKey(ctx, keyID)
	if err != nil {
		t.Fatalf("BackupKey failed: %v", err)
	}

	backup, err := m.store.LoadBackup(ctx, backupID)
	if err != nil {
		t.Fatalf("LoadBackup failed: %v", err)
	}
	backup.Data[len(backup.Data)-1] ^= 0xff
	if err = m.store.SaveBackup(ctx, backup); err != nil {
		t.Fatalf("SaveBackup failed: %v", err)
	}

	if err = m.VerifyBackup(ctx, backupID); err == nil {
		t.Fatal("corrupt backup verified")
	}
	key, _ := m.GetKey(ctx, keyID)
	if key.Backup.Status != BackupStatusCorrupt {
		t.Errorf("backup status = %v, want corrupt", key.Backup.Status)
	}

	if _, err = m.RestoreKey(ctx, backupID); err == nil {
		t.Fatal("restore succeeded from corrupt backup")
	}
}

func TestBackupUnknownIDs(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.BackupKey(ctx, "no-such-key"); !IsCode(err, CodeKeyNotFound) {
		t.Errorf("BackupKey error = %v, want CodeKeyNotFound", err)
	}
	if _, err := m.RestoreKey(ctx, "no-such-backup"); !IsCode(err, CodeKeyNotFound) {
		t.Errorf("RestoreKey error = %v, want CodeKeyNotFound", err)
	}
	if err := m.VerifyBackup(ctx, "no-such-backup"); !IsCode(err, CodeKeyNotFound) {
		t.Errorf("VerifyBackup error = %v, want CodeKeyNotFound", err)
	}
}

func TestListBackups(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	keyID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	backupID, err := m.BackupKey(ctx, keyID)
	if err != nil {
		t.Fatalf("BackupKey failed: %v", err)
	}

	infos, err := m.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups failed: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != backupID {
		t.Fatalf("listing = %v, want single entry %s", infos, backupID)
	}
	if infos[0].Size == 0 {
		t.Error("listing reports zero size")
	}
}
