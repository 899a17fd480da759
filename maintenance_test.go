package armor

import (
	"context"
	"testing"
	"time"

	"southwinds.dev/armor/audit"
	"southwinds.dev/armor/persist"
)

func newMaintenanceManager(t *testing.T, mutate func(*Options)) *Manager {
	t.Helper()
	opts := DefaultOptions()
	opts.DerivationPassphrase = testPassphrase
	if mutate != nil {
		mutate(&opts)
	}
	m, err := NewManager(context.Background(), opts, persist.NewMemoryStore(), audit.NewNoOpLogger())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestMaintenancePurgesPastRetention(t *testing.T) {
	m := newMaintenanceManager(t, func(o *Options) {
		o.KeyRetention = 24 * time.Hour
	})
	ctx := context.Background()

	oldID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if err = m.DisableKey(ctx, oldID); err != nil {
		t.Fatalf("DisableKey failed: %v", err)
	}

	activeID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	if err = NewMaintenanceCoordinator(m).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	if key, _ := m.GetKey(ctx, oldID); key != nil {
		t.Errorf("disabled key past retention survived: %+v", key.Meta())
	}
	// Active keys are never purged, regardless of age.
	if key, _ := m.GetKey(ctx, activeID); key == nil {
		t.Error("active key purged")
	}
}

func TestMaintenanceExpiresDueKeys(t *testing.T) {
	m := newMaintenanceManager(t, nil)
	ctx := context.Background()

	dueID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	freshID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{ExpiresIn: 72 * time.Hour})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	// The sweep expires due keys without anyone reading them.
	if err = NewMaintenanceCoordinator(m).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	record, err := m.loadKey(ctx, dueID)
	if err != nil {
		t.Fatalf("loadKey failed: %v", err)
	}
	if record.Status != StatusExpired {
		t.Errorf("status = %v, want expired", record.Status)
	}

	active, err := m.GetActiveKeys(ctx, PurposeDataEncryption)
	if err != nil {
		t.Fatalf("GetActiveKeys failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != freshID {
		t.Errorf("active index = %v, want only %s", active, freshID)
	}

	// The schedule entry is consumed; a second sweep has nothing to do.
	due, err := m.store.DueBefore(ctx, persist.ExpirationSchedule, m.now())
	if err != nil {
		t.Fatalf("DueBefore failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expiration schedule still holds %v", due)
	}
}

func TestMaintenanceAutoBackup(t *testing.T) {
	m := newMaintenanceManager(t, func(o *Options) {
		o.AutoBackup = true
	})
	ctx := context.Background()

	id, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	if err = NewMaintenanceCoordinator(m).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	key, err := m.GetKey(ctx, id)
	if err != nil || key == nil {
		t.Fatalf("GetKey = %v, %v", key, err)
	}
	if key.Backup == nil {
		t.Fatal("uncovered key not backed up by sweep")
	}
	if err = m.VerifyBackup(ctx, key.Backup.BackupID); err != nil {
		t.Errorf("auto backup does not verify: %v", err)
	}
}

func TestMaintenancePrunesDeepChains(t *testing.T) {
	m := newMaintenanceManager(t, func(o *Options) {
		o.MaxKeyVersions = 2
	})
	ctx := context.Background()

	id, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	chain := []string{id}
	for i := 0; i < 4; i++ {
		next, err := m.RotateKey(ctx, chain[len(chain)-1])
		if err != nil {
			t.Fatalf("RotateKey %d failed: %v", i, err)
		}
		chain = append(chain, next)
	}

	if err = NewMaintenanceCoordinator(m).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	// Oldest ancestors beyond the two newest predecessors are destroyed.
	var surviving int
	for _, keyID := range chain[:len(chain)-1] {
		if key, _ := m.GetKey(ctx, keyID); key != nil {
			surviving++
		}
	}
	if surviving != 2 {
		t.Errorf("%d archived predecessors survive, want 2", surviving)
	}
	if key, _ := m.GetKey(ctx, chain[len(chain)-1]); key == nil || key.Status != StatusActive {
		t.Error("chain head damaged by pruning")
	}
}

func TestMaintenanceStatusSnapshot(t *testing.T) {
	m := newMaintenanceManager(t, nil)
	ctx := context.Background()

	id, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	if _, err = m.RotateKey(ctx, id); err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	snap, err := NewMaintenanceCoordinator(m).Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Keys[StatusActive] != 1 {
		t.Errorf("active count = %d, want 1", snap.Keys[StatusActive])
	}
	if snap.Keys[StatusArchived] != 1 {
		t.Errorf("archived count = %d, want 1", snap.Keys[StatusArchived])
	}
	if snap.ByPurpose[PurposeDataEncryption] != 2 {
		t.Errorf("purpose count = %d, want 2", snap.ByPurpose[PurposeDataEncryption])
	}
	if snap.String() == "" {
		t.Error("snapshot does not render")
	}
}
