package armor

import (
	"context"
	"testing"
	"time"

	"southwinds.dev/armor/persist"
)

func TestRotationSweepRotatesDueKeys(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	autoRotate := true
	dueID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{
		RotationInterval: time.Hour,
		AutoRotate:       &autoRotate,
	})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	freshID, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeSigning, KeyOptions{
		RotationInterval: 24 * time.Hour,
		AutoRotate:       &autoRotate,
	})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	rc := NewRotationCoordinator(m)
	if err = rc.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	due, err := m.GetKey(ctx, dueID)
	if err != nil || due == nil {
		t.Fatalf("GetKey = %v, %v", due, err)
	}
	if due.Status != StatusArchived {
		t.Errorf("due key status = %v, want archived", due.Status)
	}
	if due.SuccessorID == "" {
		t.Fatal("due key has no successor")
	}
	successor, err := m.GetKey(ctx, due.SuccessorID)
	if err != nil || successor == nil {
		t.Fatalf("GetKey(successor) = %v, %v", successor, err)
	}
	if successor.Status != StatusActive {
		t.Errorf("successor status = %v, want active", successor.Status)
	}

	fresh, err := m.GetKey(ctx, freshID)
	if err != nil || fresh == nil {
		t.Fatalf("GetKey = %v, %v", fresh, err)
	}
	if fresh.Status != StatusActive || fresh.SuccessorID != "" {
		t.Errorf("fresh key was rotated: %+v", fresh)
	}
}

func TestRotationSweepRespectsManualKeys(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	manual := false
	id, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{
		RotationInterval: time.Hour,
		AutoRotate:       &manual,
	})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if err = NewRotationCoordinator(m).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	key, err := m.GetKey(ctx, id)
	if err != nil || key == nil {
		t.Fatalf("GetKey = %v, %v", key, err)
	}
	if key.Status != StatusActive {
		t.Errorf("manually rotated key touched by sweep: %v", key.Status)
	}
}

func TestRotationSweepRepairsFirst(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.CreateKey(ctx, KeyTypeSymmetric, PurposeDataEncryption, KeyOptions{})
	if err != nil {
		t.Fatalf("CreateKey failed: %v", err)
	}
	successorID, err := m.RotateKey(ctx, id)
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}

	// Crash artifact: predecessor re-marked Active alongside its
	// registered successor.
	key, err := m.loadKey(ctx, id)
	if err != nil {
		t.Fatalf("loadKey failed: %v", err)
	}
	key.Status = StatusActive
	if err = m.saveKey(ctx, key); err != nil {
		t.Fatalf("saveKey failed: %v", err)
	}
	if err = m.store.AddToSet(ctx, persist.ActiveSet(string(PurposeDataEncryption)), id); err != nil {
		t.Fatalf("AddToSet failed: %v", err)
	}
	m.invalidate(id)

	if err = NewRotationCoordinator(m).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	repaired, err := m.GetKey(ctx, id)
	if err != nil || repaired == nil {
		t.Fatalf("GetKey = %v, %v", repaired, err)
	}
	if repaired.Status != StatusArchived {
		t.Errorf("predecessor status after sweep = %v, want archived", repaired.Status)
	}
	active, err := m.GetActiveKeys(ctx, PurposeDataEncryption)
	if err != nil {
		t.Fatalf("GetActiveKeys failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != successorID {
		t.Errorf("active after sweep = %v, want only %s", active, successorID)
	}
}

func TestCoordinatorStartStop(t *testing.T) {
	m := newTestManager(t)

	rc := NewRotationCoordinator(m)
	rc.interval = 10 * time.Millisecond
	rc.Start()
	time.Sleep(35 * time.Millisecond)
	rc.Stop()
	rc.Stop() // second Stop is a no-op

	mc := NewMaintenanceCoordinator(m)
	mc.interval = 10 * time.Millisecond
	mc.Start()
	time.Sleep(35 * time.Millisecond)
	mc.Stop()
}
