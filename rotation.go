package armor

import (
	"context"
	"sync"
	"time"

	"southwinds.dev/armor/persist"
)

// RotationCoordinator rotates keys whose schedule has elapsed. One
// instance runs a single goroutine ticking at the configured interval;
// sweeps never overlap because they run on the same goroutine, and a key
// that fails to rotate is simply retried on the next tick.
type RotationCoordinator struct {
	manager  *Manager
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewRotationCoordinator builds a coordinator ticking at the manager's
// configured rotation check interval.
func NewRotationCoordinator(manager *Manager) *RotationCoordinator {
	return &RotationCoordinator{
		manager:  manager,
		interval: manager.Options().RotationCheckInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop. The first sweep runs one full
// interval after Start.
func (rc *RotationCoordinator) Start() {
	go rc.run()
}

func (rc *RotationCoordinator) run() {
	defer close(rc.done)
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-rc.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), rc.interval)
			_ = rc.RunOnce(ctx)
			cancel()
		}
	}
}

// Stop halts the loop and waits for an in-flight sweep to finish. Safe
// to call more than once.
func (rc *RotationCoordinator) Stop() {
	rc.stopOnce.Do(func() { close(rc.stop) })
	<-rc.done
}

// RunOnce performs a single rotation sweep: repair interrupted rotations
// first, then rotate every Active key past any of its rotation triggers.
// Individual key failures are audited and skipped so one bad key cannot
// stall the rest of the sweep; the first store-level failure aborts.
func (rc *RotationCoordinator) RunOnce(ctx context.Context) error {
	m := rc.manager
	now := m.now()

	for _, purpose := range KeyPurposes() {
		if err := m.RepairRotations(ctx, purpose); err != nil {
			return err
		}

		ids, err := m.store.SetMembers(ctx, persist.ActiveSet(string(purpose)))
		if err != nil {
			return operationFailed("active index read", err)
		}
		for _, id := range ids {
			key, err := m.loadKey(ctx, id)
			if err != nil {
				continue
			}
			if key.Status != StatusActive {
				continue
			}
			if !key.rotationDue(now) {
				continue
			}
			if !key.Rotation.AutoRotate && !key.expired(now) {
				rc.warnIfDue(key, now)
				continue
			}

			if _, err = m.RotateKey(ctx, id); err != nil {
				m.logAudit("key_rotation_failed", err, map[string]interface{}{
					"key_id":  id,
					"purpose": string(purpose),
				})
			}
		}
	}
	return nil
}

// warnIfDue audits an approaching or overdue rotation on keys the
// operator rotates manually.
func (rc *RotationCoordinator) warnIfDue(key *Key, now time.Time) {
	threshold := key.Rotation.WarnThreshold
	if threshold == 0 {
		return
	}
	next := key.Rotation.NextRotation
	if next.IsZero() || now.Before(next.Add(-threshold)) {
		return
	}
	rc.manager.logAudit("key_rotation_due", nil, map[string]interface{}{
		"key_id":        key.ID,
		"purpose":       string(key.Purpose),
		"next_rotation": next.Format(time.RFC3339),
	})
}
