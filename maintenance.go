package armor

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"southwinds.dev/armor/persist"
)

// MaintenanceCoordinator runs the housekeeping that keeps the key store
// healthy over months of operation: expiring keys past their recorded
// expiry, purging keys past retention, capping rotation-chain depth,
// backing up uncovered keys, re-verifying stored backups and flagging
// anomalous key usage. Same execution model as the
// rotation coordinator: one goroutine, non-overlapping sweeps,
// per-key failures skipped and retried next tick.
type MaintenanceCoordinator struct {
	manager  *Manager
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMaintenanceCoordinator builds a coordinator ticking at the
// manager's configured maintenance interval.
func NewMaintenanceCoordinator(manager *Manager) *MaintenanceCoordinator {
	return &MaintenanceCoordinator{
		manager:  manager,
		interval: manager.Options().MaintenanceInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background loop.
func (mc *MaintenanceCoordinator) Start() {
	go mc.run()
}

func (mc *MaintenanceCoordinator) run() {
	defer close(mc.done)
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-mc.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
			_ = mc.RunOnce(ctx)
			cancel()
		}
	}
}

// Stop halts the loop and waits for an in-flight sweep.
func (mc *MaintenanceCoordinator) Stop() {
	mc.stopOnce.Do(func() { close(mc.stop) })
	<-mc.done
}

// RunOnce performs a single maintenance sweep.
func (mc *MaintenanceCoordinator) RunOnce(ctx context.Context) error {
	mc.expireDue(ctx)

	keys, err := mc.loadAll(ctx)
	if err != nil {
		return err
	}

	mc.purgeExpiredRetention(ctx, keys)
	mc.pruneDeepChains(ctx, keys)
	if mc.manager.Options().AutoBackup {
		mc.backupUncovered(ctx, keys)
	}
	mc.verifyBackups(ctx, keys)
	mc.flagUsageAnomalies(keys)
	return nil
}

// expireDue transitions Active keys whose recorded expiry has passed.
// Expiry also happens lazily on read; this sweep covers keys nothing
// reads, so their state and indexes do not drift from the clock. Stale
// schedule entries for keys already gone or no longer Active are
// dropped.
func (mc *MaintenanceCoordinator) expireDue(ctx context.Context) {
	m := mc.manager
	due, err := m.store.DueBefore(ctx, persist.ExpirationSchedule, m.now())
	if err != nil {
		return
	}
	for _, id := range due {
		key, err := m.loadKey(ctx, id)
		if errors.Is(err, persist.ErrNotFound) {
			_ = m.store.RemoveFromSchedule(ctx, persist.ExpirationSchedule, id)
			continue
		}
		if err != nil {
			continue
		}
		if key.Status != StatusActive {
			_ = m.store.RemoveFromSchedule(ctx, persist.ExpirationSchedule, id)
			continue
		}
		if err = m.expireKey(ctx, key); err != nil {
			m.logAudit("key_expire_failed", err, map[string]interface{}{"key_id": id})
		}
	}
}

// loadAll reads every key record. Individual records that fail to load
// are skipped; the store enumeration itself must succeed.
func (mc *MaintenanceCoordinator) loadAll(ctx context.Context) ([]*Key, error) {
	ids, err := mc.manager.store.ListKeys(ctx)
	if err != nil {
		return nil, operationFailed("key enumeration", err)
	}
	keys := make([]*Key, 0, len(ids))
	for _, id := range ids {
		key, err := mc.manager.loadKey(ctx, id)
		if errors.Is(err, persist.ErrNotFound) {
			continue
		}
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// purgeExpiredRetention destroys non-Active keys that have been idle
// past the retention window. Retention counts from the later of
// creation and last use so a recently used archived key survives.
func (mc *MaintenanceCoordinator) purgeExpiredRetention(ctx context.Context, keys []*Key) {
	m := mc.manager
	retention := m.Options().KeyRetention
	now := m.now()

	for _, key := range keys {
		if key.Status == StatusActive {
			continue
		}
		idle := key.CreatedAt
		if key.Usage.LastUsed.After(idle) {
			idle = key.Usage.LastUsed
		}
		if now.Sub(idle) <= retention {
			continue
		}
		if err := m.DestroyKey(ctx, key.ID); err != nil {
			m.logAudit("key_retention_purge_failed", err, map[string]interface{}{"key_id": key.ID})
		}
	}
}

// pruneDeepChains caps each rotation chain at the configured number of
// archived predecessors, destroying the oldest beyond the cap.
func (mc *MaintenanceCoordinator) pruneDeepChains(ctx context.Context, keys []*Key) {
	m := mc.manager
	max := m.Options().MaxKeyVersions
	if max <= 0 {
		return
	}

	byID := make(map[string]*Key, len(keys))
	for _, key := range keys {
		byID[key.ID] = key
	}

	for _, key := range keys {
		if key.Status != StatusActive {
			continue
		}
		var chain []*Key
		for cursor := key; cursor.ParentID != ""; {
			parent, ok := byID[cursor.ParentID]
			if !ok {
				break
			}
			chain = append(chain, parent)
			cursor = parent
		}
		if len(chain) <= max {
			continue
		}
		// chain is ordered newest ancestor first; prune from the tail.
		sort.Slice(chain, func(i, j int) bool { return chain[i].Version > chain[j].Version })
		for _, old := range chain[max:] {
			if err := m.DestroyKey(ctx, old.ID); err != nil {
				m.logAudit("key_version_prune_failed", err, map[string]interface{}{"key_id": old.ID})
			}
		}
	}
}

// backupUncovered creates a backup for every decrypt-capable key that
// has none.
func (mc *MaintenanceCoordinator) backupUncovered(ctx context.Context, keys []*Key) {
	for _, key := range keys {
		if key.Backup != nil || key.Status == StatusDestroyed {
			continue
		}
		if _, err := mc.manager.BackupKey(ctx, key.ID); err != nil {
			mc.manager.logAudit("key_auto_backup_failed", err, map[string]interface{}{"key_id": key.ID})
		}
	}
}

// verifyBackups re-verifies the recorded backup of every key. A corrupt
// backup flips the key's backup status and surfaces in the audit trail;
// the next sweep re-creates it when auto-backup is on.
func (mc *MaintenanceCoordinator) verifyBackups(ctx context.Context, keys []*Key) {
	m := mc.manager
	for _, key := range keys {
		if key.Backup == nil {
			continue
		}
		if err := m.VerifyBackup(ctx, key.Backup.BackupID); err != nil {
			if IsCode(err, CodeKeyNotFound) && m.Options().AutoBackup {
				// Backup expired out of the archive; re-cover the key.
				key.Backup = nil
				if err = m.saveKey(ctx, key); err == nil {
					m.invalidate(key.ID)
					_, _ = m.BackupKey(ctx, key.ID)
				}
			}
		}
	}
}

// anomalyFactor is how far above its trailing daily average a key's
// daily operation count must sit before the sweep flags it.
const anomalyFactor = 10

// flagUsageAnomalies audits keys whose operation volume today is far
// above their trailing daily average. Needs at least three prior days of
// history to have a baseline.
func (mc *MaintenanceCoordinator) flagUsageAnomalies(keys []*Key) {
	m := mc.manager
	today := m.now().UTC().Format("2006-01-02")

	for _, key := range keys {
		current, ok := key.Usage.Daily[today]
		if !ok || current.Operations == 0 {
			continue
		}
		var historyOps int64
		var historyDays int64
		for day, usage := range key.Usage.Daily {
			if day == today {
				continue
			}
			historyOps += usage.Operations
			historyDays++
		}
		if historyDays < 3 {
			continue
		}
		average := historyOps / historyDays
		if average == 0 || current.Operations < average*anomalyFactor {
			continue
		}
		m.logAudit("key_usage_anomaly", nil, map[string]interface{}{
			"key_id":        key.ID,
			"purpose":       string(key.Purpose),
			"operations":    current.Operations,
			"daily_average": average,
		})
	}
}

// Snapshot summarizes store health for operators.
type Snapshot struct {
	Keys       map[KeyStatus]int    `json:"keys"`
	Backups    int                  `json:"backups"`
	OldestKey  time.Time            `json:"oldest_key,omitempty"`
	DueSoon    []string             `json:"due_soon,omitempty"`
	Generated  time.Time            `json:"generated"`
	ByPurpose  map[KeyPurpose]int   `json:"by_purpose"`
	BackupInfo []persist.BackupInfo `json:"-"`
}

// Status compiles a point-in-time health snapshot: key counts by status
// and purpose, backup count, and keys due for rotation within a day.
func (mc *MaintenanceCoordinator) Status(ctx context.Context) (*Snapshot, error) {
	keys, err := mc.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	m := mc.manager
	snap := &Snapshot{
		Keys:      make(map[KeyStatus]int),
		ByPurpose: make(map[KeyPurpose]int),
		Generated: m.now().UTC(),
	}
	for _, key := range keys {
		snap.Keys[key.Status]++
		snap.ByPurpose[key.Purpose]++
		if snap.OldestKey.IsZero() || key.CreatedAt.Before(snap.OldestKey) {
			snap.OldestKey = key.CreatedAt
		}
	}

	due, err := m.store.DueBefore(ctx, persist.RotationSchedule, m.now().Add(24*time.Hour))
	if err == nil {
		snap.DueSoon = due
	}

	if infos, err := m.ListBackups(ctx); err == nil {
		snap.Backups = len(infos)
		snap.BackupInfo = infos
	}
	return snap, nil
}

// String renders the snapshot as indented JSON for CLI output.
func (s *Snapshot) String() string {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return ""
	}
	return string(raw)
}
