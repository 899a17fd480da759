package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"southwinds.dev/armor/persist"
)

// StoreLogger appends events to the key store's append-only audit
// stream, keeping the audit trail next to the key records it describes.
type StoreLogger struct {
	store   persist.Store
	timeout time.Duration
}

// NewStoreLogger wraps a persist.Store as an audit sink.
func NewStoreLogger(store persist.Store) *StoreLogger {
	return &StoreLogger{store: store, timeout: 5 * time.Second}
}

func (sl *StoreLogger) Log(action string, success bool, metadata map[string]interface{}) error {
	event := newEvent(action, success, metadata)
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sl.timeout)
	defer cancel()
	return sl.store.AppendAudit(ctx, raw)
}

func (sl *StoreLogger) Query(options QueryOptions) (QueryResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sl.timeout)
	defer cancel()

	entries, err := sl.store.AuditEntries(ctx, 0, 0)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to read audit stream: %w", err)
	}

	var filtered []Event
	for _, raw := range entries {
		var event Event
		if err = json.Unmarshal(raw, &event); err != nil {
			continue
		}
		if matchesFilter(event, options) {
			filtered = append(filtered, event)
		}
	}

	start := options.Offset
	if start > len(filtered) {
		start = len(filtered)
	}
	end := len(filtered)
	if options.Limit > 0 && start+options.Limit < end {
		end = start + options.Limit
	}

	return QueryResult{
		Events:     filtered[start:end],
		TotalCount: len(entries),
		Filtered:   len(filtered),
		HasMore:    end < len(filtered),
	}, nil
}

func (sl *StoreLogger) Close() error { return nil }
