package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"southwinds.dev/armor/internal/misc"
	"southwinds.dev/armor/persist"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func TestFileLoggerWritesJSONL(t *testing.T) {
	logger, path := newTestFileLogger(t)

	err := logger.Log("key_create", true, map[string]interface{}{
		"key_id":  "k-1",
		"purpose": "data-encryption",
	})
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err = logger.Log("key_rotated", false, map[string]interface{}{
		"key_id": "k-1",
		"error":  "store unavailable",
	}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("failed to stat log file: %v", err)
	}
	if info.Mode().Perm() != misc.FilePermissions {
		t.Errorf("log file mode = %v, want %v", info.Mode().Perm(), os.FileMode(misc.FilePermissions))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], `"action":"key_create"`) {
		t.Errorf("first line = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"error":"store unavailable"`) {
		t.Errorf("second line = %s", lines[1])
	}
}

func TestFileLoggerQueryFilters(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	mustLog := func(action string, success bool, keyID string) {
		t.Helper()
		if err := logger.Log(action, success, map[string]interface{}{"key_id": keyID}); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}
	mustLog("encrypt", true, "k-1")
	mustLog("encrypt", true, "k-2")
	mustLog("decrypt", false, "k-1")
	mustLog("key_rotated", true, "k-2")

	tests := []struct {
		name    string
		options QueryOptions
		want    int
	}{
		{"all", QueryOptions{}, 4},
		{"by action", QueryOptions{Action: "encrypt"}, 2},
		{"by key", QueryOptions{KeyID: "k-1"}, 2},
		{"failures only", QueryOptions{Success: boolPtr(false)}, 1},
		{"action and key", QueryOptions{Action: "encrypt", KeyID: "k-2"}, 1},
		{"no match", QueryOptions{Action: "key_destroy"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := logger.Query(tt.options)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if result.Filtered != tt.want {
				t.Errorf("Filtered = %d, want %d", result.Filtered, tt.want)
			}
			if result.TotalCount != 4 {
				t.Errorf("TotalCount = %d, want 4", result.TotalCount)
			}
		})
	}
}

func TestFileLoggerQueryTimeWindow(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	if err := logger.Log("encrypt", true, nil); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	future := time.Now().Add(time.Hour)
	result, err := logger.Query(QueryOptions{Since: &future})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 0 {
		t.Errorf("Filtered = %d, want 0 for a window after all events", result.Filtered)
	}

	past := time.Now().Add(-time.Hour)
	result, err = logger.Query(QueryOptions{Since: &past})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 1 {
		t.Errorf("Filtered = %d, want 1", result.Filtered)
	}
}

func TestFileLoggerQueryLimit(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	for i := 0; i < 5; i++ {
		if err := logger.Log("encrypt", true, nil); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	result, err := logger.Query(QueryOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(result.Events) != 2 {
		t.Errorf("len(Events) = %d, want 2", len(result.Events))
	}
	if !result.HasMore {
		t.Error("HasMore = false, want true")
	}
	if result.Filtered != 5 {
		t.Errorf("Filtered = %d, want 5", result.Filtered)
	}
}

func TestFileLoggerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	config := &Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	}

	first, err := NewFileLogger(config)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err = first.Log("key_create", true, nil); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err = first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := NewFileLogger(config)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer second.Close()
	if err = second.Log("key_rotated", true, nil); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	result, err := second.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 2 {
		t.Errorf("Filtered = %d, want both sessions' events", result.Filtered)
	}
}

func TestFileLoggerRequiresPath(t *testing.T) {
	_, err := NewFileLogger(&Config{Enabled: true, Type: FileAuditType})
	if err == nil {
		t.Fatal("expected error for missing file_path")
	}
}

func TestStoreLoggerRoundTrip(t *testing.T) {
	store := persist.NewMemoryStore()
	defer store.Close()
	logger := NewStoreLogger(store)

	if err := logger.Log("key_create", true, map[string]interface{}{"key_id": "k-1"}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Log("key_backup", false, map[string]interface{}{"key_id": "k-2"}); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	result, err := logger.Query(QueryOptions{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.TotalCount != 2 || result.Filtered != 2 {
		t.Errorf("result = %+v, want both events", result)
	}

	result, err = logger.Query(QueryOptions{KeyID: "k-2"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if result.Filtered != 1 || result.Events[0].Action != "key_backup" {
		t.Errorf("filtered result = %+v", result)
	}
}

func TestNewLoggerFactory(t *testing.T) {
	logger, err := NewLogger(nil)
	if err != nil {
		t.Fatalf("NewLogger(nil) failed: %v", err)
	}
	if _, ok := logger.(*NoOpLogger); !ok {
		t.Errorf("NewLogger(nil) = %T, want NoOpLogger", logger)
	}

	logger, err = NewLogger(&Config{Enabled: false, Type: FileAuditType})
	if err != nil {
		t.Fatalf("NewLogger(disabled) failed: %v", err)
	}
	if _, ok := logger.(*NoOpLogger); !ok {
		t.Errorf("disabled config = %T, want NoOpLogger", logger)
	}

	if _, err = NewLogger(&Config{Enabled: true, Type: "syslog"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestEventLiftsWellKnownMetadata(t *testing.T) {
	event := newEvent("encrypt", true, map[string]interface{}{
		"key_id":    "k-1",
		"purpose":   "data-encryption",
		"algorithm": "aes-256-gcm",
		"user_id":   "alice",
	})
	if event.KeyID != "k-1" || event.Purpose != "data-encryption" ||
		event.Algorithm != "aes-256-gcm" || event.UserID != "alice" {
		t.Errorf("event = %+v", event)
	}
	if event.ID == "" || event.Timestamp.IsZero() {
		t.Error("event missing id or timestamp")
	}
}

func boolPtr(b bool) *bool { return &b }
