package permission

import "testing"

func TestAuditLoggerNewAndLog(t *testing.T) {
	tmpDir := t.TempDir()
	sessionID := "test-session-123"

	logger, err := NewAuditLogger(sessionID, tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger failed: %v", err)
	}

	entry := AuditEntry{
		Tool:       "write_file",
		Decision:   "allowed",
		Source:     "rule",
		Arguments:  map[string]any{"path": "/tmp/test.txt"},
		ToolCallID: "call-123",
	}
	if err := logger.Log(entry); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := ReadAuditLog(sessionID, tmpDir)
	if err != nil {
		t.Fatalf("ReadAuditLog failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	e := entries[0]
	if e.Tool != "write_file" {
		t.Errorf("Tool = %q, want write_file", e.Tool)
	}
	if e.Decision != "allowed" {
		t.Errorf("Decision = %q, want allowed", e.Decision)
	}
	if e.SessionID != sessionID {
		t.Errorf("SessionID = %q, want %q", e.SessionID, sessionID)
	}
	if e.Timestamp == "" {
		t.Error("expected Timestamp to be stamped")
	}
}

func TestAuditLogRedactsSensitiveArguments(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewAuditLogger("s1", tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	defer logger.Close()

	entry := AuditEntry{
		Tool:     "call_api",
		Decision: "allowed",
		Arguments: map[string]any{
			"api_key": "sk-super-secret",
			"path":    "/tmp/safe.txt",
			"nested":  map[string]any{"password": "hunter2"},
		},
	}
	if err := logger.Log(entry); err != nil {
		t.Fatalf("Log: %v", err)
	}
	logger.Close()

	entries, err := ReadAuditLog("s1", tmpDir)
	if err != nil {
		t.Fatalf("ReadAuditLog: %v", err)
	}
	args := entries[0].Arguments
	if args["api_key"] != "[REDACTED]" {
		t.Errorf("api_key = %v, want [REDACTED]", args["api_key"])
	}
	if args["path"] != "/tmp/safe.txt" {
		t.Errorf("path = %v, want unredacted", args["path"])
	}
	nested, ok := args["nested"].(map[string]any)
	if !ok {
		t.Fatalf("nested not a map: %v", args["nested"])
	}
	if nested["password"] != "[REDACTED]" {
		t.Errorf("nested.password = %v, want [REDACTED]", nested["password"])
	}
}

func TestReadAuditLogMissingFileReturnsEmpty(t *testing.T) {
	tmpDir := t.TempDir()
	entries, err := ReadAuditLog("nonexistent", tmpDir)
	if err != nil {
		t.Fatalf("ReadAuditLog: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected 0 entries, got %d", len(entries))
	}
}

func TestAuditLoggerAppendsMultipleEntries(t *testing.T) {
	tmpDir := t.TempDir()
	logger, err := NewAuditLogger("s2", tmpDir)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := logger.Log(AuditEntry{Tool: "t", Decision: "allowed"}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	logger.Close()

	entries, err := ReadAuditLog("s2", tmpDir)
	if err != nil {
		t.Fatalf("ReadAuditLog: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 entries, got %d", len(entries))
	}
}
