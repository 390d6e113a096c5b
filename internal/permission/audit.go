package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditEntry is a single audit log record (JSON-lines format).
type AuditEntry struct {
	Timestamp  string         `json:"timestamp"` // RFC3339
	SessionID  string         `json:"session_id"`
	Tool       string         `json:"tool"`
	Decision   string         `json:"decision"` // e.g. "allowed", "denied", "error", "tool_error", "user_approved", "user_denied"
	Source     string         `json:"source"`
	Arguments  map[string]any `json:"arguments"` // redacted for sensitive data
	ToolCallID string         `json:"tool_call_id"`
	Error      string         `json:"error,omitempty"`
}

// AuditLogger appends audit entries to a session-specific JSON-lines file.
type AuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	sessionID string
}

// NewAuditLogger creates an audit logger for the given session. dir
// should be something like "~/.ion"; the file is named
// "audit-<session-id>.jsonl" within it.
func NewAuditLogger(sessionID, dir string) (*AuditLogger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("permission: create audit directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", sessionID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("permission: open audit log: %w", err)
	}

	return &AuditLogger{file: file, sessionID: sessionID}, nil
}

// Log writes an audit entry to the log file, stamping its session ID,
// timestamp, and redacting sensitive arguments.
func (a *AuditLogger) Log(entry AuditEntry) error {
	entry.SessionID = a.sessionID
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339)
	entry.Arguments = redactSensitiveData(entry.Arguments)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("permission: marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return fmt.Errorf("permission: audit logger closed")
	}
	if _, err := a.file.Write(data); err != nil {
		return fmt.Errorf("permission: write audit entry: %w", err)
	}
	return nil
}

// Close flushes and closes the audit log file.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("permission: sync audit log: %w", err)
	}
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("permission: close audit log: %w", err)
	}
	a.file = nil
	return nil
}

var sensitivePatterns = []string{"token", "key", "password", "secret", "credential", "auth"}

func redactSensitiveData(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	redacted := make(map[string]any)
	for k, v := range args {
		redacted[k] = redactSensitiveRecursive(k, v)
	}
	return redacted
}

func redactSensitiveRecursive(key string, value any) any {
	if m, ok := value.(map[string]any); ok {
		redacted := make(map[string]any)
		for k, v := range m {
			redacted[k] = redactSensitiveRecursive(k, v)
		}
		return redacted
	}
	if s, ok := value.([]any); ok {
		redacted := make([]any, len(s))
		for i, v := range s {
			redacted[i] = redactSensitiveRecursive("", v)
		}
		return redacted
	}

	lowerKey := strings.ToLower(key)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lowerKey, pattern) {
			return "[REDACTED]"
		}
	}
	if str, ok := value.(string); ok {
		lowerVal := strings.ToLower(str)
		for _, pattern := range sensitivePatterns {
			if strings.Contains(lowerVal, pattern) {
				return "[REDACTED]"
			}
		}
	}
	return value
}

// ReadAuditLog reads all entries from a session's audit log.
func ReadAuditLog(sessionID, dir string) ([]AuditEntry, error) {
	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", sessionID))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []AuditEntry{}, nil
		}
		return nil, fmt.Errorf("permission: read audit log: %w", err)
	}

	var entries []AuditEntry
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry AuditEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("permission: parse audit entry line %d: %w", i+1, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
