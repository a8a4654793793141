package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func logJSON(t *testing.T, args ...any) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	l.Info("test", args...)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	return entry
}

func TestRedactSensitive(t *testing.T) {
	tests := []struct {
		key      string
		value    string
		redacted bool
	}{
		{"encryption_key", "0123456789abcdef", true},
		{"passphrase", "correct horse", true},
		{"db_password", "hunter2", true},
		{"Authorization", "Bearer x", true},
		{"token", "01HZY8M4Q4R9", false},
		{"repository", "backups", false},
		{"password", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			entry := logJSON(t, tt.key, tt.value)
			got := entry[tt.key]
			if tt.redacted && got != redactedValue {
				t.Errorf("%s = %v, want redacted", tt.key, got)
			}
			if !tt.redacted && got != tt.value {
				t.Errorf("%s = %v, want %q", tt.key, got, tt.value)
			}
		})
	}
}

func TestRedactSensitive_Group(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: "json", Output: &buf})
	if err != nil {
		t.Fatal(err)
	}
	l.WithGroup("security").Info("loaded", "master_key", "abc123456789", "cipher", "aes-gcm")

	var out struct {
		Security map[string]string `json:"security"`
	}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if out.Security["master_key"] != redactedValue {
		t.Errorf("master_key = %q, want redacted", out.Security["master_key"])
	}
	if out.Security["cipher"] != "aes-gcm" {
		t.Errorf("cipher = %q", out.Security["cipher"])
	}
}
