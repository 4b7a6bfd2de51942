package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := &Config{
		DefaultSession: "work",
		Server: Server{
			URL:               "wss://chat.example.com/ws",
			HeartbeatInterval: Duration{25 * time.Second},
			MaxAttempts:       8,
		},
		Queue: Queue{RetryCap: 3},
		Convo: Convo{TypingTTL: Duration{7 * time.Second}},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.Server.URL != "wss://chat.example.com/ws" {
		t.Errorf("Server.URL = %q", loaded.Server.URL)
	}
	if loaded.Server.HeartbeatInterval.Duration != 25*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 25s", loaded.Server.HeartbeatInterval.Duration)
	}
	if loaded.Queue.RetryCap != 3 {
		t.Errorf("RetryCap = %d, want 3", loaded.Queue.RetryCap)
	}
	if loaded.Convo.TypingTTL.Duration != 7*time.Second {
		t.Errorf("Convo.TypingTTL = %v, want 7s", loaded.Convo.TypingTTL.Duration)
	}
}

// typing_ttl configures the conversation store, not outbound delivery, and
// lives in its own section.
func TestTypingTTLParsesFromConvoSection(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	raw := `
[convo]
typing_ttl = "3s"
`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Convo.TypingTTL.Duration != 3*time.Second {
		t.Errorf("typing_ttl = %v, want 3s", cfg.Convo.TypingTTL.Duration)
	}
}

func TestDurationParsesHumanStrings(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	raw := `
default_session = "main"

[server]
url = "wss://chat.example.com/ws"
heartbeat_interval = "30s"
backoff_initial = "500ms"
`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HeartbeatInterval.Duration != 30*time.Second {
		t.Errorf("heartbeat_interval = %v, want 30s", cfg.Server.HeartbeatInterval.Duration)
	}
	if cfg.Server.BackoffInitial.Duration != 500*time.Millisecond {
		t.Errorf("backoff_initial = %v, want 500ms", cfg.Server.BackoffInitial.Duration)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
