package daemon

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/felipeag/deskchat/internal/archive"
	"github.com/felipeag/deskchat/internal/auth"
	"github.com/felipeag/deskchat/internal/bus"
	"github.com/felipeag/deskchat/internal/config"
	"github.com/felipeag/deskchat/internal/lock"
	"github.com/felipeag/deskchat/internal/session"
	"github.com/felipeag/deskchat/internal/supervisor"
	"github.com/felipeag/deskchat/internal/transport"
)

// TestModuleGraphResolves verifies the fx dependency graph is complete.
// Regression guard: a provider taking a bare string (or any unprovided type)
// fails at startup with "missing type", not at compile time.
func TestModuleGraphResolves(t *testing.T) {
	err := fx.ValidateApp(Module(Params{SessionName: "fxtest"}))
	if err != nil {
		t.Fatalf("fx graph does not resolve: %v", err)
	}
}

func TestProvideConfigFallsBackToDefaults(t *testing.T) {
	cfg := provideConfig(Params{ConfigPath: filepath.Join(t.TempDir(), "absent.toml")}, zap.NewNop())
	if cfg == nil {
		t.Fatal("expected a default config")
	}
	if !cfg.Archive {
		t.Error("default config should enable the archive")
	}
}

func TestProvideConfigReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	want := &config.Config{
		DefaultSession: "support",
		Server:         config.Server{URL: "wss://chat.example.com/ws", MaxAttempts: 7},
	}
	if err := config.Save(path, want); err != nil {
		t.Fatal(err)
	}

	cfg := provideConfig(Params{ConfigPath: path}, zap.NewNop())
	if cfg.Server.URL != want.Server.URL || cfg.Server.MaxAttempts != 7 {
		t.Errorf("loaded config = %+v", cfg)
	}
}

type fakeShutdowner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeShutdowner) Shutdown(...fx.ShutdownOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeShutdowner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// A fatal session error must stop the daemon: the session is Closed with no
// auto-reconnect, so a process that keeps running serves nothing.
func TestFatalSessionErrorShutsDown(t *testing.T) {
	b := bus.New(nil)
	sd := &fakeShutdowner{}
	b.Subscribe("conn.fatal", fatalHandler(sd, zap.NewNop()))

	b.Publish(bus.Event{
		Kind:      "conn.fatal",
		Timestamp: time.Now(),
		Payload:   &supervisor.FatalSessionError{Reason: "credentials rejected", Attempts: 1},
	})

	if got := sd.count(); got != 1 {
		t.Fatalf("shutdown calls = %d, want 1", got)
	}

	// Unrelated payloads on the namespace must not kill the process.
	b.Publish(bus.Event{Kind: "conn.fatal", Timestamp: time.Now(), Payload: "noise"})
	if got := sd.count(); got != 1 {
		t.Errorf("shutdown calls = %d after bad payload, want still 1", got)
	}
}

// TestManualLifecycle composes the daemon's pieces by hand the way
// registerLifecycle does and exercises a start/stop cycle. The server is
// unreachable, so the session stays in its reconnect loop until Close.
func TestManualLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv(auth.TokenEnv, "test-token")

	lk, err := lock.Acquire(filepath.Join(tmpDir, "LOCK"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := archive.Open(filepath.Join(tmpDir, "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	b := bus.New(nil)
	arc := archive.New(db, b, nil)
	arc.Start()
	defer arc.Stop()

	sess := session.New(session.Options{
		Server: supervisor.Config{
			URL:            "ws://127.0.0.1:1", // nothing listens here
			BackoffInitial: time.Hour,          // first dial fails, then park
		},
	}, transport.NewWebSocketDialer(time.Second, nil), &auth.FileAuthenticator{UserID: "agent-1"}, b, nil)

	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sess.Close()

	if got := sess.State(); got != supervisor.Closed {
		t.Errorf("state after Close = %v, want Closed", got)
	}
}
