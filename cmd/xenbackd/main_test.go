package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/xenbackend/internal/api"
	"github.com/nerrad567/xenbackend/internal/backend"
	"github.com/nerrad567/xenbackend/internal/eventloop"
	"github.com/nerrad567/xenbackend/internal/hypervisor"
	"github.com/nerrad567/xenbackend/internal/infrastructure/config"
	"github.com/nerrad567/xenbackend/internal/infrastructure/logging"
	"github.com/nerrad567/xenbackend/internal/xenstore"
)

const testSecret = "test-secret-for-development-only-0123456789"

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "text"}, "test", io.Discard)
}

// writeConfig writes a config file and points XENBACKEND_CONFIG at it.
func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv(configEnv, path)
	return path
}

func validConfig(t *testing.T, extra string) string {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "xenbackend.db")
	return `
backend:
  domid: 0
  classes:
    - type: console
      domids: [3]

xenstore:
  socket: "/nonexistent/xenstored/socket"
  fallback: "/nonexistent/xen/xenbus"

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

logging:
  level: error
  format: text
  output: stdout
` + extra
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv(configEnv, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx, nil, io.Discard)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want loading config failure", err)
	}
}

func TestRun_ValidationFailure(t *testing.T) {
	writeConfig(t, `
backend:
  classes: []
database:
  path: "/tmp/unused.db"
`)

	err := run(context.Background(), nil, io.Discard)
	if err == nil {
		t.Fatal("run() should fail without device classes")
	}
	if !strings.Contains(err.Error(), "backend.classes") {
		t.Errorf("run() error = %v, want backend.classes message", err)
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"frobnicate"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Errorf("run() error = %v, want unknown command", err)
	}
}

func TestRun_UnexpectedArguments(t *testing.T) {
	err := run(context.Background(), []string{"serve", "extra"}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "unexpected arguments") {
		t.Errorf("run() error = %v, want unexpected arguments", err)
	}
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"version"}, &out); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
	if !strings.HasPrefix(out.String(), "xenbackd "+version) {
		t.Errorf("version output = %q", out.String())
	}
}

// TestRun_BackendUnavailable runs the daemon wiring up to the point where
// xenstore is needed. The database must be created and migrated first.
func TestRun_BackendUnavailable(t *testing.T) {
	cfgText := validConfig(t, "")
	writeConfig(t, cfgText)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, nil, io.Discard)
	if !errors.Is(err, backend.ErrInit) {
		t.Fatalf("run() error = %v, want ErrInit", err)
	}

	cfg, loadErr := config.Load(os.Getenv(configEnv))
	if loadErr != nil {
		t.Fatalf("config.Load() error = %v", loadErr)
	}
	if _, statErr := os.Stat(cfg.Database.Path); statErr != nil {
		t.Errorf("database file not created: %v", statErr)
	}
}

func TestRunToken(t *testing.T) {
	writeConfig(t, validConfig(t, `
security:
  jwt:
    secret: "`+testSecret+`"
`))

	var out bytes.Buffer
	if err := run(context.Background(), []string{"token", "-subject", "ops", "-ttl", "1h"}, &out); err != nil {
		t.Fatalf("run(token) error = %v", err)
	}

	raw := strings.TrimSpace(out.String())
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(testSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer("xenbackend"))
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if claims.Subject != "ops" {
		t.Errorf("subject = %q, want ops", claims.Subject)
	}
	if claims.ExpiresAt == nil {
		t.Fatal("token has no expiry")
	}
	if d := time.Until(claims.ExpiresAt.Time); d <= 0 || d > time.Hour+time.Minute {
		t.Errorf("expiry in %v, want about 1h", d)
	}
}

func TestRunToken_Errors(t *testing.T) {
	writeConfig(t, validConfig(t, ""))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no secret", nil, "security.jwt.secret"},
		{"negative ttl", []string{"-ttl", "-1h"}, "ttl must not be negative"},
		{"bad flag", []string{"-bogus"}, "parsing token flags"},
		{"stray argument", []string{"extra"}, "unexpected arguments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runToken(tt.args, &out)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("runToken() error = %v, want %q", err, tt.want)
			}
			if out.Len() != 0 {
				t.Errorf("runToken() printed %q on failure", out.String())
			}
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv(configEnv, "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv(configEnv, "/etc/xenbackend/config.yaml")
	if got := getConfigPath(); got != "/etc/xenbackend/config.yaml" {
		t.Errorf("getConfigPath() = %q", got)
	}
}

// fakePoller records descriptors without polling them.
type fakePoller struct {
	fds map[int]eventloop.Handler
}

func (p *fakePoller) Add(fd int, h eventloop.Handler) error {
	if p.fds == nil {
		p.fds = make(map[int]eventloop.Handler)
	}
	p.fds[fd] = h
	return nil
}

func (p *fakePoller) Remove(fd int) { delete(p.fds, fd) }

func newTestContext(t *testing.T) (*backend.Context, *xenstore.MemStore) {
	t.Helper()

	store := xenstore.NewMemStore()
	bctx, err := backend.New(backend.Options{
		Store:   store,
		Watcher: store,
		Control: hypervisor.NewFake(),
	})
	if err != nil {
		t.Fatalf("backend.New() error = %v", err)
	}
	t.Cleanup(func() { bctx.Shutdown() }) //nolint:errcheck // Test cleanup
	return bctx, store
}

func TestBuildClasses(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendConfig{Classes: []config.ClassConfig{
			{Type: "console", DomIDs: []int{1}},
			{Type: "console", DomIDs: []int{2}},
		}},
		Console: config.ConsoleConfig{Output: "stdout", Prefix: "[dom%d.%d] "},
	}

	classes, err := buildClasses(cfg, &fakePoller{}, io.Discard, testLogger())
	if err != nil {
		t.Fatalf("buildClasses() error = %v", err)
	}
	if len(classes) != 1 || classes["console"] == nil {
		t.Errorf("buildClasses() = %v, want one console class", classes)
	}
}

func TestBuildClasses_Unknown(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendConfig{Classes: []config.ClassConfig{
			{Type: "vif", DomIDs: []int{1}},
		}},
	}

	_, err := buildClasses(cfg, &fakePoller{}, io.Discard, testLogger())
	if err == nil || !strings.Contains(err.Error(), `unsupported device class "vif"`) {
		t.Errorf("buildClasses() error = %v, want unsupported class", err)
	}
}

func TestBuildClasses_NilPoller(t *testing.T) {
	cfg := &config.Config{
		Backend: config.BackendConfig{Classes: []config.ClassConfig{
			{Type: "console", DomIDs: []int{1}},
		}},
		Console: config.ConsoleConfig{Output: "log"},
	}

	if _, err := buildClasses(cfg, nil, io.Discard, testLogger()); err == nil {
		t.Error("buildClasses() with nil poller should fail")
	}
}

func TestRegisterBackends(t *testing.T) {
	bctx, store := newTestContext(t)
	cfg := &config.Config{
		Backend: config.BackendConfig{Classes: []config.ClassConfig{
			{Type: "console", DomIDs: []int{3, 4}},
		}},
		Console: config.ConsoleConfig{Output: "log"},
	}

	classes, err := buildClasses(cfg, &fakePoller{}, io.Discard, testLogger())
	if err != nil {
		t.Fatalf("buildClasses() error = %v", err)
	}
	if err := registerBackends(bctx, cfg.Backend.Classes, classes, testLogger()); err != nil {
		t.Fatalf("registerBackends() error = %v", err)
	}

	if got := len(bctx.Backends()); got != 2 {
		t.Fatalf("Backends() = %d, want 2", got)
	}
	for _, p := range []string{"/local/domain/0/backend/console/3", "/local/domain/0/backend/console/4"} {
		found := false
		for _, b := range bctx.Backends() {
			if b.Path() == p {
				found = true
			}
		}
		if !found {
			t.Errorf("no backend registered at %s", p)
		}
	}

	// The initial watch events are drained in one readiness callback.
	if !store.Pending() {
		t.Fatal("expected queued watch events after Register")
	}
	watchHandler(bctx, testLogger())()
	if store.Pending() {
		t.Error("watch handler left events queued")
	}
}

func TestRegisterBackends_MissingClass(t *testing.T) {
	bctx, _ := newTestContext(t)
	configured := []config.ClassConfig{{Type: "vkbd", DomIDs: []int{3}}}

	err := registerBackends(bctx, configured, map[string]backend.Class{}, testLogger())
	if err == nil || !strings.Contains(err.Error(), "vkbd") {
		t.Errorf("registerBackends() error = %v, want unsupported vkbd", err)
	}
}

func TestWatchHandler_AfterShutdown(t *testing.T) {
	bctx, store := newTestContext(t)
	if err := bctx.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	store.Inject(xenstore.WatchEvent{Path: "/local/domain/0/backend", Token: "stale"})

	// Must return without looping on the shut down context.
	watchHandler(bctx, testLogger())()
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func TestHealthCheck(t *testing.T) {
	ok := checkFunc(func(context.Context) error { return nil })
	down := checkFunc(func(context.Context) error { return errors.New("down") })

	if err := healthCheck(context.Background(), map[string]api.HealthChecker{"database": ok}); err != nil {
		t.Errorf("healthCheck() error = %v, want nil", err)
	}

	err := healthCheck(context.Background(), map[string]api.HealthChecker{
		"database": ok,
		"mqtt":     down,
	})
	if err == nil || !strings.Contains(err.Error(), "mqtt: down") {
		t.Errorf("healthCheck() error = %v, want mqtt: down", err)
	}
}

func TestHealthCheck_Deadline(t *testing.T) {
	var hasDeadline bool
	check := checkFunc(func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	})

	if err := healthCheck(context.Background(), map[string]api.HealthChecker{"x": check}); err != nil {
		t.Fatalf("healthCheck() error = %v", err)
	}
	if !hasDeadline {
		t.Error("health check context has no deadline")
	}
}

type fakePruner struct {
	calls atomic.Int32
	err   error
}

func (p *fakePruner) PruneHistory(_ context.Context, olderThan time.Duration) (int64, error) {
	p.calls.Add(1)
	if olderThan != 48*time.Hour {
		return 0, errors.New("unexpected retention")
	}
	return 1, p.err
}

func TestPruneLoop(t *testing.T) {
	p := &fakePruner{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		pruneLoop(ctx, p, 48*time.Hour, 5*time.Millisecond, testLogger())
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for p.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pruneLoop did not return after cancel")
	}
	if p.calls.Load() < 2 {
		t.Errorf("PruneHistory called %d times, want at least 2", p.calls.Load())
	}
}

func TestPruneHistory_ErrorLogged(t *testing.T) {
	p := &fakePruner{err: errors.New("locked")}
	pruneHistory(context.Background(), p, 48*time.Hour, testLogger())
	if p.calls.Load() != 1 {
		t.Errorf("PruneHistory called %d times, want 1", p.calls.Load())
	}
}
