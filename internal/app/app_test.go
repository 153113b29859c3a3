package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voicecoach/internal/app"
	"github.com/MrWong99/voicecoach/internal/config"
	"github.com/MrWong99/voicecoach/internal/store"
	"github.com/MrWong99/voicecoach/pkg/types"
)

// memStore is a minimal in-memory session store.
type memStore struct {
	pingErr error
}

func (m *memStore) CreateSession(_ context.Context, _ string, _ int, msgs []types.Message) (store.CreateResult, error) {
	return store.CreateResult{SessionID: "s-1", MessagesCount: len(msgs)}, nil
}

func (m *memStore) CreatePending(context.Context, store.PendingSession) (string, error) {
	return "s-2", nil
}

func (m *memStore) AppendMessages(_ context.Context, _ string, _ int, msgs []types.Message) (int, error) {
	return len(msgs), nil
}

func (m *memStore) GetSession(_ context.Context, id string) (store.Session, error) {
	return store.Session{}, types.NotFound("get session", "session "+id+" not found")
}

func (m *memStore) ListSessions(context.Context, string, int) ([]store.Session, error) {
	return nil, nil
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

// testConfig returns a minimal config with defaults applied.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		OpenAI: config.OpenAIConfig{
			Models: []string{"gpt-realtime-mini", "gpt-realtime"},
			Voices: []string{"alloy", "ash", "sage"},
		},
		Database: config.DatabaseConfig{DSN: "postgres://unused"},
	}
	cfg.ApplyDefaults()
	cfg.OpenAI.RealtimeModel = "gpt-realtime-mini"
	return cfg
}

func TestNew_WithStore(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), app.WithStore(&memStore{}))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application.RecallEnabled() {
		t.Error("recall should be disabled by default")
	}
	if got := len(application.Catalog().Scenarios()); got != 4 {
		t.Errorf("built-in catalog has %d scenarios, want 4", got)
	}

	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/scenarios")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/api/scenarios status = %d", resp.StatusCode)
	}
}

func TestNew_RecallNeedsPostgres(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Recall.Enabled = true
	application, err := app.New(context.Background(), cfg, app.WithStore(&memStore{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if application.RecallEnabled() {
		t.Error("recall enabled without a PostgreSQL store")
	}
}

func TestNew_BadCatalogFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("scenarios:\n  - id: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Catalog.Path = path

	if _, err := app.New(context.Background(), cfg, app.WithStore(&memStore{})); err == nil {
		t.Fatal("New() accepted an invalid catalog")
	}
}

func TestReadyz_ReportsDatabase(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(),
		app.WithStore(&memStore{pingErr: errors.New("connection refused")}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	srv := httptest.NewServer(application.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d, want 503", resp.StatusCode)
	}
	var body struct {
		Checks map[string]string `json:"checks"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Checks["openai"] != "ok" || body.Checks["database"] == "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReload(t *testing.T) {
	t.Parallel()

	lvl := new(slog.LevelVar)
	cfg := testConfig()
	application, err := app.New(context.Background(), cfg, app.WithStore(&memStore{}), app.WithLevelVar(lvl))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.OpenAI.Voices = []string{"sage"}
	next.OpenAI.DefaultVoice = "sage"
	next.Server.ListenAddr = ":9999"

	d := application.Reload(next)
	if !d.LogLevelChanged || !d.AllowListsChanged || !d.DefaultsChanged {
		t.Errorf("diff = %+v", d)
	}
	if lvl.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lvl.Level())
	}
	if p := application.Minter().Policy(); p.DefaultVoice != "sage" || len(p.Voices) != 1 {
		t.Errorf("policy = %+v", p)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "server.listen_addr" {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	application, err := app.New(context.Background(), testConfig(), app.WithStore(&memStore{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Run in background.
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for application.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	addr := application.Addr()
	if addr == nil {
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	// Cancel context to trigger shutdown.
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
