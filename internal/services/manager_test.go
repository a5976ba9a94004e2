package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/j-veylop/agent-dashboard/internal/config"
	"github.com/j-veylop/agent-dashboard/internal/models"
	"github.com/j-veylop/agent-dashboard/internal/services/notify"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StoreDriver:        config.StoreSQLite,
		DatabasePath:       filepath.Join(t.TempDir(), "test.db"),
		EndpointKind:       config.EndpointChat,
		InferenceTimeout:   time.Second,
		MaxConcurrentTasks: 2,
	}
}

func newServingEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/invocations" || r.Header.Get("Authorization") != "Bearer static-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"output": "from endpoint"})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewManager(t *testing.T) {
	mgr, err := NewManager(context.Background(), newTestConfig(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Shutdown()

	if mgr.Processor() == nil {
		t.Error("Processor should be initialized")
	}
	if mgr.Selector() == nil || mgr.Cache() == nil {
		t.Error("credential services should be initialized")
	}
	if mgr.Database() == nil || mgr.Store() == nil {
		t.Error("Database should be initialized")
	}
}

func TestManager_EndToEnd(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StaticToken = "static-token"
	cfg.EndpointURL = newServingEndpoint(t).URL

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	defer mr.Close()
	cfg.RedisURL = "redis://" + mr.Addr()

	mgr, err := NewManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Shutdown()

	events := mgr.Subscribe()
	defer mgr.Unsubscribe(events)

	ctx := mgr.WithFallback(context.Background())
	proc := mgr.Processor()
	sess, err := proc.CreateSession(ctx, "e2e")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	res, err := proc.Submit(ctx, sess.ID, "hi")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Wait(waitCtx); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}

	turn, err := proc.GetStatus(ctx, res.AssistantTurn.ID)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if turn.Status != models.StatusCompleted || turn.Content != "from endpoint" {
		t.Errorf("turn = %+v", turn)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != notify.EventTurnCompleted {
				continue
			}
		case <-deadline:
			t.Fatal("completion event not delivered")
		}
		break
	}

	// Counters are updated by the routing goroutine.
	for i := 0; i < 100; i++ {
		if mgr.GetStats().Completed == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	stats := mgr.GetStats()
	if stats.Submitted != 1 || stats.Completed != 1 || stats.InFlight != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestManager_FallbackToken(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StaticToken = "env-token"

	tokenPath := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(tokenPath, []byte("file-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg.TokenFile = tokenPath

	mgr, err := NewManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Shutdown()

	if got := mgr.FallbackToken(); got != "file-token" {
		t.Errorf("FallbackToken() = %q, want file-token", got)
	}
}

func TestManager_MissingTokenFile(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.TokenFile = filepath.Join(t.TempDir(), "absent")

	if _, err := NewManager(context.Background(), cfg); err == nil {
		t.Error("expected error for a missing token file")
	}
}

func TestManager_PostgresWithoutCredential(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.StoreDriver = config.StorePostgres
	cfg.PGHost = "db.invalid"
	cfg.PGUser = "svc"

	mgr, err := NewManager(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Shutdown()

	if mgr.Database() != nil {
		t.Error("SQLite should not be opened for postgres")
	}
	if mgr.Store() == nil {
		t.Error("Store should be the postgres store")
	}
}

func TestManager_RecoverStale(t *testing.T) {
	mgr, err := NewManager(context.Background(), newTestConfig(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Shutdown()

	ctx := context.Background()
	sess, _ := mgr.Processor().CreateSession(ctx, "")
	stale := &models.Turn{ID: "stale", Role: models.RoleAssistant, Status: models.StatusProcessing, CreatedAt: time.Now().Add(-time.Hour)}
	if err := mgr.Store().AppendTurns(ctx, sess.ID, stale); err != nil {
		t.Fatalf("AppendTurns failed: %v", err)
	}

	n, err := mgr.RecoverStale(ctx)
	if err != nil || n != 1 {
		t.Errorf("RecoverStale() = %d, %v", n, err)
	}
}

func TestManager_CloseTwice(t *testing.T) {
	mgr, err := NewManager(context.Background(), newTestConfig(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := mgr.Shutdown(); err != nil {
		t.Errorf("first Shutdown failed: %v", err)
	}
	if err := mgr.Shutdown(); err != nil {
		t.Errorf("second Shutdown failed: %v", err)
	}
}
