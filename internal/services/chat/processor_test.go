package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/j-veylop/agent-dashboard/internal/db"
	"github.com/j-veylop/agent-dashboard/internal/models"
	"github.com/j-veylop/agent-dashboard/internal/services/credentials"
	"github.com/j-veylop/agent-dashboard/internal/services/inference"
	"github.com/j-veylop/agent-dashboard/internal/services/notify"
)

type fakeMachine struct {
	cred        *models.Credential
	invalidated atomic.Int32
}

func (f *fakeMachine) Get(context.Context) (*models.Credential, bool) {
	if f.cred == nil {
		return nil, false
	}
	return f.cred, true
}

func (f *fakeMachine) Invalidate() {
	f.invalidated.Add(1)
}

type invokerFunc func(ctx context.Context, token string, req inference.Request) (any, error)

func (f invokerFunc) Invoke(ctx context.Context, token string, req inference.Request) (any, error) {
	return f(ctx, token, req)
}

func replyWith(payload any) invokerFunc {
	return func(context.Context, string, inference.Request) (any, error) {
		return payload, nil
	}
}

type testEnv struct {
	proc    *Processor
	store   *db.DB
	machine *fakeMachine
	events  chan notify.TurnEvent
	session *models.Session
}

func newTestEnv(t *testing.T, machine *models.Credential, invoker Invoker, timeout time.Duration) *testEnv {
	t.Helper()

	store, err := db.New(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	fm := &fakeMachine{cred: machine}
	bus := notify.NewBroadcaster()
	events := bus.Subscribe()
	t.Cleanup(bus.Close)

	proc := NewProcessor(Config{
		Store:            store,
		Selector:         credentials.NewSelector(fm),
		Invoker:          invoker,
		Publisher:        bus,
		InferenceTimeout: timeout,
		MaxConcurrent:    4,
	})
	t.Cleanup(func() { _ = proc.Close(context.Background()) })

	sess, err := proc.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	return &testEnv{proc: proc, store: store, machine: fm, events: events, session: sess}
}

func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.proc.Wait(ctx); err != nil {
		t.Fatalf("background work did not finish: %v", err)
	}
}

var machineCred = &models.Credential{Value: "machine-tok"}

func TestSubmit_CompletesWithMachineCredential(t *testing.T) {
	var gotToken string
	invoker := invokerFunc(func(_ context.Context, token string, _ inference.Request) (any, error) {
		gotToken = token
		return map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": "Hello"}}}}, nil
	})
	env := newTestEnv(t, machineCred, invoker, time.Second)
	ctx := credentials.WithDelegated(context.Background(), &models.Credential{Value: "user-tok"})

	res, err := env.proc.Submit(ctx, env.session.ID, "Hi there")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	if res.UserTurn.Status != models.StatusCompleted || res.UserTurn.Content != "Hi there" {
		t.Errorf("user turn = %+v", res.UserTurn)
	}
	if res.AssistantTurn.Status != models.StatusProcessing || res.AssistantTurn.Content != "" {
		t.Errorf("assistant placeholder = %+v", res.AssistantTurn)
	}

	env.wait(t)

	got, err := env.proc.GetStatus(context.Background(), res.AssistantTurn.ID)
	if err != nil {
		t.Fatalf("GetStatus() failed: %v", err)
	}
	if got.Status != models.StatusCompleted || got.Content != "Hello" {
		t.Errorf("status = %s content = %q, want completed/Hello", got.Status, got.Content)
	}
	if gotToken != "machine-tok" {
		t.Errorf("token = %q, machine credential should take precedence", gotToken)
	}
}

func TestSubmit_NoCredentialWritesNothing(t *testing.T) {
	called := false
	invoker := invokerFunc(func(context.Context, string, inference.Request) (any, error) {
		called = true
		return nil, nil
	})
	env := newTestEnv(t, nil, invoker, time.Second)

	_, err := env.proc.Submit(context.Background(), env.session.ID, "hello")
	if !errors.Is(err, ErrCredentialUnavailable) {
		t.Fatalf("Submit() error = %v, want ErrCredentialUnavailable", err)
	}

	turns, err := env.store.ListTurns(context.Background(), env.session.ID)
	if err != nil {
		t.Fatalf("ListTurns() failed: %v", err)
	}
	if len(turns) != 0 {
		t.Errorf("no turns should be persisted, got %d", len(turns))
	}
	if called {
		t.Error("upstream should not be called")
	}
}

func TestSubmit_TimeoutFailsTurn(t *testing.T) {
	invoker := invokerFunc(func(ctx context.Context, _ string, _ inference.Request) (any, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("invocation request failed: %w", ctx.Err())
	})
	env := newTestEnv(t, machineCred, invoker, 30*time.Millisecond)

	res, err := env.proc.Submit(context.Background(), env.session.ID, "slow question")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	env.wait(t)

	got, _ := env.proc.GetStatus(context.Background(), res.AssistantTurn.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Content, "timed out") {
		t.Errorf("content = %q, want a timeout description", got.Content)
	}
}

func TestSubmit_DelegatedFallback(t *testing.T) {
	var gotToken, gotUser string
	invoker := invokerFunc(func(ctx context.Context, token string, req inference.Request) (any, error) {
		gotToken, gotUser = token, req.UserID
		return "plain", nil
	})
	env := newTestEnv(t, nil, invoker, time.Second)

	ctx := credentials.WithDelegated(context.Background(), &models.Credential{Value: "user-tok"})
	ctx = inference.WithUserID(ctx, "me@example.com")

	// The request context ends before the background call runs.
	reqCtx, cancel := context.WithCancel(ctx)
	res, err := env.proc.Submit(reqCtx, env.session.ID, "hi")
	cancel()
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	env.wait(t)

	got, _ := env.proc.GetStatus(context.Background(), res.AssistantTurn.ID)
	if got.Status != models.StatusCompleted || got.Content != "plain" {
		t.Errorf("turn = %+v", got)
	}
	if gotToken != "user-tok" || gotUser != "me@example.com" {
		t.Errorf("token = %q user = %q", gotToken, gotUser)
	}
}

func TestSubmit_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantContent    string
		wantInvalidate int32
	}{
		{
			name:        "ServerError",
			err:         &inference.UpstreamError{StatusCode: 500, Body: "exploded"},
			wantContent: "status 500",
		},
		{
			name:           "Unauthorized",
			err:            &inference.UpstreamError{StatusCode: 401, Body: "bad token"},
			wantContent:    "rejected the credential",
			wantInvalidate: 1,
		},
		{
			name:        "Network",
			err:         errors.New("dial tcp: connection refused"),
			wantContent: "connection refused",
		},
		{
			name:        "NotConfigured",
			err:         inference.ErrNotConfigured,
			wantContent: "No serving endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoker := invokerFunc(func(context.Context, string, inference.Request) (any, error) {
				return nil, tt.err
			})
			env := newTestEnv(t, machineCred, invoker, time.Second)

			res, err := env.proc.Submit(context.Background(), env.session.ID, "q")
			if err != nil {
				t.Fatalf("Submit() failed: %v", err)
			}
			env.wait(t)

			got, _ := env.proc.GetStatus(context.Background(), res.AssistantTurn.ID)
			if got.Status != models.StatusFailed {
				t.Errorf("status = %s, want failed", got.Status)
			}
			if !strings.Contains(got.Content, tt.wantContent) {
				t.Errorf("content = %q, want it to contain %q", got.Content, tt.wantContent)
			}
			if n := env.machine.invalidated.Load(); n != tt.wantInvalidate {
				t.Errorf("invalidated = %d, want %d", n, tt.wantInvalidate)
			}
		})
	}
}

func TestSubmit_PanicEndsInFailed(t *testing.T) {
	invoker := invokerFunc(func(context.Context, string, inference.Request) (any, error) {
		panic("decoder bug")
	})
	env := newTestEnv(t, machineCred, invoker, time.Second)

	res, err := env.proc.Submit(context.Background(), env.session.ID, "q")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	env.wait(t)

	got, _ := env.proc.GetStatus(context.Background(), res.AssistantTurn.ID)
	if got.Status != models.StatusFailed || got.Content != msgPanicked {
		t.Errorf("turn = %+v", got)
	}
}

func TestSubmit_HistoryAndOrdering(t *testing.T) {
	var mu sync.Mutex
	var seen [][]inference.Message
	invoker := invokerFunc(func(_ context.Context, _ string, req inference.Request) (any, error) {
		mu.Lock()
		seen = append(seen, req.Messages)
		mu.Unlock()
		return map[string]any{"output": "answer"}, nil
	})
	env := newTestEnv(t, machineCred, invoker, time.Second)
	ctx := context.Background()

	if _, err := env.proc.Submit(ctx, env.session.ID, "first"); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	env.wait(t)
	if _, err := env.proc.Submit(ctx, env.session.ID, "second"); err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	env.wait(t)

	if len(seen) != 2 {
		t.Fatalf("invocations = %d, want 2", len(seen))
	}
	want := []string{"user:first", "assistant:answer", "user:second"}
	if len(seen[1]) != len(want) {
		t.Fatalf("history = %+v", seen[1])
	}
	for i, m := range seen[1] {
		if got := m.Role + ":" + m.Content; got != want[i] {
			t.Errorf("history[%d] = %q, want %q", i, got, want[i])
		}
	}

	sess, err := env.proc.Session(ctx, env.session.ID)
	if err != nil {
		t.Fatalf("Session() failed: %v", err)
	}
	if len(sess.Turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(sess.Turns))
	}
	if sess.Turns[0].Content != "first" || sess.Turns[2].Content != "second" {
		t.Errorf("turn order = %+v", sess.Turns)
	}
	if !sess.UpdatedAt.Equal(sess.Turns[3].CreatedAt) {
		t.Errorf("UpdatedAt = %v was not advanced", sess.UpdatedAt)
	}
}

func TestSubmit_ConcurrentSameSession(t *testing.T) {
	env := newTestEnv(t, machineCred, replyWith("ok"), time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.proc.Submit(ctx, env.session.ID, fmt.Sprintf("q%d", i)); err != nil {
				t.Errorf("Submit() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	env.wait(t)

	turns, err := env.store.ListTurns(ctx, env.session.ID)
	if err != nil {
		t.Fatalf("ListTurns() failed: %v", err)
	}
	if len(turns) != 16 {
		t.Fatalf("turns = %d, want 16", len(turns))
	}
	for i := 0; i < len(turns); i += 2 {
		if turns[i].Role != models.RoleUser || turns[i+1].Role != models.RoleAssistant {
			t.Errorf("turns %d/%d are not a user/assistant pair", i, i+1)
		}
		if turns[i+1].Status != models.StatusCompleted {
			t.Errorf("turn %s left in %s", turns[i+1].ID, turns[i+1].Status)
		}
	}
	if env.proc.sessions.size() != 0 {
		t.Error("session locks should be released")
	}
}

func TestSubmit_Validation(t *testing.T) {
	env := newTestEnv(t, machineCred, replyWith("ok"), time.Second)
	ctx := context.Background()

	if _, err := env.proc.Submit(ctx, env.session.ID, "   "); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("Submit(blank) error = %v, want ErrEmptyContent", err)
	}
	if _, err := env.proc.Submit(ctx, "missing", "hi"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Submit(missing session) error = %v, want ErrNotFound", err)
	}
}

func TestGetStatus_Idempotent(t *testing.T) {
	env := newTestEnv(t, machineCred, replyWith([]any{
		map[string]any{
			"type": "message",
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "output_text", "text": "Part A"},
				map[string]any{"type": "text", "text": "Part B"},
			},
		},
	}), time.Second)
	ctx := context.Background()

	res, err := env.proc.Submit(ctx, env.session.ID, "q")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	env.wait(t)

	first, _ := env.proc.GetStatus(ctx, res.AssistantTurn.ID)
	if first.Content != "Part A\n\nPart B" {
		t.Errorf("content = %q", first.Content)
	}
	for i := 0; i < 3; i++ {
		again, _ := env.proc.GetStatus(ctx, res.AssistantTurn.ID)
		if again.Status != first.Status || again.Content != first.Content {
			t.Fatalf("GetStatus() changed: %+v vs %+v", again, first)
		}
	}

	if _, err := env.proc.GetStatus(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSubmit_PublishesEvents(t *testing.T) {
	env := newTestEnv(t, machineCred, replyWith("ok"), time.Second)

	res, err := env.proc.Submit(context.Background(), env.session.ID, "q")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	env.wait(t)

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-env.events:
			if ev.TurnID != res.AssistantTurn.ID {
				t.Errorf("TurnID = %q", ev.TurnID)
			}
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != notify.EventTurnSubmitted || types[1] != notify.EventTurnCompleted {
		t.Errorf("events = %v", types)
	}
}

func TestSubmit_AfterClose(t *testing.T) {
	env := newTestEnv(t, machineCred, replyWith("ok"), time.Second)
	if err := env.proc.Close(context.Background()); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	res, err := env.proc.Submit(context.Background(), env.session.ID, "q")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	got, _ := env.proc.GetStatus(context.Background(), res.AssistantTurn.ID)
	if got.Status != models.StatusFailed || got.Content != msgShutdown {
		t.Errorf("turn = %+v", got)
	}
}

func TestAsk(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		env := newTestEnv(t, machineCred, replyWith(map[string]any{"predictions": []any{"yes"}}), time.Second)
		text, err := env.proc.Ask(context.Background(), []inference.Message{{Role: "user", Content: "?"}})
		if err != nil || text != "yes" {
			t.Errorf("Ask() = %q, %v", text, err)
		}
	})

	t.Run("Upstream", func(t *testing.T) {
		invoker := invokerFunc(func(context.Context, string, inference.Request) (any, error) {
			return nil, &inference.UpstreamError{StatusCode: 429}
		})
		env := newTestEnv(t, machineCred, invoker, time.Second)
		_, err := env.proc.Ask(context.Background(), []inference.Message{{Role: "user", Content: "?"}})
		var upErr *inference.UpstreamError
		if !errors.As(err, &upErr) || upErr.StatusCode != 429 {
			t.Errorf("Ask() error = %v", err)
		}
	})

	t.Run("NoCredential", func(t *testing.T) {
		env := newTestEnv(t, nil, replyWith("x"), time.Second)
		_, err := env.proc.Ask(context.Background(), []inference.Message{{Role: "user", Content: "?"}})
		if !errors.Is(err, ErrCredentialUnavailable) {
			t.Errorf("Ask() error = %v", err)
		}
	})
}

func TestRecoverStale(t *testing.T) {
	env := newTestEnv(t, machineCred, replyWith("ok"), time.Second)
	ctx := context.Background()

	stale := &models.Turn{
		ID:        "stale",
		Role:      models.RoleAssistant,
		Status:    models.StatusProcessing,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := env.store.AppendTurns(ctx, env.session.ID, stale); err != nil {
		t.Fatalf("AppendTurns() failed: %v", err)
	}

	n, err := env.proc.RecoverStale(ctx, 10*time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale() = %d, %v", n, err)
	}
	got, _ := env.proc.GetStatus(ctx, "stale")
	if got.Status != models.StatusFailed || got.Content != msgInterrupted {
		t.Errorf("turn = %+v", got)
	}
}

func TestSessionCRUD(t *testing.T) {
	env := newTestEnv(t, machineCred, replyWith("ok"), time.Second)
	ctx := context.Background()

	if env.session.Title != DefaultSessionTitle {
		t.Errorf("Title = %q, want default", env.session.Title)
	}
	named, err := env.proc.CreateSession(ctx, "  Quarterly report ")
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if named.Title != "Quarterly report" {
		t.Errorf("Title = %q", named.Title)
	}

	list, err := env.proc.ListSessions(ctx, 0)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListSessions() = %d sessions, %v", len(list), err)
	}
	recent, err := env.proc.RecentSessions(ctx, 7)
	if err != nil || len(recent) != 2 {
		t.Fatalf("RecentSessions() = %d sessions, %v", len(recent), err)
	}

	sess, err := env.proc.Session(ctx, named.ID)
	if err != nil {
		t.Fatalf("Session() failed: %v", err)
	}
	if sess.Turns == nil {
		t.Error("Turns should be an empty slice, not nil")
	}

	if err := env.proc.DeleteSession(ctx, named.ID); err != nil {
		t.Fatalf("DeleteSession() failed: %v", err)
	}
	if _, err := env.proc.Session(ctx, named.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Session() after delete error = %v", err)
	}
}

// strictStore refuses terminal writes the way Postgres refuses text it cannot
// store, and can be told to refuse any content it does not allow.
type strictStore struct {
	*db.DB
	allow func(content string) bool
}

func (s *strictStore) FinishTurn(ctx context.Context, id string, status models.TurnStatus, content string) error {
	if !utf8.ValidString(content) || strings.ContainsRune(content, 0) {
		return errors.New("ERROR: invalid byte sequence for encoding \"UTF8\" (SQLSTATE 22021)")
	}
	if s.allow != nil && !s.allow(content) {
		return errors.New("write refused")
	}
	return s.DB.FinishTurn(ctx, id, status, content)
}

func newStrictProcessor(t *testing.T, store *strictStore, invoker Invoker) (*Processor, *models.Session) {
	t.Helper()

	database, err := db.New(filepath.Join(t.TempDir(), "strict.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	store.DB = database

	proc := NewProcessor(Config{
		Store:            store,
		Selector:         credentials.NewSelector(&fakeMachine{cred: machineCred}),
		Invoker:          invoker,
		InferenceTimeout: time.Second,
	})
	t.Cleanup(func() { _ = proc.Close(context.Background()) })

	sess, err := proc.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	return proc, sess
}

func TestSubmit_InvalidUTF8StillReachesTerminal(t *testing.T) {
	tests := []struct {
		name       string
		invoker    invokerFunc
		wantStatus models.TurnStatus
	}{
		{
			name: "ErrorBody",
			invoker: func(context.Context, string, inference.Request) (any, error) {
				return nil, &inference.UpstreamError{StatusCode: 502, Body: "bad gateway \xc3"}
			},
			wantStatus: models.StatusFailed,
		},
		{
			name:       "CompletedText",
			invoker:    replyWith("partial \xe2\x82 answer\x00"),
			wantStatus: models.StatusCompleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc, sess := newStrictProcessor(t, &strictStore{}, tt.invoker)

			res, err := proc.Submit(context.Background(), sess.ID, "q")
			if err != nil {
				t.Fatalf("Submit() failed: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := proc.Wait(ctx); err != nil {
				t.Fatalf("Wait() failed: %v", err)
			}

			got, err := proc.GetStatus(context.Background(), res.AssistantTurn.ID)
			if err != nil {
				t.Fatalf("GetStatus() failed: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s (content %q)", got.Status, tt.wantStatus, got.Content)
			}
			if !utf8.ValidString(got.Content) {
				t.Errorf("content %q is not valid UTF-8", got.Content)
			}
		})
	}
}

func TestSubmit_UnwritableResultFailsTurn(t *testing.T) {
	store := &strictStore{allow: func(content string) bool { return content == msgUnrecorded }}
	proc, sess := newStrictProcessor(t, store, replyWith("an answer the store will not take"))

	res, err := proc.Submit(context.Background(), sess.ID, "q")
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.Wait(ctx); err != nil {
		t.Fatalf("Wait() failed: %v", err)
	}

	got, _ := proc.GetStatus(context.Background(), res.AssistantTurn.ID)
	if got.Status != models.StatusFailed || got.Content != msgUnrecorded {
		t.Errorf("turn = %+v, want failed with %q", got, msgUnrecorded)
	}
}
