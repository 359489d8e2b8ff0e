package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/breaker"
	"github.com/KostasNoreika/claude-studio/internal/errdefs"
	"github.com/KostasNoreika/claude-studio/internal/orchestrator"
)

// fakeGateway records calls and returns scripted results.
type fakeGateway struct {
	mu          sync.Mutex
	createErr   error
	removeErr   error
	created     []string
	stopped     []string
	removed     []string
	shellClosed int
	addr        string
}

func (f *fakeGateway) Initialize(context.Context) error { return nil }
func (f *fakeGateway) Ping(context.Context) error       { return nil }
func (f *fakeGateway) BackendName() string              { return "fake" }

func (f *fakeGateway) CreateSandbox(_ context.Context, p orchestrator.CreateParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	id := "ctr-" + p.Name
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeGateway) StartSandbox(_ context.Context, id string) error { return nil }

func (f *fakeGateway) StopSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeGateway) RemoveSandbox(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeGateway) SandboxStatus(context.Context, string) (string, error) { return "running", nil }

func (f *fakeGateway) AttachShell(context.Context, string) (*orchestrator.ShellStream, error) {
	return &orchestrator.ShellStream{
		Resize: func(uint16, uint16) error { return nil },
		Close: func() error {
			f.mu.Lock()
			f.shellClosed++
			f.mu.Unlock()
			return nil
		},
	}, nil
}

func (f *fakeGateway) SandboxAddress(context.Context, string) (string, error) {
	if f.addr == "" {
		return "172.28.0.2", nil
	}
	return f.addr, nil
}

func (f *fakeGateway) BreakerMetrics() breaker.Metrics { return breaker.Metrics{} }
func (f *fakeGateway) ResetBreaker()                   {}

func newTestManager(gw orchestrator.Gateway, cap int, idle time.Duration) (*Manager, *time.Time) {
	m := NewManager(gw, Config{CapPerClient: cap, IdleTimeout: idle})
	now := time.Now()
	m.nowFn = func() time.Time { return now }
	return m, &now
}

func TestCreateHappyPath(t *testing.T) {
	gw := &fakeGateway{}
	m, _ := newTestManager(gw, 2, time.Hour)

	info, err := m.Create(context.Background(), CreateConfig{
		Image: "node:20-alpine", WorkspaceDir: "/workspace/x", ClientID: "c1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if info.Status != StatusRunning {
		t.Errorf("expected running, got %s", info.Status)
	}
	if info.ContainerID == "" {
		t.Error("container id missing")
	}
	if info.SessionID == "" {
		t.Error("session id missing")
	}
}

func TestCreateFailureLeavesQueryableErrorSession(t *testing.T) {
	gw := &fakeGateway{createErr: errors.New("No such image: ghost:latest")}
	m, _ := newTestManager(gw, 2, time.Hour)

	info, err := m.Create(context.Background(), CreateConfig{
		Image: "ghost:latest", WorkspaceDir: "/workspace/x", ClientID: "c1",
	})
	if err == nil {
		t.Fatal("expected create failure")
	}
	var ce *errdefs.CreationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CreationError, got %T", err)
	}

	got, gerr := m.Get(info.SessionID)
	if gerr != nil {
		t.Fatalf("failed session must remain queryable: %v", gerr)
	}
	if got.Status != StatusError {
		t.Errorf("expected error status, got %s", got.Status)
	}
	if got.Error == "" {
		t.Error("error message missing from failed session")
	}
}

func TestAdmissionCapPerClient(t *testing.T) {
	gw := &fakeGateway{}
	m, _ := newTestManager(gw, 1, time.Hour)
	ctx := context.Background()

	if _, err := m.Create(ctx, CreateConfig{Image: "i", WorkspaceDir: "/w", ClientID: "c1"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := m.Create(ctx, CreateConfig{Image: "i", WorkspaceDir: "/w", ClientID: "c1"})
	if err == nil {
		t.Fatal("second concurrent session for same client must be rejected")
	}
	// A different client is unaffected.
	if _, err := m.Create(ctx, CreateConfig{Image: "i", WorkspaceDir: "/w", ClientID: "c2"}); err != nil {
		t.Fatalf("other client blocked: %v", err)
	}
}

func TestRemoveTerminatesShellThenContainer(t *testing.T) {
	gw := &fakeGateway{}
	m, _ := newTestManager(gw, 1, time.Hour)
	ctx := context.Background()

	info, err := m.Create(ctx, CreateConfig{Image: "i", WorkspaceDir: "/w", ClientID: "c1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Attach(ctx, info.SessionID); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := m.Remove(ctx, info.SessionID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if gw.shellClosed != 1 {
		t.Errorf("shell stream must be closed exactly once, got %d", gw.shellClosed)
	}
	if len(gw.stopped) != 1 || len(gw.removed) != 1 {
		t.Errorf("expected stop+remove, got stops=%d removes=%d", len(gw.stopped), len(gw.removed))
	}
	if _, err := m.Get(info.SessionID); err == nil {
		t.Error("removed session must not be queryable from the manager")
	}
}

func TestEntrySurvivesFailedRemoval(t *testing.T) {
	gw := &fakeGateway{removeErr: errors.New("dial tcp: connection refused")}
	m, _ := newTestManager(gw, 1, time.Hour)
	ctx := context.Background()

	info, _ := m.Create(ctx, CreateConfig{Image: "i", WorkspaceDir: "/w", ClientID: "c1"})
	if err := m.Remove(ctx, info.SessionID); err == nil {
		t.Fatal("expected removal failure")
	}
	// The entry is destroyed only after the container is confirmed removed.
	if _, err := m.Get(info.SessionID); err != nil {
		t.Error("entry must survive a failed container removal")
	}
}

func TestSweepRemovesIdleKeepsActive(t *testing.T) {
	gw := &fakeGateway{}
	m, now := newTestManager(gw, 5, 30*time.Minute)
	ctx := context.Background()

	idle, _ := m.Create(ctx, CreateConfig{Image: "i", WorkspaceDir: "/w", ClientID: "a"})
	active, _ := m.Create(ctx, CreateConfig{Image: "i", WorkspaceDir: "/w", ClientID: "b"})

	*now = now.Add(31 * time.Minute)
	m.Touch(active.SessionID)

	if swept := m.Sweep(ctx); swept != 1 {
		t.Fatalf("expected 1 swept session, got %d", swept)
	}
	if _, err := m.Get(idle.SessionID); err == nil {
		t.Error("idle session should have been swept")
	}
	if _, err := m.Get(active.SessionID); err != nil {
		t.Error("recently active session must never be swept")
	}
}

func TestSweepNeverTouchesCreating(t *testing.T) {
	gw := &fakeGateway{}
	m, now := newTestManager(gw, 5, time.Minute)

	// Simulate a session stuck mid-creation.
	m.mu.Lock()
	m.sessions["mid"] = &session{
		sessionID:    "mid",
		status:       StatusCreating,
		createdAt:    *now,
		lastActivity: now.Add(-time.Hour),
	}
	m.mu.Unlock()

	if swept := m.Sweep(context.Background()); swept != 0 {
		t.Fatalf("creating sessions must never be swept, got %d", swept)
	}
	if _, err := m.Get("mid"); err != nil {
		t.Error("creating session disappeared")
	}
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	gw := &fakeGateway{}
	m, now := newTestManager(gw, 1, time.Hour)

	info, _ := m.Create(context.Background(), CreateConfig{Image: "i", WorkspaceDir: "/w", ClientID: "c"})
	before, _ := m.Get(info.SessionID)

	*now = now.Add(5 * time.Minute)
	m.Touch(info.SessionID)
	after, _ := m.Get(info.SessionID)

	if !after.LastActivity.After(before.LastActivity) {
		t.Error("touch did not advance lastActivity")
	}
}

func TestConcurrentSessionsIndependent(t *testing.T) {
	gw := &fakeGateway{}
	m, _ := newTestManager(gw, 100, time.Hour)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Create(ctx, CreateConfig{
				Image: "i", WorkspaceDir: "/w", ClientID: fmt.Sprintf("client-%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent create failed: %v", err)
		}
	}
	if got := len(m.List()); got != 20 {
		t.Errorf("expected 20 sessions, got %d", got)
	}
}
