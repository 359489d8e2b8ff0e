// Package session owns sandbox session entities and their lifecycle.
//
// Status transitions are monotonic (creating → running → stopping → stopped)
// except transitions into error, which are reachable from any non-terminal
// state. Mutations for one session are serialized by a per-session lock;
// independent sessions proceed concurrently. A session entry is destroyed
// only after its backing container is confirmed removed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/database"
	"github.com/KostasNoreika/claude-studio/internal/errdefs"
	"github.com/KostasNoreika/claude-studio/internal/logutil"
	"github.com/KostasNoreika/claude-studio/internal/orchestrator"
	"github.com/google/uuid"
)

// Status of a session.
type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// validNext encodes the monotonic transition table. Error is handled
// separately: reachable from any non-terminal state.
var validNext = map[Status]Status{
	StatusCreating: StatusRunning,
	StatusRunning:  StatusStopping,
	StatusStopping: StatusStopped,
}

func terminal(s Status) bool { return s == StatusStopped || s == StatusError }

type session struct {
	mu sync.Mutex // serializes all mutations for this session

	sessionID     string
	containerID   string
	projectName   string
	clientID      string
	status        Status
	createdAt     time.Time
	lastActivity  time.Time
	workspacePath string
	errMsg        string
	previewPort   int

	shell *orchestrator.ShellStream
}

// Info is the externally visible snapshot of a session.
type Info struct {
	SessionID     string    `json:"sessionId"`
	ContainerID   string    `json:"containerId"`
	ProjectName   string    `json:"projectName"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
	WorkspacePath string    `json:"workspacePath"`
	Error         string    `json:"error,omitempty"`
	PreviewPort   int       `json:"previewPort,omitempty"`
}

// CreateConfig describes a session creation request.
type CreateConfig struct {
	SessionID    string // optional; allocated when empty
	Image        string
	WorkspaceDir string
	ProjectName  string
	ClientID     string // caller identity for the admission cap
	CPULimit     string
	MemoryLimit  string
	PreviewPorts []int
}

// Config tunes the manager.
type Config struct {
	CapPerClient int           // concurrent non-terminal sessions per identity
	IdleTimeout  time.Duration // running sessions idle longer are swept
}

// Manager owns all sessions and is the only writer of their state.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session
	gw       orchestrator.Gateway
	cfg      Config
	nowFn    func() time.Time // injectable clock for testing
}

func NewManager(gw orchestrator.Gateway, cfg Config) *Manager {
	if cfg.CapPerClient <= 0 {
		cfg.CapPerClient = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions: make(map[string]*session),
		gw:       gw,
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

func (m *Manager) snapshot(s *session) Info {
	return Info{
		SessionID:     s.sessionID,
		ContainerID:   s.containerID,
		ProjectName:   s.projectName,
		Status:        s.status,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		WorkspacePath: s.workspacePath,
		Error:         s.errMsg,
		PreviewPort:   s.previewPort,
	}
}

// setStatus applies a transition, enforcing monotonicity. Caller holds s.mu.
func (m *Manager) setStatus(s *session, to Status, errMsg string) error {
	from := s.status
	if to == StatusError {
		if terminal(from) {
			return &errdefs.StateError{Msg: fmt.Sprintf("cannot move %s session to error", from)}
		}
	} else if validNext[from] != to {
		return &errdefs.StateError{Msg: fmt.Sprintf("invalid transition %s -> %s", from, to)}
	}
	s.status = to
	s.errMsg = errMsg
	m.persist(s)
	log.Printf("[session] %s: %s -> %s", s.sessionID, from, to)
	return nil
}

// persist writes the session record through to the database. Caller holds s.mu.
func (m *Manager) persist(s *session) {
	if database.DB == nil {
		return
	}
	rec := database.SessionRecord{
		SessionID:     s.sessionID,
		ContainerID:   s.containerID,
		ProjectName:   s.projectName,
		ClientID:      s.clientID,
		Status:        string(s.status),
		WorkspacePath: s.workspacePath,
		Error:         s.errMsg,
		PreviewPort:   s.previewPort,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
	}
	if err := database.DB.Save(&rec).Error; err != nil {
		log.Printf("[session] persist %s: %v", s.sessionID, err)
	}
}

// activeCount counts non-terminal sessions for a client. Caller holds m.mu;
// per-session locks are taken briefly for a consistent status read.
func (m *Manager) activeCount(clientID string) int {
	n := 0
	for _, s := range m.sessions {
		if s.clientID != clientID {
			continue
		}
		s.mu.Lock()
		if !terminal(s.status) {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Create provisions a new sandbox session. On gateway failure the session
// transitions to error but remains queryable so the client can observe why.
func (m *Manager) Create(ctx context.Context, cfg CreateConfig) (Info, error) {
	if cfg.Image == "" || cfg.WorkspaceDir == "" {
		return Info{}, &errdefs.StateError{Msg: "image and workspaceDir are required"}
	}

	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	now := m.nowFn()
	s := &session{
		sessionID:     id,
		projectName:   cfg.ProjectName,
		clientID:      cfg.ClientID,
		status:        StatusCreating,
		createdAt:     now,
		lastActivity:  now,
		workspacePath: cfg.WorkspaceDir,
	}

	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return Info{}, &errdefs.StateError{Msg: fmt.Sprintf("session %s already exists", id)}
	}
	if m.activeCount(cfg.ClientID) >= m.cfg.CapPerClient {
		m.mu.Unlock()
		return Info{}, &errdefs.StateError{
			Msg: fmt.Sprintf("session cap reached (%d concurrent per client)", m.cfg.CapPerClient),
		}
	}
	m.sessions[id] = s
	m.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	m.persist(s)

	containerID, err := m.gw.CreateSandbox(ctx, orchestrator.CreateParams{
		Name:         "studio-" + id,
		Image:        cfg.Image,
		WorkspaceDir: cfg.WorkspaceDir,
		CPULimit:     cfg.CPULimit,
		MemoryLimit:  cfg.MemoryLimit,
		ExposedPorts: cfg.PreviewPorts,
	})
	if err != nil {
		classified := errdefs.Classify(err)
		s.status = StatusError
		var ce errdefs.ContainerError
		if errors.As(classified, &ce) {
			s.errMsg = ce.UserMessage()
		} else {
			s.errMsg = "session creation failed"
		}
		m.persist(s)
		errdefs.LogError("session.create", classified)
		return m.snapshot(s), classified
	}

	s.containerID = containerID
	s.lastActivity = m.nowFn()
	if err := m.setStatus(s, StatusRunning, ""); err != nil {
		return m.snapshot(s), err
	}
	log.Printf("[session] %s created (container %s)", id, logutil.SanitizeForLog(containerID))
	return m.snapshot(s), nil
}

// Attach opens (or returns the existing) interactive shell for a session.
func (m *Manager) Attach(ctx context.Context, sessionID string) (*orchestrator.ShellStream, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return nil, &errdefs.StateError{Msg: fmt.Sprintf("session %s is %s, not running", sessionID, s.status)}
	}
	if s.shell != nil {
		return s.shell, nil
	}

	shell, err := m.gw.AttachShell(ctx, s.containerID)
	if err != nil {
		return nil, err
	}
	s.shell = shell
	return shell, nil
}

// Touch stamps lastActivity for every inbound activity frame.
func (m *Manager) Touch(sessionID string) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.lastActivity = m.nowFn()
	s.mu.Unlock()
}

// SetPreviewPort records the validated preview port for a session.
func (m *Manager) SetPreviewPort(sessionID string, port int) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.previewPort = port
	m.persist(s)
	s.mu.Unlock()
	return nil
}

// Get returns a session snapshot.
func (m *Manager) Get(sessionID string) (Info, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.snapshot(s), nil
}

// List returns snapshots of all sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	infos := make([]Info, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		infos = append(infos, m.snapshot(s))
		s.mu.Unlock()
	}
	return infos
}

// ContainerAddress resolves the sandbox container address for a session.
// Used by the preview proxy as the only legitimate forwarding target.
func (m *Manager) ContainerAddress(ctx context.Context, sessionID string) (string, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	containerID := s.containerID
	status := s.status
	s.mu.Unlock()

	if status != StatusRunning {
		return "", &errdefs.StateError{Msg: fmt.Sprintf("session %s is %s, not running", sessionID, status)}
	}
	return m.gw.SandboxAddress(ctx, containerID)
}

// Remove is the explicit client-initiated teardown. The attached shell
// stream is terminated synchronously before the container is released, and
// the session entry is deleted only after removal is confirmed.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	err = m.teardownLocked(ctx, s)
	s.mu.Unlock()

	if err == nil {
		m.deleteEntry(sessionID)
	}
	return err
}

// teardownLocked stops and removes the backing container. Caller holds s.mu
// and is responsible for dropping the map entry on success; the entry may
// only disappear after container removal is confirmed.
func (m *Manager) teardownLocked(ctx context.Context, s *session) error {
	if s.shell != nil {
		s.shell.Close()
		s.shell = nil
	}

	switch s.status {
	case StatusRunning:
		if err := m.setStatus(s, StatusStopping, ""); err != nil {
			return err
		}
		if err := m.gw.StopSandbox(ctx, s.containerID); err != nil {
			errdefs.LogError("session.stop", err)
		}
	case StatusStopping, StatusError, StatusCreating:
		// proceed to removal
	case StatusStopped:
		// container already released
		return nil
	}

	if s.containerID != "" {
		if err := m.gw.RemoveSandbox(ctx, s.containerID); err != nil {
			errdefs.LogError("session.remove", err)
			return err
		}
	}

	if s.status == StatusStopping {
		if err := m.setStatus(s, StatusStopped, ""); err != nil {
			return err
		}
	} else if !terminal(s.status) {
		s.status = StatusStopped
		m.persist(s)
	}
	return nil
}

func (m *Manager) deleteEntry(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Sweep transitions running sessions idle past the timeout through
// stopping → stopped. Sessions in creating are never swept.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.nowFn()

	m.mu.RLock()
	candidates := make([]*session, 0)
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	swept := 0
	for _, s := range candidates {
		s.mu.Lock()
		idle := s.status == StatusRunning && now.Sub(s.lastActivity) > m.cfg.IdleTimeout
		var err error
		if idle {
			log.Printf("[session] %s idle for %s, sweeping", s.sessionID, now.Sub(s.lastActivity).Truncate(time.Second))
			err = m.teardownLocked(ctx, s)
		}
		s.mu.Unlock()

		if idle {
			if err != nil {
				errdefs.LogError("session.sweep", err)
			} else {
				m.deleteEntry(s.sessionID)
				swept++
			}
		}
	}
	return swept
}

// Reconcile runs at startup: any persisted non-terminal session from a
// previous process no longer has a live shell, so its container is removed
// and the record marked stopped.
func (m *Manager) Reconcile(ctx context.Context) {
	if database.DB == nil {
		return
	}
	var stale []database.SessionRecord
	if err := database.DB.Where("status IN ?", []string{
		string(StatusCreating), string(StatusRunning), string(StatusStopping),
	}).Find(&stale).Error; err != nil {
		log.Printf("[session] reconcile query: %v", err)
		return
	}
	for _, rec := range stale {
		if rec.ContainerID != "" {
			if err := m.gw.RemoveSandbox(ctx, rec.ContainerID); err != nil {
				errdefs.LogError("session.reconcile", err)
			}
		}
		rec.Status = string(StatusStopped)
		if err := database.DB.Save(&rec).Error; err != nil {
			log.Printf("[session] reconcile save %s: %v", rec.SessionID, err)
		}
	}
	if len(stale) > 0 {
		log.Printf("[session] reconciled %d stale sessions from previous run", len(stale))
	}
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, &errdefs.NotFoundError{Resource: "session", ID: sessionID}
	}
	return s, nil
}
