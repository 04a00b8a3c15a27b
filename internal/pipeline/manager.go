package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CareCircle/internal/models"
	"github.com/BTreeMap/CareCircle/internal/scheduler"
	"github.com/BTreeMap/CareCircle/internal/streampool"
	"github.com/BTreeMap/CareCircle/internal/util"
)

// DefaultIdleTimeout is how long a session may sit without turn activity
// before the sweep ends it.
const DefaultIdleTimeout = 30 * time.Minute

// idleSweepCronExpr runs the idle sweep once a minute.
const idleSweepCronExpr = "* * * * *"

// ManagerOption configures the session manager.
type ManagerOption func(*Manager)

// WithIdleTimeout overrides the idle-session timeout.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithSessionOptions applies the given options to every created session.
func WithSessionOptions(opts ...SessionOption) ManagerOption {
	return func(m *Manager) { m.sessionOpts = opts }
}

// Manager is the registry of live conversation sessions. It creates
// sessions, routes lookups, and sweeps idle sessions on a cron schedule.
type Manager struct {
	pipeline    *Pipeline
	factory     streampool.SessionFactory
	cron        *scheduler.Scheduler
	idleTimeout time.Duration
	sessionOpts []SessionOption

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager backed by the given pipeline and
// avatar session factory.
func NewManager(p *Pipeline, factory streampool.SessionFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		pipeline:    p,
		factory:     factory,
		idleTimeout: DefaultIdleTimeout,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pipeline returns the turn pipeline sessions run on.
func (m *Manager) Pipeline() *Pipeline {
	return m.pipeline
}

// CreateSession builds and registers a session for the roster, warming its
// avatar streams before returning.
func (m *Manager) CreateSession(ctx context.Context, roster []models.SpeakerSlot) (*Session, error) {
	id := util.GenerateSessionID()
	session, err := NewSession(id, roster, m.factory, m.sessionOpts...)
	if err != nil {
		return nil, err
	}
	session.StartStreams(ctx)

	m.mu.Lock()
	m.sessions[id] = session
	count := len(m.sessions)
	m.mu.Unlock()

	slog.Info("Manager.CreateSession: session created", "session_id", id, "slots", len(roster), "active_sessions", count)
	return session, nil
}

// Session looks up a live session by ID.
func (m *Manager) Session(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, models.ErrNoActiveSession)
	}
	return session, nil
}

// EndSession tears down a session and removes it from the registry.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", id, models.ErrNoActiveSession)
	}

	session.End(ctx)
	slog.Info("Manager.EndSession: session ended", "session_id", id)
	return nil
}

// ActiveSessions reports the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartIdleSweep schedules a recurring sweep that ends sessions with no
// turn activity for longer than the idle timeout.
func (m *Manager) StartIdleSweep() error {
	if m.cron == nil {
		m.cron = scheduler.NewScheduler()
	}
	if err := m.cron.AddJob(idleSweepCronExpr, m.sweepIdle); err != nil {
		return fmt.Errorf("schedule idle sweep: %w", err)
	}
	slog.Debug("Manager.StartIdleSweep: idle sweep scheduled", "idle_timeout", m.idleTimeout)
	return nil
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []string
	for id, session := range m.sessions {
		if session.LastActive().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		slog.Info("Manager.sweepIdle: ending idle session", "session_id", id, "idle_timeout", m.idleTimeout)
		if err := m.EndSession(context.Background(), id); err != nil {
			slog.Warn("Manager.sweepIdle: failed to end idle session", "session_id", id, "error", err)
		}
	}
}

// Shutdown ends every session and stops the sweep scheduler.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.cron != nil {
		m.cron.Stop()
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.End(ctx)
	}
	slog.Info("Manager.Shutdown: all sessions ended", "count", len(sessions))
}
