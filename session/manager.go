package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/engine"
)

// Info describes a session the manager knows about.
type Info struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Mode     string        `json:"mode"`
	Strategy string        `json:"strategy"`
	Status   engine.Status `json:"status"`
}

type entry struct {
	s      *Session
	cancel context.CancelFunc
	done   chan struct{}
	res    engine.Result
	err    error
}

// Manager runs any number of sessions side by side. Sessions share nothing
// but the logger; each owns its clock, positions and journal.
type Manager struct {
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	building map[string]bool // ids reserved while their session is built

	// NewID names sessions. Defaults to random UUIDs.
	NewID func() string
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:      log.Named("session"),
		sessions: map[string]*entry{},
		building: map[string]bool{},
		NewID:    uuid.NewString,
	}
}

// Start builds a session from cfg and runs it in the background. The
// returned id addresses it in every other call.
func (m *Manager) Start(ctx context.Context, cfg *config.Config, opts Options) (string, error) {
	sessionID := m.NewID()

	m.mu.Lock()
	_, taken := m.sessions[sessionID]
	if taken || m.building[sessionID] {
		m.mu.Unlock()
		return "", fmt.Errorf("session: id %s already in use", sessionID)
	}
	m.building[sessionID] = true
	m.mu.Unlock()

	s, err := Build(ctx, cfg, sessionID, opts, m.log)
	if err != nil {
		m.mu.Lock()
		delete(m.building, sessionID)
		m.mu.Unlock()
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{s: s, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	delete(m.building, sessionID)
	m.sessions[sessionID] = e
	m.mu.Unlock()

	m.log.Info("session started",
		zap.String("id", sessionID),
		zap.String("name", cfg.Session.Name),
		zap.String("mode", cfg.Session.Mode),
		zap.String("strategy", cfg.Strategy.Name))

	go func() {
		defer close(e.done)
		defer cancel()
		e.res, e.err = s.Run(runCtx)
	}()
	return sessionID, nil
}

func (m *Manager) get(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: unknown id %s", id)
	}
	return e, nil
}

// Stop asks a session to end after its current step.
func (m *Manager) Stop(id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.s.Stop()
	return nil
}

// EmergencyStop unwinds a session to its base wallet, then stops it.
func (m *Manager) EmergencyStop(id string) error {
	e, err := m.get(id)
	if err != nil {
		return err
	}
	e.s.EmergencyStop()
	return nil
}

// Status reports one session.
func (m *Manager) Status(id string) (Info, error) {
	e, err := m.get(id)
	if err != nil {
		return Info{}, err
	}
	return info(e.s), nil
}

// List reports every session, ordered by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, info(e.s))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Wait blocks until the session finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (engine.Result, error) {
	e, err := m.get(id)
	if err != nil {
		return engine.Result{}, err
	}
	select {
	case <-e.done:
		return e.res, e.err
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
}

// Session returns the assembled session, e.g. to read its journal store.
func (m *Manager) Session(id string) (*Session, error) {
	e, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return e.s, nil
}

// Shutdown stops every session and waits for them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.s.Stop()
	}
	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			for _, e := range entries {
				e.cancel()
			}
			return ctx.Err()
		}
	}
	return nil
}

func info(s *Session) Info {
	return Info{
		ID:       s.ID,
		Name:     s.Config.Session.Name,
		Mode:     s.Config.Session.Mode,
		Strategy: s.Config.Strategy.Name,
		Status:   s.Status(),
	}
}
