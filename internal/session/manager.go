package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"habitcal/internal/models"
	"habitcal/internal/stage"
	"habitcal/internal/store"
	"habitcal/internal/syncchannel"
)

const defaultUserID = "default"

// ManagerConfig configures new sessions.
type ManagerConfig struct {
	DefaultTimezone string
	InboxSize       int
}

type entry struct {
	session *Session
	cancel  context.CancelFunc
}

// Manager keeps track of active sessions and implements syncchannel.Inbox.
type Manager struct {
	ctx    context.Context
	logger *slog.Logger
	ctrl   *stage.Controller
	store  store.Store
	pub    syncchannel.Publisher
	cfg    ManagerConfig

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewManager creates a Manager. Sessions stop when ctx ends.
func NewManager(ctx context.Context, logger *slog.Logger, toolkit *Toolkit, st store.Store, pub syncchannel.Publisher, cfg ManagerConfig) *Manager {
	if cfg.DefaultTimezone == "" {
		cfg.DefaultTimezone = "UTC"
	}
	return &Manager{
		ctx:      ctx,
		logger:   logger,
		ctrl:     toolkit.NewController(),
		store:    st,
		pub:      pub,
		cfg:      cfg,
		sessions: make(map[string]*entry),
	}
}

// Operations lists the dispatch table.
func (m *Manager) Operations() []stage.Operation {
	return m.ctrl.Operations()
}

// Create starts a session, restoring any saved plan and draft for sessionID.
// An empty sessionID gets a fresh id; an active sessionID is returned as-is.
func (m *Manager) Create(ctx context.Context, userID, sessionID, timezone string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if userID == "" {
		userID = defaultUserID
	}
	if timezone == "" {
		timezone = m.cfg.DefaultTimezone
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e.session, nil
	}

	st, err := models.NewConversationState(sessionID, userID, timezone)
	if err != nil {
		return nil, err
	}
	if err := m.restore(ctx, st); err != nil {
		return nil, err
	}

	s := newSession(m.logger, m.ctrl, m.pub, st, m.cfg.InboxSize)
	runCtx, cancel := context.WithCancel(m.ctx)
	m.sessions[sessionID] = &entry{session: s, cancel: cancel}
	go s.Run(runCtx)

	m.logger.Info("Session created", "session_id", sessionID, "user_id", userID, "stage", st.Stage)
	return s, nil
}

// restore loads saved snapshots into st and derives its stage from them.
func (m *Manager) restore(ctx context.Context, st *models.ConversationState) error {
	var plan models.HabitPlan
	switch err := store.LoadJSON(ctx, m.store, store.SessionKey(st.SessionID, store.KindHabitPlan), &plan); {
	case err == nil:
		st.HabitPlan = &plan
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to restore habit plan: %w", err)
	}

	var draft models.DraftSchedule
	switch err := store.LoadJSON(ctx, m.store, store.SessionKey(st.SessionID, store.KindDraft), &draft); {
	case err == nil:
		st.Draft = &draft
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("failed to restore draft schedule: %w", err)
	}

	st.Stage = restoredStage(st)
	return nil
}

func restoredStage(st *models.ConversationState) models.Stage {
	switch {
	case st.Draft != nil && st.Draft.Status == models.StatusConfirmed:
		return models.StageComplete
	case st.Draft != nil:
		return models.StageReview
	case st.HabitPlan != nil:
		return models.StageScheduling
	}
	return models.StageGreeting
}

// Get returns an active session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// End stops a session and waits for its loop to exit. In-flight calendar
// calls are abandoned. Saved snapshots are kept.
func (m *Manager) End(sessionID string) error {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	e.cancel()
	<-e.session.Done()
	m.logger.Info("Session ended", "session_id", sessionID)
	return nil
}

// Shutdown ends every session.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		_ = m.End(id)
	}
}

// Exists reports whether the session is active.
func (m *Manager) Exists(sessionID string) bool {
	_, ok := m.Get(sessionID)
	return ok
}

// Deliver queues an inbound action for the session's loop.
func (m *Manager) Deliver(sessionID string, req syncchannel.ActionRequest) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	return s.Deliver(req)
}

// Resync sends the session's current draft to one newly attached receiver.
func (m *Manager) Resync(sessionID string, t syncchannel.Target) error {
	s, ok := m.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	return s.Resync(t)
}
