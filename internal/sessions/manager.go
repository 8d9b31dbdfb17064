// Package sessions implements the Session Manager (§4.3): the runtime's
// authoritative, hot view of sessions, sitting between the cold durable
// Store and the concurrent components that read/mutate conversation
// state every round.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/agentcore/internal/apperr"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// ConnectionState mirrors the original's Connected/Idle/Disconnected
// states (§4.3).
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Idle         ConnectionState = "idle"
	Disconnected ConnectionState = "disconnected"
)

// Config governs background sweep timing and capacity limits. Defaults
// match §4.3/§5.
type Config struct {
	IdleTimeout          time.Duration
	DisconnectRetention  time.Duration
	AutoSaveInterval      time.Duration
	CleanupInterval       time.Duration
	MaxActiveSessions     int
	DefaultTTL            time.Duration // 0 = no expiry
	EnableAutoCleanup     bool
}

// DefaultConfig matches the Rust original's session manager defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:         300 * time.Second,
		DisconnectRetention: 3600 * time.Second,
		AutoSaveInterval:    60 * time.Second,
		CleanupInterval:     3600 * time.Second,
		MaxActiveSessions:   1000,
		EnableAutoCleanup:   true,
	}
}

// entry is the cache's per-session record. Its mutex serializes every
// operation touching this one session (§4.3, §5): each Manager method holds
// it for the duration of that one call, never across an LLM stream read.
type entry struct {
	mu sync.Mutex

	session         *store.Session
	lastAccessed    time.Time
	connectionState ConnectionState
	connectionID    string
	dirty           bool
	eventCh         chan protocol.AgentEvent
}

// Manager is the concurrent map of session id -> entry, backed by a
// durable store.Store.
type Manager struct {
	cfg   Config
	store store.Store

	mu            sync.RWMutex
	entries       map[string]*entry
	connToSession map[string]string

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	stopSweeps chan struct{}
	sweepOnce  sync.Once
}

// NewManager builds a Session Manager over the given durable store.
func NewManager(st store.Store, cfg Config) *Manager {
	return &Manager{
		cfg:           cfg,
		store:         st,
		entries:       make(map[string]*entry),
		connToSession: make(map[string]string),
		cancels:       make(map[string]context.CancelFunc),
		stopSweeps:    make(chan struct{}),
	}
}

func newMetadata(id, userID string, ttl time.Duration) store.Metadata {
	now := time.Now().UTC()
	m := store.Metadata{
		ID:             id,
		UserID:         userID,
		State:          store.StateIdle,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		m.ExpiresAt = &exp
	}
	return m
}

// Create mints a new session, persists it, and inserts it into the cache.
func (m *Manager) Create(userID, title string) (*store.Session, error) {
	m.mu.Lock()
	if m.cfg.MaxActiveSessions > 0 && len(m.entries) >= m.cfg.MaxActiveSessions {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: max active sessions (%d) reached", apperr.ErrQuotaExceeded, m.cfg.MaxActiveSessions)
	}
	m.mu.Unlock()

	id := uuid.NewString()
	meta := newMetadata(id, userID, m.cfg.DefaultTTL)
	meta.Title = title
	sess := &store.Session{Metadata: meta}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.entries[id] = &entry{session: sess, lastAccessed: time.Now(), connectionState: Idle}
	m.mu.Unlock()
	return sess, nil
}

// Get returns the session by id, cache-first; on a cache miss it loads
// from the store and caches the result, touching lastAccessed.
func (m *Manager) Get(id string) (*store.Session, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if ok {
		e.mu.Lock()
		e.lastAccessed = time.Now()
		sess := e.session
		e.mu.Unlock()
		return sess, nil
	}

	sess, err := m.store.LoadSession(id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.entries[id] = &entry{session: sess, lastAccessed: time.Now(), connectionState: Idle}
	m.mu.Unlock()
	return sess, nil
}

// GetOrCreate loads the session if id is non-empty and present,
// verifying ownership when userID is given; otherwise it creates a fresh
// session (§4.3).
func (m *Manager) GetOrCreate(id, userID string) (*store.Session, error) {
	if id == "" {
		return m.Create(userID, "")
	}
	sess, err := m.Get(id)
	if err != nil {
		if apperr.ClassifyOf(err) == apperr.KindNotFound {
			return m.createWithID(id, userID)
		}
		return nil, err
	}
	if userID != "" && sess.Metadata.UserID != "" && sess.Metadata.UserID != userID {
		return nil, fmt.Errorf("%w: session %q does not belong to user %q", apperr.ErrAccessDenied, id, userID)
	}
	return sess, nil
}

func (m *Manager) createWithID(id, userID string) (*store.Session, error) {
	meta := newMetadata(id, userID, m.cfg.DefaultTTL)
	sess := &store.Session{Metadata: meta}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.entries[id] = &entry{session: sess, lastAccessed: time.Now(), connectionState: Idle}
	m.mu.Unlock()
	return sess, nil
}

func (m *Manager) getEntry(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Connect binds connectionID to sessionID, transitions the entry to
// Connected, sets the session state Active, and returns an event channel
// the Gateway drains to forward events to that connection (§4.3).
func (m *Manager) Connect(sessionID, connectionID string) (<-chan protocol.AgentEvent, error) {
	e, ok := m.getEntry(sessionID)
	if !ok {
		sess, err := m.store.LoadSession(sessionID)
		if err != nil {
			return nil, err
		}
		e = &entry{session: sess, lastAccessed: time.Now()}
		m.mu.Lock()
		m.entries[sessionID] = e
		m.mu.Unlock()
	}

	e.mu.Lock()
	e.connectionState = Connected
	e.connectionID = connectionID
	e.lastAccessed = time.Now()
	e.session.Metadata.State = store.StateActive
	e.eventCh = make(chan protocol.AgentEvent, 256)
	ch := e.eventCh
	sess := copySession(e.session)
	e.mu.Unlock()

	m.mu.Lock()
	m.connToSession[connectionID] = sessionID
	m.mu.Unlock()

	if err := m.store.SaveSession(sess); err != nil {
		return nil, err
	}
	return ch, nil
}

// Disconnect transitions the entry to Disconnected and clears the
// connection binding. Idempotent (§3, §8).
func (m *Manager) Disconnect(sessionID string) error {
	e, ok := m.getEntry(sessionID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	if e.connectionState == Disconnected {
		e.mu.Unlock()
		return nil
	}
	e.connectionState = Disconnected
	connID := e.connectionID
	e.connectionID = ""
	if e.eventCh != nil {
		close(e.eventCh)
		e.eventCh = nil
	}
	e.session.Metadata.State = store.StateDisconnected
	sess := copySession(e.session)
	e.mu.Unlock()

	if connID != "" {
		m.mu.Lock()
		delete(m.connToSession, connID)
		m.mu.Unlock()
	}
	return m.store.SaveSession(sess)
}

// Reconnect is permitted iff the entry is Idle or Disconnected and has
// not exceeded DisconnectRetention of idleness; it re-loads from the
// store first if the session had been evicted from cache (§4.3).
func (m *Manager) Reconnect(sessionID, newConnectionID string) (<-chan protocol.AgentEvent, error) {
	e, ok := m.getEntry(sessionID)
	if !ok {
		sess, err := m.store.LoadSession(sessionID)
		if err != nil {
			return nil, err
		}
		e = &entry{session: sess, lastAccessed: time.Now(), connectionState: Disconnected}
		m.mu.Lock()
		m.entries[sessionID] = e
		m.mu.Unlock()
	}

	e.mu.Lock()
	state := e.connectionState
	idleFor := time.Since(e.lastAccessed)
	e.mu.Unlock()

	if state == Connected {
		return nil, fmt.Errorf("%w: session %q already connected", apperr.ErrValidation, sessionID)
	}
	if idleFor > m.cfg.DisconnectRetention {
		return nil, fmt.Errorf("%w: session %q exceeded disconnect retention", apperr.ErrExpired, sessionID)
	}
	return m.Connect(sessionID, newConnectionID)
}

// AppendMessage updates the cache entry and marks it dirty; the
// auto-save sweep writes it through to the store.
func (m *Manager) AppendMessage(sessionID string, msg store.Message) error {
	e, ok := m.getEntry(sessionID)
	if !ok {
		sess, err := m.store.LoadSession(sessionID)
		if err != nil {
			return err
		}
		e = &entry{session: sess, lastAccessed: time.Now(), connectionState: Idle}
		m.mu.Lock()
		m.entries[sessionID] = e
		m.mu.Unlock()
	}
	e.mu.Lock()
	e.session.Messages = append(e.session.Messages, msg)
	e.session.Metadata.MessageCount = len(e.session.Messages)
	now := time.Now().UTC()
	e.session.Metadata.UpdatedAt = now
	e.session.Metadata.LastActivityAt = now
	e.dirty = true
	e.lastAccessed = time.Now()
	e.mu.Unlock()
	return nil
}

// AppendEvent persists evt to the event log and, if a live event stream
// is bound, pushes it onto that stream (§4.3).
func (m *Manager) AppendEvent(sessionID string, evt protocol.AgentEvent) error {
	if err := m.store.AppendEvent(sessionID, evt); err != nil {
		return err
	}
	e, ok := m.getEntry(sessionID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	ch := e.eventCh
	e.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case ch <- evt:
	default:
		slog.Warn("dropping event: connection's outbound channel is full", "session_id", sessionID)
	}
	return nil
}

// Close forces state Closed, disconnects, and removes the entry from
// cache.
func (m *Manager) Close(sessionID string) error {
	if err := m.Disconnect(sessionID); err != nil {
		return err
	}
	e, ok := m.getEntry(sessionID)
	if ok {
		e.mu.Lock()
		e.session.Metadata.State = store.StateClosed
		sess := copySession(e.session)
		e.mu.Unlock()
		if err := m.store.SaveSession(sess); err != nil {
			return err
		}
	}
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
	return nil
}

// Delete closes the session and removes it from the store.
func (m *Manager) Delete(sessionID string) error {
	if err := m.Close(sessionID); err != nil {
		return err
	}
	return m.store.DeleteSession(sessionID)
}

// History returns a copy of the session's message list.
func (m *Manager) History(sessionID string) ([]store.Message, error) {
	e, ok := m.getEntry(sessionID)
	if !ok {
		sess, err := m.store.LoadSession(sessionID)
		if err != nil {
			return nil, err
		}
		out := make([]store.Message, len(sess.Messages))
		copy(out, sess.Messages)
		return out, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.Message, len(e.session.Messages))
	copy(out, e.session.Messages)
	return out, nil
}

// RegisterCancel associates a cancellation func with sessionID so an
// external stop/cancel request can unwind the in-flight Agent Loop (§4.5,
// §5).
func (m *Manager) RegisterCancel(sessionID string, cancel context.CancelFunc) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	m.cancels[sessionID] = cancel
}

// Cancel signals the cancellation token registered for sessionID, if any.
// Returns false if no in-flight loop is registered for this session.
func (m *Manager) Cancel(sessionID string) bool {
	m.cancelMu.Lock()
	cancel, ok := m.cancels[sessionID]
	m.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// UnregisterCancel clears the cancellation func once a loop invocation
// completes.
func (m *Manager) UnregisterCancel(sessionID string) {
	m.cancelMu.Lock()
	defer m.cancelMu.Unlock()
	delete(m.cancels, sessionID)
}

func copySession(s *store.Session) *store.Session {
	msgs := make([]store.Message, len(s.Messages))
	copy(msgs, s.Messages)
	cp := *s
	cp.Messages = msgs
	return &cp
}

// RunBackgroundSweeps starts the auto-save and cleanup loops (§4.3). It
// blocks until ctx is cancelled or Stop is called.
func (m *Manager) RunBackgroundSweeps(ctx context.Context) {
	saveTicker := time.NewTicker(m.cfg.AutoSaveInterval)
	defer saveTicker.Stop()
	var cleanupTicker *time.Ticker
	if m.cfg.EnableAutoCleanup {
		cleanupTicker = time.NewTicker(m.cfg.CleanupInterval)
		defer cleanupTicker.Stop()
	}
	var cleanupCh <-chan time.Time
	if cleanupTicker != nil {
		cleanupCh = cleanupTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopSweeps:
			return
		case <-saveTicker.C:
			m.autoSave()
		case <-cleanupCh:
			m.cleanup()
		}
	}
}

// Stop halts RunBackgroundSweeps.
func (m *Manager) Stop() {
	m.sweepOnce.Do(func() { close(m.stopSweeps) })
}

func (m *Manager) autoSave() {
	m.mu.RLock()
	dirty := make([]*entry, 0)
	for _, e := range m.entries {
		e.mu.Lock()
		if e.dirty {
			dirty = append(dirty, e)
		}
		e.mu.Unlock()
	}
	m.mu.RUnlock()

	for _, e := range dirty {
		e.mu.Lock()
		sess := copySession(e.session)
		e.mu.Unlock()
		if err := m.store.SaveSession(sess); err != nil {
			slog.Error("auto-save failed", "session_id", sess.Metadata.ID, "error", err)
			continue
		}
		e.mu.Lock()
		e.dirty = false
		e.mu.Unlock()
	}
}

func (m *Manager) cleanup() {
	now := time.Now()
	m.mu.Lock()
	var evict []string
	for id, e := range m.entries {
		e.mu.Lock()
		idleFor := now.Sub(e.lastAccessed)
		shouldEvict := (e.connectionState == Idle && idleFor > m.cfg.IdleTimeout) ||
			(e.connectionState == Disconnected && idleFor > m.cfg.DisconnectRetention)
		dirty := e.dirty
		sess := copySession(e.session)
		e.mu.Unlock()
		if shouldEvict {
			if dirty {
				if err := m.store.SaveSession(sess); err != nil {
					slog.Error("cleanup: save before evict failed", "session_id", id, "error", err)
					continue
				}
			}
			evict = append(evict, id)
		}
	}
	for _, id := range evict {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if _, err := m.store.CleanupExpired(); err != nil {
		slog.Error("cleanup: store expiry sweep failed", "error", err)
	}
}
