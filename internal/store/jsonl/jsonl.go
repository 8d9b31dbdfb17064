// Package jsonl implements store.Store with the on-disk layout from §6:
// sessions/<id>.json holds the full document; events/<id>.jsonl is an
// append-only event log. An in-memory secondary index supports listing
// without a directory scan per call (§4.2, §9 accepted-for-now: rebuilt
// at boot, O(N) scan time).
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// Store is a JSONL-backed store.Store.
type Store struct {
	baseDir    string
	sessDir    string
	eventsDir  string
	maxActive  int // 0 = unbounded

	mu    sync.RWMutex
	index map[string]store.Metadata
}

// Open creates (if needed) the directory layout under baseDir and
// rebuilds the in-memory index by scanning sessions/*.json.
func Open(baseDir string, maxActive int) (*Store, error) {
	sessDir := filepath.Join(baseDir, "sessions")
	eventsDir := filepath.Join(baseDir, "events")
	if err := os.MkdirAll(sessDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	if err := os.MkdirAll(eventsDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	s := &Store{baseDir: baseDir, sessDir: sessDir, eventsDir: eventsDir, maxActive: maxActive, index: map[string]store.Metadata{}}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex() error {
	entries, err := os.ReadDir(s.sessDir)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		sess, err := s.readFile(id)
		if err != nil {
			slog.Warn("skipping unreadable session file during index rebuild", "id", id, "error", err)
			continue
		}
		s.index[id] = sess.Metadata
	}
	return nil
}

func sanitizeID(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || !filepath.IsLocal(id) {
		return "", fmt.Errorf("%w: invalid session id %q", apperr.ErrValidation, id)
	}
	return id, nil
}

func (s *Store) sessionPath(id string) string { return filepath.Join(s.sessDir, id+".json") }
func (s *Store) eventsPath(id string) string  { return filepath.Join(s.eventsDir, id+".jsonl") }

func (s *Store) readFile(id string) (*store.Session, error) {
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: session %q", apperr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	var sess store.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: corrupt session document %q: %v", apperr.ErrInternal, id, err)
	}
	return &sess, nil
}

// writeFile performs an atomic full replace: marshal, write to a temp
// file in the same directory, fsync, rename into place. Grounded on the
// same create-temp/Sync/rename pattern the session manager's on-disk
// writer uses, which keeps the on-disk document always a complete,
// non-torn JSON value (§3 invariant).
func (s *Store) writeFile(id string, sess *store.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	tmp, err := os.CreateTemp(s.sessDir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	if err := os.Rename(tmpPath, s.sessionPath(id)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	return nil
}

func (s *Store) CreateSession(sess *store.Session) error {
	id, err := sanitizeID(sess.Metadata.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	_, exists := s.index[id]
	activeCount := len(s.index)
	s.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: session %q", apperr.ErrAlreadyExists, id)
	}
	if s.maxActive > 0 && activeCount >= s.maxActive {
		return fmt.Errorf("%w: max active sessions (%d) reached", apperr.ErrQuotaExceeded, s.maxActive)
	}
	if err := s.writeFile(id, sess); err != nil {
		return err
	}
	s.mu.Lock()
	s.index[id] = sess.Metadata
	s.mu.Unlock()
	return nil
}

func (s *Store) LoadSession(id string) (*store.Session, error) {
	id, err := sanitizeID(id)
	if err != nil {
		return nil, err
	}
	sess, err := s.readFile(id)
	if err != nil {
		return nil, err
	}
	if sess.Metadata.ExpiresAt != nil && sess.Metadata.ExpiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("%w: session %q", apperr.ErrExpired, id)
	}
	return sess, nil
}

func (s *Store) SaveSession(sess *store.Session) error {
	id, err := sanitizeID(sess.Metadata.ID)
	if err != nil {
		return err
	}
	if err := s.writeFile(id, sess); err != nil {
		return err
	}
	s.mu.Lock()
	s.index[id] = sess.Metadata
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendMessage(sessionID string, msg store.Message) error {
	sess, err := s.LoadSession(sessionID)
	if err != nil {
		return err
	}
	sess.Messages = append(sess.Messages, msg)
	sess.Metadata.MessageCount = len(sess.Messages)
	sess.Metadata.UpdatedAt = time.Now().UTC()
	sess.Metadata.LastActivityAt = sess.Metadata.UpdatedAt
	return s.SaveSession(sess)
}

// AppendEvent is a pure append to the event file; it never mutates the
// session document (§4.2). Malformed lines on read are skipped with a
// warning (the event log is best-effort).
func (s *Store) AppendEvent(sessionID string, evt protocol.AgentEvent) error {
	id, err := sanitizeID(sessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	f, err := os.OpenFile(s.eventsPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	return nil
}

func (s *Store) LoadEvents(sessionID string) ([]protocol.AgentEvent, error) {
	id, err := sanitizeID(sessionID)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.eventsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	defer f.Close()

	var events []protocol.AgentEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var evt protocol.AgentEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			slog.Warn("skipping unparseable event line", "session_id", id, "line", lineNo, "error", err)
			continue
		}
		events = append(events, evt)
	}
	return events, scanner.Err()
}

func (s *Store) DeleteSession(id string) error {
	id, err := sanitizeID(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.sessionPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	if err := os.Remove(s.eventsPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	s.mu.Lock()
	delete(s.index, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListSessions(filter store.ListFilter) (store.ListResult, error) {
	s.mu.RLock()
	all := make([]store.Metadata, 0, len(s.index))
	for _, m := range s.index {
		all = append(all, m)
	}
	s.mu.RUnlock()

	filtered := all[:0:0]
	for _, m := range all {
		if filter.UserID != "" && m.UserID != filter.UserID {
			continue
		}
		if filter.State != "" && m.State != filter.State {
			continue
		}
		if filter.CreatedAfter != nil && m.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		if filter.CreatedBefore != nil && m.CreatedAt.After(*filter.CreatedBefore) {
			continue
		}
		if filter.TitleContains != "" && !strings.Contains(strings.ToLower(m.Title), strings.ToLower(filter.TitleContains)) {
			continue
		}
		filtered = append(filtered, m)
	}

	sortKey := filter.SortBy
	if sortKey == "" {
		sortKey = "created_at"
	}
	sort.Slice(filtered, func(i, j int) bool {
		var less bool
		switch sortKey {
		case "updated_at":
			less = filtered[i].UpdatedAt.Before(filtered[j].UpdatedAt)
		case "last_activity_at":
			less = filtered[i].LastActivityAt.Before(filtered[j].LastActivityAt)
		case "message_count":
			less = filtered[i].MessageCount < filtered[j].MessageCount
		default:
			less = filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
		}
		if filter.Descending {
			return !less
		}
		return less
	})

	total := len(filtered)
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return store.ListResult{Sessions: filtered[start:end], Total: total}, nil
}

func (s *Store) CleanupExpired() (int, error) {
	now := time.Now()
	s.mu.RLock()
	var toDelete []string
	for id, m := range s.index {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			toDelete = append(toDelete, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range toDelete {
		if err := s.DeleteSession(id); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

func (s *Store) CleanupInactive(before time.Time) (int, error) {
	s.mu.RLock()
	var toDelete []string
	for id, m := range s.index {
		if m.LastActivityAt.Before(before) {
			toDelete = append(toDelete, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range toDelete {
		if err := s.DeleteSession(id); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// CleanupIndex repairs index entries that reference a session file no
// longer on disk (§4.2 failure policy).
func (s *Store) CleanupIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.index {
		if _, err := os.Stat(s.sessionPath(id)); os.IsNotExist(err) {
			slog.Warn("repairing index: session file missing", "id", id)
			delete(s.index, id)
		}
	}
	return nil
}

func (s *Store) Stats() store.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expired := 0
	now := time.Now()
	for _, m := range s.index {
		if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
			expired++
		}
	}
	return store.Stats{SessionCount: len(s.index), ExpiredCount: expired, IndexSize: len(s.index)}
}

var _ store.Store = (*Store)(nil)
