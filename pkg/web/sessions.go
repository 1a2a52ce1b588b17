package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-go-golems/letterbot/pkg/chatbot"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const SessionCookieName = "letterbot_session"

// ManagerConstructor builds the conversation manager for a new browser session.
type ManagerConstructor func(sessionID string) (*chatbot.Manager, error)

type session struct {
	manager  *chatbot.Manager
	lastSeen time.Time
}

// SessionStore maps browser sessions to their conversation managers. Each
// browser gets its own manager; nothing is shared between them.
type SessionStore struct {
	mu         sync.Mutex
	sessions   map[string]*session
	newManager ManagerConstructor
	now        func() time.Time
}

func NewSessionStore(newManager ManagerConstructor) *SessionStore {
	return &SessionStore{
		sessions:   map[string]*session{},
		newManager: newManager,
		now:        time.Now,
	}
}

// Get returns the manager for the session named by r's cookie, creating a new
// session (and setting the cookie on w) when there is none.
func (s *SessionStore) Get(w http.ResponseWriter, r *http.Request) (*chatbot.Manager, error) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		if m, ok := s.lookup(c.Value); ok {
			return m, nil
		}
	}

	id := uuid.NewString()
	m, err := s.newManager(id)
	if err != nil {
		return nil, errors.Wrap(err, "could not create conversation")
	}

	s.mu.Lock()
	s.sessions[id] = &session{manager: m, lastSeen: s.now()}
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	log.Debug().Str("session_id", id).Msg("Created session")

	return m, nil
}

func (s *SessionStore) lookup(id string) (*chatbot.Manager, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.lastSeen = s.now()
	return sess.manager, true
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Evict drops sessions that have been idle for longer than maxIdle and
// returns how many were removed.
func (s *SessionStore) Evict(maxIdle time.Duration) int {
	s.mu.Lock()
	var stale []*session
	cutoff := s.now().Add(-maxIdle)
	for id, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range stale {
		if err := sess.manager.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", sess.manager.SessionID()).Msg("failed to close session")
		}
	}
	return len(stale)
}

// RunEviction evicts idle sessions every interval until ctx is done.
func (s *SessionStore) RunEviction(ctx context.Context, interval time.Duration, maxIdle time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Evict(maxIdle); n > 0 {
				log.Debug().Int("evicted", n).Int("remaining", s.Len()).Msg("Evicted idle sessions")
			}
		}
	}
}

// Close closes every manager and forgets all sessions.
func (s *SessionStore) Close() error {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = map[string]*session{}
	s.mu.Unlock()

	for id, sess := range sessions {
		if err := sess.manager.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("failed to close session")
		}
	}
	return nil
}
