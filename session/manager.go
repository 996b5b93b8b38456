package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/babelfish-live/babelfish/config"
)

// ErrMaxSessions is returned when the session limit is reached
var ErrMaxSessions = errors.New("maximum sessions reached")

// Manager tracks all live relay sessions
type Manager struct {
	sessions   map[string]*Session
	mu         sync.RWMutex
	redis      *redis.Client
	config     *config.Config
	translator Translator
}

// NewManager creates a session manager. Redis is used to mirror session
// metadata when reachable; the relay runs fine without it.
func NewManager(cfg *config.Config, translator Translator) *Manager {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		// Redis unavailable, continue without it
		redisClient = nil
	}

	return &Manager{
		sessions:   make(map[string]*Session),
		redis:      redisClient,
		config:     cfg,
		translator: translator,
	}
}

// CreateSession creates a session for an upgraded connection
func (m *Manager) CreateSession(ctx context.Context, conn *websocket.Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.config.MaxSessions {
		return nil, ErrMaxSessions
	}

	sessionID := uuid.New().String()
	sess := NewSession(sessionID, conn, m.translator, m.config.MaxBufferSize, m.config.UtteranceBytes)

	m.sessions[sessionID] = sess
	if m.redis != nil {
		m.redis.HSet(ctx, "session:"+sessionID, map[string]interface{}{
			"created_at":    sess.CreatedAt.Format(time.RFC3339),
			"last_activity": sess.LastActivity.Format(time.RFC3339),
			"status":        "active",
		})
		m.redis.SAdd(ctx, "active_sessions", sessionID)
		m.redis.Expire(ctx, "session:"+sessionID, m.config.SessionTimeout)
	}

	return sess, nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, exists := m.sessions[sessionID]
	return sess, exists
}

// RemoveSession cleans up and removes a session
func (m *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, exists := m.sessions[sessionID]
	if !exists {
		return nil
	}

	_ = sess.Close()
	delete(m.sessions, sessionID)

	if m.redis != nil {
		m.redis.Del(ctx, "session:"+sessionID)
		m.redis.SRem(ctx, "active_sessions", sessionID)
	}
	return nil
}

// ActiveSessionCount returns the current session count
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupInactiveSessions removes sessions past the inactivity timeout
func (m *Manager) CleanupInactiveSessions(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, sess := range m.sessions {
		sess.mu.RLock()
		lastActivity := sess.LastActivity
		sess.mu.RUnlock()

		if now.Sub(lastActivity) > m.config.SessionTimeout {
			_ = sess.Close()
			delete(m.sessions, id)

			if m.redis != nil {
				m.redis.Del(ctx, "session:"+id)
				m.redis.SRem(ctx, "active_sessions", id)
			}
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (m *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		_ = sess.Close()
		delete(m.sessions, id)
	}

	if m.redis != nil {
		_ = m.redis.Close()
	}
}
