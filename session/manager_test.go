package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelfish-live/babelfish/config"
)

func managerConfig(maxSessions int) *config.Config {
	return &config.Config{
		// Unreachable on purpose; the manager must run without the mirror
		RedisURL:       "localhost:1",
		MaxSessions:    maxSessions,
		SessionTimeout: time.Minute,
		MaxBufferSize:  1024,
		UtteranceBytes: 128,
	}
}

// newServerConn dials an httptest endpoint and hands back the upgraded
// server side of the websocket.
func newServerConn(t *testing.T) *websocket.Conn {
	t.Helper()
	connCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return <-connCh
}

func TestCreateSessionAssignsUniqueIDs(t *testing.T) {
	m := NewManager(managerConfig(10), NewStubTranslator())
	defer m.Shutdown()

	a, err := m.CreateSession(context.Background(), newServerConn(t))
	require.NoError(t, err)
	b, err := m.CreateSession(context.Background(), newServerConn(t))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, m.ActiveSessionCount())
}

func TestCreateSessionEnforcesLimit(t *testing.T) {
	m := NewManager(managerConfig(1), NewStubTranslator())
	defer m.Shutdown()

	_, err := m.CreateSession(context.Background(), newServerConn(t))
	require.NoError(t, err)

	_, err = m.CreateSession(context.Background(), newServerConn(t))
	assert.ErrorIs(t, err, ErrMaxSessions)
	assert.Equal(t, 1, m.ActiveSessionCount())
}

func TestGetAndRemoveSession(t *testing.T) {
	m := NewManager(managerConfig(10), NewStubTranslator())
	defer m.Shutdown()

	sess, err := m.CreateSession(context.Background(), newServerConn(t))
	require.NoError(t, err)

	got, ok := m.GetSession(sess.ID)
	require.True(t, ok)
	assert.Same(t, sess, got)

	require.NoError(t, m.RemoveSession(context.Background(), sess.ID))
	_, ok = m.GetSession(sess.ID)
	assert.False(t, ok)
	assert.True(t, sess.IsClosed())

	// Removing twice is fine
	require.NoError(t, m.RemoveSession(context.Background(), sess.ID))
}

func TestCleanupInactiveSessions(t *testing.T) {
	m := NewManager(managerConfig(10), NewStubTranslator())
	defer m.Shutdown()

	stale, err := m.CreateSession(context.Background(), newServerConn(t))
	require.NoError(t, err)
	fresh, err := m.CreateSession(context.Background(), newServerConn(t))
	require.NoError(t, err)

	stale.mu.Lock()
	stale.LastActivity = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	m.CleanupInactiveSessions(context.Background())

	assert.Equal(t, 1, m.ActiveSessionCount())
	_, ok := m.GetSession(stale.ID)
	assert.False(t, ok)
	_, ok = m.GetSession(fresh.ID)
	assert.True(t, ok)
	assert.True(t, stale.IsClosed())
}

func TestShutdownClosesEverything(t *testing.T) {
	m := NewManager(managerConfig(10), NewStubTranslator())

	sess, err := m.CreateSession(context.Background(), newServerConn(t))
	require.NoError(t, err)

	m.Shutdown()

	assert.Equal(t, 0, m.ActiveSessionCount())
	assert.True(t, sess.IsClosed())
}
