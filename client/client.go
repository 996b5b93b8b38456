// Package client implements the streaming session protocol core: one
// WebSocket connection at a time, the session state machine, binary audio
// framing, heartbeat, and bounded exponential-backoff reconnection.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/babelfish-live/babelfish/codec"
	"github.com/babelfish-live/babelfish/messages"
)

// ErrNotConnected is returned by operations that need an open transport.
var ErrNotConnected = errors.New("not connected")

// State is the session client connection state.
type State string

// Connection states. Error and Disconnected both permit a transition back
// to Connecting, manually or via the reconnection policy.
const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateSessionActive State = "session_active"
	StateError         State = "error"
)

// Connection defaults.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultAcceptDeadline    = 5 * time.Second
	DefaultInitialBackoff    = 1 * time.Second
	DefaultMaxBackoff        = 10 * time.Second
	DefaultMaxRetries        = 3

	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
	maxMessageSize   = 512 * 1024
)

// Config configures a Client. Zero values fall back to the defaults above;
// tests compress the timing knobs.
type Config struct {
	// Endpoint is the WebSocket URL of the translation service.
	Endpoint string

	// ClientID identifies this client in start_session requests.
	// Defaults to a random UUID.
	ClientID string

	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration

	// AcceptDeadline bounds the wait for session_started after
	// StartSession. Expiry surfaces a CONNECTION_TIMEOUT error event and
	// never triggers an automatic retry by itself.
	AcceptDeadline time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
}

func (c *Config) defaults() {
	if c.ClientID == "" {
		c.ClientID = uuid.New().String()
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.AcceptDeadline == 0 {
		c.AcceptDeadline = DefaultAcceptDeadline
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// ReconnectEvent describes one automatic reconnection attempt.
type ReconnectEvent struct {
	Attempt int
	Delay   time.Duration
}

// Client owns one connection at a time. Instantiate one per session; clients
// are independent and share nothing.
type Client struct {
	cfg Config

	mu      sync.Mutex
	writeMu sync.Mutex // serializes writes (gorilla/websocket requirement)

	conn    *websocket.Conn
	state   State
	closing bool // Disconnect requested; suppresses the reconnect policy

	sessionID     string
	sourceLang    string
	targetLang    string
	sessionWanted bool

	retries        int
	reconnectTimer *time.Timer
	acceptTimer    *time.Timer
	heartbeatStop  chan struct{}

	translationHandlers    registry[messages.TranslationPayload]
	sessionStartedHandlers registry[messages.SessionStartedPayload]
	errorHandlers          registry[messages.ErrorPayload]
	reconnectingHandlers   registry[ReconnectEvent]
	maxRetriesHandlers     registry[struct{}]
}

// New creates a disconnected client
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:   cfg,
		state: StateDisconnected,
	}
}

// OnTranslation registers a handler for inbound translation results.
// The returned function unregisters it.
func (c *Client) OnTranslation(fn func(messages.TranslationPayload)) func() {
	return c.translationHandlers.add(fn)
}

// OnSessionStarted registers a handler fired when the server accepts a session
func (c *Client) OnSessionStarted(fn func(messages.SessionStartedPayload)) func() {
	return c.sessionStartedHandlers.add(fn)
}

// OnError registers a handler for server-reported and timeout errors
func (c *Client) OnError(fn func(messages.ErrorPayload)) func() {
	return c.errorHandlers.add(fn)
}

// OnReconnecting registers a handler fired before each automatic reconnect
func (c *Client) OnReconnecting(fn func(ReconnectEvent)) func() {
	return c.reconnectingHandlers.add(fn)
}

// OnMaxRetriesReached registers a handler fired when automatic reconnection
// gives up; a manual Connect is required afterwards.
func (c *Client) OnMaxRetriesReached(fn func()) func() {
	return c.maxRetriesHandlers.add(func(struct{}) { fn() })
}

// Connect opens the transport. On success the retry counter resets and the
// heartbeat starts. Abnormal closure of an established connection triggers
// the reconnection policy rather than surfacing to the caller.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closing = false
	c.retries = 0
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	return c.dial(ctx)
}

// dial performs one connection attempt and, on success, starts the read
// pump and heartbeat for the new connection.
func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
		Subprotocols:     []string{messages.Subprotocol},
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.mu.Lock()
		if !c.closing {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Endpoint, err)
	}

	conn.SetReadLimit(maxMessageSize)
	if proto := conn.Subprotocol(); proto != messages.Subprotocol {
		log.Printf("server did not negotiate %q subprotocol (got %q)", messages.Subprotocol, proto)
	}

	hbStop := make(chan struct{})

	c.mu.Lock()
	// Disconnect may have run, or another dial won, while the handshake was
	// in flight; the fresh connection must not be installed then.
	if c.closing || c.conn != nil {
		closing := c.closing
		c.mu.Unlock()
		_ = conn.Close()
		if closing {
			return ErrNotConnected
		}
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.retries = 0
	c.heartbeatStop = hbStop
	c.mu.Unlock()

	go c.readPump(conn)
	go c.heartbeatLoop(conn, hbStop)
	return nil
}

// StartSession requests a translation session for the given language pair.
// Acceptance arrives asynchronously as a session_started event; if none
// arrives within AcceptDeadline a CONNECTION_TIMEOUT error event fires.
func (c *Client) StartSession(sourceLang, targetLang string) error {
	c.mu.Lock()
	if c.conn == nil || (c.state != StateConnected && c.state != StateSessionActive) {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.sourceLang = sourceLang
	c.targetLang = targetLang
	c.sessionWanted = true
	conn := c.conn
	c.mu.Unlock()

	if err := c.writeControl(conn, messages.NewStartSession(sourceLang, targetLang, c.cfg.ClientID)); err != nil {
		return err
	}
	c.armAcceptTimer()
	return nil
}

func (c *Client) armAcceptTimer() {
	c.mu.Lock()
	if c.acceptTimer != nil {
		c.acceptTimer.Stop()
	}
	c.acceptTimer = time.AfterFunc(c.cfg.AcceptDeadline, c.acceptDeadlineExpired)
	c.mu.Unlock()
}

// acceptDeadlineExpired fires when no session_started arrived in time. The
// server is treated as unresponsive; messaging the user is the UI layer's
// job and no automatic retry follows from this signal alone.
func (c *Client) acceptDeadlineExpired() {
	c.mu.Lock()
	accepted := c.state == StateSessionActive
	wanted := c.sessionWanted
	c.acceptTimer = nil
	c.mu.Unlock()

	if accepted || !wanted {
		return
	}
	log.Printf("no session_started within %s", c.cfg.AcceptDeadline)
	c.errorHandlers.fire(messages.ErrorPayload{
		Code:      messages.ErrCodeConnectionTimeout,
		Message:   "server did not accept the session in time",
		Timestamp: time.Now().UnixMilli(),
	})
}

// SendAudioChunk frames the payload via the codec and sends it as a binary
// message. Fire-and-forget: ordering is the transport's in-order delivery.
func (c *Client) SendAudioChunk(payload []byte, sequenceNumber, timestampMs uint32) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	frame := codec.Encode(payload, sequenceNumber, timestampMs)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to send audio chunk %d: %w", sequenceNumber, err)
	}
	return nil
}

// Disconnect gracefully stops the session, the heartbeat, and any pending
// reconnection attempt, then releases the transport. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.acceptTimer != nil {
		c.acceptTimer.Stop()
		c.acceptTimer = nil
	}
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	c.conn = nil
	sessionID := c.sessionID
	active := c.state == StateSessionActive
	c.sessionID = ""
	c.sessionWanted = false
	c.retries = 0
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	if active && sessionID != "" {
		if data, err := messages.Encode(messages.NewStopSession(sessionID)); err == nil {
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.TextMessage, data)
			c.writeMu.Unlock()
		}
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(closeGracePeriod))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	_ = conn.Close()
	return nil
}

// IsConnected reports whether the transport is open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the server-assigned session id, empty before acceptance
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// readPump reads inbound frames for one connection until it closes.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(conn, err)
			return
		}
		if msgType == websocket.BinaryMessage {
			log.Printf("unexpected inbound binary frame (%d bytes), dropping", len(data))
			continue
		}
		c.dispatch(data)
	}
}

// dispatch parses one text frame as the tagged union and fires the matching
// handlers. Unparseable frames are logged and dropped, never thrown.
func (c *Client) dispatch(data []byte) {
	env, err := messages.Decode(data)
	if err != nil {
		log.Printf("dropping unparseable frame: %v", err)
		return
	}

	switch env.Type {
	case messages.TypeSessionStarted:
		var p messages.SessionStartedPayload
		if err := messages.DecodePayload(env, &p); err != nil {
			log.Printf("dropping frame: %v", err)
			return
		}
		c.mu.Lock()
		c.sessionID = p.SessionID
		c.state = StateSessionActive
		if c.acceptTimer != nil {
			c.acceptTimer.Stop()
			c.acceptTimer = nil
		}
		c.mu.Unlock()
		log.Printf("session started: %s", p.SessionID)
		c.sessionStartedHandlers.fire(p)

	case messages.TypeTranslation:
		var p messages.TranslationPayload
		if err := messages.DecodePayload(env, &p); err != nil {
			log.Printf("dropping frame: %v", err)
			return
		}
		c.translationHandlers.fire(p)

	case messages.TypeError:
		var p messages.ErrorPayload
		if err := messages.DecodePayload(env, &p); err != nil {
			log.Printf("dropping frame: %v", err)
			return
		}
		c.errorHandlers.fire(p)

	case messages.TypePong:
		// heartbeat acknowledgement, no user-visible effect

	case messages.TypeSessionStopped:
		var p messages.SessionStoppedPayload
		if err := messages.DecodePayload(env, &p); err == nil {
			log.Printf("session %s stopped (%s)", p.SessionID, p.Reason)
		}

	default:
		log.Printf("dropping frame with unknown type %q", env.Type)
	}
}

// handleClosed runs when a connection's read pump exits. Requested and
// graceful closures end in Disconnected; anything else enters the
// reconnection policy.
func (c *Client) handleClosed(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// superseded by Disconnect or a newer connection
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.acceptTimer != nil {
		c.acceptTimer.Stop()
		c.acceptTimer = nil
	}
	requested := c.closing
	graceful := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
	if requested || graceful {
		c.state = StateDisconnected
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	log.Printf("connection closed abnormally: %v", err)
	c.scheduleReconnect()
}

// scheduleReconnect applies the backoff policy: increment the counter, fire
// onReconnecting, and arm the delayed redial — or give up at MaxRetries.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	if c.retries >= c.cfg.MaxRetries {
		c.state = StateError
		c.mu.Unlock()
		log.Printf("giving up after %d reconnect attempts", c.cfg.MaxRetries)
		c.maxRetriesHandlers.fire(struct{}{})
		return
	}
	c.retries++
	attempt := c.retries
	delay := backoffDelay(c.cfg.InitialBackoff, c.cfg.MaxBackoff, attempt)
	c.state = StateConnecting
	c.reconnectTimer = time.AfterFunc(delay, c.attemptReconnect)
	c.mu.Unlock()

	log.Printf("reconnecting in %s (attempt %d/%d)", delay, attempt, c.cfg.MaxRetries)
	c.reconnectingHandlers.fire(ReconnectEvent{Attempt: attempt, Delay: delay})
}

// attemptReconnect redials and, on success, re-requests the session that
// was active before the drop. The server issues a fresh session id.
func (c *Client) attemptReconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	if err := c.dial(context.Background()); err != nil {
		log.Printf("reconnect failed: %v", err)
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	wanted := c.sessionWanted
	src, dst := c.sourceLang, c.targetLang
	c.mu.Unlock()

	if wanted {
		if err := c.StartSession(src, dst); err != nil {
			log.Printf("failed to resume session after reconnect: %v", err)
		}
	}
}

// backoffDelay computes min(initial * 2^(attempt-1), maxDelay).
func backoffDelay(initial, maxDelay time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// heartbeatLoop sends a control ping with the current timestamp every
// HeartbeatInterval while the connection is up. Send failures are logged,
// not fatal; the read pump detects actual connection loss.
func (c *Client) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writeControl(conn, messages.NewPing(time.Now().UnixMilli())); err != nil {
				log.Printf("heartbeat ping failed: %v", err)
			}
		}
	}
}

// writeControl encodes and sends one text frame on the given connection.
func (c *Client) writeControl(conn *websocket.Conn, msg any) error {
	data, err := messages.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send control message: %w", err)
	}
	return nil
}
