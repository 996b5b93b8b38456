// Package session implements the server side of the babel-fish-v1 protocol
// for the dev relay: one Session per websocket connection, a write pump, an
// utterance buffer, and a manager with optional Redis metadata mirroring.
package session

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/babelfish-live/babelfish/codec"
	"github.com/babelfish-live/babelfish/messages"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
)

// Session represents a single client's connection to the dev relay
type Session struct {
	ID           string
	Conn         *websocket.Conn
	Translator   Translator
	Buffer       *AudioBuffer
	CreatedAt    time.Time
	LastActivity time.Time

	utteranceBytes int

	// Use a channel for non-blocking writes
	writeChan chan any

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}

	clientID   string
	sourceLang string
	targetLang string
	started    bool

	firstChunkAt time.Time
	lastSeq      uint32
	haveSeq      bool
}

// NewSession creates a session for an upgraded websocket connection
func NewSession(id string, conn *websocket.Conn, translator Translator, maxBufferSize, utteranceBytes int) *Session {
	conn.SetReadLimit(512 * 1024)

	return &Session{
		ID:             id,
		Conn:           conn,
		Translator:     translator,
		Buffer:         NewAudioBuffer(maxBufferSize),
		CreatedAt:      time.Now(),
		LastActivity:   time.Now(),
		utteranceBytes: utteranceBytes,
		writeChan:      make(chan any, writeBufferSize),
		CloseChan:      make(chan struct{}),
	}
}

// Start begins the bidirectional message handling
func (s *Session) Start() {
	go s.writePump()
	go s.readLoop()
}

// writePump handles all outgoing messages in a single goroutine
func (s *Session) writePump() {
	defer func() {
		_ = s.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = s.Conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-s.CloseChan:
			// Flush anything queued before the close, stop_session replies
			// in particular
			for {
				select {
				case msg, ok := <-s.writeChan:
					if !ok || !s.writeMessage(msg) {
						return
					}
				default:
					return
				}
			}
		case msg, ok := <-s.writeChan:
			if !ok {
				return
			}
			if !s.writeMessage(msg) {
				return
			}

			// Drain whatever queued up behind it
			n := len(s.writeChan)
			for i := 0; i < n; i++ {
				select {
				case msg, ok := <-s.writeChan:
					if !ok {
						return
					}
					if !s.writeMessage(msg) {
						return
					}
				default:
				}
			}
		}
	}
}

func (s *Session) writeMessage(msg any) bool {
	data, err := messages.Encode(msg)
	if err != nil {
		log.Printf("[%s] failed to encode message: %v", s.ID[:8], err)
		return true
	}
	_ = s.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.Conn.WriteMessage(websocket.TextMessage, data) == nil
}

// queueMessage adds a message to the write queue (non-blocking). The lock is
// held across the send: Close sets closed under the write lock before closing
// writeChan, so no sender can race the close.
func (s *Session) queueMessage(msg any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.writeChan <- msg:
	default:
		// Queue full, drop message (shouldn't happen with proper sizing)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// readLoop processes inbound frames until the connection closes
func (s *Session) readLoop() {
	defer s.Close()

	for {
		select {
		case <-s.CloseChan:
			return
		default:
			msgType, data, err := s.Conn.ReadMessage()
			if err != nil {
				if !s.IsClosed() && !websocket.IsCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("[%s] read error: %v", s.ID[:8], err)
				}
				return
			}
			s.touch()

			if msgType == websocket.BinaryMessage {
				s.handleAudioFrame(data)
				continue
			}

			env, err := messages.Decode(data)
			if err != nil {
				log.Printf("[%s] invalid message: %v", s.ID[:8], err)
				s.queueMessage(messages.NewError(messages.ErrCodeServerError,
					"invalid message format", time.Now().UnixMilli()))
				continue
			}
			if done := s.handleControl(env); done {
				return
			}
		}
	}
}

// handleAudioFrame decodes one binary frame and buffers its payload
func (s *Session) handleAudioFrame(frame []byte) {
	chunk, err := codec.Decode(frame)
	if err != nil {
		log.Printf("[%s] dropping malformed audio frame (%d bytes)", s.ID[:8], len(frame))
		s.queueMessage(messages.NewError(messages.ErrCodeAudioDecodeError,
			"audio frame shorter than header", time.Now().UnixMilli()))
		return
	}

	s.mu.Lock()
	started := s.started
	if s.haveSeq && chunk.SequenceNumber <= s.lastSeq {
		log.Printf("[%s] sequence regression: %d after %d", s.ID[:8], chunk.SequenceNumber, s.lastSeq)
	}
	s.lastSeq = chunk.SequenceNumber
	s.haveSeq = true
	s.mu.Unlock()

	if !started {
		log.Printf("[%s] audio before start_session, dropping seq %d", s.ID[:8], chunk.SequenceNumber)
		return
	}

	if s.Buffer.IsEmpty() {
		s.mu.Lock()
		s.firstChunkAt = time.Now()
		s.mu.Unlock()
	}

	if err := s.Buffer.Append(chunk.Payload); err != nil {
		s.queueMessage(messages.NewError(messages.ErrCodeServerError,
			fmt.Sprintf("audio buffer full (max %d bytes)", s.Buffer.MaxSize()),
			time.Now().UnixMilli()))
		return
	}

	if s.Buffer.Size() >= s.utteranceBytes {
		s.flushUtterance()
	}
}

// flushUtterance hands the buffered audio to the translator and queues the
// resulting translation messages with the measured latency.
func (s *Session) flushUtterance() {
	audio := s.Buffer.Flush()
	if len(audio) == 0 {
		return
	}

	s.mu.RLock()
	src, dst := s.sourceLang, s.targetLang
	firstChunkAt := s.firstChunkAt
	s.mu.RUnlock()

	results := s.Translator.Translate(audio, src, dst)
	latency := float64(time.Since(firstChunkAt).Milliseconds())
	now := time.Now().UnixMilli()
	for _, r := range results {
		s.queueMessage(messages.NewTranslation(r.Text, r.IsFinal, r.Confidence, now, latency))
	}
}

// handleControl processes one control message; returns true when the
// session should end.
func (s *Session) handleControl(env *messages.Envelope) bool {
	switch env.Type {
	case messages.TypeStartSession:
		var p messages.StartSessionPayload
		if err := messages.DecodePayload(env, &p); err != nil {
			s.queueMessage(messages.NewError(messages.ErrCodeServerError,
				"invalid start_session payload", time.Now().UnixMilli()))
			return false
		}
		s.handleStartSession(p)

	case messages.TypePing:
		var p messages.PingPayload
		if err := messages.DecodePayload(env, &p); err != nil {
			return false
		}
		s.queueMessage(messages.NewPong(p.Timestamp, time.Now().UnixMilli()))

	case messages.TypeStopSession:
		log.Printf("[%s] stop_session requested", s.ID[:8])
		s.flushUtterance()
		s.queueMessage(messages.NewSessionStopped(s.ID, messages.StopReasonClientRequested))
		return true

	default:
		s.queueMessage(messages.NewError(messages.ErrCodeServerError,
			"unknown message type: "+env.Type, time.Now().UnixMilli()))
	}
	return false
}

func (s *Session) handleStartSession(p messages.StartSessionPayload) {
	if !messages.ValidLanguage(p.SourceLanguage) || !messages.ValidLanguage(p.TargetLanguage) ||
		p.SourceLanguage == p.TargetLanguage {
		log.Printf("[%s] rejected language pair %s>%s", s.ID[:8], p.SourceLanguage, p.TargetLanguage)
		s.queueMessage(messages.NewError(messages.ErrCodeInvalidLanguage,
			fmt.Sprintf("unsupported language pair %s>%s", p.SourceLanguage, p.TargetLanguage),
			time.Now().UnixMilli()))
		return
	}

	s.mu.Lock()
	s.clientID = p.ClientID
	s.sourceLang = p.SourceLanguage
	s.targetLang = p.TargetLanguage
	s.started = true
	s.haveSeq = false
	s.mu.Unlock()

	log.Printf("[%s] session started for %s (%s>%s)", s.ID[:8], p.ClientID, p.SourceLanguage, p.TargetLanguage)
	s.queueMessage(messages.NewSessionStarted(s.ID, time.Now().UnixMilli()))
}

// IsClosed returns whether the session is closed
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close terminates the session and cleans up resources. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.writeChan)
	close(s.CloseChan)

	s.Buffer.Clear()
	return s.Conn.Close()
}
