// Package capture wraps an audio source behind the contract the session
// client consumes: start the stream, start chunked recording, receive raw
// encoded chunks at a fixed cadence, stop and release everything.
package capture

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"
)

var (
	// ErrCaptureUnavailable is returned when the underlying source cannot
	// be opened.
	ErrCaptureUnavailable = errors.New("audio capture unavailable")

	// ErrNoStream is returned when recording is started before the stream.
	ErrNoStream = errors.New("capture stream not started")
)

// DefaultChunkInterval is the recording cadence.
const DefaultChunkInterval = 100 * time.Millisecond

// DefaultChunkSize is the bytes emitted per interval (100ms of 16kHz 16-bit
// mono PCM).
const DefaultChunkSize = 3200

// Source is the capture contract consumed by the session client.
type Source interface {
	// Start opens the underlying stream. Fails with ErrCaptureUnavailable.
	Start() error
	// StartRecording begins emitting chunks. Fails with ErrNoStream if the
	// stream has not been started.
	StartRecording() error
	// OnChunk registers the callback receiving raw encoded audio chunks.
	OnChunk(fn func(data []byte))
	// OnError registers the callback receiving capture errors.
	OnError(fn func(err error))
	// Stop releases the stream and stops recording. Idempotent.
	Stop()
}

// ReaderSource chunks an io.Reader at a fixed cadence, standing in for the
// platform tab-capture primitive during development and tests.
type ReaderSource struct {
	reader   io.Reader
	interval time.Duration
	size     int

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopChan chan struct{}
	onChunk  func([]byte)
	onError  func(error)
}

// NewReaderSource creates a source reading size-byte chunks from r every
// interval. Zero values fall back to the defaults.
func NewReaderSource(r io.Reader, interval time.Duration, size int) *ReaderSource {
	if interval <= 0 {
		interval = DefaultChunkInterval
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ReaderSource{
		reader:   r,
		interval: interval,
		size:     size,
	}
}

// Start opens the stream
func (s *ReaderSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reader == nil {
		return ErrCaptureUnavailable
	}
	if s.started {
		return nil
	}
	s.started = true
	s.stopped = false
	s.stopChan = make(chan struct{})
	return nil
}

// OnChunk registers the chunk callback
func (s *ReaderSource) OnChunk(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChunk = fn
}

// OnError registers the error callback
func (s *ReaderSource) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// StartRecording begins the chunk loop in a goroutine
func (s *ReaderSource) StartRecording() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNoStream
	}
	stop := s.stopChan
	s.mu.Unlock()

	go s.recordLoop(stop)
	return nil
}

func (s *ReaderSource) recordLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	buf := make([]byte, s.size)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := io.ReadFull(s.reader, buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.emitChunk(chunk)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
					s.emitError(err)
				}
				return
			}
		}
	}
}

func (s *ReaderSource) emitChunk(chunk []byte) {
	s.mu.Lock()
	fn := s.onChunk
	s.mu.Unlock()
	if fn != nil {
		fn(chunk)
	}
}

func (s *ReaderSource) emitError(err error) {
	s.mu.Lock()
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	} else {
		log.Printf("capture error: %v", err)
	}
}

// Stop releases the stream. Safe to call repeatedly.
func (s *ReaderSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped {
		return
	}
	s.stopped = true
	s.started = false
	close(s.stopChan)
}
