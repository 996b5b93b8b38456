// Package translation turns the raw stream of interim/final server results
// into a clean update sequence for display: it owns session bookkeeping,
// suppresses low-confidence interim noise, and tracks latency samples.
package translation

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/babelfish-live/babelfish/messages"
)

// Errors surfaced to the immediate caller; retrying does not help with these.
var (
	ErrNoActiveSession     = errors.New("no active session")
	ErrInvalidLanguagePair = errors.New("source and target language must differ")
)

// Status values for a session.
const (
	StatusIdle         = "idle"
	StatusConnecting   = "connecting"
	StatusActive       = "active"
	StatusError        = "error"
	StatusDisconnected = "disconnected"
)

// minInterimConfidence is the floor below which interim results are
// suppressed. Final results always pass regardless of confidence.
const minInterimConfidence = 0.6

// maxLatencySamples bounds the per-session latency sample set.
const maxLatencySamples = 1024

// Session is one active translation conversation.
type Session struct {
	ID             string
	SourceLanguage string
	TargetLanguage string
	Status         string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Result is the UI-facing translation update. Latency and timestamps are
// internal bookkeeping and are deliberately not part of it.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// LatencyMetrics summarizes observed server latencies via nearest-rank
// percentiles over the current sample set.
type LatencyMetrics struct {
	Count int
	P50   float64
	P95   float64
	P99   float64
}

type resultHandler struct {
	id int
	fn func(Result)
}

// Processor consumes raw server translation payloads and exposes a filtered
// result stream. Construct one per client instance with NewProcessor.
type Processor struct {
	mu        sync.Mutex
	session   *Session
	latencies []float64
	handlers  []resultHandler
	nextID    int
}

// NewProcessor creates an empty processor with no active session
func NewProcessor() *Processor {
	return &Processor{}
}

// InitSession creates the session record after the server accepts it.
// Equal source and target languages fail with ErrInvalidLanguagePair.
func (p *Processor) InitSession(sessionID, sourceLang, targetLang string) error {
	if sourceLang == targetLang {
		return ErrInvalidLanguagePair
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	p.session = &Session{
		ID:             sessionID,
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	p.latencies = p.latencies[:0]
	return nil
}

// UpdateStatus overwrites the session status and bumps last activity. No
// transition table is enforced here; the session client owns protocol-level
// validity. Calling with no active session is a no-op.
func (p *Processor) UpdateStatus(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return
	}
	p.session.Status = status
	p.session.LastActivityAt = time.Now()
}

// HandleTranslationResponse records latency, applies the confidence filter,
// and forwards surviving results to registered handlers in registration
// order. Suppressed results are not an error.
//
// A zero or absent latency field means the server did not measure one; no
// sample is recorded for it. The wire format cannot distinguish the two.
func (p *Processor) HandleTranslationResponse(resp messages.TranslationPayload) error {
	p.mu.Lock()
	if p.session == nil {
		p.mu.Unlock()
		return ErrNoActiveSession
	}
	p.session.LastActivityAt = time.Now()

	if resp.Latency > 0 {
		if len(p.latencies) >= maxLatencySamples {
			p.latencies = p.latencies[1:]
		}
		p.latencies = append(p.latencies, resp.Latency)
	}

	if !resp.IsFinal && resp.Confidence < minInterimConfidence {
		p.mu.Unlock()
		return nil
	}

	// Snapshot so handlers registered during dispatch don't affect this pass
	handlers := make([]resultHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	result := Result{
		Text:       resp.Text,
		IsFinal:    resp.IsFinal,
		Confidence: resp.Confidence,
	}
	for _, h := range handlers {
		h.fn(result)
	}
	return nil
}

// OnResult registers a handler for filtered translation results. The
// returned function unregisters it.
func (p *Processor) OnResult(fn func(Result)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.handlers = append(p.handlers, resultHandler{id: id, fn: fn})

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, h := range p.handlers {
			if h.id == id {
				p.handlers = append(p.handlers[:i], p.handlers[i+1:]...)
				return
			}
		}
	}
}

// GetLatencyMetrics computes nearest-rank percentiles over the current
// sample set. With no samples every field is zero.
func (p *Processor) GetLatencyMetrics() LatencyMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.latencies)
	if n == 0 {
		return LatencyMetrics{}
	}

	sorted := make([]float64, n)
	copy(sorted, p.latencies)
	sort.Float64s(sorted)

	return LatencyMetrics{
		Count: n,
		P50:   sorted[nearestRank(n, 50)],
		P95:   sorted[nearestRank(n, 95)],
		P99:   sorted[nearestRank(n, 99)],
	}
}

// nearestRank returns the 0-based index of the nearest-rank percentile:
// ceil(n*p/100) - 1, clamped to [0, n-1].
func nearestRank(n, percentile int) int {
	idx := (n*percentile + 99) / 100
	if idx > 0 {
		idx--
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// Session returns a copy of the current session record, or nil if none
func (p *Processor) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	s := *p.session
	return &s
}

// Reset clears the session, the latency samples, and all result handlers
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = nil
	p.latencies = nil
	p.handlers = nil
}
