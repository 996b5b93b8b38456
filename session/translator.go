package session

import (
	"fmt"
	"sync"
)

// Result is one translation unit produced for a flushed utterance.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Translator turns a flushed utterance into translation results. The real
// backend plugs in here; the repo ships only the stub.
type Translator interface {
	Translate(audio []byte, sourceLang, targetLang string) []Result
}

// StubTranslator is a deterministic translator for development and tests.
// Each utterance yields one low-confidence interim followed by one final.
type StubTranslator struct {
	mu         sync.Mutex
	utterances int
}

// NewStubTranslator creates a stub translator
func NewStubTranslator() *StubTranslator {
	return &StubTranslator{}
}

// Translate implements Translator
func (t *StubTranslator) Translate(audio []byte, sourceLang, targetLang string) []Result {
	t.mu.Lock()
	t.utterances++
	n := t.utterances
	t.mu.Unlock()

	final := fmt.Sprintf("[%s>%s] utterance %d (%d bytes)", sourceLang, targetLang, n, len(audio))
	return []Result{
		{Text: final[:len(final)/2], IsFinal: false, Confidence: 0.5},
		{Text: final, IsFinal: true, Confidence: 0.92},
	}
}

// Utterances returns how many utterances have been translated
func (t *StubTranslator) Utterances() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.utterances
}
