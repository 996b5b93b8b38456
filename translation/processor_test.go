package translation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelfish-live/babelfish/messages"
)

func activeProcessor(t *testing.T) *Processor {
	t.Helper()
	p := NewProcessor()
	require.NoError(t, p.InitSession("sess-1", "en", "ja"))
	return p
}

func TestInitSessionRejectsEqualLanguages(t *testing.T) {
	p := NewProcessor()
	err := p.InitSession("sess-1", "en", "en")
	assert.ErrorIs(t, err, ErrInvalidLanguagePair)
	assert.Nil(t, p.Session())
}

func TestInitSessionCreatesActiveSession(t *testing.T) {
	p := activeProcessor(t)
	s := p.Session()
	require.NotNil(t, s)
	assert.Equal(t, "sess-1", s.ID)
	assert.Equal(t, StatusActive, s.Status)
	assert.Equal(t, "en", s.SourceLanguage)
	assert.Equal(t, "ja", s.TargetLanguage)
	assert.False(t, s.CreatedAt.IsZero())
}

func TestHandleTranslationResponseWithoutSession(t *testing.T) {
	p := NewProcessor()
	err := p.HandleTranslationResponse(messages.TranslationPayload{Text: "hi", IsFinal: true})
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestConfidenceFilter(t *testing.T) {
	cases := []struct {
		name       string
		isFinal    bool
		confidence float64
		forwarded  bool
	}{
		{"low confidence interim suppressed", false, 0.3, false},
		{"borderline interim suppressed", false, 0.59, false},
		{"threshold interim forwarded", false, 0.6, true},
		{"high confidence interim forwarded", false, 0.95, true},
		{"low confidence final forwarded", true, 0.1, true},
		{"zero confidence final forwarded", true, 0.0, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := activeProcessor(t)
			var got []Result
			p.OnResult(func(r Result) { got = append(got, r) })

			err := p.HandleTranslationResponse(messages.TranslationPayload{
				Text:       "konnichiwa",
				IsFinal:    tc.isFinal,
				Confidence: tc.confidence,
				Latency:    120,
			})
			require.NoError(t, err)

			if tc.forwarded {
				require.Len(t, got, 1)
				assert.Equal(t, "konnichiwa", got[0].Text)
				assert.Equal(t, tc.isFinal, got[0].IsFinal)
				assert.Equal(t, tc.confidence, got[0].Confidence)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestSuppressedResultStillRecordsLatency(t *testing.T) {
	p := activeProcessor(t)
	require.NoError(t, p.HandleTranslationResponse(messages.TranslationPayload{
		IsFinal: false, Confidence: 0.1, Latency: 200,
	}))
	m := p.GetLatencyMetrics()
	assert.Equal(t, 1, m.Count)
	assert.Equal(t, 200.0, m.P50)
}

func TestZeroLatencyRecordsNoSample(t *testing.T) {
	p := activeProcessor(t)
	require.NoError(t, p.HandleTranslationResponse(messages.TranslationPayload{
		Text: "no measurement", IsFinal: true, Confidence: 0.9,
	}))
	assert.Equal(t, 0, p.GetLatencyMetrics().Count)
}

func TestHandlersFireInRegistrationOrder(t *testing.T) {
	p := activeProcessor(t)
	var order []string
	p.OnResult(func(Result) { order = append(order, "a") })
	p.OnResult(func(Result) { order = append(order, "b") })

	require.NoError(t, p.HandleTranslationResponse(messages.TranslationPayload{
		Text: "x", IsFinal: true, Confidence: 0.9,
	}))
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestUnregisterHandler(t *testing.T) {
	p := activeProcessor(t)
	calls := 0
	unregister := p.OnResult(func(Result) { calls++ })

	require.NoError(t, p.HandleTranslationResponse(messages.TranslationPayload{IsFinal: true}))
	unregister()
	require.NoError(t, p.HandleTranslationResponse(messages.TranslationPayload{IsFinal: true}))

	assert.Equal(t, 1, calls)
}

func TestUpdateStatus(t *testing.T) {
	p := activeProcessor(t)
	p.UpdateStatus(StatusDisconnected)
	assert.Equal(t, StatusDisconnected, p.Session().Status)

	// No active session is a documented no-op
	empty := NewProcessor()
	empty.UpdateStatus(StatusError)
	assert.Nil(t, empty.Session())
}

func TestLatencyMetricsEmpty(t *testing.T) {
	p := activeProcessor(t)
	m := p.GetLatencyMetrics()
	assert.Equal(t, LatencyMetrics{}, m)
}

func TestLatencyMetricsNearestRank(t *testing.T) {
	p := activeProcessor(t)
	for _, l := range []float64{100, 200, 300, 400, 500} {
		require.NoError(t, p.HandleTranslationResponse(messages.TranslationPayload{
			IsFinal: true, Confidence: 0.9, Latency: l,
		}))
	}
	m := p.GetLatencyMetrics()
	assert.Equal(t, 5, m.Count)
	assert.Equal(t, 300.0, m.P50)
}

func TestLatencyMetricsHundredSamples(t *testing.T) {
	p := activeProcessor(t)
	// 10, 20, ..., 1000, submitted out of order to exercise the sort
	for i := 100; i >= 1; i-- {
		require.NoError(t, p.HandleTranslationResponse(messages.TranslationPayload{
			IsFinal: true, Confidence: 0.9, Latency: float64(i * 10),
		}))
	}
	m := p.GetLatencyMetrics()
	assert.Equal(t, 100, m.Count)
	assert.Equal(t, 500.0, m.P50)
	assert.Equal(t, 950.0, m.P95)
	assert.Equal(t, 990.0, m.P99)
}

func TestLatencyMetricsThreeSamples(t *testing.T) {
	p := activeProcessor(t)
	for _, l := range []float64{200, 300, 450} {
		require.NoError(t, p.HandleTranslationResponse(messages.TranslationPayload{
			IsFinal: true, Confidence: 0.9, Latency: l,
		}))
	}
	m := p.GetLatencyMetrics()
	assert.Equal(t, 3, m.Count)
	assert.Equal(t, 300.0, m.P50)
	assert.Equal(t, 450.0, m.P95)
	assert.Equal(t, 450.0, m.P99)
}

func TestResetClearsEverything(t *testing.T) {
	p := activeProcessor(t)
	calls := 0
	p.OnResult(func(Result) { calls++ })
	require.NoError(t, p.HandleTranslationResponse(messages.TranslationPayload{
		IsFinal: true, Latency: 100,
	}))

	p.Reset()

	assert.Nil(t, p.Session())
	assert.Equal(t, LatencyMetrics{}, p.GetLatencyMetrics())
	assert.ErrorIs(t, p.HandleTranslationResponse(messages.TranslationPayload{IsFinal: true}), ErrNoActiveSession)
	assert.Equal(t, 1, calls)

	// A new session starts from a clean sample set
	require.NoError(t, p.InitSession("sess-2", "fr", "de"))
	assert.Equal(t, 0, p.GetLatencyMetrics().Count)
}
