package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelfish-live/babelfish/codec"
	"github.com/babelfish-live/babelfish/messages"
)

var testUpgrader = websocket.Upgrader{
	Subprotocols: []string{messages.Subprotocol},
	CheckOrigin:  func(*http.Request) bool { return true },
}

// newSessionPair runs a Session behind an httptest server and returns the
// client side of the connection together with the session itself.
func newSessionPair(t *testing.T, utteranceBytes int) (*websocket.Conn, *Session, *StubTranslator) {
	t.Helper()

	tr := NewStubTranslator()
	sessCh := make(chan *Session, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sess := NewSession("test-session-0001", conn, tr, 1<<20, utteranceBytes)
		sessCh <- sess
		sess.Start()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	sess := <-sessCh
	t.Cleanup(func() { _ = sess.Close() })
	return conn, sess, tr
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	data, err := messages.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func sendAudio(t *testing.T, conn *websocket.Conn, payload []byte, seq, ts uint32) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, codec.Encode(payload, seq, ts)))
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *messages.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		msgType, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := messages.Decode(data)
		require.NoError(t, err)
		return env
	}
}

func startSession(t *testing.T, conn *websocket.Conn, src, dst string) {
	t.Helper()
	send(t, conn, messages.NewStartSession(src, dst, "test-client"))
	env := readEnvelope(t, conn)
	require.Equal(t, messages.TypeSessionStarted, env.Type)
}

func TestStartSessionAccepted(t *testing.T) {
	conn, _, _ := newSessionPair(t, 1024)

	send(t, conn, messages.NewStartSession("en", "ja", "client-7"))
	env := readEnvelope(t, conn)
	require.Equal(t, messages.TypeSessionStarted, env.Type)

	var p messages.SessionStartedPayload
	require.NoError(t, messages.DecodePayload(env, &p))
	assert.Equal(t, "test-session-0001", p.SessionID)
	assert.NotZero(t, p.Timestamp)
}

func TestStartSessionRejectsBadLanguagePairs(t *testing.T) {
	pairs := []struct{ src, dst string }{
		{"en", "en"},
		{"xx", "ja"},
		{"en", "zz"},
		{"", ""},
	}

	conn, _, _ := newSessionPair(t, 1024)
	for _, pair := range pairs {
		send(t, conn, messages.NewStartSession(pair.src, pair.dst, "c"))
		env := readEnvelope(t, conn)
		require.Equal(t, messages.TypeError, env.Type, "%s>%s", pair.src, pair.dst)

		var p messages.ErrorPayload
		require.NoError(t, messages.DecodePayload(env, &p))
		assert.Equal(t, messages.ErrCodeInvalidLanguage, p.Code)
	}
}

func TestPingPong(t *testing.T) {
	conn, _, _ := newSessionPair(t, 1024)

	send(t, conn, messages.NewPing(99))
	env := readEnvelope(t, conn)
	require.Equal(t, messages.TypePong, env.Type)

	var p messages.PongPayload
	require.NoError(t, messages.DecodePayload(env, &p))
	assert.Equal(t, int64(99), p.Timestamp)
	assert.NotZero(t, p.ServerTimestamp)
}

func TestUtteranceTranslationFlow(t *testing.T) {
	conn, _, tr := newSessionPair(t, 20)
	startSession(t, conn, "en", "ja")

	sendAudio(t, conn, make([]byte, 10), 0, 0)
	sendAudio(t, conn, make([]byte, 10), 1, 100)

	interim := readEnvelope(t, conn)
	require.Equal(t, messages.TypeTranslation, interim.Type)
	var ip messages.TranslationPayload
	require.NoError(t, messages.DecodePayload(interim, &ip))
	assert.False(t, ip.IsFinal)
	assert.Equal(t, 0.5, ip.Confidence)

	final := readEnvelope(t, conn)
	require.Equal(t, messages.TypeTranslation, final.Type)
	var fp messages.TranslationPayload
	require.NoError(t, messages.DecodePayload(final, &fp))
	assert.True(t, fp.IsFinal)
	assert.Equal(t, "[en>ja] utterance 1 (20 bytes)", fp.Text)
	assert.GreaterOrEqual(t, fp.Latency, 0.0)

	assert.Equal(t, 1, tr.Utterances())
}

func TestMalformedAudioFrame(t *testing.T) {
	conn, _, tr := newSessionPair(t, 20)
	startSession(t, conn, "en", "fr")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	env := readEnvelope(t, conn)
	require.Equal(t, messages.TypeError, env.Type)
	var p messages.ErrorPayload
	require.NoError(t, messages.DecodePayload(env, &p))
	assert.Equal(t, messages.ErrCodeAudioDecodeError, p.Code)
	assert.Equal(t, 0, tr.Utterances())
}

func TestAudioBeforeStartIsDropped(t *testing.T) {
	conn, _, tr := newSessionPair(t, 20)

	// A full utterance's worth of audio before start_session must be ignored
	sendAudio(t, conn, make([]byte, 20), 0, 0)

	startSession(t, conn, "en", "es")
	sendAudio(t, conn, make([]byte, 20), 1, 100)

	env := readEnvelope(t, conn) // interim
	require.Equal(t, messages.TypeTranslation, env.Type)
	env = readEnvelope(t, conn) // final
	var p messages.TranslationPayload
	require.NoError(t, messages.DecodePayload(env, &p))
	assert.Equal(t, "[en>es] utterance 1 (20 bytes)", p.Text)
	assert.Equal(t, 1, tr.Utterances())
}

func TestStopSessionFlushesAndCloses(t *testing.T) {
	conn, sess, _ := newSessionPair(t, 100)
	startSession(t, conn, "de", "pt")

	// Below the utterance threshold; stop must flush it anyway
	sendAudio(t, conn, make([]byte, 10), 0, 0)
	send(t, conn, messages.NewStopSession(sess.ID))

	env := readEnvelope(t, conn) // interim
	require.Equal(t, messages.TypeTranslation, env.Type)
	env = readEnvelope(t, conn) // final
	require.Equal(t, messages.TypeTranslation, env.Type)
	var fp messages.TranslationPayload
	require.NoError(t, messages.DecodePayload(env, &fp))
	assert.Equal(t, "[de>pt] utterance 1 (10 bytes)", fp.Text)

	env = readEnvelope(t, conn)
	require.Equal(t, messages.TypeSessionStopped, env.Type)
	var sp messages.SessionStoppedPayload
	require.NoError(t, messages.DecodePayload(env, &sp))
	assert.Equal(t, sess.ID, sp.SessionID)
	assert.Equal(t, messages.StopReasonClientRequested, sp.Reason)

	assert.Eventually(t, sess.IsClosed, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownMessageType(t *testing.T) {
	conn, _, _ := newSessionPair(t, 1024)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery","payload":{}}`)))
	env := readEnvelope(t, conn)
	require.Equal(t, messages.TypeError, env.Type)

	var p messages.ErrorPayload
	require.NoError(t, messages.DecodePayload(env, &p))
	assert.Equal(t, messages.ErrCodeServerError, p.Code)
}

func TestInvalidJSONGetsError(t *testing.T) {
	conn, _, _ := newSessionPair(t, 1024)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{{{garbage")))
	env := readEnvelope(t, conn)
	require.Equal(t, messages.TypeError, env.Type)

	// The session survives a bad frame
	send(t, conn, messages.NewPing(1))
	env = readEnvelope(t, conn)
	assert.Equal(t, messages.TypePong, env.Type)
}

func TestQueueMessageDuringCloseDoesNotPanic(t *testing.T) {
	_, sess, _ := newSessionPair(t, 1024)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			sess.queueMessage(messages.NewPing(int64(i)))
		}
	}()

	time.Sleep(time.Millisecond)
	require.NoError(t, sess.Close())
	<-done

	// Queueing after close is a silent no-op
	sess.queueMessage(messages.NewPing(0))
	assert.True(t, sess.IsClosed())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	_, sess, _ := newSessionPair(t, 1024)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
	assert.True(t, sess.IsClosed())
}
