package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-ws-server/internal/auth"
	"realtime-ws-server/internal/session"
	"realtime-ws-server/internal/types"
)

const testSecret = "gateway-test-secret"

type publishedEvent struct {
	SessionID uuid.UUID
	Sender    session.Identity
	Content   string
}

type stubPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *stubPublisher) PublishChatMessage(sessionID uuid.UUID, sender session.Identity, content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{SessionID: sessionID, Sender: sender, Content: content})
}

func (p *stubPublisher) snapshot() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedEvent(nil), p.events...)
}

type gatewayFixture struct {
	ts        *httptest.Server
	registry  *session.Registry
	verifier  *auth.Verifier
	publisher *stubPublisher
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	registry := session.NewRegistry(zerolog.Nop())
	verifier := auth.NewVerifier(testSecret)
	publisher := &stubPublisher{}
	gw := NewGateway(registry, verifier, publisher, time.Second, time.Second, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ws/{session_id}", gw.HandleWS)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &gatewayFixture{ts: ts, registry: registry, verifier: verifier, publisher: publisher}
}

func (f *gatewayFixture) wsURL(sessionID uuid.UUID, token string) string {
	return "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/ws/" + sessionID.String() + "?token=" + token
}

func (f *gatewayFixture) dial(t *testing.T, sessionID uuid.UUID, sub uuid.UUID, name string) *websocket.Conn {
	t.Helper()
	token, err := f.verifier.Sign(sub, name, name+"@example.com", time.Hour)
	require.NoError(t, err)

	conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(sessionID, token), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) types.BroadcastMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var envelope types.BroadcastMessage
	require.NoError(t, json.Unmarshal(data, &envelope))
	return envelope
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "expected no frame, got %q", data)
}

func waitForSessionSize(t *testing.T, f *gatewayFixture, sessionID uuid.UUID, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.registry.ConnectionCount(sessionID) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTwoPeerEcho(t *testing.T) {
	f := newGatewayFixture(t)
	sid := uuid.New()
	aliceID := uuid.New()

	alice := f.dial(t, sid, aliceID, "Alice")
	bob := f.dial(t, sid, uuid.New(), "Bob")
	waitForSessionSize(t, f, sid, 2)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"content":"hi"}`)))

	envelope := readEnvelope(t, bob)
	assert.Equal(t, types.MessageTypeChat, envelope.Type)
	assert.Equal(t, aliceID, envelope.Sender.ID)
	assert.Equal(t, "Alice", envelope.Sender.Name)
	assert.Equal(t, "hi", envelope.Content)

	// No fan-out echo to the sender.
	expectSilence(t, alice)

	// Exactly one egress publish for the message.
	require.Eventually(t, func() bool {
		return len(f.publisher.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	event := f.publisher.snapshot()[0]
	assert.Equal(t, sid, event.SessionID)
	assert.Equal(t, aliceID, event.Sender.Subject)
	assert.Equal(t, "hi", event.Content)
}

func TestSessionIsolation(t *testing.T) {
	f := newGatewayFixture(t)
	s1, s2 := uuid.New(), uuid.New()

	alice := f.dial(t, s1, uuid.New(), "Alice")
	bob := f.dial(t, s1, uuid.New(), "Bob")
	carol := f.dial(t, s2, uuid.New(), "Carol")
	waitForSessionSize(t, f, s1, 2)
	waitForSessionSize(t, f, s2, 1)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"content":"x"}`)))

	envelope := readEnvelope(t, bob)
	assert.Equal(t, "x", envelope.Content)

	expectSilence(t, carol)
}

func TestMalformedFrameSurvival(t *testing.T) {
	f := newGatewayFixture(t)
	sid := uuid.New()

	alice := f.dial(t, sid, uuid.New(), "Alice")
	bob := f.dial(t, sid, uuid.New(), "Bob")
	waitForSessionSize(t, f, sid, 2)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	// The connection survives malformed input; the next valid frame
	// fans out normally, and the malformed one never produced a frame.
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"content":"y"}`)))
	envelope := readEnvelope(t, bob)
	assert.Equal(t, "y", envelope.Content)
	assert.Equal(t, 2, f.registry.ConnectionCount(sid), "sender stays registered after a malformed frame")
}

func TestSystemEventFanOut(t *testing.T) {
	f := newGatewayFixture(t)
	sid := uuid.New()

	peers := []*websocket.Conn{
		f.dial(t, sid, uuid.New(), "A"),
		f.dial(t, sid, uuid.New(), "B"),
		f.dial(t, sid, uuid.New(), "C"),
	}
	waitForSessionSize(t, f, sid, 3)

	payload, err := json.Marshal(types.SystemBroadcast{Type: "session.joined", SessionID: sid})
	require.NoError(t, err)
	delivered, dropped := f.registry.Broadcast(sid, string(payload), session.NoSkip)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, 0, dropped)

	for i, peer := range peers {
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := peer.ReadMessage()
		require.NoError(t, err, "peer %d", i)
		assert.JSONEq(t, string(payload), string(data), "peer %d", i)
	}
}

func TestLastPeerDepartureErasesSession(t *testing.T) {
	f := newGatewayFixture(t)
	sid := uuid.New()

	alice := f.dial(t, sid, uuid.New(), "Alice")
	waitForSessionSize(t, f, sid, 1)

	alice.Close()

	require.Eventually(t, func() bool {
		return f.registry.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBadSessionIDRejectedWith400(t *testing.T) {
	f := newGatewayFixture(t)

	resp, err := http.Get(f.ts.URL + "/v1/ws/not-a-uuid?token=whatever")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, f.registry.SessionCount())
}

func TestInvalidTokenRejectedWith401(t *testing.T) {
	f := newGatewayFixture(t)
	sid := uuid.New()

	// Expired token.
	expired, err := f.verifier.Sign(uuid.New(), "Alice", "alice@example.com", -time.Minute)
	require.NoError(t, err)

	for _, token := range []string{"garbage", expired, ""} {
		resp, err := http.Get(f.ts.URL + "/v1/ws/" + sid.String() + "?token=" + token)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Token invalid or expired", strings.TrimSpace(string(body)))
	}
	assert.Equal(t, 0, f.registry.SessionCount(), "rejected connections never reach the registry")
}

func TestPingAnsweredWithSamePayloadPong(t *testing.T) {
	f := newGatewayFixture(t)
	sid := uuid.New()

	alice := f.dial(t, sid, uuid.New(), "Alice")
	waitForSessionSize(t, f, sid, 1)

	pong := make(chan string, 1)
	alice.SetPongHandler(func(appData string) error {
		pong <- appData
		return nil
	})

	require.NoError(t, alice.WriteControl(websocket.PingMessage, []byte("probe"), time.Now().Add(time.Second)))

	// Pong frames only surface while a reader is pumping.
	go func() {
		alice.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := alice.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case payload := <-pong:
		assert.Equal(t, "probe", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong received")
	}
}
