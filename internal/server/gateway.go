package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"realtime-ws-server/internal/auth"
	"realtime-ws-server/internal/metrics"
	"realtime-ws-server/internal/session"
	"realtime-ws-server/internal/types"
)

// Maximum message size allowed from peer.
const maxMessageSize = 4096

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced at the edge proxy.
		return true
	},
}

// ChatPublisher is the egress side of a client chat message.
type ChatPublisher interface {
	PublishChatMessage(sessionID uuid.UUID, sender session.Identity, content string)
}

// Gateway owns the upgrade endpoint: it authenticates the request,
// registers the connection, and starts the per-connection dispatcher.
type Gateway struct {
	registry  *session.Registry
	verifier  *auth.Verifier
	publisher ChatPublisher
	heartbeat time.Duration
	writeWait time.Duration
	logger    zerolog.Logger
}

func NewGateway(
	registry *session.Registry,
	verifier *auth.Verifier,
	publisher ChatPublisher,
	heartbeat time.Duration,
	writeWait time.Duration,
	logger zerolog.Logger,
) *Gateway {
	return &Gateway{
		registry:  registry,
		verifier:  verifier,
		publisher: publisher,
		heartbeat: heartbeat,
		writeWait: writeWait,
		logger:    logger.With().Str("component", "gateway").Logger(),
	}
}

// HandleWS serves GET /v1/ws/{session_id}?token=<bearer>.
// Ordering matters: session id parse (400), token verification (401),
// then the upgrade. A request that fails either check never reaches
// the registry.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("session_id"))
	if err != nil {
		metrics.RecordRejection("bad_session_id")
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	identity, err := g.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		metrics.RecordRejection("auth")
		g.logger.Warn().Err(err).
			Str("session_id", sessionID.String()).
			Msg("Token validation failed")
		http.Error(w, "Token invalid or expired", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		metrics.RecordRejection("upgrade")
		g.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	entry := session.NewConnection(identity)
	connID := session.NextConnID()
	for g.registry.Insert(sessionID, connID, entry) != nil {
		// Counter-generated ids cannot collide in-process; the retry
		// keeps Insert's collision contract honest anyway.
		connID = session.NextConnID()
	}
	metrics.RecordConnection()

	d := &dispatcher{
		conn:      conn,
		registry:  g.registry,
		publisher: g.publisher,
		sessionID: sessionID,
		connID:    connID,
		identity:  identity,
		mailbox:   entry.Mailbox(),
		heartbeat: g.heartbeat,
		writeWait: g.writeWait,
		done:      make(chan struct{}),
		logger: g.logger.With().
			Str("session_id", sessionID.String()).
			Uint64("conn_id", uint64(connID)).
			Logger(),
	}

	go d.writePump()
	go d.readPump()
}

// dispatcher is the per-connection state machine. One instance per
// upgraded stream; readPump and writePump split the four event sources
// between two goroutines (inbound frames on the read side, mailbox and
// heartbeat on the write side). Either side failing tears the whole
// connection down.
type dispatcher struct {
	conn      *websocket.Conn
	registry  *session.Registry
	publisher ChatPublisher
	sessionID uuid.UUID
	connID    session.ConnID
	identity  session.Identity
	mailbox   <-chan string
	heartbeat time.Duration
	writeWait time.Duration

	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// teardown runs exactly once on any exit path: deregister first so
// broadcasters stop enqueueing, then release the write side and the
// socket.
func (d *dispatcher) teardown() {
	d.closeOnce.Do(func() {
		d.registry.Remove(d.sessionID, d.connID)
		close(d.done)
		d.conn.Close()
		metrics.RecordDisconnection()
		d.logger.Info().Msg("Connection closed")
	})
}

// readPump demultiplexes inbound frames. Control frames are handled by
// the gorilla handlers: pings are answered with a same-payload pong,
// pongs are ignored, a close frame surfaces as a read error. Binary
// frames are ignored. No read deadline is set; liveness rides on the
// heartbeat ping failing to send.
func (d *dispatcher) readPump() {
	defer d.teardown()

	d.conn.SetReadLimit(maxMessageSize)

	for {
		msgType, data, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				d.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		metrics.RecordMessageReceived()
		d.handleChatFrame(data)
	}
}

// handleChatFrame fans a client chat message out to session peers and
// hands it to the egress publisher. Malformed JSON is dropped and the
// connection survives.
func (d *dispatcher) handleChatFrame(data []byte) {
	var msg types.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		metrics.RecordFrameParseError()
		d.logger.Warn().Err(err).Msg("Failed to parse chat message")
		return
	}

	// Prefer the registry's identity record; fall back to the snapshot
	// captured at registration if our entry is already gone.
	sender, ok := d.registry.LookupIdentity(d.sessionID, d.connID)
	if !ok {
		sender = d.identity
	}

	envelope := types.BroadcastMessage{
		Type: types.MessageTypeChat,
		Sender: types.SenderInfo{
			ID:   sender.Subject,
			Name: sender.Name,
		},
		Content: msg.Content,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to serialize broadcast envelope")
		return
	}

	// Egress publish runs concurrently with the fan-out; neither waits
	// on the other and publish failures never reach the client.
	go d.publisher.PublishChatMessage(d.sessionID, sender, msg.Content)

	delivered, dropped := d.registry.Broadcast(d.sessionID, string(payload), d.connID)
	d.logger.Debug().
		Int("delivered", delivered).
		Int("dropped", dropped).
		Msg("Chat message fanned out")
}

// writePump services the outbound mailbox and the heartbeat ticker.
// Any write failure exits the loop; teardown closes the socket, which
// unblocks readPump in turn.
func (d *dispatcher) writePump() {
	ticker := time.NewTicker(d.heartbeat)
	defer func() {
		ticker.Stop()
		d.teardown()
	}()

	for {
		select {
		case <-d.done:
			return

		case payload := <-d.mailbox:
			d.conn.SetWriteDeadline(time.Now().Add(d.writeWait))
			if err := d.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
				d.logger.Warn().Err(err).Msg("WebSocket write error")
				return
			}
			metrics.RecordMessageSent()

		case <-ticker.C:
			d.conn.SetWriteDeadline(time.Now().Add(d.writeWait))
			if err := d.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				d.logger.Warn().Err(err).Msg("Heartbeat ping failed")
				return
			}
		}
	}
}
