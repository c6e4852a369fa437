package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"realtime-ws-server/internal/metrics"
)

// MailboxSize is the per-connection outbound queue capacity.
// Deliberately small: it absorbs short bursts without letting one slow
// reader accumulate unbounded memory. Overflow drops the message for
// that recipient only.
const MailboxSize = 16

// NoSkip is passed to Broadcast when every connection should receive
// the payload. Connection ids start at 1, so zero is never a live id.
const NoSkip ConnID = 0

// ErrConnIDInUse is returned by Insert when the connection id already
// exists in the target session. Callers redraw the id and retry rather
// than silently displacing the previous connection's mailbox.
var ErrConnIDInUse = errors.New("session: connection id already in use")

// ConnID identifies one upgraded client stream within the process.
type ConnID uint64

var connIDCounter atomic.Uint64

// NextConnID returns a process-unique connection id. A monotonic
// counter cannot collide within the process, unlike a random draw.
func NextConnID() ConnID {
	return ConnID(connIDCounter.Add(1))
}

// Identity is the immutable snapshot of a verified token's claims,
// captured once at registration.
type Identity struct {
	Subject   uuid.UUID
	Name      string
	Email     string
	ExpiresAt int64
}

// Connection is the registry's per-client record: a bounded mailbox of
// outbound payloads plus the identity captured at registration.
//
// The mailbox channel is referenced from two sides: broadcasters
// enqueue through the registry entry, the owning dispatcher consumes
// via Mailbox(). Neither side closes it; once Remove drops the registry
// entry and the dispatcher returns, the channel is garbage collected.
type Connection struct {
	mailbox  chan string
	identity Identity
}

func NewConnection(identity Identity) *Connection {
	return &Connection{
		mailbox:  make(chan string, MailboxSize),
		identity: identity,
	}
}

// Mailbox returns the consumer end of the outbound queue.
func (c *Connection) Mailbox() <-chan string {
	return c.mailbox
}

// Identity returns the snapshot captured at registration.
func (c *Connection) Identity() Identity {
	return c.identity
}

// enqueue attempts a non-blocking send. Returns false when the mailbox
// is full.
func (c *Connection) enqueue(payload string) bool {
	select {
	case c.mailbox <- payload:
		return true
	default:
		return false
	}
}

// Registry is the multi-room connection index: session id -> connection
// id -> connection. A single mutex covers every operation, which keeps
// broadcasts linearizable against inserts and removes. Enqueues under
// the lock are non-blocking by construction (bounded mailbox, select
// with default), so the critical section stays O(session size).
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]map[ConnID]*Connection
	logger   zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]map[ConnID]*Connection),
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// Insert registers conn under (sessionID, connID), creating the session
// entry if absent. Returns ErrConnIDInUse on collision; the prior
// connection is never overwritten.
func (r *Registry) Insert(sessionID uuid.UUID, connID ConnID, conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		sess = make(map[ConnID]*Connection)
		r.sessions[sessionID] = sess
	}
	if _, exists := sess[connID]; exists {
		return ErrConnIDInUse
	}
	sess[connID] = conn

	metrics.SetActiveSessions(len(r.sessions))
	r.logger.Info().
		Str("session_id", sessionID.String()).
		Uint64("conn_id", uint64(connID)).
		Str("user", conn.identity.Name).
		Int("session_size", len(sess)).
		Msg("Connection joined session")
	return nil
}

// Remove deletes the connection if present. The session entry is erased
// in the same critical section when its last connection leaves, so an
// empty session is never observable. No-op if either key is absent.
func (r *Registry) Remove(sessionID uuid.UUID, connID ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	if _, exists := sess[connID]; !exists {
		return
	}
	delete(sess, connID)
	if len(sess) == 0 {
		delete(r.sessions, sessionID)
	}

	metrics.SetActiveSessions(len(r.sessions))
	r.logger.Info().
		Str("session_id", sessionID.String()).
		Uint64("conn_id", uint64(connID)).
		Msg("Connection removed from session")
}

// Broadcast enqueues payload on every mailbox in the session except
// skip (pass NoSkip to address all). A full mailbox drops the payload
// for that recipient and counts it; the slow consumer is not notified
// and healthy peers are not delayed. An absent session yields (0, 0).
func (r *Registry) Broadcast(sessionID uuid.UUID, payload string, skip ConnID) (delivered, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		metrics.RecordBroadcastMiss()
		r.logger.Debug().
			Str("session_id", sessionID.String()).
			Msg("Broadcast to absent session")
		return 0, 0
	}

	for id, conn := range sess {
		if id == skip {
			continue
		}
		if conn.enqueue(payload) {
			delivered++
		} else {
			dropped++
		}
	}

	if dropped > 0 {
		metrics.RecordMailboxDrops(dropped)
		r.logger.Warn().
			Str("session_id", sessionID.String()).
			Int("dropped", dropped).
			Msg("Mailbox overflow during broadcast")
	}
	return delivered, dropped
}

// LookupIdentity returns a copy of the identity captured at insert.
func (r *Registry) LookupIdentity(sessionID uuid.UUID, connID ConnID) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return Identity{}, false
	}
	conn, ok := sess[connID]
	if !ok {
		return Identity{}, false
	}
	return conn.identity, true
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ConnectionCount returns the number of connections in one session,
// zero if the session is absent.
func (r *Registry) ConnectionCount(sessionID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions[sessionID])
}
