package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"realtime-ws-server/internal/metrics"
	"realtime-ws-server/internal/session"
	"realtime-ws-server/internal/types"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// busSubscriber is the slice of the NATS client the listener needs.
type busSubscriber interface {
	SubscribeSync(subject string) (*nats.Subscription, error)
}

// Listener is the event ingress bridge: it consumes session-lifecycle
// events from the bus and fans them out to the matching session as
// system broadcasts.
//
// Each subject gets one supervising consumer goroutine. A subscribe or
// consume failure restarts that subject's consumer after a bounded
// exponential backoff (1s doubling to 30s, unbounded retries) instead
// of abandoning the subject.
type Listener struct {
	bus      busSubscriber
	registry *session.Registry
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

func NewListener(bus busSubscriber, registry *session.Registry, logger zerolog.Logger) *Listener {
	return &Listener{
		bus:      bus,
		registry: registry,
		logger:   logger.With().Str("component", "listener").Logger(),
	}
}

// Run starts one consumer per subscribed subject. Consumers exit when
// ctx is cancelled; Wait blocks until they have.
func (l *Listener) Run(ctx context.Context) {
	for _, subject := range types.SubjectsInbound {
		l.wg.Add(1)
		go l.consumeSubject(ctx, subject)
	}
}

// Wait blocks until all consumers have exited.
func (l *Listener) Wait() {
	l.wg.Wait()
}

func (l *Listener) consumeSubject(ctx context.Context, subject string) {
	defer l.wg.Done()

	logger := l.logger.With().Str("subject", subject).Logger()
	backoff := initialBackoff

	for {
		sub, err := l.bus.SubscribeSync(subject)
		if err != nil {
			logger.Error().Err(err).Dur("retry_in", backoff).Msg("Subscribe failed")
			metrics.RecordNATSResubscribe(subject)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff

		err = l.drain(ctx, sub)
		_ = sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}

		logger.Warn().Err(err).Dur("retry_in", backoff).Msg("Consumer stopped, restarting")
		metrics.RecordNATSResubscribe(subject)
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// drain delivers messages in arrival order until the subscription
// fails or ctx is cancelled.
func (l *Listener) drain(ctx context.Context, sub *nats.Subscription) error {
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return err
		}
		metrics.RecordNATSMessage()
		l.handleEvent(msg.Data)
	}
}

// handleEvent parses one bus payload and broadcasts the matching
// system event to every connection in the session. Parse failures are
// logged and the event discarded.
func (l *Listener) handleEvent(data []byte) {
	var event types.EventPayload
	if err := json.Unmarshal(data, &event); err != nil {
		l.logger.Error().Err(err).Msg("Failed to parse event payload")
		return
	}

	broadcast := types.SystemBroadcast{
		Type:      event.EventType,
		SessionID: event.SessionID,
	}
	payload, err := json.Marshal(broadcast)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to serialize system broadcast")
		return
	}

	delivered, dropped := l.registry.Broadcast(event.SessionID, string(payload), session.NoSkip)
	l.logger.Debug().
		Str("event_type", event.EventType).
		Str("session_id", event.SessionID.String()).
		Int("delivered", delivered).
		Int("dropped", dropped).
		Msg("System event fanned out")
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleepCtx waits for d or until ctx is cancelled. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
