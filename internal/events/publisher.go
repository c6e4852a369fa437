package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"realtime-ws-server/internal/metrics"
	"realtime-ws-server/internal/session"
	"realtime-ws-server/internal/types"
)

// busConn is the slice of the NATS client the publisher needs.
type busConn interface {
	Publish(subject string, data []byte) error
}

// Publisher emits per-message fan-out events to the bus for
// cross-service consumption (notifications, persistence workers).
type Publisher struct {
	bus    busConn
	logger zerolog.Logger
}

func NewPublisher(bus busConn, logger zerolog.Logger) *Publisher {
	return &Publisher{
		bus:    bus,
		logger: logger.With().Str("component", "publisher").Logger(),
	}
}

// PublishChatMessage publishes a chat.message.received event under the
// session-scoped subject. Publish failures are logged and counted but
// never propagated; chat delivery does not depend on the bus.
func (p *Publisher) PublishChatMessage(sessionID uuid.UUID, sender session.Identity, content string) {
	event := types.ChatMessageReceivedEvent{
		EventType: types.EventChatMessageReceived,
		SessionID: sessionID,
		UserID:    sender.Subject,
		UserName:  sender.Name,
		Content:   content,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to serialize chat message event")
		return
	}

	subject := fmt.Sprintf("%s.%s", types.EventChatMessageReceived, sessionID)
	if err := p.bus.Publish(subject, payload); err != nil {
		metrics.RecordNATSPublishError()
		p.logger.Error().
			Err(err).
			Str("subject", subject).
			Msg("Failed to publish chat message event")
		return
	}

	p.logger.Debug().
		Str("session_id", sessionID.String()).
		Msg("Published chat message event")
}
