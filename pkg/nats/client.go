// Package nats wraps the NATS connection with logging, metric-backed
// connection state, and the subject builders used by the service.
package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"realtime-ws-server/internal/metrics"
)

type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

type Client struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewClient(config Config, logger zerolog.Logger) (*Client, error) {
	client := &Client{
		logger: logger.With().Str("component", "nats").Logger(),
	}

	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.ConnectHandler(client.connectHandler),
		nats.DisconnectErrHandler(client.disconnectHandler),
		nats.ReconnectHandler(client.reconnectHandler),
		nats.ErrorHandler(client.errorHandler),
	}

	conn, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	client.conn = conn
	metrics.SetNATSConnected(true)
	return client, nil
}

func (c *Client) connectHandler(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	metrics.SetNATSConnected(true)
}

func (c *Client) disconnectHandler(conn *nats.Conn, err error) {
	c.logger.Warn().Err(err).Msg("Disconnected from NATS")
	metrics.SetNATSConnected(false)
}

func (c *Client) reconnectHandler(conn *nats.Conn) {
	c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
	metrics.SetNATSConnected(true)
}

func (c *Client) errorHandler(conn *nats.Conn, sub *nats.Subscription, err error) {
	c.logger.Error().Err(err).Msg("NATS async error")
}

// Publish sends data to a subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON publishes a JSON-serializable object.
func (c *Client) PublishJSON(subject string, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.Publish(subject, data)
}

// SubscribeSync creates a synchronous subscription. Consumers drain it
// with NextMsgWithContext so a shutdown context unblocks them.
func (c *Client) SubscribeSync(subject string) (*nats.Subscription, error) {
	sub, err := c.conn.SubscribeSync(subject)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.logger.Info().Str("subject", subject).Msg("Subscribed to NATS subject")
	return sub, nil
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains and closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
		metrics.SetNATSConnected(false)
		c.logger.Info().Msg("NATS connection closed")
	}
}
