// Package nats provides a NATS client wrapper and the NATS transport for
// agent control commands.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/helmcode/crewnet/internal/protocol"
)

// ClientConfig holds the configuration for the NATS client.
type ClientConfig struct {
	URL           string
	Name          string // connection name for monitoring
	Token         string // auth token (optional, must match NATS server --auth flag)
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns a ClientConfig with sensible defaults.
func DefaultConfig(url, name string) ClientConfig {
	return ClientConfig{
		URL:           url,
		Name:          name,
		MaxReconnects: -1, // unlimited reconnects
		ReconnectWait: 2 * time.Second,
	}
}

// Client wraps a NATS connection with helpers for protocol messages.
type Client struct {
	conn   *nats.Conn
	config ClientConfig

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect establishes a connection to the NATS server.
func Connect(config ClientConfig) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	if config.Token != "" {
		opts = append(opts, nats.Token(config.Token))
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", config.URL, err)
	}

	client := &Client{
		conn:   nc,
		config: config,
	}

	slog.Info("nats connected", "url", config.URL, "name", config.Name)
	return client, nil
}

// Publish sends a protocol message to the specified NATS subject.
func (c *Client) Publish(subject string, msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for messages on the given subject.
// The handler receives parsed protocol messages.
func (c *Client) Subscribe(subject string, handler func(*protocol.Message)) error {
	sub, err := c.conn.Subscribe(subject, func(natsMsg *nats.Msg) {
		var msg protocol.Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			slog.Warn("failed to unmarshal nats message", "subject", subject, "error", err)
			return
		}
		handler(&msg)
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	slog.Debug("subscribed", "subject", subject)
	return nil
}

// Flush flushes the connection buffer to the server.
func (c *Client) Flush() error {
	return c.conn.Flush()
}

// FlushContext is Flush bounded by ctx, which must carry a deadline.
func (c *Client) FlushContext(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

// Close drains all subscriptions and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			slog.Debug("draining subscription", "subject", sub.Subject, "error", err)
		}
	}
	c.conn.Close()
	slog.Info("nats client closed")
}

// IsConnected returns true if the client is currently connected.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}
