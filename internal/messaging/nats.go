// Package messaging provides a NATS client wrapper for the pub/sub side of
// the engagement engine. It handles connection lifecycle and subject-based
// subscriptions for the per-user, per-event and global streams the platform
// pushes on.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Topic prefixes and names used across the platform.
const (
	TopicUserPrefix  = "user."  // + <user_id>: direct notifications, challenge echoes
	TopicEventPrefix = "event." // + <event_id>: per-event pool activity
	TopicGlobal      = "global" // platform-wide announcements
)

// UserTopic returns the per-user topic for the given user ID.
func UserTopic(userID string) string {
	return TopicUserPrefix + userID
}

// EventTopic returns the per-event topic for the given event ID.
func EventTopic(eventID string) string {
	return TopicEventPrefix + eventID
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "engage",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given topic.
func (c *NATSClient) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

// Subscribe registers a handler for raw message bytes on the given topic and
// stores the subscription internally for later teardown. At most one
// transport-level subscription exists per topic; the channel router above
// this layer fans a topic out to its bound handlers. A repeated Subscribe for
// a topic replaces the live subscription instead of stacking a second one.
func (c *NATSClient) Subscribe(topic string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", topic, err)
	}

	c.mu.Lock()
	prev := c.subs[topic]
	c.subs[topic] = sub
	c.mu.Unlock()

	if prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			log.Printf("[nats] replace subscription %s: %v", topic, err)
		}
	}
	return nil
}

// Unsubscribe removes and unsubscribes from a specific topic.
func (c *NATSClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for topic %s", topic)
	}
	delete(c.subs, topic)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", topic, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for topic, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", topic, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
