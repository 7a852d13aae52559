// Package mqtt connects the launcher to the broker: it subscribes to the
// configured topics, hands each delivery to a Sink and publishes reports.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/mattjoyce/mqtt-launcher/internal/config"
	"github.com/mattjoyce/mqtt-launcher/internal/events"
	"github.com/mattjoyce/mqtt-launcher/internal/log"
)

const (
	// SubscribeQoS is used for every topic subscription and every report.
	SubscribeQoS byte = 2

	// disconnectQuiesce is how long Disconnect waits for in-flight work, in ms.
	disconnectQuiesce = 250

	subscribeTimeout = 10 * time.Second
)

// ErrRefused wraps a CONNACK refusal; retrying cannot fix it.
var ErrRefused = errors.New("broker refused connection")

// Sink receives decoded messages in delivery order.
type Sink interface {
	Submit(ctx context.Context, topic string, payload *string) error
}

// Client owns the broker connection.
type Client struct {
	cfg    config.MQTTConfig
	topics []string
	hub    *events.Hub
	logger *slog.Logger

	// newClient is swapped in tests.
	newClient func(*paho.ClientOptions) paho.Client

	mu   sync.RWMutex
	conn paho.Client
	sink Sink
	ctx  context.Context

	justLost  atomic.Bool
	connected atomic.Bool
}

// New creates a client for topics. hub may be nil.
func New(cfg config.MQTTConfig, topics []string, hub *events.Hub) *Client {
	ts := make([]string, len(topics))
	copy(ts, topics)
	return &Client{
		cfg:       cfg,
		topics:    ts,
		hub:       hub,
		logger:    log.WithComponent("mqtt"),
		newClient: paho.NewClient,
		ctx:       context.Background(),
	}
}

// Run connects, subscribes and delivers messages to sink until ctx is
// cancelled. The first connection is retried with exponential backoff; later
// losses are handled by paho's auto-reconnect. A refused connection
// (bad credentials, not authorised) is returned as an error.
func (c *Client) Run(ctx context.Context, sink Sink) error {
	opts, err := buildOptions(c.cfg)
	if err != nil {
		return err
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)
	opts.SetDefaultPublishHandler(c.onMessage)

	conn := c.newClient(opts)
	c.mu.Lock()
	c.conn = conn
	c.sink = sink
	c.ctx = ctx
	c.mu.Unlock()

	if err := c.connect(ctx, conn); err != nil {
		return err
	}

	<-ctx.Done()
	c.logger.Info("disconnecting from broker")
	conn.Disconnect(disconnectQuiesce)
	c.connected.Store(false)
	return nil
}

func (c *Client) connect(ctx context.Context, conn paho.Client) error {
	delay := c.cfg.Reconnect.MinDelay
	if delay <= 0 {
		delay = time.Second
	}
	maxDelay := c.cfg.Reconnect.MaxDelay
	if maxDelay < delay {
		maxDelay = delay
	}

	for {
		c.logger.Info("connecting to broker", "broker", BrokerURL(c.cfg), "client_id", c.cfg.ClientID)
		tok := conn.Connect()
		select {
		case <-tok.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		err := tok.Error()
		if err == nil {
			return nil
		}
		if refused(err) {
			return fmt.Errorf("%w: %w", ErrRefused, err)
		}

		c.logger.Warn("connect failed, retrying", "error", err, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func refused(err error) bool {
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) ||
		errors.Is(err, packets.ErrorRefusedIDRejected) ||
		errors.Is(err, packets.ErrorRefusedBadProtocolVersion)
}

// Publish sends payload to topic at QoS 2 without retain. It does not wait
// for the broker; delivery errors are logged.
func (c *Client) Publish(topic, payload string) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		c.logger.Warn("publish before connect, dropping report", "topic", topic)
		return
	}

	tok := conn.Publish(topic, SubscribeQoS, false, payload)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			c.logger.Error("publish failed", "topic", topic, "error", err)
		}
	}()
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Topics returns the subscribed topics.
func (c *Client) Topics() []string {
	out := make([]string, len(c.topics))
	copy(out, c.topics)
	return out
}

// onConnect fires once per successful connection and (re)subscribes.
func (c *Client) onConnect(conn paho.Client) {
	c.connected.Store(true)
	c.logger.Info("connected to broker, subscribing", "topics", len(c.topics))

	filters := make(map[string]byte, len(c.topics))
	for _, t := range c.topics {
		filters[t] = SubscribeQoS
	}
	if len(filters) > 0 {
		tok := conn.SubscribeMultiple(filters, c.onMessage)
		if !tok.WaitTimeout(subscribeTimeout) {
			c.logger.Error("subscribe timed out", "topics", c.topics)
		} else if err := tok.Error(); err != nil {
			c.logger.Error("subscribe failed", "error", err)
		} else {
			for _, t := range c.topics {
				c.logger.Debug("subscribed", "topic", t, "qos", SubscribeQoS)
			}
		}
	}
	c.hub.Publish(events.MQTTConnected, map[string]any{
		"broker": BrokerURL(c.cfg),
		"topics": c.topics,
	})
}

// onMessage fires once per delivered message. With ordered delivery it
// blocks paho's router until the sink accepts the message.
func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	topic := msg.Topic()
	raw := msg.Payload()
	c.logger.Debug("message received", "topic", topic, "qos", msg.Qos(), "bytes", len(raw))

	if !utf8.Valid(raw) {
		c.logger.Warn("payload is not valid UTF-8, dropping", "topic", topic)
		return
	}
	payload := string(raw)

	c.mu.RLock()
	sink, ctx := c.sink, c.ctx
	c.mu.RUnlock()
	if sink == nil {
		c.logger.Warn("no sink attached, dropping", "topic", topic)
		return
	}
	if err := sink.Submit(ctx, topic, &payload); err != nil {
		c.logger.Error("failed to hand off message", "topic", topic, "error", err)
	}
}

// onConnectionLost fires once per connection loss.
func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.connected.Store(false)
	c.justLost.Store(true)
	c.logger.Warn("launcher disconnects", "error", err)
	c.hub.Publish(events.MQTTDisconnected, map[string]any{"error": errString(err)})
}

// onReconnecting runs before each reconnect attempt. The first attempt after
// a loss is held back by the disconnect pause.
func (c *Client) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	if !c.justLost.Swap(false) || c.cfg.DisconnectPause <= 0 {
		return
	}
	c.mu.RLock()
	ctx := c.ctx
	c.mu.RUnlock()

	c.logger.Info("pausing before reconnect", "pause", c.cfg.DisconnectPause)
	t := time.NewTimer(c.cfg.DisconnectPause)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
