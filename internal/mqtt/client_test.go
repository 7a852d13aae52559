package mqtt

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mqtt-launcher/internal/config"
	"github.com/mattjoyce/mqtt-launcher/internal/events"
	"github.com/mattjoyce/mqtt-launcher/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (s *recordingSink) Submit(_ context.Context, topic string, payload *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, topic+"="+*payload)
	return s.err
}

func testMQTTConfig() config.MQTTConfig {
	cfg := config.Defaults().MQTT
	cfg.Reconnect.MinDelay = time.Millisecond
	cfg.Reconnect.MaxDelay = 4 * time.Millisecond
	cfg.DisconnectPause = 0
	return cfg
}

func newTestClient(t *testing.T, fake *fakeClient, hub *events.Hub) *Client {
	t.Helper()
	c := New(testMQTTConfig(), []string{"sys/file", "prog/echo"}, hub)
	c.newClient = func(opts *paho.ClientOptions) paho.Client {
		fake.opts = opts
		return fake
	}
	return c
}

func TestRunConnectsAndDisconnectsOnCancel(t *testing.T) {
	fake := &fakeClient{}
	c := newTestClient(t, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, &recordingSink{}) }()

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.connects == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, fake.disconnected)
	assert.True(t, fake.opts.Order)
	assert.Equal(t, "mqtt-launcher-", fake.opts.ClientID[:len("mqtt-launcher-")])
	assert.Equal(t, "clients/mqtt-launcher", fake.opts.WillTopic)
	assert.Equal(t, []byte("Adios!"), fake.opts.WillPayload)
}

func TestRunRetriesInitialConnect(t *testing.T) {
	fake := &fakeClient{connectErrs: []error{errors.New("dial tcp: refused"), errors.New("dial tcp: refused"), nil}}
	c := newTestClient(t, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, &recordingSink{}) }()

	require.Eventually(t, func() bool {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.connects == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunFailsWhenRefused(t *testing.T) {
	fake := &fakeClient{connectErrs: []error{packets.ErrorRefusedBadUsernameOrPassword}}
	c := newTestClient(t, fake, nil)

	err := c.Run(context.Background(), &recordingSink{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefused)
	assert.ErrorIs(t, err, packets.ErrorRefusedBadUsernameOrPassword)
}

func TestOnConnectSubscribesAllTopicsAtQoS2(t *testing.T) {
	fake := &fakeClient{}
	hub := events.NewHub(8)
	c := newTestClient(t, fake, hub)

	c.onConnect(fake)

	assert.Equal(t, map[string]byte{"sys/file": 2, "prog/echo": 2}, fake.subscribed)
	assert.True(t, c.IsConnected())
	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, events.MQTTConnected, snap[0].Type)
}

func TestOnMessageDecodesAndSubmits(t *testing.T) {
	fake := &fakeClient{}
	c := newTestClient(t, fake, nil)
	sink := &recordingSink{}
	c.sink = sink

	c.onMessage(fake, fakeMessage{topic: "prog/echo", payload: []byte("hello")})
	c.onMessage(fake, fakeMessage{topic: "prog/echo", payload: []byte{0xff, 0xfe}})
	c.onMessage(fake, fakeMessage{topic: "sys/file", payload: nil})

	assert.Equal(t, []string{"prog/echo=hello", "sys/file="}, sink.msgs)
}

func TestOnMessageSinkErrorIsLogged(t *testing.T) {
	fake := &fakeClient{}
	c := newTestClient(t, fake, nil)
	c.sink = &recordingSink{err: errors.New("stopped")}

	assert.NotPanics(t, func() {
		c.onMessage(fake, fakeMessage{topic: "prog/echo", payload: []byte("x")})
	})
}

func TestPublishUsesQoS2WithoutRetain(t *testing.T) {
	fake := &fakeClient{}
	c := newTestClient(t, fake, nil)

	c.Publish("prog/echo/report", "nobody home")
	assert.Empty(t, fake.published, "publish before connect is dropped")

	c.conn = fake
	c.Publish("prog/echo/report", "hello")
	require.Len(t, fake.published, 1)
	assert.Equal(t, published{topic: "prog/echo/report", qos: 2, retained: false, payload: "hello"}, fake.published[0])
}

func TestConnectionLostPausesFirstReconnectOnly(t *testing.T) {
	fake := &fakeClient{}
	hub := events.NewHub(8)
	c := newTestClient(t, fake, hub)
	c.cfg.DisconnectPause = 50 * time.Millisecond
	c.connected.Store(true)

	c.onConnectionLost(fake, errors.New("EOF"))
	assert.False(t, c.IsConnected())

	start := time.Now()
	c.onReconnecting(fake, nil)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	start = time.Now()
	c.onReconnecting(fake, nil)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.Equal(t, events.MQTTDisconnected, snap[0].Type)
}
