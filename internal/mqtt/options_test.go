package mqtt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/mqtt-launcher/internal/config"
)

func TestBrokerURL(t *testing.T) {
	base := config.Defaults().MQTT
	base.Broker = "broker.local"

	tests := []struct {
		name   string
		mutate func(*config.MQTTConfig)
		want   string
	}{
		{"tcp", func(*config.MQTTConfig) {}, "tcp://broker.local:1883"},
		{"tls", func(c *config.MQTTConfig) { c.TLS = true; c.Port = 8883 }, "ssl://broker.local:8883"},
		{"websockets", func(c *config.MQTTConfig) { c.Transport = config.TransportWebsockets; c.Port = 9001 }, "ws://broker.local:9001/ws"},
		{"secure websockets", func(c *config.MQTTConfig) {
			c.Transport = config.TransportWebsockets
			c.TLS = true
			c.Port = 443
			c.WSPath = "mqtt"
		}, "wss://broker.local:443/mqtt"},
		{"ipv6", func(c *config.MQTTConfig) { c.Broker = "::1" }, "tcp://[::1]:1883"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Equal(t, tt.want, BrokerURL(cfg))
		})
	}
}

func TestTLSConfig(t *testing.T) {
	cfg := config.Defaults().MQTT

	tc, err := TLSConfig(cfg)
	require.NoError(t, err)
	assert.Nil(t, tc)

	cfg.TLS = true
	tc, err = TLSConfig(cfg)
	require.NoError(t, err)
	assert.False(t, tc.InsecureSkipVerify, "certificates are verified by default")
	assert.Equal(t, "localhost", tc.ServerName)

	cfg.TLSVerify = false
	tc, err = TLSConfig(cfg)
	require.NoError(t, err)
	assert.True(t, tc.InsecureSkipVerify)

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))
	cfg.CAFile = bad
	_, err = TLSConfig(cfg)
	assert.Error(t, err)

	cfg.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = TLSConfig(cfg)
	assert.Error(t, err)
}

func TestBuildOptions(t *testing.T) {
	cfg := config.Defaults().MQTT
	cfg.Username = "u"
	cfg.Password = "p"

	opts, err := buildOptions(cfg)
	require.NoError(t, err)
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "tcp://localhost:1883", opts.Servers[0].String())
	assert.Equal(t, "u", opts.Username)
	assert.Equal(t, "p", opts.Password)
	assert.False(t, opts.CleanSession)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.WillEnabled)
	assert.Equal(t, byte(0), opts.WillQos)
	assert.Equal(t, cfg.Reconnect.MaxDelay, opts.MaxReconnectInterval)
}
