package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mattjoyce/mqtt-launcher/internal/config"
)

// BrokerURL builds the paho server URL for cfg.
func BrokerURL(cfg config.MQTTConfig) string {
	hostPort := net.JoinHostPort(cfg.Broker, strconv.Itoa(cfg.Port))
	switch {
	case cfg.Transport == config.TransportWebsockets && cfg.TLS:
		return "wss://" + hostPort + wsPath(cfg.WSPath)
	case cfg.Transport == config.TransportWebsockets:
		return "ws://" + hostPort + wsPath(cfg.WSPath)
	case cfg.TLS:
		return "ssl://" + hostPort
	default:
		return "tcp://" + hostPort
	}
}

func wsPath(p string) string {
	if p == "" {
		return "/ws"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// TLSConfig returns the TLS settings for cfg, or nil when TLS is off.
// Certificates are verified unless tls_verify is false.
func TLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	if !cfg.TLS {
		return nil, nil
	}
	tc := &tls.Config{
		ServerName:         cfg.Broker,
		InsecureSkipVerify: !cfg.TLSVerify, //nolint:gosec // opt-out is explicit in config
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca_file %s: no certificates found", cfg.CAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// buildOptions maps configuration onto paho client options. Handlers are
// attached by the Client.
func buildOptions(cfg config.MQTTConfig) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions()
	opts.AddBroker(BrokerURL(cfg))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetOrderMatters(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetResumeSubs(!cfg.CleanSession)

	if cfg.Reconnect.MinDelay > 0 {
		opts.SetConnectRetryInterval(cfg.Reconnect.MinDelay)
	}
	if cfg.Reconnect.MaxDelay > 0 {
		opts.SetMaxReconnectInterval(cfg.Reconnect.MaxDelay)
	}

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.Will.Topic != "" {
		opts.SetWill(cfg.Will.Topic, cfg.Will.Payload, cfg.Will.QoS, cfg.Will.Retain)
	}

	tc, err := TLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		opts.SetTLSConfig(tc)
	}
	return opts, nil
}
