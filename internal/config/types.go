package config

import (
	"fmt"
	"os"
	"time"
)

// Config represents the complete mqtt-launcher configuration.
type Config struct {
	Service ServiceConfig        `yaml:"service"`
	MQTT    MQTTConfig           `yaml:"mqtt"`
	State   StateConfig          `yaml:"state"`
	API     APIConfig            `yaml:"api,omitempty"`
	Topics  map[string]TopicConf `yaml:"topics"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// WorkDir is the working directory commands run in.
	WorkDir string `yaml:"work_dir"`

	// ExecTimeout bounds a single command. Zero means unbounded.
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
}

// MQTTConfig defines the broker connection. Fields tagged env can be
// overridden with MQTTLAUNCHER_<NAME> environment variables.
type MQTTConfig struct {
	Broker       string        `yaml:"broker" env:"BROKER"`
	Port         int           `yaml:"port" env:"PORT"`
	ClientID     string        `yaml:"client_id" env:"CLIENT_ID"`
	Transport    string        `yaml:"transport" env:"TRANSPORT"`
	Username     string        `yaml:"username" env:"USERNAME"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	TLS          bool          `yaml:"tls" env:"TLS"`
	TLSVerify    bool          `yaml:"tls_verify" env:"TLS_VERIFY"`
	CAFile       string        `yaml:"ca_file" env:"CA_FILE"`
	CleanSession bool          `yaml:"clean_session" env:"CLEAN_SESSION"`
	KeepAlive    time.Duration `yaml:"keepalive" env:"KEEPALIVE"`
	WSPath       string        `yaml:"ws_path" env:"WS_PATH"`

	Will      WillConfig      `yaml:"will"`
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// DisconnectPause delays the first reconnect attempt after a lost connection.
	DisconnectPause time.Duration `yaml:"disconnect_pause" env:"DISCONNECT_PAUSE"`

	// QueueSize bounds inbound messages waiting for the dispatch loop.
	QueueSize int `yaml:"queue_size"`
}

// WillConfig is the last-will message registered with the broker.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     byte   `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// ReconnectConfig bounds the reconnect backoff.
type ReconnectConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

// StateConfig defines run history storage. An empty path disables history.
type StateConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// TopicConf maps payload values to commands for one subscribed topic.
//
//	topics:
//	  sys/file:
//	    params:
//	      create: [/usr/bin/touch, /tmp/file.one]
//	    default: [/bin/echo, "@!@"]
type TopicConf struct {
	Params  map[string][]string `yaml:"params,omitempty"`
	Default []string            `yaml:"default,omitempty"`
}

// Defaults returns a Config with the launcher's defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:           "mqtt-launcher",
			LogLevel:       "info",
			LogFormat:      "json",
			WorkDir:        os.TempDir(),
			MaxOutputBytes: 256 * 1024,
		},
		MQTT: MQTTConfig{
			Broker:    "localhost",
			Port:      1883,
			ClientID:  fmt.Sprintf("mqtt-launcher-%d", os.Getpid()),
			Transport: TransportTCP,
			TLSVerify: true,
			KeepAlive: 60 * time.Second,
			WSPath:    "/ws",
			Will: WillConfig{
				Topic:   "clients/mqtt-launcher",
				Payload: "Adios!",
			},
			Reconnect: ReconnectConfig{
				MinDelay: 3 * time.Second,
				MaxDelay: 30 * time.Second,
			},
			DisconnectPause: 10 * time.Second,
			QueueSize:       64,
		},
		State: StateConfig{
			Path:      "./data/launcher.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Topics: make(map[string]TopicConf),
	}
}

const (
	TransportTCP        = "tcp"
	TransportWebsockets = "websockets"
)
